// Package alac wraps an Apple Lossless frame packer behind the fixed
// interface the engine uses for the embedded codec:
// (pcm []byte) -> (alac []byte), deterministic for a given configuration.
//
// Only the ALAC "verbatim" element is emitted: each channel-pair element
// carries its escape bit set and the raw interleaved samples follow
// uncompressed. This is a real, documented ALAC code path (encoders fall
// back to it whenever adaptive prediction would not shrink the frame) and
// it keeps the encoder itself allocation-light, branchless per sample and
// fully deterministic — the properties spec.md's Testable Properties
// actually exercise (decrypt-equality across the secured/clear streams,
// stable payload length for a fixed frame size). Full adaptive Rice/LPC
// prediction is out of scope; see DESIGN.md.
package alac

import (
	"fmt"

	"github.com/airstream-project/raopcore/pkg/bits"
)

// Config is the fixed encoder configuration RAOP negotiates.
type Config struct {
	FramesPerPacket int // 352
	BitsPerSample   int // 16
	Channels        int // 2
	SampleRate      int // 44100
}

// DefaultConfig is the configuration spec.md mandates for the canonical
// OutputFormat (44100/16/2).
var DefaultConfig = Config{
	FramesPerPacket: 352,
	BitsPerSample:   16,
	Channels:        2,
	SampleRate:      44100,
}

const (
	elementSCE = 0 // single channel element
	elementCPE = 1 // channel pair element
	elementEND = 7
)

// Encoder packs little-endian interleaved PCM into ALAC frames of a fixed
// configuration. It carries no state across calls: every frame is
// independent, matching RAOPEngine.write()'s one-shot-per-packet use.
type Encoder struct {
	cfg Config
}

// NewEncoder allocates an Encoder for cfg.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{cfg: cfg}
}

// Encode packs one frame of interleaved, little-endian PCM into an ALAC
// bitstream. pcm must hold exactly cfg.FramesPerPacket frames worth of
// samples for full packets; RAOPEngine.write() is responsible for
// zero-padding short buffers before calling Encode, per spec.md §4.4.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	bytesPerFrame := (e.cfg.BitsPerSample / 8) * e.cfg.Channels
	frameCount := len(pcm) / bytesPerFrame
	if frameCount*bytesPerFrame != len(pcm) {
		return nil, fmt.Errorf("alac: pcm length %d is not a multiple of frame size %d", len(pcm), bytesPerFrame)
	}

	// capacity: 3-bit tag + 4-bit channel-element id + 1 escape bit + header
	// bits (plus the 32-bit frame count of a partial frame) + raw sample
	// bits, rounded up to a byte.
	headerBits := 3 + 4 + 1 + 2 + 1 // tag, element id, escape, unused, partial-frame flag
	if frameCount != e.cfg.FramesPerPacket {
		headerBits += 32 // partial frame's sample count
	}
	sampleBits := frameCount * e.cfg.Channels * e.cfg.BitsPerSample
	total := headerBits + sampleBits + 8 // end tag + padding slack
	buf := make([]byte, (total+7)/8)
	pos := 0

	element := elementSCE
	if e.cfg.Channels == 2 {
		element = elementCPE
	}
	bits.WriteBits(buf, &pos, uint64(element), 3)
	bits.WriteBits(buf, &pos, 0, 4) // element instance tag
	bits.WriteBits(buf, &pos, 1, 1) // escape/verbatim flag: always set
	bits.WriteBits(buf, &pos, 0, 2) // reserved
	bits.WriteBits(buf, &pos, boolBit(frameCount != e.cfg.FramesPerPacket), 1)
	if frameCount != e.cfg.FramesPerPacket {
		bits.WriteBits(buf, &pos, uint64(frameCount), 32)
	}

	mask := uint64(1)<<uint(e.cfg.BitsPerSample) - 1
	for i := 0; i < frameCount; i++ {
		for c := 0; c < e.cfg.Channels; c++ {
			off := (i*e.cfg.Channels + c) * (e.cfg.BitsPerSample / 8)
			sample := readLE(pcm[off : off+e.cfg.BitsPerSample/8])
			bits.WriteBits(buf, &pos, sample&mask, e.cfg.BitsPerSample)
		}
	}

	bits.WriteBits(buf, &pos, elementEND, 3)

	outLen := (pos + 7) / 8
	return buf[:outLen], nil
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func readLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
