// Package reformat converts PCM between a Player's native output format and
// the RAOP engine's canonical 44100 Hz / 16-bit / 2-channel format, per
// spec.md §4.8. Conversion happens in up to three stages, each skipped when
// it would be an identity transform:
//
//  1. bit-depth normalization: any integer width -> float32 in [-1, 1]
//  2. sample-rate conversion: a stateful windowed-sinc resampler
//  3. channel expansion: mono -> stereo by duplication
//
// and finally back to 16-bit integer via saturating round.
package reformat

import (
	"fmt"
	"math"
)

// Format describes one endpoint of a conversion.
type Format struct {
	SampleRate int
	BitsPerSample int
	Channels      int
}

// Canonical is the RAOP engine's fixed target format.
var Canonical = Format{SampleRate: 44100, BitsPerSample: 16, Channels: 2}

// Sink receives reformatted PCM downstream (the ring buffer, in production).
type Sink interface {
	CanWrite() int
	Write(buf []byte) (int, error)
	Reset()
}

// Reformatter adapts PCM in Format `in` into Canonical before writing it to
// a Sink. Constructing one for in == Canonical is a programmer error the
// caller should avoid (spec.md: "If input format = engine's canonical
// format, bypassed"); NewReformatter returns an error for that case to
// surface the mismatch immediately, matching spec.md §7's
// "Reformatter rejects formats it was not constructed for".
type Reformatter struct {
	in   Format
	sink Sink

	resampler *resampler
}

// NewReformatter builds a Reformatter converting from `in` to Canonical.
func NewReformatter(in Format, sink Sink) (*Reformatter, error) {
	if in.SampleRate <= 0 || in.Channels <= 0 || in.BitsPerSample <= 0 {
		return nil, fmt.Errorf("reformat: invalid input format %+v", in)
	}
	if in.Channels != 1 && in.Channels != 2 {
		return nil, fmt.Errorf("reformat: unsupported channel count %d", in.Channels)
	}
	if in == Canonical {
		return nil, fmt.Errorf("reformat: input format %+v is already canonical", in)
	}

	r := &Reformatter{in: in, sink: sink}
	if in.SampleRate != Canonical.SampleRate {
		r.resampler = newResampler(in.SampleRate, Canonical.SampleRate, in.Channels)
	}
	return r, nil
}

// reformatRatio is Canonical bytes/sec over input bytes/sec, used by
// CanWrite to translate the sink's free-byte count into an input-side
// capacity.
func (r *Reformatter) reformatRatio() float64 {
	outBps := float64(Canonical.SampleRate * Canonical.BitsPerSample / 8 * Canonical.Channels)
	inBps := float64(r.in.SampleRate * r.in.BitsPerSample / 8 * r.in.Channels)
	return outBps / inBps
}

// CanWrite reports how many input-format bytes may be written right now,
// rounded down to a whole input frame.
func (r *Reformatter) CanWrite() int {
	inFrame := r.in.Channels * r.in.BitsPerSample / 8
	avail := float64(r.sink.CanWrite()) / r.reformatRatio()
	frames := int(avail) / inFrame
	return frames * inFrame
}

// Write converts buf (in input format) to Canonical format and forwards it
// to the sink.
func (r *Reformatter) Write(buf []byte) (int, error) {
	floats := toFloat32(buf, r.in.BitsPerSample)

	if r.resampler != nil {
		floats = r.resampler.process(floats, false)
	}

	if r.in.Channels == 1 {
		floats = monoToStereo(floats)
	}

	out := fromFloat32(floats)
	n, err := r.sink.Write(out)
	return n, err
}

// Reset discards any samples buffered inside the resampler and resets the
// downstream sink, used when the engine session is reinitialized.
func (r *Reformatter) Reset() {
	if r.resampler != nil {
		r.resampler.reset()
	}
	r.sink.Reset()
}

// Flush drains any samples buffered inside the resampler (end_of_input=1)
// and forwards them, rounding out a partial output frame with silence.
func (r *Reformatter) Flush() error {
	if r.resampler == nil {
		return nil
	}

	floats := r.resampler.process(nil, true)
	if len(floats) == 0 {
		return nil
	}
	if r.in.Channels == 1 {
		floats = monoToStereo(floats)
	}
	_, err := r.sink.Write(fromFloat32(floats))
	return err
}

func toFloat32(buf []byte, bitsPerSample int) []float32 {
	bytesPerSample := bitsPerSample / 8
	n := len(buf) / bytesPerSample
	out := make([]float32, n)

	maxVal := float64(int64(1) << uint(bitsPerSample-1))

	for i := 0; i < n; i++ {
		off := i * bytesPerSample
		sample := signExtend(buf[off:off+bytesPerSample], bitsPerSample)
		out[i] = float32(float64(sample) / maxVal)
	}
	return out
}

func signExtend(b []byte, bits int) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	shift := 64 - bits
	return (v << shift) >> shift
}

func fromFloat32(floats []float32) []byte {
	out := make([]byte, len(floats)*2)
	for i, f := range floats {
		v := saturate16(f)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func saturate16(f float32) int16 {
	v := math.Round(float64(f) * 32767)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// monoToStereo duplicates each sample, working back-to-front so the
// expansion can be done in a single pass without a second allocation when
// the caller has spare capacity — here we always allocate fresh, matching
// the package's otherwise-allocating style, but the traversal order is
// kept back-to-front to document the in-place technique spec.md names.
func monoToStereo(mono []float32) []float32 {
	out := make([]float32, len(mono)*2)
	for i := len(mono) - 1; i >= 0; i-- {
		out[i*2] = mono[i]
		out[i*2+1] = mono[i]
	}
	return out
}
