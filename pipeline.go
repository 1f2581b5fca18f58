package raopcore

import (
	"fmt"

	"github.com/airstream-project/raopcore/pkg/reformat"
	"github.com/airstream-project/raopcore/pkg/ringbuf"
)

// engineSink adapts *Engine to the ringbuf.Sink/reformat.Sink interfaces.
// Engine.Write is a non-blocking whole-packet operation with no internal
// queue, so CanWrite always reports room for exactly one canonical packet.
type engineSink struct {
	engine *Engine
}

func (s engineSink) CanWrite() int {
	return RAOPPacketMaxDataSize
}

func (s engineSink) Write(buf []byte) (int, error) {
	if err := s.engine.Write(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s engineSink) Reset() {
	s.engine.Reset()
}

// Pipeline is the data flow spec.md §3 describes: Player -> PCM bytes ->
// Ring Buffer -> Reformatter (if needed) -> RAOP Engine. When the caller's
// format already matches Canonical, the Reformatter stage is bypassed
// entirely (spec.md §4.8, Testable Property 9) and the Ring Buffer feeds
// the Engine directly.
type Pipeline struct {
	format OutputFormat
	ring   *ringbuf.Buffer
	reform *reformat.Reformatter
}

// NewPipeline builds a Pipeline accepting PCM in format and feeding engine.
func NewPipeline(format OutputFormat, engine *Engine) (*Pipeline, error) {
	sink := engineSink{engine: engine}

	if format == Canonical {
		return &Pipeline{format: format, ring: ringbuf.New(sink)}, nil
	}

	reformatter, err := reformat.NewReformatter(reformat.Format{
		SampleRate:    format.SampleRate,
		BitsPerSample: format.SampleSize * 8,
		Channels:      format.ChannelCount,
	}, sink)
	if err != nil {
		return nil, fmt.Errorf("raop pipeline: %w", err)
	}

	return &Pipeline{
		format: format,
		ring:   ringbuf.New(reformatter),
		reform: reformatter,
	}, nil
}

// Format reports the PCM layout this Pipeline was built for.
func (p *Pipeline) Format() OutputFormat { return p.format }

// Bypassed reports whether the Reformatter stage is skipped, spec.md §4.8
// Testable Property 9.
func (p *Pipeline) Bypassed() bool { return p.reform == nil }

// Write accepts PCM bytes from the player's producer thread(s) and stages
// them through the ring buffer (and, if needed, the reformatter) toward
// the engine.
func (p *Pipeline) Write(buf []byte) (int, error) {
	return p.ring.Write(buf)
}

// Flush forces the ring buffer to drain, then drains any samples buffered
// inside the reformatter's resampler.
func (p *Pipeline) Flush() error {
	p.ring.Flush()
	if p.reform == nil {
		return nil
	}
	return p.reform.Flush()
}

// Reset clears the ring buffer, the reformatter's resampler state (if any)
// and the engine's session state, for reinit-time reuse of a Pipeline.
func (p *Pipeline) Reset() {
	p.ring.Reset()
}
