package reformat

import "math"

// resampler is a medium-quality windowed-sinc sample-rate converter, carried
// statefully across calls the way a streaming resampler must be: samples
// near the end of one Write() feed the interpolation window for the start
// of the next, and a half-window of history lives in `tail` between calls.
//
// Quality knob: a Lanczos-windowed sinc kernel with halfTaps=8 (16-tap
// effective window, offsets -7..+8 around the center), which sits in the "medium quality" band spec.md §4.8
// asks for without the cost of a full polyphase/FFT resampler.
type resampler struct {
	channels   int
	ratio      float64 // out/in
	halfTaps   int
	tail       []float32 // trailing per-channel history, interleaved
	posFrac    float64   // fractional input-frame position carried across calls
	totalInput int64     // input frames consumed so far, for position bookkeeping
}

const resamplerHalfTaps = 8

func newResampler(inRate, outRate, channels int) *resampler {
	return &resampler{
		channels: channels,
		ratio:    float64(outRate) / float64(inRate),
		halfTaps: resamplerHalfTaps,
	}
}

// process resamples interleaved input frames. When flush is true, the
// remaining tail is drained as if silence followed (end_of_input=1).
func (r *resampler) process(in []float32, flush bool) []float32 {
	frames := append(r.frameHistory(), deinterleave(in, r.channels)...)

	inFrameCount := len(frames)
	if inFrameCount == 0 {
		return nil
	}

	// How many whole output frames can be produced without running past
	// the data we actually have (minus the half-window of lookahead the
	// kernel needs, unless we're flushing and may run off the edge).
	usableInput := inFrameCount - r.halfTaps
	if flush {
		usableInput = inFrameCount
	}
	if usableInput <= r.halfTaps {
		if !flush {
			r.saveHistory(frames)
			return nil
		}
		usableInput = inFrameCount
	}

	var outFrames [][]float32
	srcPos := r.posFrac
	for {
		srcIdx := int(srcPos)
		if srcIdx >= usableInput {
			break
		}
		outFrames = append(outFrames, r.kernelAt(frames, srcPos))
		srcPos += 1.0 / r.ratio
	}

	consumed := int(srcPos)
	if consumed > inFrameCount {
		consumed = inFrameCount
	}
	r.posFrac = srcPos - float64(consumed)

	if !flush {
		r.saveHistory(frames[max0(consumed-r.halfTaps):])
	} else {
		r.tail = nil
		r.posFrac = 0
	}

	return interleave(outFrames)
}

// reset discards carried-over state, used when the caller's session is
// reinitialized and stale history would otherwise bleed into new audio.
func (r *resampler) reset() {
	r.tail = nil
	r.posFrac = 0
	r.totalInput = 0
}

func (r *resampler) frameHistory() [][]float32 {
	return deinterleave(r.tail, r.channels)
}

func (r *resampler) saveHistory(frames [][]float32) {
	r.tail = interleave(frames)
}

// kernelAt evaluates the windowed-sinc kernel centered at fractional
// position pos within frames, one sample per channel.
func (r *resampler) kernelAt(frames [][]float32, pos float64) []float32 {
	out := make([]float32, r.channels)
	center := int(pos)
	frac := pos - float64(center)

	for tap := -r.halfTaps + 1; tap <= r.halfTaps; tap++ {
		idx := center + tap
		if idx < 0 || idx >= len(frames) {
			continue
		}
		x := float64(tap) - frac
		w := lanczosWeight(x, float64(r.halfTaps))
		for c := 0; c < r.channels; c++ {
			out[c] += float32(w) * frames[idx][c]
		}
	}
	return out
}

func lanczosWeight(x, a float64) float64 {
	if x == 0 {
		return 1
	}
	if x < -a || x > a {
		return 0
	}
	piX := math.Pi * x
	return a * math.Sin(piX) * math.Sin(piX/a) / (piX * piX)
}

func deinterleave(buf []float32, channels int) [][]float32 {
	if channels == 0 {
		return nil
	}
	n := len(buf) / channels
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		frame := make([]float32, channels)
		copy(frame, buf[i*channels:(i+1)*channels])
		out[i] = frame
	}
	return out
}

func interleave(frames [][]float32) []float32 {
	if len(frames) == 0 {
		return nil
	}
	channels := len(frames[0])
	out := make([]float32, len(frames)*channels)
	for i, frame := range frames {
		copy(out[i*channels:(i+1)*channels], frame)
	}
	return out
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
