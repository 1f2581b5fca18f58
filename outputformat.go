package raopcore

// OutputFormat describes a PCM stream's layout.
type OutputFormat struct {
	SampleRate    int
	SampleSize    int // bytes per sample per channel
	ChannelCount  int
}

// Canonical is the RAOP engine's fixed wire format: 44100 Hz, 16-bit,
// stereo, little-endian.
var Canonical = OutputFormat{SampleRate: 44100, SampleSize: 2, ChannelCount: 2}

// BytesPerFrame is the byte size of one sample across all channels.
func (f OutputFormat) BytesPerFrame() int {
	return f.SampleSize * f.ChannelCount
}

// BytesPerSecond is the format's raw PCM data rate.
func (f OutputFormat) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}
