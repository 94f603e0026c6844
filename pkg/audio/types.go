package audio

import "time"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Candidate microphone audio arrives at 16 kHz mono; examiner speech is
// synthesised at 24 kHz mono. Both are 16-bit signed little-endian PCM.
var (
	InputFormat  = Format{SampleRate: 16000, Channels: 1}
	OutputFormat = Format{SampleRate: 24000, Channels: 1}
)

// Chunk is a single frame of candidate or examiner audio. Chunks are
// independently decodable: no codec state spans chunk boundaries.
type Chunk struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for all exam audio.
	Channels int

	// Timestamp is the client-side capture time of the chunk.
	Timestamp time.Time
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / 2 / c.Channels
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
