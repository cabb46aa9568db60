package audio

import "time"

// AudioFrame is one fixed-length chunk of captured audio. Frames are the unit
// handed from a [Source] to the pipeline and forwarded to the transcription
// service unchanged.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for the transcription path).
	SampleRate int

	// Channels is always 1 once a frame leaves a Source.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of 16-bit samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}
