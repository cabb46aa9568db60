package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Converter turns interleaved 16-bit PCM of one [Format] into mono PCM at a
// target sample rate. It warns once on the first mismatch so a misconfigured
// device shows up in the logs without flooding them.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Source     Format
	TargetRate int

	warnOnce    sync.Once
	corruptOnce sync.Once
}

// Convert downmixes and resamples pcm. Input whose length is not a whole
// number of sample frames is dropped and nil is returned.
func (c *Converter) Convert(pcm []byte) []byte {
	channels := max(c.Source.Channels, 1)
	if len(pcm)%(2*channels) != 0 {
		c.corruptOnce.Do(func() {
			slog.Warn("audio converter: partial sample frame in PCM data, dropping",
				"bytes", len(pcm), "format", c.Source.String())
		})
		return nil
	}
	if channels == 1 && c.Source.SampleRate == c.TargetRate {
		return pcm
	}
	c.warnOnce.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.Source.String(),
			"to", Format{SampleRate: c.TargetRate, Channels: 1}.String())
	})
	return ResampleMono16(DownmixToMono(pcm, channels), c.Source.SampleRate, c.TargetRate)
}

// DownmixToMono averages each interleaved sample frame of channels samples
// into one mono sample. Mono input is returned unchanged.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input is returned unchanged when the rates match
// or either rate is not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}
	sample := func(i int) float64 {
		if i >= n {
			i = n - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	out := make([]byte, outN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range outN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// IsSilent reports whether pcm carries no signal: it is empty or every byte
// is zero. Silent frames never reach the transcription service.
func IsSilent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
