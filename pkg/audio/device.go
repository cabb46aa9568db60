// Package audio defines the capture-side abstractions of Supportline: input
// devices, frame sources, and the PCM helpers that turn raw driver buffers
// into fixed-size mono frames.
//
// The two primary abstractions are:
//
//   - [DeviceProvider] enumerates input devices and opens one as a [Source].
//   - [Source] delivers [AudioFrame] values of a fixed duration until it is
//     closed or the device fails.
//
// Implementations live in sub-packages (audio/capture for microphones,
// audio/wavfile for recorded calls). This package lives under pkg/ because
// external code is expected to implement [DeviceProvider].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrSourceClosed is returned by [Source.ReadFrame] after [Source.Close].
var ErrSourceClosed = errors.New("audio: source closed")

// DeviceInfo describes one audio input device.
type DeviceInfo struct {
	// ID is the backend-specific identifier passed to [DeviceProvider.Open].
	ID string

	// Name is the human-readable device name.
	Name string

	// MaxChannels is the number of input channels the device offers, or 0 when
	// the backend cannot tell before opening the device.
	MaxChannels int

	// IsDefault marks the system default input.
	IsDefault bool
}

// CaptureConfig fixes the shape of the frames a [Source] produces.
type CaptureConfig struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int

	// FrameSamples is the number of samples per frame. Default 800 (50 ms).
	FrameSamples int

	// Buffer is how many frames a Source holds between the driver and the
	// reader before it starts dropping the oldest. Default 8.
	Buffer int
}

// DefaultCaptureConfig returns 16 kHz mono frames of 50 ms.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: 16000, FrameSamples: 800, Buffer: 8}
}

// WithDefaults fills zero fields from [DefaultCaptureConfig].
func (c CaptureConfig) WithDefaults() CaptureConfig {
	d := DefaultCaptureConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = d.FrameSamples
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	return c
}

// FrameBytes returns the size in bytes of one mono 16-bit frame.
func (c CaptureConfig) FrameBytes() int { return c.FrameSamples * 2 }

// FrameDuration returns the wall-clock length of one frame.
func (c CaptureConfig) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.SampleRate)
}

// Source delivers captured audio frame by frame.
//
// Implementations must be safe for one reader calling ReadFrame concurrently
// with Close from another goroutine.
type Source interface {
	// ReadFrame blocks until the next frame is available, ctx is done, or the
	// source fails. A device failure is reported as a [types.ErrDevice] error.
	// After Close it returns [ErrSourceClosed].
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Close releases the device. It is safe to call more than once; calls after
	// the first are no-ops and return nil.
	Close() error
}

// DeviceProvider is the entry point for an audio backend.
//
// Implementations must be safe for concurrent use.
type DeviceProvider interface {
	// Devices lists the available input devices.
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// Open starts capturing from deviceID (empty selects the default device)
	// and returns a [Source] producing frames shaped by cfg.
	Open(ctx context.Context, deviceID string, cfg CaptureConfig) (Source, error)

	// Close releases backend resources. Open sources should be closed first.
	Close() error
}
