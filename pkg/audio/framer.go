package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/supportline/pkg/types"
)

// Framer slices an arbitrary-sized stream of mono PCM into fixed frames and
// hands them to a reader. It is the [Source] half shared by every capture
// backend: driver callbacks call [Framer.Write], the pipeline calls
// [Framer.ReadFrame].
//
// Frames are held in a small ring. When the reader falls behind, the oldest
// pending frame is dropped so capture never stalls and never fails on
// overflow.
type Framer struct {
	cfg     CaptureConfig
	frames  chan AudioFrame
	pending []byte
	offset  time.Duration

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	release   func() error

	failMu   sync.Mutex
	failErr  error
	failed   chan struct{}
	failOnce sync.Once

	dropped atomic.Int64
}

var _ Source = (*Framer)(nil)

// NewFramer returns a Framer producing frames shaped by cfg. release is
// called exactly once by [Framer.Close] to free the underlying device; it
// may be nil.
func NewFramer(cfg CaptureConfig, release func() error) *Framer {
	cfg = cfg.WithDefaults()
	return &Framer{
		cfg:     cfg,
		frames:  make(chan AudioFrame, cfg.Buffer),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
		release: release,
	}
}

// Write appends mono 16-bit PCM and emits every complete frame. It never
// blocks on the reader. Write after Close is a no-op.
func (f *Framer) Write(pcm []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	select {
	case <-f.done:
		return
	default:
	}

	f.pending = append(f.pending, pcm...)
	size := f.cfg.FrameBytes()
	for len(f.pending) >= size {
		data := make([]byte, size)
		copy(data, f.pending[:size])
		f.pending = f.pending[size:]
		f.push(AudioFrame{
			Data:       data,
			SampleRate: f.cfg.SampleRate,
			Channels:   1,
			Timestamp:  f.offset,
		})
		f.offset += f.cfg.FrameDuration()
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
}

// push enqueues fr, evicting the oldest pending frame while the ring is full.
// Caller holds writeMu, so there is a single pusher.
func (f *Framer) push(fr AudioFrame) {
	for {
		select {
		case f.frames <- fr:
			return
		default:
		}
		select {
		case <-f.frames:
			if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("audio: capture overflow, dropping oldest frame", "dropped_total", n)
			}
		default:
		}
	}
}

// Fail records a device failure. Frames already buffered are still delivered;
// after that ReadFrame returns a device error wrapping err. Only the first
// failure is kept. Fail after Close is ignored, since backends report their
// own shutdown through the same callbacks.
func (f *Framer) Fail(err error) {
	select {
	case <-f.done:
		return
	default:
	}
	f.failOnce.Do(func() {
		f.failMu.Lock()
		f.failErr = types.DeviceError("capture", err)
		f.failMu.Unlock()
		close(f.failed)
	})
}

// ReadFrame implements [Source].
func (f *Framer) ReadFrame(ctx context.Context) (AudioFrame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	default:
	}
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.done:
		return AudioFrame{}, ErrSourceClosed
	case <-f.failed:
		select {
		case fr := <-f.frames:
			return fr, nil
		default:
		}
		f.failMu.Lock()
		defer f.failMu.Unlock()
		return AudioFrame{}, f.failErr
	case <-ctx.Done():
		return AudioFrame{}, ctx.Err()
	}
}

// Close implements [Source]. It stops accepting writes and calls the release
// function once.
func (f *Framer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.writeMu.Lock()
		close(f.done)
		f.writeMu.Unlock()
		if f.release != nil {
			err = f.release()
		}
	})
	return err
}

// Dropped returns how many frames were discarded because the reader fell
// behind.
func (f *Framer) Dropped() int64 { return f.dropped.Load() }

// Pending returns the number of frames waiting for the reader.
func (f *Framer) Pending() int { return len(f.frames) }

// Config returns the effective capture configuration.
func (f *Framer) Config() CaptureConfig { return f.cfg }
