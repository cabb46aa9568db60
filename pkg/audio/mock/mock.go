// Package mock provides in-memory mock implementations of [audio.DeviceProvider]
// and [audio.Source] for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so tests can
// assert on call counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	src := mock.NewSource(frame1, frame2)
//	provider := &mock.Provider{OpenResult: src}
//	s, _ := provider.Open(ctx, "hw:1", audio.DefaultCaptureConfig())
//	src.Fail(errors.New("unplugged")) // next ReadFrame after the buffered frames fails
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/types"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Frames pushed with
// [Source.Push] are returned by ReadFrame in order.
type Source struct {
	frames chan audio.AudioFrame
	failed chan struct{}
	closed chan struct{}

	failOnce  sync.Once
	closeOnce sync.Once

	mu sync.Mutex

	failErr error

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountReadFrame records how many times ReadFrame returned a frame.
	CallCountReadFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a Source preloaded with frames.
func NewSource(frames ...audio.AudioFrame) *Source {
	s := &Source{
		frames: make(chan audio.AudioFrame, 1024),
		failed: make(chan struct{}),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		s.frames <- f
	}
	return s
}

// Push queues a frame for ReadFrame.
func (s *Source) Push(f audio.AudioFrame) { s.frames <- f }

// Fail makes ReadFrame return a device error wrapping err once the queued
// frames are consumed.
func (s *Source) Fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.failErr = types.DeviceError("read frame", err)
		s.mu.Unlock()
		close(s.failed)
	})
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f := <-s.frames:
		s.count()
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		s.count()
		return f, nil
	case <-s.failed:
		select {
		case f := <-s.frames:
			s.count()
			return f, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return audio.AudioFrame{}, s.failErr
	case <-s.closed:
		return audio.AudioFrame{}, audio.ErrSourceClosed
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

func (s *Source) count() {
	s.mu.Lock()
	s.CallCountReadFrame++
	s.mu.Unlock()
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.CloseError
	})
	return err
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Provider.Open] invocation.
type OpenCall struct {
	DeviceID string
	Config   audio.CaptureConfig
}

// Provider is a mock implementation of [audio.DeviceProvider].
type Provider struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by Devices.
	DevicesError error

	// OpenResult is returned by Open when OpenFunc is nil.
	OpenResult audio.Source

	// OpenFunc, when set, is called by Open instead of returning OpenResult.
	// Use it to hand out a fresh Source per call.
	OpenFunc func(deviceID string, cfg audio.CaptureConfig) (audio.Source, error)

	// OpenError is returned by Open when OpenFunc is nil.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.DeviceProvider = (*Provider)(nil)

// Devices implements [audio.DeviceProvider].
func (p *Provider) Devices(_ context.Context) ([]audio.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DevicesResult, p.DevicesError
}

// Open implements [audio.DeviceProvider].
func (p *Provider) Open(_ context.Context, deviceID string, cfg audio.CaptureConfig) (audio.Source, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{DeviceID: deviceID, Config: cfg})
	fn := p.OpenFunc
	res, err := p.OpenResult, p.OpenError
	p.mu.Unlock()
	if fn != nil {
		return fn(deviceID, cfg)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close implements [audio.DeviceProvider].
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// OpenCount returns the number of Open calls so far.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}
