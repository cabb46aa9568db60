// Package capture opens microphones through the platform sound server: the
// PulseAudio protocol on Linux (PipeWire speaks it too) and miniaudio via
// malgo everywhere else. Both backends request 16-bit mono at the configured
// rate, so the driver does the downmix, and feed an [audio.Framer].
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/supportline/pkg/audio"
)

// Option configures a capture provider.
type Option func(*options)

type options struct {
	stallTimeout time.Duration
}

// WithStallTimeout sets how long a running device may stay silent at the
// driver level (no callbacks at all) before it is reported as failed.
// Default 3s; zero or negative disables the check.
func WithStallTimeout(d time.Duration) Option {
	return func(o *options) { o.stallTimeout = d }
}

func defaultOptions() options {
	return options{stallTimeout: 3 * time.Second}
}

// errStalled is the cause reported when the driver stops delivering buffers.
var errStalled = errors.New("capture: device stopped delivering audio")

// watchdog fails a framer when no driver callback arrived within timeout.
// Driver callbacks call kick; stop ends the watchdog.
type watchdog struct {
	mu   sync.Mutex
	last time.Time
	stop chan struct{}
	once sync.Once
}

func startWatchdog(f *audio.Framer, timeout time.Duration) *watchdog {
	w := &watchdog{last: time.Now(), stop: make(chan struct{})}
	if timeout <= 0 {
		return w
	}
	go func() {
		t := time.NewTicker(timeout / 4)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case now := <-t.C:
				w.mu.Lock()
				idle := now.Sub(w.last)
				w.mu.Unlock()
				if idle > timeout {
					f.Fail(fmt.Errorf("%w (no data for %s)", errStalled, idle.Round(time.Millisecond)))
					return
				}
			}
		}
	}()
	return w
}

func (w *watchdog) kick() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

func (w *watchdog) close() {
	w.once.Do(func() { close(w.stop) })
}
