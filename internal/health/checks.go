package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Configured returns a Checker that fails while any of the named settings is
// empty. settings is called on every check so reloaded values are seen. Keys
// are reported in sorted order.
func Configured(name string, settings func() map[string]string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			var missing []string
			for key, v := range settings() {
				if v == "" {
					missing = append(missing, key)
				}
			}
			if len(missing) == 0 {
				return nil
			}
			slices.Sort(missing)
			return fmt.Errorf("not configured: %s", strings.Join(missing, ", "))
		},
	}
}

// Settles returns a Checker that fails once state has reported one of the
// transient values continuously for longer than limit. A component that is
// merely passing through a transient state stays ready.
func Settles(name string, state func() string, limit time.Duration, transient ...string) Checker {
	s := &settleTracker{now: time.Now}
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			cur := state()
			stuck := s.observe(cur, slices.Contains(transient, cur))
			if stuck > limit {
				return fmt.Errorf("%s for %s", cur, stuck.Truncate(time.Second))
			}
			return nil
		},
	}
}

// settleTracker remembers since when the observed state has been transient.
type settleTracker struct {
	now func() time.Time

	mu    sync.Mutex
	state string
	since time.Time
}

// observe records cur and returns how long it has been held, or zero when
// cur is not transient.
func (s *settleTracker) observe(cur string, transient bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !transient {
		s.state, s.since = "", time.Time{}
		return 0
	}
	if cur != s.state || s.since.IsZero() {
		s.state, s.since = cur, now
	}
	return now.Sub(s.since)
}
