package pipeline

import (
	"math"
	"sort"
	"sync"
	"time"
)

// latencyWindow is the number of response latencies kept for percentiles.
const latencyWindow = 100

// Stats collects per-run counters and response latencies for the operator
// stats view. It maintains a bounded ring buffer of recent latency
// observations from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	sessionID string
	startedAt time.Time

	latency    latencyBuffer
	firstToken latencyBuffer
	last       time.Duration
	total      time.Duration

	responses int64
	errors    int64

	framesRead   int64
	framesSent   int64
	framesSilent int64
	partials     int64
	finals       int64
}

// NewStats returns empty Stats.
func NewStats() *Stats {
	return &Stats{
		latency:    newLatencyBuffer(latencyWindow),
		firstToken: newLatencyBuffer(latencyWindow),
	}
}

// begin resets all counters for a new run.
func (s *Stats) begin(sessionID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.startedAt = now
	s.latency = newLatencyBuffer(latencyWindow)
	s.firstToken = newLatencyBuffer(latencyWindow)
	s.last, s.total = 0, 0
	s.responses, s.errors = 0, 0
	s.framesRead, s.framesSent, s.framesSilent = 0, 0, 0
	s.partials, s.finals = 0, 0
}

// end clears the run identity but keeps the counters for display.
func (s *Stats) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.startedAt = time.Time{}
}

// RecordResponse records a completed response.
func (s *Stats) RecordResponse(total, firstToken time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses++
	s.last = total
	s.total += total
	s.latency.add(total)
	if firstToken > 0 {
		s.firstToken.add(firstToken)
	}
}

// RecordError counts a failed response.
func (s *Stats) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// RecordFrame counts one frame read by the relay and whether it was sent.
func (s *Stats) RecordFrame(sent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesRead++
	if sent {
		s.framesSent++
	} else {
		s.framesSilent++
	}
}

// RecordTranscript counts one transcript event.
func (s *Stats) RecordTranscript(final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if final {
		s.finals++
	} else {
		s.partials++
	}
}

// LatencyPercentiles holds p50 and p95 values for a latency series.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// Snapshot captures a point-in-time view of a pipeline run.
type Snapshot struct {
	State     string        `json:"state"`
	SessionID string        `json:"session_id,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Uptime    time.Duration `json:"uptime"`

	Responses   int64              `json:"responses"`
	Errors      int64              `json:"errors"`
	LastLatency time.Duration      `json:"last_latency"`
	MeanLatency time.Duration      `json:"mean_latency"`
	Latency     LatencyPercentiles `json:"latency"`
	FirstToken  LatencyPercentiles `json:"first_token"`

	FramesRead   int64 `json:"frames_read"`
	FramesSent   int64 `json:"frames_sent"`
	FramesSilent int64 `json:"frames_silent"`
	Partials     int64 `json:"partials"`
	Finals       int64 `json:"finals"`
}

// Snapshot returns a point-in-time view of the statistics. State is left for
// the caller to fill in.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:    s.sessionID,
		StartedAt:    s.startedAt,
		Responses:    s.responses,
		Errors:       s.errors,
		LastLatency:  s.last,
		Latency:      s.latency.percentiles(),
		FirstToken:   s.firstToken.percentiles(),
		FramesRead:   s.framesRead,
		FramesSent:   s.framesSent,
		FramesSilent: s.framesSilent,
		Partials:     s.partials,
		Finals:       s.finals,
	}
	if !s.startedAt.IsZero() {
		snap.Uptime = time.Since(s.startedAt).Truncate(time.Second)
	}
	if s.responses > 0 {
		snap.MeanLatency = s.total / time.Duration(s.responses)
	}
	return snap
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := make([]time.Duration, n)
	copy(sorted, lb.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
