// Package pipeline runs the live support session: captured audio flows into a
// streaming transcription session, finalized customer turns are queued for
// the response generator, and everything the operator should see goes to the
// display bus.
//
// A [Controller] owns one pipeline at a time. Its workers (relay, receiver,
// generator) run in an errgroup; the first worker to fail cancels the others
// and the controller tears the run down on its own, so a dropped connection
// or an unplugged microphone leaves the controller Idle and ready to start
// again.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/provider/llm"
	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/types"
)

// ErrNotIdle is returned by [Controller.Start] when a pipeline is already
// starting, running or stopping.
var ErrNotIdle = errors.New("pipeline: not idle")

// State is the lifecycle state of a [Controller].
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds all dependencies and settings for a [Controller].
type Config struct {
	// Devices opens the capture device. Required.
	Devices audio.DeviceProvider

	// DeviceID selects the capture device. Empty selects the default device.
	DeviceID string

	// Capture configures frame size and rate. Zero fields take defaults.
	Capture audio.CaptureConfig

	// STT opens transcription sessions. Required.
	STT stt.Provider

	// STTName labels the transcription provider in logs and metrics.
	STTName string

	// Stream is passed to every StartStream call. SampleRate and Channels
	// are filled from Capture when zero.
	Stream stt.StreamConfig

	// LLM generates responses. Required.
	LLM llm.Provider

	// LLMName labels the generation provider in logs and metrics.
	LLMName string

	// SystemPrompt opens every conversation.
	SystemPrompt string

	// MaxTurns bounds the history window. Default DefaultMaxTurns.
	MaxTurns int

	// Temperature and MaxTokens are sent with every generation request.
	// Zero values select DefaultTemperature and DefaultMaxTokens.
	Temperature float64
	MaxTokens   int

	// QueueWait bounds each wait on the utterance queue. Default
	// DefaultQueueWait.
	QueueWait time.Duration

	// Bus receives all display events. Required.
	Bus *display.Bus

	// Metrics records pipeline metrics. Default observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Controller starts and stops the pipeline. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg   Config
	state atomic.Int32
	stats *Stats

	// mu guards run.
	mu  sync.Mutex
	run *run
}

// run is the state of one Running period.
type run struct {
	id      string
	cancel  context.CancelFunc
	src     audio.Source
	sess    stt.SessionHandle
	history *History

	// workersDone is closed once every worker has returned; err is the
	// first worker error, if any.
	workersDone chan struct{}
	err         error

	// stopped is closed when teardown finished.
	stopped chan struct{}
}

// New validates cfg and returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Devices == nil {
		errs = append(errs, errors.New("devices provider is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.Bus == nil {
		errs = append(errs, errors.New("display bus is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	cfg.Capture = cfg.Capture.WithDefaults()
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = cfg.Capture.SampleRate
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.MaxTurns < 1 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = DefaultQueueWait
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.STTName == "" {
		cfg.STTName = "stt"
	}
	if cfg.LLMName == "" {
		cfg.LLMName = "llm"
	}

	return &Controller{cfg: cfg, stats: NewStats()}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Stats returns a snapshot of the current or most recent run.
func (c *Controller) Stats() Snapshot {
	snap := c.stats.Snapshot()
	snap.State = c.State().String()
	return snap
}

// SessionID returns the id of the active run, or "" when none is active.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.id
}

// Start opens the capture device and the transcription session and starts
// the workers. It returns [ErrNotIdle] without side effects unless the
// controller is Idle. On failure everything opened so far is released, one
// error event is published, and the controller returns to Idle.
//
// ctx bounds the start-up only; the run lives until [Controller.Stop] or a
// worker failure.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrNotIdle
	}

	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "pipeline.start")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))
	log := observe.Logger(ctx).With("session_id", id)

	src, err := c.cfg.Devices.Open(ctx, c.cfg.DeviceID, c.cfg.Capture)
	if err != nil {
		if types.KindOf(err) == 0 {
			err = types.DeviceError("open", err)
		}
		log.Error("pipeline: open audio device", "device", c.cfg.DeviceID, "err", err)
		c.cfg.Bus.Publish(display.Errorf("Audio device error: %v", cause(err)))
		c.cfg.Bus.Publish(display.StatusEvent(display.StatusOffline))
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("pipeline: start: %w", err)
	}

	sess, err := c.cfg.STT.StartStream(ctx, c.cfg.Stream)
	if err != nil {
		_ = src.Close()
		if types.KindOf(err) == 0 {
			err = types.TransportError("connect", err)
		}
		log.Error("pipeline: open transcription session", "provider", c.cfg.STTName, "err", err)
		c.cfg.Metrics.RecordProviderError(ctx, c.cfg.STTName, "stt")
		c.cfg.Bus.Publish(display.Errorf("Transcription connection failed: %v", cause(err)))
		c.cfg.Bus.Publish(display.StatusEvent(display.StatusOffline))
		c.state.Store(int32(StateIdle))
		return fmt.Errorf("pipeline: start: %w", err)
	}
	c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.STTName, "stt", "ok")
	c.cfg.Bus.Publish(display.StatusEvent(display.StatusOnline))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:          id,
		cancel:      cancel,
		src:         src,
		sess:        sess,
		history:     NewHistory(c.cfg.SystemPrompt, c.cfg.MaxTurns),
		workersDone: make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	queue := NewQueue()
	c.stats.begin(id, time.Now())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return (&relay{src: src, sess: sess, bus: c.cfg.Bus, stats: c.stats, metrics: c.cfg.Metrics}).run(gctx)
	})
	g.Go(func() error {
		return (&receiver{
			sess: sess, provider: c.cfg.STTName, bus: c.cfg.Bus,
			queue: queue, stats: c.stats, metrics: c.cfg.Metrics,
		}).run(gctx)
	})
	g.Go(func() error {
		return (&generator{
			llm: c.cfg.LLM, provider: c.cfg.LLMName, queue: queue, history: r.history,
			bus: c.cfg.Bus, stats: c.stats, metrics: c.cfg.Metrics,
			temperature: c.cfg.Temperature, maxTokens: c.cfg.MaxTokens, wait: c.cfg.QueueWait,
		}).run(gctx)
	})

	c.mu.Lock()
	c.run = r
	c.mu.Unlock()
	c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	c.state.Store(int32(StateRunning))

	go c.supervise(r, g)

	log.Info("pipeline started",
		"device", c.cfg.DeviceID,
		"stt", c.cfg.STTName,
		"llm", c.cfg.LLMName,
		"sample_rate", c.cfg.Stream.SampleRate,
	)
	return nil
}

// supervise waits for the workers. When one of them failed while the run was
// still Running, it drives the teardown itself.
func (c *Controller) supervise(r *run, g *errgroup.Group) {
	r.err = g.Wait()
	close(r.workersDone)

	if r.err == nil {
		return
	}
	if c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		slog.Warn("pipeline: worker failed, stopping", "session_id", r.id, "err", r.err)
		c.teardown(context.Background(), r)
	}
}

// Stop shuts the running pipeline down: workers are cancelled, the
// transcription session is closed gracefully, the device is released, and
// status goes offline. Stop is a no-op unless the controller is Running; if
// a teardown is already in progress it waits for it.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if c.State() == StateStopping {
			c.mu.Lock()
			r := c.run
			c.mu.Unlock()
			if r != nil {
				select {
				case <-r.stopped:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}

	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	c.teardown(ctx, r)
	return nil
}

// teardown releases everything a run holds, in reverse order of
// acquisition, and returns the controller to Idle.
func (c *Controller) teardown(ctx context.Context, r *run) {
	ctx, span := observe.StartSpan(ctx, "pipeline.stop")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", r.id))

	r.cancel()
	<-r.workersDone

	if err := r.sess.Close(); err != nil {
		slog.Warn("pipeline: close transcription session", "session_id", r.id, "err", err)
	}
	// Words the service flushed during the close handshake are still shown.
	for t := range r.sess.Transcripts() {
		c.stats.RecordTranscript(t.IsFinal)
		if t.IsFinal {
			c.cfg.Bus.Publish(display.Final(t.TurnID, t.Text))
		} else {
			c.cfg.Bus.Publish(display.Partial(t.TurnID, t.Text))
		}
	}
	if err := r.src.Close(); err != nil {
		slog.Warn("pipeline: close audio device", "session_id", r.id, "err", err)
	}

	c.cfg.Bus.Publish(display.StatusEvent(display.StatusOffline))
	c.cfg.Metrics.ActiveSessions.Add(ctx, -1)

	snap := c.stats.Snapshot()
	c.stats.end()

	c.mu.Lock()
	c.run = nil
	c.mu.Unlock()
	c.state.Store(int32(StateIdle))
	close(r.stopped)

	observe.Logger(ctx).Info("pipeline stopped",
		"session_id", r.id,
		"responses", snap.Responses,
		"errors", snap.Errors,
		"frames_sent", snap.FramesSent,
		"frames_silent", snap.FramesSilent,
		"cause", r.err,
	)
}
