package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/supportline/internal/app"
	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/pipeline"
)

func newTestSessionManager(t *testing.T, m *mocks) (*app.SessionManager, pipeline.Config) {
	t.Helper()
	cfg := pipeline.Config{
		Devices:      m.devices,
		DeviceID:     "mic-1",
		STT:          m.stt,
		LLM:          m.llm,
		SystemPrompt: "You are TJ.",
		Bus:          display.NewBus(),
		Metrics:      newTestMetrics(t),
	}
	sm := app.NewSessionManager(cfg)
	t.Cleanup(func() { _ = sm.Stop(context.Background()) })
	return sm, cfg
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, newMocks())
	ctx := context.Background()

	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sm.State() != pipeline.StateRunning {
		t.Errorf("State = %v, want running", sm.State())
	}
	if sm.SessionID() == "" {
		t.Error("SessionID is empty while running")
	}
	if got := sm.Stats().State; got != "running" {
		t.Errorf("Stats().State = %q", got)
	}

	if err := sm.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sm.State() != pipeline.StateIdle || sm.SessionID() != "" {
		t.Errorf("after Stop: state=%v id=%q", sm.State(), sm.SessionID())
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, newMocks())
	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sm.Start(context.Background()); !errors.Is(err, pipeline.ErrNotIdle) {
		t.Errorf("second Start error = %v, want ErrNotIdle", err)
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, newMocks())
	if err := sm.Stop(context.Background()); err != nil {
		t.Errorf("Stop without Start returned error: %v", err)
	}
}

func TestSessionManager_UnavailableUntilReconfigured(t *testing.T) {
	t.Parallel()

	m := newMocks()
	sm := app.NewSessionManager(pipeline.Config{Bus: display.NewBus()})

	if err := sm.Available(); err == nil {
		t.Fatal("Available() = nil for an incomplete config")
	}
	if got := sm.Stats().State; got != "idle" {
		t.Errorf("Stats().State = %q, want idle", got)
	}
	if err := sm.Start(context.Background()); !errors.Is(err, app.ErrSessionUnavailable) {
		t.Fatalf("Start error = %v, want ErrSessionUnavailable", err)
	}

	// An unusable config is rejected and changes nothing.
	if _, err := sm.Reconfigure(pipeline.Config{}); err == nil {
		t.Error("Reconfigure accepted an empty config")
	}

	applied, err := sm.Reconfigure(pipeline.Config{
		Devices: m.devices, STT: m.stt, LLM: m.llm,
		Bus: display.NewBus(), Metrics: newTestMetrics(t),
	})
	if err != nil || !applied {
		t.Fatalf("Reconfigure = %v, %v; want applied", applied, err)
	}
	if err := sm.Available(); err != nil {
		t.Errorf("Available() = %v after Reconfigure", err)
	}
	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start after Reconfigure: %v", err)
	}
	_ = sm.Stop(context.Background())
}

func TestSessionManager_ReconfigureWhileRunningIsDeferred(t *testing.T) {
	t.Parallel()

	m := newMocks()
	sm, cfg := newTestSessionManager(t, m)
	ctx := context.Background()

	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := sm.SessionID()

	cfg.DeviceID = "mic-2"
	applied, err := sm.Reconfigure(cfg)
	if err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if applied {
		t.Error("Reconfigure applied immediately during a session")
	}
	if sm.State() != pipeline.StateRunning || sm.SessionID() != id {
		t.Errorf("running session disturbed: state=%v id=%q", sm.State(), sm.SessionID())
	}

	if err := sm.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := m.devices.OpenCalls[1].DeviceID; got != "mic-2" {
		t.Errorf("restart opened %q, want mic-2", got)
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	sm, cfg := newTestSessionManager(t, newMocks())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			switch i % 4 {
			case 0:
				_ = sm.Start(ctx)
			case 1:
				_ = sm.Stop(ctx)
			case 2:
				_, _ = sm.Reconfigure(cfg)
			default:
				_ = sm.Stats()
				_ = sm.SessionID()
			}
		})
	}
	wg.Wait()

	if err := sm.Stop(ctx); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
	if sm.State() != pipeline.StateIdle {
		t.Errorf("State = %v, want idle", sm.State())
	}
}
