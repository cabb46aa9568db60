// Command supportline listens to a support call, transcribes the customer and
// streams suggested replies to the operator's terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/supportline/internal/app"
	"github.com/MrWong99/supportline/internal/config"
	"github.com/MrWong99/supportline/internal/console"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/pkg/audio"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "supportline.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list input devices and exit")
	pickDevice := flag.Bool("pick-device", false, "choose the input device interactively")
	device := flag.String("device", "", "input device id (overrides audio.device_id)")
	save := flag.Bool("save", false, "write the chosen device back to the config file")
	headless := flag.Bool("headless", false, "no interactive console; control sessions over HTTP")
	autostart := flag.Bool("autostart", false, "start listening immediately")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, created, err := config.LoadOrInit(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "supportline: %v\n", err)
		return 1
	}
	if created {
		fmt.Fprintf(os.Stderr, "supportline: wrote default configuration to %s; add your API keys there\n", *configPath)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("supportline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	providers, err := app.BuildProviders(reg, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Device selection ──────────────────────────────────────────────────────
	if *listDevices {
		defer providers.Close()
		if err := printDevices(providers.Audio); err != nil {
			slog.Error("failed to list devices", "err", err)
			return 1
		}
		return 0
	}
	if *pickDevice {
		devs, err := providers.Audio.Devices(context.Background())
		if err != nil {
			slog.Error("failed to list devices", "err", err)
			_ = providers.Close()
			return 1
		}
		picked, err := console.PickDevice(os.Stdin, os.Stdout, devs)
		if err != nil {
			_ = providers.Close()
			if errors.Is(err, console.ErrPickCancelled) {
				return 0
			}
			slog.Error("device selection failed", "err", err)
			return 1
		}
		*device = picked.ID
	}
	if *device != "" {
		cfg.Audio.DeviceID = *device
		if *save {
			if err := config.Save(*configPath, cfg); err != nil {
				slog.Error("failed to save config", "err", err)
				_ = providers.Close()
				return 1
			}
			slog.Info("device saved", "device", *device, "config", *configPath)
		}
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithRegistry(reg),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var overrides []config.WatcherOption
	if *device != "" {
		id := *device
		overrides = append(overrides, config.WithOverride(func(c *config.Config) { c.Audio.DeviceID = id }))
	}
	watcher, err := config.NewWatcher(*configPath, func(next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if err := application.ApplyConfig(next); err != nil {
			slog.Warn("config reload rejected", "err", err)
		}
	}, overrides...)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Console ───────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if !*headless {
		r := console.NewRenderer(os.Stdout, cfg.Conversation.AssistantName)
		application.Subscribe(r.Handle)
		con := console.New(application.Sessions(), application.Transcript(), r,
			console.WithDevices(providers.Audio),
		)
		go func() {
			if err := con.Run(runCtx, os.Stdin); err == nil {
				cancelRun()
			}
		}()
	}

	if *autostart {
		go func() {
			if err := application.Sessions().Start(runCtx); err != nil {
				slog.Error("autostart failed", "err", err)
			}
		}()
	}

	slog.Info("ready; press Ctrl+C to shut down")

	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices(dp audio.DeviceProvider) error {
	if dp == nil {
		return errors.New("no audio backend configured")
	}
	devs, err := dp.Devices(context.Background())
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no capture devices found")
		return nil
	}
	for _, d := range devs {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Printf("%s %-40s %s\n", mark, d.Name, d.ID)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Supportline startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printRow("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printRow("Audio", string(cfg.Audio.Backend), cfg.Audio.DeviceID)
	printRow("Assistant", cfg.Conversation.AssistantName, "")
	if cfg.Providers.STT.APIKey == "" {
		printRow("STT key", "(missing)", "")
	}
	if config.NeedsAPIKey(cfg.Providers.LLM.Name) && cfg.Providers.LLM.APIKey == "" {
		printRow("LLM key", "(missing)", "")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
