package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/atotto/clipboard"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/pipeline"
	"github.com/MrWong99/supportline/pkg/audio"
)

// Sessions starts and stops the support session. It is satisfied by
// *app.SessionManager.
type Sessions interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() pipeline.Snapshot
}

// Console runs the interactive command loop.
type Console struct {
	sessions Sessions
	log      *display.Log
	r        *Renderer
	devices  audio.DeviceProvider
	copy     func(string) error
}

// Option configures a [Console].
type Option func(*Console)

// WithDevices enables the devices command.
func WithDevices(dp audio.DeviceProvider) Option {
	return func(c *Console) { c.devices = dp }
}

// WithClipboard replaces the system clipboard used by the copy command.
func WithClipboard(write func(string) error) Option {
	return func(c *Console) { c.copy = write }
}

// New returns a Console that controls sessions, copies from log and prints
// through r.
func New(sessions Sessions, log *display.Log, r *Renderer, opts ...Option) *Console {
	c := &Console{
		sessions: sessions,
		log:      log,
		r:        r,
		copy:     clipboard.WriteAll,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// commands lists the accepted commands in help order.
var commands = []struct{ name, help string }{
	{"start", "start listening to the call"},
	{"stop", "stop listening"},
	{"stats", "show session statistics"},
	{"copy", "copy the conversation to the clipboard"},
	{"transcript", "print the conversation"},
	{"clear", "clear the conversation"},
	{"devices", "list input devices"},
	{"help", "show this list"},
	{"quit", "stop and exit"},
}

// Help returns the command overview.
func (c *Console) Help() string {
	var sb strings.Builder
	for i, cmd := range commands {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "  %-10s  %s", cmd.name, cmd.help)
	}
	return c.r.Muted(sb.String())
}

// Run reads commands from in until quit, end of input or ctx is done. It
// returns nil on quit or end of input and ctx.Err() on cancellation.
//
// A read blocked on in is abandoned, not interrupted, when ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.r.Println(c.r.Muted("Type help for commands."))
	for {
		select {
		case <-parent.Done():
			return parent.Err()
		case err := <-readErr:
			if err != nil {
				slog.Warn("console: reading commands", "err", err)
			}
			return nil
		case l := <-lines:
			if c.Exec(ctx, l) {
				return nil
			}
		}
	}
}

// Exec runs one command line and reports whether the operator asked to quit.
func (c *Console) Exec(ctx context.Context, line string) (quit bool) {
	cmd := strings.ToLower(strings.TrimSpace(line))
	switch cmd {
	case "":
	case "start", "s":
		if err := c.sessions.Start(ctx); err != nil {
			c.fail("start", err)
			return false
		}
		c.r.Println(c.r.Muted("Listening. Session " + c.sessions.Stats().SessionID))
	case "stop", "x":
		if err := c.sessions.Stop(ctx); err != nil {
			c.fail("stop", err)
		}
	case "stats":
		c.r.Println(c.r.Muted(FormatStats(c.sessions.Stats())))
	case "copy", "c":
		text := c.log.String()
		if text == "" {
			c.r.Println(c.r.Muted("Nothing to copy yet."))
			return false
		}
		if err := c.copy(text); err != nil {
			c.fail("copy", err)
			return false
		}
		c.r.Println(c.r.Muted(fmt.Sprintf("[✓ copied %d entries]", c.log.Len())))
	case "transcript", "t":
		text := c.log.String()
		if text == "" {
			text = "No conversation yet."
		}
		c.r.Println(text)
	case "clear":
		c.log.Clear()
		c.r.Println(c.r.Muted("Conversation cleared."))
	case "devices":
		c.listDevices(ctx)
	case "help", "?":
		c.r.Println(c.Help())
	case "quit", "exit", "q":
		return true
	default:
		c.r.Println(c.r.Error(fmt.Sprintf("unknown command %q", cmd)) + c.r.Muted(" (type help)"))
	}
	return false
}

func (c *Console) listDevices(ctx context.Context) {
	if c.devices == nil {
		c.r.Println(c.r.Muted("No audio backend configured."))
		return
	}
	devs, err := c.devices.Devices(ctx)
	if err != nil {
		c.fail("devices", err)
		return
	}
	if len(devs) == 0 {
		c.r.Println(c.r.Muted("No capture devices found."))
		return
	}
	var sb strings.Builder
	for i, d := range devs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(&sb, "%s %s  %s", mark, d.Name, c.r.Muted(d.ID))
	}
	c.r.Println(sb.String())
}

func (c *Console) fail(what string, err error) {
	msg := err.Error()
	if errors.Is(err, pipeline.ErrNotIdle) {
		msg = "a session is already " + c.sessions.Stats().State
	}
	c.r.Println(c.r.Error(what + ": " + msg))
}
