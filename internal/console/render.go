// Package console is the operator's terminal: it renders display events as
// they arrive, reads one-word commands from stdin and offers an interactive
// input device picker.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/pipeline"
)

// line tracks what the cursor is sitting on.
type line int

const (
	lineNone    line = iota // at column 0
	linePartial             // an interim transcript that the next event overwrites
	lineStream              // an assistant response still receiving tokens
)

// Renderer writes display events to a terminal. A partial transcript is
// redrawn in place until its final arrives; response tokens are appended to a
// single line until the response ends.
//
// Renderer is safe for concurrent use.
type Renderer struct {
	mu        sync.Mutex
	w         io.Writer
	assistant string
	open      line

	header    lipgloss.Style
	customer  lipgloss.Style
	partial   lipgloss.Style
	reply     lipgloss.Style
	errStyle  lipgloss.Style
	muted     lipgloss.Style
	statusFor map[display.Status]lipgloss.Style
}

// NewRenderer returns a Renderer writing to w. Colors are only emitted when w
// is a terminal that supports them.
func NewRenderer(w io.Writer, assistantName string) *Renderer {
	if assistantName == "" {
		assistantName = display.DefaultAssistantName
	}
	lr := lipgloss.NewRenderer(w)
	return &Renderer{
		w:         w,
		assistant: assistantName,
		header:    lr.NewStyle().Foreground(lipgloss.Color("246")),
		customer:  lr.NewStyle().Foreground(lipgloss.Color("4")),
		partial:   lr.NewStyle().Foreground(lipgloss.Color("241")).Italic(true),
		reply:     lr.NewStyle().Foreground(lipgloss.Color("42")),
		errStyle:  lr.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		muted:     lr.NewStyle().Foreground(lipgloss.Color("241")),
		statusFor: map[display.Status]lipgloss.Style{
			display.StatusOnline:     lr.NewStyle().Foreground(lipgloss.Color("42")),
			display.StatusProcessing: lr.NewStyle().Foreground(lipgloss.Color("208")),
			display.StatusOffline:    lr.NewStyle().Foreground(lipgloss.Color("241")),
			display.StatusError:      lr.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		},
	}
}

// Handle renders one event.
func (r *Renderer) Handle(ev display.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	switch ev.Kind {
	case display.CustomerPartial:
		r.closeStream(&sb)
		sb.WriteString("\r\x1b[K")
		sb.WriteString(r.headerText(ev.Time, string(display.SpeakerCustomer)))
		sb.WriteString(r.partial.Render(ev.Text))
		r.open = linePartial

	case display.CustomerFinal:
		r.closeStream(&sb)
		if r.open == linePartial {
			sb.WriteString("\r\x1b[K")
		}
		sb.WriteString(r.headerText(ev.Time, string(display.SpeakerCustomer)))
		sb.WriteString(r.customer.Render(ev.Text))
		sb.WriteByte('\n')
		r.open = lineNone

	case display.AssistantToken:
		if r.open != lineStream {
			r.breakLine(&sb)
			sb.WriteString(r.headerText(ev.Time, r.assistant))
			r.open = lineStream
		}
		sb.WriteString(r.reply.Render(ev.Text))

	case display.AssistantEnd:
		if r.open == lineStream {
			sb.WriteByte('\n')
			r.open = lineNone
		}

	case display.StatusChange:
		r.breakLine(&sb)
		sb.WriteString(r.statusLine(ev.Status))
		sb.WriteByte('\n')

	case display.ErrorNotice:
		r.breakLine(&sb)
		sb.WriteString(r.errStyle.Render("✗ " + ev.Text))
		sb.WriteByte('\n')

	default:
		return
	}
	_, _ = io.WriteString(r.w, sb.String())
}

// Println writes msg on its own line, ending any open partial or response
// line first.
func (r *Renderer) Println(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	r.breakLine(&sb)
	sb.WriteString(msg)
	sb.WriteByte('\n')
	_, _ = io.WriteString(r.w, sb.String())
}

// Muted renders s in the secondary text color.
func (r *Renderer) Muted(s string) string { return r.muted.Render(s) }

// Error renders s in the error color.
func (r *Renderer) Error(s string) string { return r.errStyle.Render(s) }

func (r *Renderer) headerText(t time.Time, name string) string {
	return r.header.Render(strings.TrimSuffix(display.FormatHeader(t, name), " ")) + " "
}

func (r *Renderer) statusLine(s display.Status) string {
	style, ok := r.statusFor[s]
	if !ok {
		style = r.muted
	}
	mark := "●"
	if s == display.StatusOffline {
		mark = "○"
	}
	return style.Render(mark + " " + strings.ToUpper(string(s)))
}

// breakLine moves to column 0. An open response keeps streaming on a new
// line under a fresh header.
func (r *Renderer) breakLine(sb *strings.Builder) {
	if r.open != lineNone {
		sb.WriteByte('\n')
		r.open = lineNone
	}
}

func (r *Renderer) closeStream(sb *strings.Builder) {
	if r.open == lineStream {
		sb.WriteByte('\n')
		r.open = lineNone
	}
}

// FormatStats renders a session snapshot as an aligned two-column table.
func FormatStats(s pipeline.Snapshot) string {
	rows := [][2]string{
		{"state", s.State},
	}
	if s.SessionID != "" {
		rows = append(rows,
			[2]string{"session", s.SessionID},
			[2]string{"started", s.StartedAt.Format("15:04:05")},
			[2]string{"uptime", s.Uptime.String()},
		)
	}
	rows = append(rows,
		[2]string{"responses", fmt.Sprintf("%d (%d errors)", s.Responses, s.Errors)},
		[2]string{"latency", fmt.Sprintf("last %s  mean %s  p50 %s  p95 %s",
			ms(s.LastLatency), ms(s.MeanLatency), ms(s.Latency.P50), ms(s.Latency.P95))},
		[2]string{"first token", fmt.Sprintf("p50 %s  p95 %s", ms(s.FirstToken.P50), ms(s.FirstToken.P95))},
		[2]string{"frames", fmt.Sprintf("%d read  %d sent  %d silent", s.FramesRead, s.FramesSent, s.FramesSilent)},
		[2]string{"transcripts", fmt.Sprintf("%d partial  %d final", s.Partials, s.Finals)},
	)

	width := 0
	for _, row := range rows {
		width = max(width, len(row[0]))
	}
	var sb strings.Builder
	for i, row := range rows {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%-*s  %s", width, row[0], row[1])
	}
	return sb.String()
}

func ms(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
