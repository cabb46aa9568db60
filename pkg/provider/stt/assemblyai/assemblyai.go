// Package assemblyai provides an AssemblyAI-backed STT provider using the
// Universal Streaming (v3) WebSocket API. It implements the stt.Provider
// interface.
//
// The service groups speech into turns. Each Turn message carries the full
// transcript of the current turn so far; the message with end_of_turn set
// closes it. With format_turns enabled the service follows the raw end of turn
// with a punctuated, cased copy, and only that copy is reported as final.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/provider/stt/wsstream"
	"github.com/MrWong99/supportline/pkg/types"
)

const (
	defaultEndpoint   = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate = 16000
	providerName      = "assemblyai"
)

// terminateMessage asks the service to flush and end the session.
var terminateMessage = []byte(`{"type":"Terminate"}`)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint (EU region, tests).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithCloseGrace sets how long Close waits for the service after sending
// Terminate before dropping the connection. Default 1s.
func WithCloseGrace(d time.Duration) Option {
	return func(p *Provider) {
		p.closeGrace = d
	}
}

// WithMinEndOfTurnSilence sets the silence (in milliseconds) after which a
// confident turn is closed. Zero keeps the service default.
func WithMinEndOfTurnSilence(ms int) Option {
	return func(p *Provider) {
		p.minEndOfTurnSilence = ms
	}
}

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by AssemblyAI streaming.
type Provider struct {
	apiKey              string
	endpoint            string
	closeGrace          time.Duration
	minEndOfTurnSilence int
	httpClient          *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		closeGrace: wsstream.DefaultCloseGrace,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session. The API key travels
// in the Authorization header, never in the URL.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, types.TransportError("assemblyai dial", err)
	}

	d := &decoder{formatTurns: cfg.FormatTurns}
	return wsstream.Start(conn, wsstream.Config{
		Provider:   providerName,
		Terminate:  terminateMessage,
		CloseGrace: p.closeGrace,
		Decode:     d.decode,
	}), nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	if p.minEndOfTurnSilence > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(p.minEndOfTurnSilence))
	}
	if len(cfg.Keyterms) > 0 {
		terms, err := json.Marshal(cfg.Keyterms)
		if err != nil {
			return "", err
		}
		q.Set("keyterms_prompt", string(terms))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire format ----

// message is the union of all server messages. Type is empty on error
// messages, which carry only an "error" field.
type message struct {
	Type  string `json:"type"`
	Error string `json:"error"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Words               []word  `json:"words"`

	// Termination
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type word struct {
	Text        string  `json:"text"`
	Start       int64   `json:"start"` // ms
	End         int64   `json:"end"`   // ms
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

// decoder turns server messages into transcripts for one session.
type decoder struct {
	formatTurns bool
}

func (d *decoder) decode(data []byte, emit wsstream.Emitter) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	switch strings.ToLower(msg.Type) {
	case "begin":
		slog.Info("assemblyai: session started",
			"id", msg.ID,
			"expires_at", time.Unix(msg.ExpiresAt, 0).UTC().Format(time.RFC3339))
	case "turn":
		if t, ok := d.transcript(msg); ok {
			emit.Transcript(t)
		}
	case "termination":
		slog.Info("assemblyai: session terminated",
			"audio_seconds", msg.AudioDurationSeconds,
			"session_seconds", msg.SessionDurationSeconds)
	case "error", "":
		if msg.Error == "" {
			return fmt.Errorf("unrecognised message: %.120s", data)
		}
		emit.ServerError(msg.Error)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// transcript maps a Turn message. It reports false for messages that carry
// no text. With formatting on, the raw end-of-turn message is shown as a
// partial and the formatted copy that follows it is the final.
func (d *decoder) transcript(msg message) (types.Transcript, bool) {
	text := strings.TrimSpace(msg.Transcript)
	if text == "" {
		return types.Transcript{}, false
	}
	final := msg.EndOfTurn && (msg.TurnIsFormatted || !d.formatTurns)

	t := types.Transcript{
		Text:       text,
		IsFinal:    final,
		TurnID:     msg.TurnOrder,
		Confidence: msg.EndOfTurnConfidence,
	}
	if len(msg.Words) > 0 {
		t.Words = make([]types.WordDetail, 0, len(msg.Words))
		for _, w := range msg.Words {
			t.Words = append(t.Words, types.WordDetail{
				Word:       w.Text,
				Start:      time.Duration(w.Start) * time.Millisecond,
				End:        time.Duration(w.End) * time.Millisecond,
				Confidence: w.Confidence,
			})
		}
		first, last := msg.Words[0], msg.Words[len(msg.Words)-1]
		t.Timestamp = time.Duration(first.Start) * time.Millisecond
		t.Duration = time.Duration(last.End-first.Start) * time.Millisecond
	}
	return t, true
}
