// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram reports speech as a series of Results segments. Segments marked
// is_final are committed text; a segment with speech_final (or an
// UtteranceEnd event) closes the turn. Turn IDs are counted locally since the
// service does not number turns.
package deepgram

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
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	providerName      = "deepgram"
)

var closeStreamMessage = []byte(`{"type":"CloseStream"}`)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint (self-hosted, tests).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithCloseGrace sets how long Close waits after CloseStream. Default 1s.
func WithCloseGrace(d time.Duration) Option {
	return func(p *Provider) {
		p.closeGrace = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	closeGrace time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   deepgramEndpoint,
		closeGrace: wsstream.DefaultCloseGrace,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, types.TransportError("deepgram dial", err)
	}

	return wsstream.Start(conn, wsstream.Config{
		Provider:   providerName,
		Terminate:  closeStreamMessage,
		CloseGrace: p.closeGrace,
		Decode:     (&turnAssembler{}).decode,
	}), nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("punctuate", strconv.FormatBool(cfg.FormatTurns))
	q.Set("smart_format", strconv.FormatBool(cfg.FormatTurns))
	for _, term := range cfg.Keyterms {
		q.Add("keyterm", term)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire format ----

// deepgramResponse is the JSON structure of Deepgram server events.
type deepgramResponse struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
	Message     string  `json:"message"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// turnAssembler stitches Deepgram segments into turns for one session.
type turnAssembler struct {
	turn      int
	committed []string
	words     []types.WordDetail
	start     time.Duration
	conf      float64
}

func (a *turnAssembler) decode(data []byte, emit wsstream.Emitter) error {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return nil
		}
		a.results(resp, emit)
	case "UtteranceEnd":
		a.closeTurn(emit)
	case "Metadata", "SpeechStarted":
		slog.Debug("deepgram: event", "type", resp.Type)
	case "Error":
		msg := resp.Description
		if msg == "" {
			msg = resp.Message
		}
		emit.ServerError(msg)
	default:
		return fmt.Errorf("unknown message type %q", resp.Type)
	}
	return nil
}

func (a *turnAssembler) results(resp deepgramResponse, emit wsstream.Emitter) {
	alt := resp.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)

	if !resp.IsFinal {
		if text == "" {
			return
		}
		emit.Transcript(a.current(text, false))
		return
	}

	if text != "" {
		if len(a.committed) == 0 {
			a.start = time.Duration(resp.Start * float64(time.Second))
		}
		a.committed = append(a.committed, text)
		a.conf = alt.Confidence
		for _, w := range alt.Words {
			a.words = append(a.words, types.WordDetail{
				Word:       w.Word,
				Start:      time.Duration(w.Start * float64(time.Second)),
				End:        time.Duration(w.End * float64(time.Second)),
				Confidence: w.Confidence,
			})
		}
	}
	if resp.SpeechFinal {
		a.closeTurn(emit)
		return
	}
	if text != "" {
		emit.Transcript(a.current("", false))
	}
}

// current builds the transcript of the open turn: committed segments plus an
// optional interim tail.
func (a *turnAssembler) current(interim string, final bool) types.Transcript {
	parts := a.committed
	if interim != "" {
		parts = append(parts[:len(parts):len(parts)], interim)
	}
	t := types.Transcript{
		Text:       strings.Join(parts, " "),
		IsFinal:    final,
		TurnID:     a.turn,
		Confidence: a.conf,
		Timestamp:  a.start,
	}
	if final {
		t.Words = a.words
		if n := len(a.words); n > 0 {
			t.Duration = a.words[n-1].End - a.start
		}
	}
	return t
}

// closeTurn emits the final for the open turn, if it has any committed text,
// and starts the next turn.
func (a *turnAssembler) closeTurn(emit wsstream.Emitter) {
	if len(a.committed) == 0 {
		return
	}
	emit.Transcript(a.current("", true))
	a.turn++
	a.committed = nil
	a.words = nil
	a.conf = 0
	a.start = 0
}
