package assemblyai

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, FormatTurns: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "streaming.assemblyai.com", u.Host)
	assertEqual(t, "path", "/v3/ws", u.Path)
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "format_turns", "true", q.Get("format_turns"))
	if strings.Contains(rawURL, "test-key") {
		t.Errorf("API key leaked into URL: %s", rawURL)
	}
	if q.Has("keyterms_prompt") {
		t.Errorf("unexpected keyterms_prompt: %q", q.Get("keyterms_prompt"))
	}
}

func TestBuildURL_Options(t *testing.T) {
	p, err := New("key", WithEndpoint("wss://streaming.eu.assemblyai.com/v3/ws"), WithMinEndOfTurnSilence(400))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Keyterms: []string{"AppleCare", "MagSafe"}})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "host", "streaming.eu.assemblyai.com", u.Host)
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "format_turns", "false", q.Get("format_turns"))
	assertEqual(t, "min_end_of_turn_silence_when_confident", "400", q.Get("min_end_of_turn_silence_when_confident"))
	assertEqual(t, "keyterms_prompt", `["AppleCare","MagSafe"]`, q.Get("keyterms_prompt"))
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- decoder tests ----

func TestDecoderTranscript(t *testing.T) {
	tests := []struct {
		name        string
		formatTurns bool
		msg         message
		wantOK      bool
		wantFinal   bool
		wantText    string
	}{
		{
			name:        "partial",
			formatTurns: true,
			msg:         message{Type: "Turn", Transcript: "my iphone", TurnOrder: 0},
			wantOK:      true,
			wantText:    "my iphone",
		},
		{
			name:        "raw end of turn is partial when formatting",
			formatTurns: true,
			msg:         message{Type: "Turn", Transcript: "my iphone wont charge", EndOfTurn: true},
			wantOK:      true,
			wantText:    "my iphone wont charge",
		},
		{
			name:        "formatted end of turn is final",
			formatTurns: true,
			msg:         message{Type: "Turn", Transcript: "My iPhone won't charge.", EndOfTurn: true, TurnIsFormatted: true},
			wantOK:      true,
			wantFinal:   true,
			wantText:    "My iPhone won't charge.",
		},
		{
			name:        "raw end of turn is final without formatting",
			formatTurns: false,
			msg:         message{Type: "Turn", Transcript: "my iphone wont charge", EndOfTurn: true},
			wantOK:      true,
			wantFinal:   true,
			wantText:    "my iphone wont charge",
		},
		{
			name:        "empty transcript ignored",
			formatTurns: true,
			msg:         message{Type: "Turn", Transcript: "  ", EndOfTurn: true, TurnIsFormatted: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &decoder{formatTurns: tt.formatTurns}
			got, ok := d.transcript(tt.msg)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tt.wantText, got.Text)
			if got.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", got.IsFinal, tt.wantFinal)
			}
		})
	}
}

func TestDecoderTranscript_Words(t *testing.T) {
	d := &decoder{formatTurns: true}
	got, ok := d.transcript(message{
		Transcript: "hello there",
		TurnOrder:  3,
		Words: []word{
			{Text: "hello", Start: 100, End: 400, Confidence: 0.9},
			{Text: "there", Start: 450, End: 800, Confidence: 0.8},
		},
	})
	if !ok {
		t.Fatal("expected transcript")
	}
	if got.TurnID != 3 {
		t.Errorf("TurnID = %d, want 3", got.TurnID)
	}
	if len(got.Words) != 2 || got.Words[1].Word != "there" || got.Words[1].End != 800*time.Millisecond {
		t.Errorf("Words = %+v", got.Words)
	}
	if got.Timestamp != 100*time.Millisecond || got.Duration != 700*time.Millisecond {
		t.Errorf("Timestamp/Duration = %v/%v, want 100ms/700ms", got.Timestamp, got.Duration)
	}
}

// ---- live session tests against a fake service ----

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeService runs handler for every websocket connection.
func fakeService(t *testing.T, handler func(ctx context.Context, c *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		handler(r.Context(), c, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func send(ctx context.Context, t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func collect(t *testing.T, sess stt.SessionHandle, n int) []types.Transcript {
	t.Helper()
	var got []types.Transcript
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case tr, ok := <-sess.Transcripts():
			if !ok {
				t.Fatalf("transcripts closed after %d of %d", len(got), n)
			}
			got = append(got, tr)
		case <-timeout:
			t.Fatalf("timed out after %d of %d transcripts", len(got), n)
		}
	}
	return got
}

func TestSession_TurnLifecycle(t *testing.T) {
	var (
		gotAuth, gotQuery string
		gotAudio          []byte
		gotTerminate      string
		serverDone        = make(chan struct{})
	)
	srv := fakeService(t, func(ctx context.Context, c *websocket.Conn, r *http.Request) {
		defer close(serverDone)
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery

		send(ctx, t, c, `{"type":"Begin","id":"sess-1","expires_at":1760000000}`)

		typ, audio, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("server read audio: type=%v err=%v", typ, err)
			return
		}
		gotAudio = audio

		send(ctx, t, c, `{"type":"Turn","turn_order":0,"transcript":"my iphone","end_of_turn":false,"turn_is_formatted":false}`)
		send(ctx, t, c, `{"type":"Turn","turn_order":0,"transcript":"my iphone wont charge","end_of_turn":true,"turn_is_formatted":false}`)
		send(ctx, t, c, `{"type":"Turn","turn_order":0,"transcript":"My iPhone won't charge","end_of_turn":true,"turn_is_formatted":true,"end_of_turn_confidence":0.93}`)
		// Late duplicate of the finalized turn must not surface.
		send(ctx, t, c, `{"type":"Turn","turn_order":0,"transcript":"My iPhone won't charge","end_of_turn":true,"turn_is_formatted":true}`)
		send(ctx, t, c, `not json`)
		send(ctx, t, c, `{"type":"Turn","turn_order":1,"transcript":"It's an","end_of_turn":false}`)

		typ, msg, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageText {
			t.Errorf("server read terminate: type=%v err=%v", typ, err)
			return
		}
		gotTerminate = string(msg)
		send(ctx, t, c, `{"type":"Termination","audio_duration_seconds":1.5,"session_duration_seconds":2}`)
		c.Close(websocket.StatusNormalClosure, "")
	})

	p, err := New("secret-key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, FormatTurns: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	chunk := bytes.Repeat([]byte{1, 0}, 800)
	if err := sess.SendAudio(ctx, chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	got := collect(t, sess, 4)
	want := []struct {
		text  string
		final bool
		turn  int
	}{
		{"my iphone", false, 0},
		{"my iphone wont charge", false, 0},
		{"My iPhone won't charge", true, 0},
		{"It's an", false, 1},
	}
	for i, w := range want {
		if got[i].Text != w.text || got[i].IsFinal != w.final || got[i].TurnID != w.turn {
			t.Errorf("transcript %d = {%q final=%v turn=%d}, want {%q final=%v turn=%d}",
				i, got[i].Text, got[i].IsFinal, got[i].TurnID, w.text, w.final, w.turn)
		}
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-serverDone

	assertEqual(t, "authorization", "secret-key", gotAuth)
	q, _ := url.ParseQuery(gotQuery)
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "format_turns", "true", q.Get("format_turns"))
	if !bytes.Equal(gotAudio, chunk) {
		t.Errorf("server received %d bytes, want the %d-byte chunk", len(gotAudio), len(chunk))
	}
	assertEqual(t, "terminate", `{"type":"Terminate"}`, gotTerminate)

	if err := sess.Err(); err != nil {
		t.Errorf("Err after graceful close = %v, want nil", err)
	}
	if st := sess.State(); st != stt.StateClosed {
		t.Errorf("State = %v, want closed", st)
	}
	if _, ok := <-sess.Transcripts(); ok {
		t.Error("transcripts channel still open after Close")
	}
	if err := sess.SendAudio(ctx, chunk); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: err = %v, want ErrSessionClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_ServerErrorKeepsSessionOpen(t *testing.T) {
	srv := fakeService(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		send(ctx, t, c, `{"error":"Audio chunk too short"}`)
		send(ctx, t, c, `{"type":"Turn","turn_order":0,"transcript":"still here","end_of_turn":true,"turn_is_formatted":true}`)
		_, _, _ = c.Read(ctx)
	})
	p, _ := New("key", WithEndpoint(wsURL(srv)), WithCloseGrace(50*time.Millisecond))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{FormatTurns: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	select {
	case err := <-sess.Errors():
		var se *stt.ServerError
		if !errors.As(err, &se) || se.Message != "Audio chunk too short" {
			t.Errorf("error = %v, want ServerError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server error")
	}
	got := collect(t, sess, 1)
	if !got[0].IsFinal || got[0].Text != "still here" {
		t.Errorf("transcript = %+v", got[0])
	}
	if sess.Err() != nil {
		t.Errorf("Err = %v, want nil while open", sess.Err())
	}
}

func TestSession_RemoteCloseIsTransportError(t *testing.T) {
	srv := fakeService(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		send(ctx, t, c, `{"type":"Begin","id":"x","expires_at":0}`)
		c.Close(websocket.StatusGoingAway, "session expired")
	})
	var logs bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	select {
	case _, ok := <-sess.Transcripts():
		if ok {
			t.Fatal("unexpected transcript")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transcripts not closed after remote close")
	}
	// The warning is written before the transcripts channel closes.
	logged := logs.String()
	if !strings.Contains(logged, `msg="wsstream: connection closed by remote"`) || !strings.Contains(logged, "provider=assemblyai") {
		t.Errorf("remote close log = %q, want a fixed message with provider=assemblyai", logged)
	}
	if err := sess.Err(); !errors.Is(err, types.ErrTransport) {
		t.Errorf("Err = %v, want transport error", err)
	}
	if st := sess.State(); st != stt.StateError {
		t.Errorf("State = %v, want error", st)
	}
	if err := sess.SendAudio(context.Background(), []byte{1, 2}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio = %v, want ErrSessionClosed", err)
	}
}

func TestSession_CloseForcesAfterGrace(t *testing.T) {
	srv := fakeService(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		// Never answer Terminate; keep reading until the client drops us.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	p, _ := New("key", WithEndpoint(wsURL(srv)), WithCloseGrace(100*time.Millisecond))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	start := time.Now()
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close took %v, want about the 100ms grace", elapsed)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil for caller-initiated close", err)
	}
}

func TestStartStream_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad-key", WithEndpoint(wsURL(srv)))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, types.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
