package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/types"
)

// receiver fans transcription output out: every transcript goes to the
// display bus, finals are also queued for the generator. In-band service
// errors are surfaced and the session keeps running.
type receiver struct {
	sess     stt.SessionHandle
	provider string
	bus      *display.Bus
	queue    *Queue
	stats    *Stats
	metrics  *observe.Metrics
}

// run consumes the session until ctx ends or the session's transcript
// channel closes. A close we did not ask for is returned as a transport
// error.
func (r *receiver) run(ctx context.Context) error {
	errs := r.sess.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case t, ok := <-r.sess.Transcripts():
			if !ok {
				return r.closed(ctx)
			}
			r.transcript(ctx, t)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("receiver: transcription service error", "provider", r.provider, "err", err)
			r.metrics.RecordProviderError(ctx, r.provider, "stt")
			r.bus.Publish(display.Errorf("Transcription error: %s", serverMessage(err)))
			r.bus.Publish(display.StatusEvent(display.StatusError))
		}
	}
}

func (r *receiver) transcript(ctx context.Context, t types.Transcript) {
	r.stats.RecordTranscript(t.IsFinal)
	r.metrics.RecordTranscript(ctx, t.IsFinal)

	if !t.IsFinal {
		r.bus.Publish(display.Partial(t.TurnID, t.Text))
		return
	}

	slog.Info("receiver: customer turn finalized", "turn", t.TurnID, "chars", len(t.Text))
	r.bus.Publish(display.Final(t.TurnID, t.Text))
	if err := r.queue.Push(ctx, Utterance{Text: t.Text, TurnID: t.TurnID, Received: time.Now()}); err != nil {
		slog.Warn("receiver: utterance dropped during shutdown", "turn", t.TurnID, "err", err)
	}
}

// closed handles the end of the transcript stream.
func (r *receiver) closed(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	err := r.sess.Err()
	if err == nil {
		err = types.TransportError("read", stt.ErrSessionClosed)
	}
	r.metrics.RecordProviderError(ctx, r.provider, "stt")
	r.bus.Publish(display.Errorf("Transcription connection closed: %v", cause(err)))
	return err
}

// serverMessage extracts the service's own wording from an in-band error.
func serverMessage(err error) string {
	var se *stt.ServerError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
