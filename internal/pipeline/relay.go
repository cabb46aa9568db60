package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/types"
)

// relay moves captured frames into the transcription session. Silent frames
// are counted and dropped before they reach the network.
type relay struct {
	src     audio.Source
	sess    stt.SessionHandle
	bus     *display.Bus
	stats   *Stats
	metrics *observe.Metrics
}

// run forwards frames until ctx ends, the session stops accepting audio, or
// the device fails. Only a device failure is reported as an error; it is
// announced on the bus exactly once.
func (r *relay) run(ctx context.Context) error {
	for {
		frame, err := r.src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if types.KindOf(err) != types.KindDevice {
				err = types.DeviceError("read frame", err)
			}
			slog.Error("relay: audio device failed", "err", err)
			r.bus.Publish(display.Errorf("Audio device error: %v", cause(err)))
			r.bus.Publish(display.StatusEvent(display.StatusError))
			return err
		}

		if audio.IsSilent(frame.Data) {
			r.stats.RecordFrame(false)
			r.metrics.RecordAudioFrame(ctx, "silent")
			continue
		}

		if err := r.sess.SendAudio(ctx, frame.Data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The receiver reports why the session ended.
			slog.Debug("relay: session stopped accepting audio", "err", err)
			r.metrics.RecordAudioFrame(ctx, "dropped")
			return nil
		}
		r.stats.RecordFrame(true)
		r.metrics.RecordAudioFrame(ctx, "sent")
	}
}

// cause strips the taxonomy wrapper from err for display.
func cause(err error) error {
	if inner := errors.Unwrap(err); inner != nil {
		return inner
	}
	return err
}
