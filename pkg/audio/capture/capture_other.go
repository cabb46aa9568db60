//go:build !linux

package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/types"
)

// Provider captures through miniaudio (CoreAudio, WASAPI, ...).
type Provider struct {
	ctx  *malgo.AllocatedContext
	opts options
}

var _ audio.DeviceProvider = (*Provider)(nil)

// New initialises the audio context.
func New(opts ...Option) (*Provider, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, types.DeviceError("init audio context", err)
	}
	return &Provider{ctx: ctx, opts: o}, nil
}

// Devices implements [audio.DeviceProvider]. miniaudio only reports channel
// counts once a device is queried individually, so MaxChannels is left 0.
func (p *Provider) Devices(_ context.Context) ([]audio.DeviceInfo, error) {
	devices, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, types.DeviceError("list devices", err)
	}
	result := make([]audio.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, audio.DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

// Open implements [audio.DeviceProvider].
func (p *Provider) Open(_ context.Context, deviceID string, cfg audio.CaptureConfig) (audio.Source, error) {
	cfg = cfg.WithDefaults()

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.FrameSamples)

	if deviceID != "" {
		idBytes, err := hex.DecodeString(deviceID)
		if err != nil {
			return nil, types.DeviceError("open", fmt.Errorf("invalid device ID %q: %w", deviceID, err))
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		devCfg.Capture.DeviceID = devID.Pointer()
	}

	var (
		framer *audio.Framer
		dog    *watchdog
		dev    *malgo.Device
	)
	framer = audio.NewFramer(cfg, func() error {
		dog.close()
		dev.Stop()
		dev.Uninit()
		return nil
	})
	dog = startWatchdog(framer, p.opts.stallTimeout)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			dog.kick()
			framer.Write(data)
		},
		Stop: func() {
			framer.Fail(errors.New("capture: device stopped"))
		},
	}

	var err error
	dev, err = malgo.InitDevice(p.ctx.Context, devCfg, callbacks)
	if err != nil {
		dog.close()
		return nil, types.DeviceError("init device", err)
	}
	if err := dev.Start(); err != nil {
		dog.close()
		dev.Uninit()
		return nil, types.DeviceError("start device", err)
	}
	return framer, nil
}

// Close implements [audio.DeviceProvider].
func (p *Provider) Close() error {
	p.ctx.Uninit()
	p.ctx.Free()
	return nil
}
