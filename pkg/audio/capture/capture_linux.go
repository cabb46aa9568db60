//go:build linux

package capture

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/types"
)

// Provider captures from PulseAudio (or PipeWire's pulse server).
type Provider struct {
	client *pulse.Client
	opts   options
}

var _ audio.DeviceProvider = (*Provider)(nil)

// New connects to the sound server.
func New(opts ...Option) (*Provider, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	c, err := pulse.NewClient()
	if err != nil {
		return nil, types.DeviceError("connect sound server", err)
	}
	return &Provider{client: c, opts: o}, nil
}

// Devices implements [audio.DeviceProvider].
func (p *Provider) Devices(_ context.Context) ([]audio.DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, types.DeviceError("list sources", err)
	}
	var defaultID string
	if def, err := p.client.DefaultSource(); err == nil && def != nil {
		defaultID = def.ID()
	}
	devices := make([]audio.DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, sourceInfo(s.ID(), s.Name(), s.Channels(), defaultID))
	}
	return devices, nil
}

// sourceInfo describes a pulse source; its channel map holds one position
// per channel.
func sourceInfo(id, name string, channels proto.ChannelMap, defaultID string) audio.DeviceInfo {
	return audio.DeviceInfo{
		ID:          id,
		Name:        name,
		MaxChannels: len(channels),
		IsDefault:   id == defaultID,
	}
}

// Open implements [audio.DeviceProvider].
func (p *Provider) Open(_ context.Context, deviceID string, cfg audio.CaptureConfig) (audio.Source, error) {
	cfg = cfg.WithDefaults()

	var (
		framer *audio.Framer
		dog    *watchdog
		stream *pulse.RecordStream
	)
	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		dog.kick()
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		framer.Write(data)
		return len(buf), nil
	})

	ropts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordLatency(cfg.FrameDuration().Seconds()),
	}
	if deviceID != "" {
		src, err := p.client.SourceByID(deviceID)
		if err != nil {
			return nil, types.DeviceError("open "+deviceID, err)
		}
		ropts = append(ropts, pulse.RecordSource(src))
	}

	framer = audio.NewFramer(cfg, func() error {
		dog.close()
		stream.Stop()
		stream.Close()
		return nil
	})
	dog = startWatchdog(framer, p.opts.stallTimeout)

	var err error
	stream, err = p.client.NewRecord(writer, ropts...)
	if err != nil {
		dog.close()
		return nil, types.DeviceError("record", fmt.Errorf("pulse: %w", err))
	}
	stream.Start()
	return framer, nil
}

// Close implements [audio.DeviceProvider].
func (p *Provider) Close() error {
	p.client.Close()
	return nil
}
