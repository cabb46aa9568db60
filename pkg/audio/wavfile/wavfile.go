// Package wavfile replays a recorded call from a 16-bit PCM WAV file as if it
// were a live microphone. It is used for demos and end-to-end runs on
// machines without an input device.
//
// After the recording ends the source keeps delivering silent frames, the
// same as an open line with nobody speaking.
package wavfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/types"
)

// ErrUnsupportedFormat is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("wavfile: only 16-bit PCM is supported")

// Option configures a [Provider].
type Option func(*Provider)

// WithRealtime controls pacing. When true (the default) audio is delivered at
// the rate it was recorded; when false frames are produced as fast as the
// reader consumes them.
func WithRealtime(realtime bool) Option {
	return func(p *Provider) { p.realtime = realtime }
}

// Provider is an [audio.DeviceProvider] backed by a single WAV file. The file
// path is the only device.
type Provider struct {
	path     string
	realtime bool
	pcm      []byte
	format   audio.Format
}

var _ audio.DeviceProvider = (*Provider)(nil)

// New reads and validates the WAV file at path.
func New(path string, opts ...Option) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.DeviceError("open wav", err)
	}
	pcm, format, err := Decode(data)
	if err != nil {
		return nil, types.DeviceError("decode wav", err)
	}
	p := &Provider{path: path, realtime: true, pcm: pcm, format: format}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format returns the format stored in the file.
func (p *Provider) Format() audio.Format { return p.format }

// Devices implements [audio.DeviceProvider].
func (p *Provider) Devices(_ context.Context) ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{
		ID:          p.path,
		Name:        filepath.Base(p.path),
		MaxChannels: p.format.Channels,
		IsDefault:   true,
	}}, nil
}

// Open implements [audio.DeviceProvider]. deviceID must be empty or the file
// path.
func (p *Provider) Open(_ context.Context, deviceID string, cfg audio.CaptureConfig) (audio.Source, error) {
	if deviceID != "" && deviceID != p.path {
		return nil, types.DeviceError("open", fmt.Errorf("wavfile: unknown device %q", deviceID))
	}
	cfg = cfg.WithDefaults()
	conv := &audio.Converter{Source: p.format, TargetRate: cfg.SampleRate}
	pcm := conv.Convert(p.pcm)

	stop := make(chan struct{})
	fed := make(chan struct{})
	var once sync.Once
	framer := audio.NewFramer(cfg, func() error {
		once.Do(func() { close(stop) })
		<-fed
		return nil
	})
	go p.feed(framer, pcm, cfg, stop, fed)
	return framer, nil
}

func (p *Provider) feed(f *audio.Framer, pcm []byte, cfg audio.CaptureConfig, stop <-chan struct{}, fed chan<- struct{}) {
	defer close(fed)
	chunk := cfg.FrameBytes()
	silence := make([]byte, chunk)
	interval := cfg.FrameDuration()
	if !p.realtime {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	pos := 0
	for {
		if !p.realtime && f.Pending() >= cfg.Buffer {
			// Unpaced replay waits for the reader instead of overflowing.
			select {
			case <-stop:
				return
			case <-t.C:
			}
			continue
		}
		if pos < len(pcm) {
			end := min(pos+chunk, len(pcm))
			f.Write(pcm[pos:end])
			pos = end
		} else {
			f.Write(silence)
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// Close implements [audio.DeviceProvider].
func (p *Provider) Close() error { return nil }

// Decode extracts the PCM payload and format from a RIFF/WAVE file. Chunks
// other than "fmt " and "data" are skipped.
func Decode(data []byte) ([]byte, audio.Format, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, audio.Format{}, errors.New("wavfile: not a RIFF/WAVE file")
	}
	var (
		format  audio.Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			if id != "data" {
				return nil, audio.Format{}, fmt.Errorf("wavfile: chunk %q overruns file", id)
			}
			// Recorders that never patched the header leave a bogus size.
			end = len(data)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, audio.Format{}, errors.New("wavfile: short fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			// 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE.
			if (audioFormat != 1 && audioFormat != 0xFFFE) || bits != 16 {
				return nil, audio.Format{}, ErrUnsupportedFormat
			}
			format = audio.Format{
				Channels:   int(binary.LittleEndian.Uint16(data[body+2:])),
				SampleRate: int(binary.LittleEndian.Uint32(data[body+4:])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, audio.Format{}, errors.New("wavfile: data chunk before fmt chunk")
			}
			return data[body:end], format, nil
		}
		pos = end + size%2
	}
	return nil, audio.Format{}, errors.New("wavfile: no data chunk")
}

// Encode wraps mono or interleaved 16-bit PCM in a minimal WAV header.
func Encode(pcm []byte, format audio.Format) []byte {
	var buf bytes.Buffer
	blockAlign := format.Channels * 2
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
