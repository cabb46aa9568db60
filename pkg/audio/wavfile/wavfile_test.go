package wavfile_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/supportline/pkg/audio"
	"github.com/MrWong99/supportline/pkg/audio/wavfile"
	"github.com/MrWong99/supportline/pkg/types"
)

func ramp(n int) []byte {
	buf := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(i%1000+1)))
	}
	return buf
}

func writeWAV(t *testing.T, pcm []byte, format audio.Format) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call.wav")
	if err := os.WriteFile(path, wavfile.Encode(pcm, format), 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Parallel()
	pcm := ramp(100)
	format := audio.Format{SampleRate: 16000, Channels: 1}
	got, gotFormat, err := wavfile.Decode(wavfile.Encode(pcm, format))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotFormat != format {
		t.Errorf("format = %+v, want %+v", gotFormat, format)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM differs from input")
	}
}

func TestDecode_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	pcm := ramp(10)
	wav := wavfile.Encode(pcm, audio.Format{SampleRate: 8000, Channels: 1})
	// Insert a LIST chunk with odd size (padded) between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	got, _, err := wavfile.Decode(withList)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM differs from input")
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	eightBit := wavfile.Encode(ramp(4), audio.Format{SampleRate: 8000, Channels: 1})
	binary.LittleEndian.PutUint16(eightBit[34:], 8)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"not riff", []byte("hello world!"), nil},
		{"8-bit", eightBit, wavfile.ErrUnsupportedFormat},
		{"header only", []byte("RIFF\x04\x00\x00\x00WAVE"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := wavfile.Decode(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProvider_ReplaysThenSilence(t *testing.T) {
	t.Parallel()
	pcm := ramp(1600) // two 50 ms frames at 16 kHz
	path := writeWAV(t, pcm, audio.Format{SampleRate: 16000, Channels: 1})

	p, err := wavfile.New(path, wavfile.WithRealtime(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	devices, err := p.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != path || devices[0].MaxChannels != 1 {
		t.Fatalf("Devices = %+v", devices)
	}

	src, err := p.Open(context.Background(), "", audio.DefaultCaptureConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 2 {
		fr, err := src.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(fr.Data, pcm[i*1600:(i+1)*1600]) {
			t.Errorf("frame %d differs from recording", i)
		}
	}
	fr, err := src.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame tail: %v", err)
	}
	if !audio.IsSilent(fr.Data) {
		t.Error("expected silence after the recording ends")
	}
}

func TestProvider_ConvertsToMono(t *testing.T) {
	t.Parallel()
	// 100 ms of stereo at 32 kHz becomes 100 ms of mono at 16 kHz: 2 frames.
	path := writeWAV(t, ramp(6400), audio.Format{SampleRate: 32000, Channels: 2})
	p, err := wavfile.New(path, wavfile.WithRealtime(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src, err := p.Open(context.Background(), path, audio.DefaultCaptureConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	fr, err := src.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(fr.Data) != 1600 || fr.Channels != 1 || fr.SampleRate != 16000 {
		t.Errorf("frame = %d bytes %dHz/%dch, want 1600 bytes 16000Hz/1ch", len(fr.Data), fr.SampleRate, fr.Channels)
	}
}

func TestProvider_Errors(t *testing.T) {
	t.Parallel()
	if _, err := wavfile.New(filepath.Join(t.TempDir(), "missing.wav")); !errors.Is(err, types.ErrDevice) {
		t.Errorf("missing file: err = %v, want device error", err)
	}
	path := writeWAV(t, ramp(10), audio.Format{SampleRate: 16000, Channels: 1})
	p, err := wavfile.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Open(context.Background(), "other", audio.DefaultCaptureConfig()); !errors.Is(err, types.ErrDevice) {
		t.Errorf("unknown device: err = %v, want device error", err)
	}
}
