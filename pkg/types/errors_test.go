package types_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/MrWong99/supportline/pkg/types"
)

func TestErrorIs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
		not  []error
	}{
		{"device", types.DeviceError("read frame", io.ErrUnexpectedEOF), types.ErrDevice, []error{types.ErrTransport, types.ErrBackend, types.ErrProtocol}},
		{"transport", types.TransportError("read", io.EOF), types.ErrTransport, []error{types.ErrDevice}},
		{"backend", types.BackendError("stream", nil), types.ErrBackend, []error{types.ErrProtocol}},
		{"protocol", types.ProtocolError("decode", nil), types.ErrProtocol, []error{types.ErrBackend}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("pipeline: %w", tt.err)
			if !errors.Is(wrapped, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, tt.want)
			}
			for _, other := range tt.not {
				if errors.Is(wrapped, other) {
					t.Errorf("errors.Is(%v, %v) = true, want false", wrapped, other)
				}
			}
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	t.Parallel()
	err := types.DeviceError("read frame", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause not reachable through %v", err)
	}
	if got := types.KindOf(fmt.Errorf("x: %w", err)); got != types.KindDevice {
		t.Errorf("KindOf = %v, want %v", got, types.KindDevice)
	}
	if got := types.KindOf(io.EOF); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{types.TransportError("dial", io.EOF), "TransportError: dial: EOF"},
		{types.BackendError("", io.EOF), "BackendError: EOF"},
		{types.ProtocolError("decode", nil), "ProtocolError: decode"},
		{&types.Error{Kind: types.KindDevice}, "DeviceError"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
