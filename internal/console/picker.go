package console

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/MrWong99/supportline/pkg/audio"
)

var (
	// ErrNoDevices is returned by [PickDevice] when there is nothing to pick.
	ErrNoDevices = errors.New("console: no capture devices found")

	// ErrPickCancelled is returned by [PickDevice] when the operator presses
	// Ctrl+C or Esc.
	ErrPickCancelled = errors.New("console: device selection cancelled")
)

// picker is the cursor state of the device list, kept apart from the
// terminal so key handling can be tested without one.
type picker struct {
	devices []audio.DeviceInfo
	cursor  int
}

func newPicker(devices []audio.DeviceInfo) *picker {
	p := &picker{devices: devices}
	for i, d := range devices {
		if d.IsDefault {
			p.cursor = i
			break
		}
	}
	return p
}

// pickResult is the outcome of one key press.
type pickResult int

const (
	pickMove pickResult = iota
	pickDone
	pickCancel
)

// key applies the bytes of one read from a raw-mode terminal.
func (p *picker) key(b []byte) pickResult {
	switch {
	case len(b) == 1:
		switch b[0] {
		case '\r', '\n':
			return pickDone
		case 3, 0x1b: // Ctrl+C, Esc
			return pickCancel
		case 'j':
			p.down()
		case 'k':
			p.up()
		}
	case len(b) == 3 && b[0] == 0x1b && b[1] == '[':
		switch b[2] {
		case 'A':
			p.up()
		case 'B':
			p.down()
		}
	}
	return pickMove
}

func (p *picker) up() {
	if p.cursor > 0 {
		p.cursor--
	}
}

func (p *picker) down() {
	if p.cursor < len(p.devices)-1 {
		p.cursor++
	}
}

// lines is the number of terminal lines render writes.
func (p *picker) lines() int { return len(p.devices) + 2 }

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select input device (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range p.devices {
		name := d.Name
		if d.IsDefault {
			name += " (default)"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s\x1b[0m\r\n", name)
		} else {
			fmt.Fprintf(w, "    %s\r\n", name)
		}
	}
}

// PickDevice lets the operator choose one of devices with the arrow keys (or
// j/k) on the terminal in. The list starts on the system default. A single
// device is returned without asking.
func PickDevice(in *os.File, out io.Writer, devices []audio.DeviceInfo) (audio.DeviceInfo, error) {
	switch len(devices) {
	case 0:
		return audio.DeviceInfo{}, ErrNoDevices
	case 1:
		fmt.Fprintf(out, "Using device: %s\n", devices[0].Name)
		return devices[0], nil
	}

	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return audio.DeviceInfo{}, errors.New("console: device picker needs an interactive terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return audio.DeviceInfo{}, fmt.Errorf("console: setting raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	p := newPicker(devices)
	p.render(out)

	buf := make([]byte, 3)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return audio.DeviceInfo{}, fmt.Errorf("console: reading input: %w", err)
		}
		switch p.key(buf[:n]) {
		case pickDone:
			fmt.Fprint(out, "\r\n")
			return devices[p.cursor], nil
		case pickCancel:
			fmt.Fprint(out, "\r\n")
			return audio.DeviceInfo{}, ErrPickCancelled
		}
		fmt.Fprintf(out, "\x1b[%dA", p.lines())
		p.render(out)
	}
}
