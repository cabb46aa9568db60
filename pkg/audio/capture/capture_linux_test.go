//go:build linux

package capture

import (
	"testing"

	"github.com/jfreymuth/pulse/proto"
)

func TestSourceInfo(t *testing.T) {
	t.Parallel()

	stereo := sourceInfo("alsa_input.usb-headset", "USB Headset", proto.ChannelMap{proto.ChannelLeft, proto.ChannelRight}, "alsa_input.usb-headset")
	if stereo.MaxChannels != 2 || !stereo.IsDefault {
		t.Errorf("stereo default source = %+v, want 2 channels and default", stereo)
	}
	mono := sourceInfo("alsa_input.pci", "Built-in Mic", proto.ChannelMap{proto.ChannelMono}, "alsa_input.usb-headset")
	if mono.MaxChannels != 1 || mono.IsDefault {
		t.Errorf("mono source = %+v, want 1 channel and not default", mono)
	}
	if mono.ID != "alsa_input.pci" || mono.Name != "Built-in Mic" {
		t.Errorf("mono source = %+v", mono)
	}
}
