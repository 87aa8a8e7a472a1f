package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands_MarshalUsesEnvelope(t *testing.T) {
	b, err := MarshalCommand(SetVolume{Kind: KindSource, Index: 3, Percent: 40})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"set_volume","data":{"kind":"source","index":3,"percent":40}}`, string(b))

	cmd, err := UnmarshalCommand(b)
	require.NoError(t, err)
	assert.Equal(t, SetVolume{Kind: KindSource, Index: 3, Percent: 40}, cmd)
}

func TestCommands_UnmarshalEachType(t *testing.T) {
	cases := map[string]Command{
		`{"type":"switch_workspace","data":{"num":4}}`:                     SwitchWorkspace{Num: 4},
		`{"type":"set_default_device","data":{"kind":"sink","name":"hdmi"}}`: SetDefaultDevice{Kind: KindSink, Name: "hdmi"},
		`{"type":"toggle_mute","data":{"kind":"source","index":2}}`:        ToggleMute{Kind: KindSource, Index: 2},
	}
	for in, want := range cases {
		got, err := UnmarshalCommand([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestCommands_UnmarshalRejectsBadInput(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"switch_workspace"}`,
		`{"type":"reboot","data":{}}`,
		`{"type":"set_default_device","data":{"kind":"sink","name":""}}`,
		`{"type":"toggle_mute","data":{"kind":"speaker","index":1}}`,
		`{"type":"set_volume","data":{"kind":"sink","index":1,"percent":101}}`,
		`{"type":"set_volume","data":{"kind":"sink","index":1,"percent":-1}}`,
	}
	for _, in := range cases {
		_, err := UnmarshalCommand([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestCommands_MarshalRejectsInvalidKind(t *testing.T) {
	_, err := MarshalCommand(ToggleMute{Kind: DeviceKind(7), Index: 1})
	assert.Error(t, err)
}
