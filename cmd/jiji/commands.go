package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Commands - renderer-driven writes into the sources
// ============================================================================
//
// Commands arrive from the state websocket (renderer input) and from the IPC
// socket (jiji-ctl). The daemon loop hands them to the Gateway, which issues
// them fire-and-forget. Their effect is only observable through a later event.
//
// Wire format: {"type": "<name>", "data": {...}}
// ============================================================================

// Command is a fire-and-forget write against one of the sources.
type Command interface {
	commandMarker()
	String() string
}

// SwitchWorkspace focuses the workspace with the given number.
type SwitchWorkspace struct {
	Num int `json:"num"`
}

// SetDefaultDevice makes the named device the default for its kind.
type SetDefaultDevice struct {
	Kind DeviceKind `json:"kind"`
	Name string     `json:"name"`
}

// ToggleMute flips the mute state of a device.
type ToggleMute struct {
	Kind  DeviceKind `json:"kind"`
	Index uint32     `json:"index"`
}

// SetVolume sets the displayed volume of a device, preserving balance.
type SetVolume struct {
	Kind    DeviceKind `json:"kind"`
	Index   uint32     `json:"index"`
	Percent int        `json:"percent"`
}

func (SwitchWorkspace) commandMarker()  {}
func (SetDefaultDevice) commandMarker() {}
func (ToggleMute) commandMarker()       {}
func (SetVolume) commandMarker()        {}

func (c SwitchWorkspace) String() string { return fmt.Sprintf("SwitchWorkspace(num=%d)", c.Num) }
func (c SetDefaultDevice) String() string {
	return fmt.Sprintf("SetDefaultDevice(kind=%s, name=%q)", c.Kind, c.Name)
}
func (c ToggleMute) String() string {
	return fmt.Sprintf("ToggleMute(kind=%s, index=%d)", c.Kind, c.Index)
}
func (c SetVolume) String() string {
	return fmt.Sprintf("SetVolume(kind=%s, index=%d, percent=%d)", c.Kind, c.Index, c.Percent)
}

const (
	cmdTypeSwitchWorkspace  = "switch_workspace"
	cmdTypeSetDefaultDevice = "set_default_device"
	cmdTypeToggleMute       = "toggle_mute"
	cmdTypeSetVolume        = "set_volume"
)

// commandEnvelope is the JSON wrapper for commands.
type commandEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalCommand encodes a command as a JSON envelope.
func MarshalCommand(cmd Command) ([]byte, error) {
	var env commandEnvelope
	switch cmd.(type) {
	case SwitchWorkspace:
		env.Type = cmdTypeSwitchWorkspace
	case SetDefaultDevice:
		env.Type = cmdTypeSetDefaultDevice
	case ToggleMute:
		env.Type = cmdTypeToggleMute
	case SetVolume:
		env.Type = cmdTypeSetVolume
	default:
		return nil, fmt.Errorf("unsupported command type: %T", cmd)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	env.Data = data
	return json.Marshal(env)
}

// UnmarshalCommand decodes a JSON envelope into a command.
func UnmarshalCommand(b []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return decodeCommand(env)
}

func decodeCommand(env commandEnvelope) (Command, error) {
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("command %q: missing data", env.Type)
	}

	switch env.Type {
	case cmdTypeSwitchWorkspace:
		var c SwitchWorkspace
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return c, nil

	case cmdTypeSetDefaultDevice:
		var c SetDefaultDevice
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if c.Name == "" {
			return nil, fmt.Errorf("decode %s: empty name", env.Type)
		}
		return c, nil

	case cmdTypeToggleMute:
		var c ToggleMute
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return c, nil

	case cmdTypeSetVolume:
		var c SetVolume
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if c.Percent < 0 || c.Percent > 100 {
			return nil, fmt.Errorf("decode %s: percent %d out of range [0, 100]", env.Type, c.Percent)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
}
