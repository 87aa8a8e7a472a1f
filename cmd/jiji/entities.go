package main

import (
	"fmt"
	"sort"
)

// ============================================================================
// Entity Model
// ============================================================================
//
// Typed records for the two mirrored registries:
//   - Workspace: one i3/sway workspace, identified by (Output, Num)
//   - AudioDevice: one PulseAudio sink or source, identified by Index
//
// Entities are values. The mirror replaces them wholesale; nothing in this
// codebase patches a single field of a stored entity.
// ============================================================================

// Workspace is the mirrored state of one window-manager workspace.
type Workspace struct {
	Num     int    `json:"num"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	Visible bool   `json:"visible"`
	Focused bool   `json:"focused"`
	Urgent  bool   `json:"urgent"`
}

// Key returns the workspace identity.
func (w Workspace) Key() WorkspaceKey {
	return WorkspaceKey{Output: w.Output, Num: w.Num}
}

// WorkspaceKey identifies a workspace within the mirror.
type WorkspaceKey struct {
	Output string
	Num    int
}

func (WorkspaceKey) entityID() {}

func (k WorkspaceKey) String() string { return fmt.Sprintf("%s/%d", k.Output, k.Num) }

// Workspaces groups workspaces by output. Each group is sorted by Num.
type Workspaces map[string][]Workspace

func (Workspaces) resetPayload() {}

// GroupWorkspaces builds a Workspaces value from a flat listing.
func GroupWorkspaces(list []Workspace) Workspaces {
	wss := make(Workspaces)
	for _, ws := range list {
		wss[ws.Output] = append(wss[ws.Output], ws)
	}
	for _, group := range wss {
		sortWorkspaces(group)
	}
	return wss
}

func sortWorkspaces(group []Workspace) {
	sort.SliceStable(group, func(i, j int) bool { return group[i].Num < group[j].Num })
}

func (wss Workspaces) clone() Workspaces {
	out := make(Workspaces, len(wss))
	for output, group := range wss {
		out[output] = append([]Workspace(nil), group...)
	}
	return out
}

// DeviceKind selects the sink or source collection.
type DeviceKind int

const (
	KindSink DeviceKind = iota
	KindSource
)

func (k DeviceKind) String() string {
	switch k {
	case KindSink:
		return "sink"
	case KindSource:
		return "source"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// ParseDeviceKind converts "sink" or "source" into a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch s {
	case "sink":
		return KindSink, nil
	case "source":
		return KindSource, nil
	default:
		return 0, fmt.Errorf("invalid device kind %q (must be sink or source)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k DeviceKind) MarshalText() ([]byte, error) {
	if k != KindSink && k != KindSource {
		return nil, fmt.Errorf("invalid device kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DeviceKind) UnmarshalText(b []byte) error {
	v, err := ParseDeviceKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// DeviceIndex is the source-assigned device index. Indexes are unique per
// kind but are reused after a device is removed.
type DeviceIndex uint32

func (DeviceIndex) entityID() {}

// AudioDevice is the mirrored state of one sink or source.
type AudioDevice struct {
	Index       uint32         `json:"index"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Mute        bool           `json:"mute"`
	Volume      ChannelVolumes `json:"volume"`

	// Monitor is set for sources that monitor a sink.
	Monitor bool `json:"monitor,omitempty"`
}

func (AudioDevice) entity() {}
func (Workspace) entity()   {}

func (d AudioDevice) clone() AudioDevice {
	d.Volume = append(ChannelVolumes(nil), d.Volume...)
	return d
}

// DeviceSet is a full listing of one device collection, keyed by index.
type DeviceSet map[uint32]AudioDevice

func (DeviceSet) resetPayload() {}

func (s DeviceSet) clone() DeviceSet {
	out := make(DeviceSet, len(s))
	for idx, d := range s {
		out[idx] = d.clone()
	}
	return out
}

// DefaultDevices holds the default sink and source names reported by the
// audio server. They resolve against the collections by name.
type DefaultDevices struct {
	Sink   string `json:"sink"`
	Source string `json:"source"`
}

func (DefaultDevices) resetPayload() {}
