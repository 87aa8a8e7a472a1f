package main

import (
	"maps"
	"sync/atomic"
)

// ============================================================================
// Device labels and the renderer-facing snapshot
// ============================================================================
//
// Labels are presentation: they live outside the mirror so a nickname reload
// never produces an Apply or a Notify. The wire snapshot is what the state
// websocket and the IPC snapshot request serialize.
// ============================================================================

// Nicknames maps device names to user-chosen labels, per kind.
type Nicknames struct {
	sinks   map[string]string
	sources map[string]string
}

func newNicknames(sinks, sources map[string]string) *Nicknames {
	return &Nicknames{sinks: maps.Clone(sinks), sources: maps.Clone(sources)}
}

// Label returns the nickname for dev, else its description, else its name.
func (n *Nicknames) Label(kind DeviceKind, dev AudioDevice) string {
	if n != nil {
		table := n.sinks
		if kind == KindSource {
			table = n.sources
		}
		if l, ok := table[dev.Name]; ok {
			return l
		}
	}
	if dev.Description != "" {
		return dev.Description
	}
	return dev.Name
}

// labelStore holds the current Nicknames. It is swapped by the config
// watcher and read by the broadcaster and the IPC server.
type labelStore struct {
	p atomic.Pointer[Nicknames]
}

func newLabelStore(n *Nicknames) *labelStore {
	s := &labelStore{}
	s.Store(n)
	return s
}

func (s *labelStore) Load() *Nicknames   { return s.p.Load() }
func (s *labelStore) Store(n *Nicknames) { s.p.Store(n) }

// wireSnapshot is the JSON form of a Snapshot.
type wireSnapshot struct {
	Version    uint64                 `json:"version"`
	Outputs    []string               `json:"outputs"`
	Workspaces map[string][]Workspace `json:"workspaces"`
	Sinks      []wireDevice           `json:"sinks"`
	Sources    []wireDevice           `json:"sources"`
	Defaults   DefaultDevices         `json:"defaults"`
}

type wireDevice struct {
	AudioDevice
	Label   string `json:"label"`
	Percent int    `json:"percent"`
	Default bool   `json:"default"`
}

func newWireSnapshot(s *Snapshot, n *Nicknames) wireSnapshot {
	return wireSnapshot{
		Version:    s.Version(),
		Outputs:    s.Outputs(),
		Workspaces: s.AllWorkspaces(),
		Sinks:      wireDevices(s, KindSink, s.Defaults().Sink, n),
		Sources:    wireDevices(s, KindSource, s.Defaults().Source, n),
		Defaults:   s.Defaults(),
	}
}

func wireDevices(s *Snapshot, kind DeviceKind, def string, n *Nicknames) []wireDevice {
	devs := s.Devices(kind)
	out := make([]wireDevice, 0, len(devs))
	for _, d := range devs {
		out = append(out, wireDevice{
			AudioDevice: d,
			Label:       n.Label(kind, d),
			Percent:     d.Volume.Percent(),
			Default:     d.Name == def,
		})
	}
	return out
}
