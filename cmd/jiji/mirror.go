package main

import "sort"

// Mirror is the single store of current entities.
//
// It has exactly one writer: the daemon loop goroutine. Readers get a
// Snapshot, which is an immutable copy and is safe to hand to any goroutine.
type Mirror struct {
	workspaces Workspaces
	sinks      DeviceSet
	sources    DeviceSet
	defaults   DefaultDevices

	// version counts applied events.
	version uint64

	// snap caches the snapshot for the current version.
	snap *Snapshot
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		workspaces: make(Workspaces),
		sinks:      make(DeviceSet),
		sources:    make(DeviceSet),
	}
}

// Apply applies ev and reports whether the mirror changed.
//
// There is no value-level deduplication: every well-formed event reports a
// change, including a Changed identical to the stored entity and a Removed
// of an identity that does not exist. Malformed events (a payload or entity
// that does not belong to the collection) are dropped and report false.
func (m *Mirror) Apply(ev Event) bool {
	var ok bool
	switch e := ev.(type) {
	case Reset:
		ok = m.reset(e)
	case Added:
		ok = m.upsert(e.Collection, e.ID, e.Entity)
	case Changed:
		ok = m.upsert(e.Collection, e.ID, e.Entity)
	case Removed:
		ok = m.remove(e.Collection, e.ID)
	}
	if ok {
		m.version++
		m.snap = nil
	}
	return ok
}

func (m *Mirror) reset(e Reset) bool {
	switch p := e.Payload.(type) {
	case Workspaces:
		if e.Collection != CollectionWorkspaces {
			return false
		}
		wss := p.clone()
		for _, group := range wss {
			sortWorkspaces(group)
		}
		m.workspaces = wss
	case DeviceSet:
		switch e.Collection {
		case CollectionSinks:
			m.sinks = p.clone()
		case CollectionSources:
			m.sources = p.clone()
		default:
			return false
		}
	case DefaultDevices:
		if e.Collection != CollectionDefaults {
			return false
		}
		m.defaults = p
	default:
		return false
	}
	return true
}

func (m *Mirror) upsert(c Collection, id EntityID, ent Entity) bool {
	switch c {
	case CollectionWorkspaces:
		key, ok := id.(WorkspaceKey)
		if !ok {
			return false
		}
		ws, ok := ent.(Workspace)
		if !ok || ws.Key() != key {
			return false
		}
		m.removeWorkspace(key)
		group := append(m.workspaces[ws.Output], ws)
		sortWorkspaces(group)
		m.workspaces[ws.Output] = group
		return true

	case CollectionSinks, CollectionSources:
		idx, ok := id.(DeviceIndex)
		if !ok {
			return false
		}
		dev, ok := ent.(AudioDevice)
		if !ok || dev.Index != uint32(idx) {
			return false
		}
		m.devices(c)[uint32(idx)] = dev.clone()
		return true
	}
	return false
}

func (m *Mirror) remove(c Collection, id EntityID) bool {
	switch c {
	case CollectionWorkspaces:
		key, ok := id.(WorkspaceKey)
		if !ok {
			return false
		}
		m.removeWorkspace(key)
		return true

	case CollectionSinks, CollectionSources:
		idx, ok := id.(DeviceIndex)
		if !ok {
			return false
		}
		delete(m.devices(c), uint32(idx))
		return true
	}
	return false
}

func (m *Mirror) removeWorkspace(key WorkspaceKey) {
	group := m.workspaces[key.Output]
	for i, ws := range group {
		if ws.Num == key.Num {
			group = append(group[:i:i], group[i+1:]...)
			break
		}
	}
	if len(group) == 0 {
		delete(m.workspaces, key.Output)
		return
	}
	m.workspaces[key.Output] = group
}

func (m *Mirror) devices(c Collection) DeviceSet {
	if c == CollectionSources {
		return m.sources
	}
	return m.sinks
}

// Snapshot returns an immutable view of the current state. Observers called
// within one notification share the same snapshot.
func (m *Mirror) Snapshot() *Snapshot {
	if m.snap == nil {
		m.snap = &Snapshot{
			version:    m.version,
			workspaces: m.workspaces.clone(),
			sinks:      m.sinks.clone(),
			sources:    m.sources.clone(),
			defaults:   m.defaults,
		}
	}
	return m.snap
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is a read-only copy of the mirror. All accessors return copies.
type Snapshot struct {
	version    uint64
	workspaces Workspaces
	sinks      DeviceSet
	sources    DeviceSet
	defaults   DefaultDevices
}

// Version is the number of events applied before this snapshot was taken.
func (s *Snapshot) Version() uint64 { return s.version }

// Outputs returns the outputs that have at least one workspace, sorted.
func (s *Snapshot) Outputs() []string {
	outs := make([]string, 0, len(s.workspaces))
	for output := range s.workspaces {
		outs = append(outs, output)
	}
	sort.Strings(outs)
	return outs
}

// Workspaces returns the workspaces on output, sorted by Num.
func (s *Snapshot) Workspaces(output string) []Workspace {
	return append([]Workspace(nil), s.workspaces[output]...)
}

// AllWorkspaces returns a copy of every workspace group.
func (s *Snapshot) AllWorkspaces() Workspaces {
	return s.workspaces.clone()
}

// Devices returns every device of kind, sorted by index.
func (s *Snapshot) Devices(kind DeviceKind) []AudioDevice {
	set := s.set(kind)
	out := make([]AudioDevice, 0, len(set))
	for _, d := range set {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Device looks up a device by index.
func (s *Snapshot) Device(kind DeviceKind, index uint32) (AudioDevice, bool) {
	d, ok := s.set(kind)[index]
	if !ok {
		return AudioDevice{}, false
	}
	return d.clone(), true
}

// DeviceByName looks up a device by its stable name.
func (s *Snapshot) DeviceByName(kind DeviceKind, name string) (AudioDevice, bool) {
	for _, d := range s.set(kind) {
		if d.Name == name {
			return d.clone(), true
		}
	}
	return AudioDevice{}, false
}

// Defaults returns the default device names.
func (s *Snapshot) Defaults() DefaultDevices { return s.defaults }

// DefaultSink resolves the default sink by name.
func (s *Snapshot) DefaultSink() (AudioDevice, bool) {
	return s.DeviceByName(KindSink, s.defaults.Sink)
}

// DefaultSource resolves the default source by name.
func (s *Snapshot) DefaultSource() (AudioDevice, bool) {
	return s.DeviceByName(KindSource, s.defaults.Source)
}

func (s *Snapshot) set(kind DeviceKind) DeviceSet {
	if kind == KindSource {
		return s.sources
	}
	return s.sinks
}
