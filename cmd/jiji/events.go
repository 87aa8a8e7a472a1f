package main

import "fmt"

// ============================================================================
// Normalized Events
// ============================================================================
//
// Both session drivers translate their native notifications into these
// variants. The mirror is the only consumer.
//
//   Reset{Collection, Payload}          replace a whole collection
//   Added{Collection, ID, Entity}       upsert a new entity
//   Changed{Collection, ID, Entity}     upsert a replaced entity
//   Removed{Collection, ID}             delete by identity
// ============================================================================

// Collection names one of the mirror's stores.
type Collection int

const (
	CollectionWorkspaces Collection = iota
	CollectionSinks
	CollectionSources
	CollectionDefaults
)

func (c Collection) String() string {
	switch c {
	case CollectionWorkspaces:
		return "workspaces"
	case CollectionSinks:
		return "sinks"
	case CollectionSources:
		return "sources"
	case CollectionDefaults:
		return "defaults"
	default:
		return fmt.Sprintf("Collection(%d)", int(c))
	}
}

// deviceCollection maps a device kind to its collection.
func deviceCollection(kind DeviceKind) Collection {
	if kind == KindSource {
		return CollectionSources
	}
	return CollectionSinks
}

// Event is the input to Mirror.Apply.
type Event interface {
	eventMarker()
	String() string
}

// ResetPayload is implemented by Workspaces, DeviceSet and DefaultDevices.
type ResetPayload interface {
	resetPayload()
}

// EntityID is implemented by WorkspaceKey and DeviceIndex.
type EntityID interface {
	entityID()
}

// Entity is implemented by Workspace and AudioDevice.
type Entity interface {
	entity()
}

// Reset replaces a whole collection.
type Reset struct {
	Collection Collection
	Payload    ResetPayload
}

// Added upserts an entity observed for the first time.
type Added struct {
	Collection Collection
	ID         EntityID
	Entity     Entity
}

// Changed upserts a replacement for an existing entity.
type Changed struct {
	Collection Collection
	ID         EntityID
	Entity     Entity
}

// Removed deletes an entity by identity.
type Removed struct {
	Collection Collection
	ID         EntityID
}

func (Reset) eventMarker()   {}
func (Added) eventMarker()   {}
func (Changed) eventMarker() {}
func (Removed) eventMarker() {}

func (e Reset) String() string   { return fmt.Sprintf("Reset(%s)", e.Collection) }
func (e Added) String() string   { return fmt.Sprintf("Added(%s, %v)", e.Collection, e.ID) }
func (e Changed) String() string { return fmt.Sprintf("Changed(%s, %v)", e.Collection, e.ID) }
func (e Removed) String() string { return fmt.Sprintf("Removed(%s, %v)", e.Collection, e.ID) }
