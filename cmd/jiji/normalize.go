package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// Event Normalizer
// ============================================================================
//
// Pure translation from each source's native payload shapes into entities
// and Events. Nothing here holds state or touches a connection; ordering and
// race handling live in the drivers and the mirror.
// ============================================================================

// workspacesReset converts a GET_WORKSPACES reply into a Reset event.
func workspacesReset(list []i3Workspace) Reset {
	wss := make([]Workspace, 0, len(list))
	for _, w := range list {
		wss = append(wss, Workspace{
			Num:     w.Num,
			Name:    w.Name,
			Output:  w.Output,
			Visible: w.Visible,
			Focused: w.Focused,
			Urgent:  w.Urgent,
		})
	}
	return Reset{Collection: CollectionWorkspaces, Payload: GroupWorkspaces(wss)}
}

// devicesReset converts a full device listing into a Reset event.
func devicesReset(kind DeviceKind, list []AudioDevice) Reset {
	set := make(DeviceSet, len(list))
	for _, d := range list {
		set[d.Index] = d
	}
	return Reset{Collection: deviceCollection(kind), Payload: set}
}

func deviceChanged(kind DeviceKind, d AudioDevice) Changed {
	return Changed{Collection: deviceCollection(kind), ID: DeviceIndex(d.Index), Entity: d}
}

func deviceRemoved(kind DeviceKind, index uint32) Removed {
	return Removed{Collection: deviceCollection(kind), ID: DeviceIndex(index)}
}

func defaultsReset(si ServerInfo) Reset {
	return Reset{
		Collection: CollectionDefaults,
		Payload:    DefaultDevices{Sink: si.DefaultSinkName, Source: si.DefaultSourceName},
	}
}

// ============================================================================
// PulseAudio D-Bus payloads
// ============================================================================

const (
	pulseCorePathPrefix = "/org/pulseaudio/core1/"

	pulseSignalNewSink        = pulseCoreIface + ".NewSink"
	pulseSignalSinkRemoved    = pulseCoreIface + ".SinkRemoved"
	pulseSignalNewSource      = pulseCoreIface + ".NewSource"
	pulseSignalSourceRemoved  = pulseCoreIface + ".SourceRemoved"
	pulseSignalFallbackSink   = pulseCoreIface + ".FallbackSinkUpdated"
	pulseSignalFallbackSinkU  = pulseCoreIface + ".FallbackSinkUnset"
	pulseSignalFallbackSource = pulseCoreIface + ".FallbackSourceUpdated"
	pulseSignalFallbackSrcU   = pulseCoreIface + ".FallbackSourceUnset"
	pulseSignalVolumeUpdated  = pulseDeviceIface + ".VolumeUpdated"
	pulseSignalMuteUpdated    = pulseDeviceIface + ".MuteUpdated"
	pulseSignalPropsUpdated   = pulseDeviceIface + ".PropertyListUpdated"
)

// devicePath returns the D-Bus object path of a device.
func devicePath(kind DeviceKind, index uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s%s%d", pulseCorePathPrefix, kind, index))
}

// deviceFromPath parses a device object path such as
// /org/pulseaudio/core1/sink3.
func deviceFromPath(p dbus.ObjectPath) (DeviceKind, uint32, bool) {
	s := string(p)
	if !strings.HasPrefix(s, pulseCorePathPrefix) {
		return 0, 0, false
	}
	base := strings.TrimPrefix(s, pulseCorePathPrefix)

	var kind DeviceKind
	switch {
	case strings.HasPrefix(base, "sink"):
		kind, base = KindSink, strings.TrimPrefix(base, "sink")
	case strings.HasPrefix(base, "source"):
		kind, base = KindSource, strings.TrimPrefix(base, "source")
	default:
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return kind, uint32(idx), true
}

// deviceFromProps converts the org.PulseAudio.Core1.Device properties into
// an AudioDevice.
func deviceFromProps(props map[string]dbus.Variant) (AudioDevice, error) {
	var d AudioDevice

	idx, ok := props["Index"].Value().(uint32)
	if !ok {
		return d, fmt.Errorf("device properties: missing Index")
	}
	d.Index = idx

	d.Name, ok = props["Name"].Value().(string)
	if !ok {
		return d, fmt.Errorf("device %d properties: missing Name", idx)
	}
	d.Mute, _ = props["Mute"].Value().(bool)
	if vol, ok := props["Volume"].Value().([]uint32); ok {
		d.Volume = append(ChannelVolumes(nil), vol...)
	}

	if pl, ok := props["PropertyList"].Value().(map[string][]byte); ok {
		d.Description = propListString(pl, "device.description")
		d.Monitor = propListString(pl, "device.class") == "monitor"
	}
	if d.Description == "" {
		d.Description = d.Name
	}
	return d, nil
}

// propListString reads a NUL-terminated proplist string.
func propListString(pl map[string][]byte, key string) string {
	return strings.TrimRight(string(pl[key]), "\x00")
}

// subscriptionFromSignal maps a PulseAudio D-Bus signal onto the
// (facility, operation, index) triple the audio driver consumes.
func subscriptionFromSignal(sig *dbus.Signal) (SubscriptionEvent, bool) {
	switch sig.Name {
	case pulseSignalNewSink, pulseSignalNewSource:
		return pathSubscription(sig, OpNew)

	case pulseSignalSinkRemoved, pulseSignalSourceRemoved:
		return pathSubscription(sig, OpRemoved)

	case pulseSignalFallbackSink, pulseSignalFallbackSinkU,
		pulseSignalFallbackSource, pulseSignalFallbackSrcU:
		return SubscriptionEvent{Facility: FacilityServer, Operation: OpChanged}, true

	case pulseSignalVolumeUpdated, pulseSignalMuteUpdated, pulseSignalPropsUpdated:
		kind, idx, ok := deviceFromPath(sig.Path)
		if !ok {
			return SubscriptionEvent{}, false
		}
		return SubscriptionEvent{Facility: facilityFor(kind), Operation: OpChanged, Index: idx}, true
	}
	return SubscriptionEvent{}, false
}

func pathSubscription(sig *dbus.Signal, op Operation) (SubscriptionEvent, bool) {
	if len(sig.Body) == 0 {
		return SubscriptionEvent{}, false
	}
	p, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return SubscriptionEvent{}, false
	}
	kind, idx, ok := deviceFromPath(p)
	if !ok {
		return SubscriptionEvent{}, false
	}
	return SubscriptionEvent{Facility: facilityFor(kind), Operation: op, Index: idx}, true
}
