package main

import (
	"fmt"
	"log/slog"
)

// ============================================================================
// Audio Session Driver (async-callback adapter)
// ============================================================================
//
// Runs entirely on the daemon loop goroutine. The AudioContext delivers
// every callback on that goroutine, so no state here is shared.
//
// Lifecycle:
//   Ready        -> subscribe, then enumerate sinks, sources and server info
//   removed      -> apply Removed immediately, record a tombstone
//   new/changed  -> lookup by index, apply Changed unless a tombstone newer
//                   than the lookup exists
//   server       -> re-fetch server info, reset defaults
// ============================================================================

// ContextState is the audio connection state.
type ContextState int

const (
	ContextConnecting ContextState = iota
	ContextReady
	ContextFailed
)

func (s ContextState) String() string {
	switch s {
	case ContextConnecting:
		return "connecting"
	case ContextReady:
		return "ready"
	case ContextFailed:
		return "failed"
	default:
		return fmt.Sprintf("ContextState(%d)", int(s))
	}
}

// Facility is the object class of a subscription event.
type Facility int

const (
	FacilitySink Facility = iota
	FacilitySource
	FacilityServer
)

func facilityFor(kind DeviceKind) Facility {
	if kind == KindSource {
		return FacilitySource
	}
	return FacilitySink
}

// Operation is what happened to the object.
type Operation int

const (
	OpNew Operation = iota
	OpChanged
	OpRemoved
)

// SubscriptionEvent is one incremental notification from the audio server.
type SubscriptionEvent struct {
	Facility  Facility
	Operation Operation
	Index     uint32
}

// InterestMask selects the classes Subscribe listens to.
type InterestMask uint

const (
	InterestSink InterestMask = 1 << iota
	InterestSource
	InterestServer
)

// ServerInfo carries the server-wide default device names.
type ServerInfo struct {
	DefaultSinkName   string
	DefaultSourceName string
}

// AudioContext is the callback-driven client boundary to the audio server.
// Every callback is invoked on the daemon loop goroutine, never inline from
// the call that issued the request.
type AudioContext interface {
	SetStateCallback(cb func(ContextState))
	SetSubscribeCallback(cb func(SubscriptionEvent))

	Subscribe(mask InterestMask, done func(error))
	GetServerInfo(cb func(ServerInfo, error))
	GetDeviceInfoList(kind DeviceKind, cb func([]AudioDevice, error))
	GetDeviceInfoByIndex(kind DeviceKind, index uint32, cb func(AudioDevice, bool))

	SetDefaultDevice(kind DeviceKind, name string, done func(error))
	SetDeviceMuteByName(kind DeviceKind, name string, mute bool, done func(error))
	SetDeviceVolumeByName(kind DeviceKind, name string, cv ChannelVolumes, done func(error))
}

type deviceKey struct {
	kind  DeviceKind
	index uint32
}

type audioDriver struct {
	ctx    AudioContext
	apply  func(Event)
	fatal  func(error)
	logger *slog.Logger

	subscribed bool

	// seq is bumped on every removal. A request remembers seq when it is
	// issued; a completion is stale if its key was removed later.
	seq       uint64
	removedAt map[deviceKey]uint64
	inflight  int
}

func newAudioDriver(ctx AudioContext, apply func(Event), fatal func(error), logger *slog.Logger) *audioDriver {
	return &audioDriver{
		ctx:       ctx,
		apply:     apply,
		fatal:     fatal,
		logger:    logger,
		removedAt: make(map[deviceKey]uint64),
	}
}

// Start installs the context callbacks. Events start flowing on the next
// Ready transition.
func (d *audioDriver) Start() {
	d.ctx.SetStateCallback(d.onState)
	d.ctx.SetSubscribeCallback(d.onEvent)
}

func (d *audioDriver) onState(st ContextState) {
	switch st {
	case ContextFailed:
		d.fatal(fmt.Errorf("audio server connection failed"))
		return
	case ContextReady:
	default:
		return
	}

	// The ready transition may be reported more than once per connection.
	if d.subscribed {
		d.logger.Debug("audio context ready again; ignoring")
		return
	}
	d.subscribed = true
	d.logger.Info("audio context ready")

	d.ctx.Subscribe(InterestSink|InterestSource|InterestServer, func(err error) {
		if err != nil {
			d.fatal(fmt.Errorf("subscribe to audio events: %w", err))
		}
	})
	d.fetchServerInfo()
	d.enumerate(KindSink)
	d.enumerate(KindSource)
}

func (d *audioDriver) onEvent(ev SubscriptionEvent) {
	var kind DeviceKind
	switch ev.Facility {
	case FacilitySink:
		kind = KindSink
	case FacilitySource:
		kind = KindSource
	case FacilityServer:
		if ev.Operation == OpChanged {
			d.fetchServerInfo()
		}
		return
	default:
		return
	}

	switch ev.Operation {
	case OpRemoved:
		d.seq++
		d.removedAt[deviceKey{kind, ev.Index}] = d.seq
		d.apply(deviceRemoved(kind, ev.Index))
	case OpNew, OpChanged:
		d.lookup(kind, ev.Index)
	}
}

func (d *audioDriver) lookup(kind DeviceKind, index uint32) {
	issued := d.begin()
	d.ctx.GetDeviceInfoByIndex(kind, index, func(dev AudioDevice, ok bool) {
		stale := d.stale(deviceKey{kind, index}, issued)
		d.end()
		if !ok {
			d.logger.Debug("audio device lookup found nothing", "kind", kind, "index", index)
			return
		}
		if stale {
			d.logger.Debug("discarding stale audio device lookup", "kind", kind, "index", index)
			return
		}
		d.apply(deviceChanged(kind, dev))
	})
}

func (d *audioDriver) enumerate(kind DeviceKind) {
	issued := d.begin()
	d.ctx.GetDeviceInfoList(kind, func(list []AudioDevice, err error) {
		defer d.end()
		if err != nil {
			d.fatal(fmt.Errorf("enumerate %ss: %w", kind, err))
			return
		}
		live := list[:0:0]
		for _, dev := range list {
			if d.stale(deviceKey{kind, dev.Index}, issued) {
				continue
			}
			live = append(live, dev)
		}
		d.apply(devicesReset(kind, live))
	})
}

func (d *audioDriver) fetchServerInfo() {
	d.ctx.GetServerInfo(func(si ServerInfo, err error) {
		if err != nil {
			d.logger.Warn("audio server info request failed", "error", err)
			return
		}
		d.apply(defaultsReset(si))
	})
}

func (d *audioDriver) begin() uint64 {
	d.inflight++
	return d.seq
}

func (d *audioDriver) end() {
	d.inflight--
	if d.inflight == 0 {
		clear(d.removedAt)
	}
}

func (d *audioDriver) stale(key deviceKey, issued uint64) bool {
	return d.removedAt[key] > issued
}
