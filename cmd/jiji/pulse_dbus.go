package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// PulseAudio D-Bus context
// ============================================================================
//
// Implements AudioContext on top of PulseAudio's D-Bus protocol
// (module-dbus-protocol). Every request is issued with Object.Go onto one
// buffered completion channel and every signal arrives on one buffered
// signal channel. The daemon loop selects on both and calls HandleCall /
// HandleSignal, so every continuation runs on the loop goroutine.
// ============================================================================

const (
	pulseCoreIface   = "org.PulseAudio.Core1"
	pulseDeviceIface = "org.PulseAudio.Core1.Device"
	pulseCorePath    = dbus.ObjectPath("/org/pulseaudio/core1")

	pulseLookupDest = "org.PulseAudio1"
	pulseLookupPath = dbus.ObjectPath("/org/pulseaudio/server_lookup1")
	pulseLookupProp = "org.PulseAudio.ServerLookup1.Address"

	dbusPropsGet    = "org.freedesktop.DBus.Properties.Get"
	dbusPropsGetAll = "org.freedesktop.DBus.Properties.GetAll"
	dbusPropsSet    = "org.freedesktop.DBus.Properties.Set"

	pulseCallBuf   = 256
	pulseSignalBuf = 256
)

// pulseDBus is an AudioContext backed by a peer-to-peer D-Bus connection to
// the PulseAudio server. Only the daemon loop may call its methods.
type pulseDBus struct {
	conn   *dbus.Conn
	core   dbus.BusObject
	logger *slog.Logger

	calls   chan *dbus.Call
	signals chan *dbus.Signal
	pending map[*dbus.Call]func(*dbus.Call)

	onState func(ContextState)
	onEvent func(SubscriptionEvent)
}

// dialPulse connects to the PulseAudio D-Bus server. The address comes from
// $PULSE_DBUS_SERVER, then the configured address, then the server lookup
// object on the session bus.
func dialPulse(address string, logger *slog.Logger) (*pulseDBus, error) {
	addr, err := pulseAddress(address)
	if err != nil {
		return nil, err
	}

	conn, err := dbus.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial pulseaudio dbus %s: %w", addr, err)
	}
	// Peer-to-peer connection: authenticate, but there is no bus to Hello.
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate to pulseaudio dbus: %w", err)
	}

	p := &pulseDBus{
		conn:    conn,
		core:    conn.Object("", pulseCorePath),
		logger:  logger,
		calls:   make(chan *dbus.Call, pulseCallBuf),
		signals: make(chan *dbus.Signal, pulseSignalBuf),
		pending: make(map[*dbus.Call]func(*dbus.Call)),
	}
	conn.Signal(p.signals)

	logger.Info("connected to pulseaudio", "address", addr)
	return p, nil
}

func pulseAddress(configured string) (string, error) {
	if addr := os.Getenv("PULSE_DBUS_SERVER"); addr != "" {
		return addr, nil
	}
	if configured != "" {
		return configured, nil
	}

	bus, err := dbus.SessionBus()
	if err != nil {
		return "", fmt.Errorf("connect to session bus: %w", err)
	}
	v, err := bus.Object(pulseLookupDest, pulseLookupPath).GetProperty(pulseLookupProp)
	if err != nil {
		return "", fmt.Errorf("look up pulseaudio dbus address (is module-dbus-protocol loaded?): %w", err)
	}
	addr, ok := v.Value().(string)
	if !ok || addr == "" {
		return "", errors.New("look up pulseaudio dbus address: empty reply")
	}
	return addr, nil
}

// Calls returns the channel on which request completions arrive.
func (p *pulseDBus) Calls() <-chan *dbus.Call { return p.calls }

// Signals returns the channel on which server signals arrive. It is closed
// when the connection goes away.
func (p *pulseDBus) Signals() <-chan *dbus.Signal { return p.signals }

// Start reports the Ready transition. The connection is established and
// authenticated by dialPulse, so the context is ready as soon as the loop
// runs.
func (p *pulseDBus) Start() {
	if p.onState != nil {
		p.onState(ContextReady)
	}
}

// HandleCall runs the continuation registered for a completed call.
func (p *pulseDBus) HandleCall(call *dbus.Call) {
	fn, ok := p.pending[call]
	if !ok {
		return
	}
	delete(p.pending, call)
	fn(call)
}

// HandleSignal translates a server signal and forwards it to the
// subscription callback.
func (p *pulseDBus) HandleSignal(sig *dbus.Signal) {
	ev, ok := subscriptionFromSignal(sig)
	if !ok {
		return
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *pulseDBus) Close() error { return p.conn.Close() }

func (p *pulseDBus) do(obj dbus.BusObject, method string, fn func(*dbus.Call), args ...interface{}) {
	call := obj.Go(method, 0, p.calls, args...)
	p.pending[call] = fn
}

func (p *pulseDBus) device(path dbus.ObjectPath) dbus.BusObject {
	return p.conn.Object("", path)
}

// ----------------------------------------------------------------------------
// AudioContext
// ----------------------------------------------------------------------------

func (p *pulseDBus) SetStateCallback(cb func(ContextState))       { p.onState = cb }
func (p *pulseDBus) SetSubscribeCallback(cb func(SubscriptionEvent)) { p.onEvent = cb }

func (p *pulseDBus) Subscribe(mask InterestMask, done func(error)) {
	var signals []string
	if mask&InterestSink != 0 {
		signals = append(signals, pulseSignalNewSink, pulseSignalSinkRemoved)
	}
	if mask&InterestSource != 0 {
		signals = append(signals, pulseSignalNewSource, pulseSignalSourceRemoved)
	}
	if mask&(InterestSink|InterestSource) != 0 {
		signals = append(signals, pulseSignalVolumeUpdated, pulseSignalMuteUpdated, pulseSignalPropsUpdated)
	}
	if mask&InterestServer != 0 {
		signals = append(signals,
			pulseSignalFallbackSink, pulseSignalFallbackSinkU,
			pulseSignalFallbackSource, pulseSignalFallbackSrcU)
	}
	if len(signals) == 0 {
		done(nil)
		return
	}

	remaining := len(signals)
	var firstErr error
	for _, name := range signals {
		p.do(p.core, pulseCoreIface+".ListenForSignal", func(call *dbus.Call) {
			if call.Err != nil && firstErr == nil {
				firstErr = fmt.Errorf("listen for %s: %w", name, call.Err)
			}
			remaining--
			if remaining == 0 {
				done(firstErr)
			}
		}, name, []dbus.ObjectPath{})
	}
}

func (p *pulseDBus) GetServerInfo(cb func(ServerInfo, error)) {
	p.do(p.core, dbusPropsGetAll, func(call *dbus.Call) {
		var props map[string]dbus.Variant
		if err := storeCall(call, &props); err != nil {
			cb(ServerInfo{}, fmt.Errorf("get core properties: %w", err))
			return
		}

		var si ServerInfo
		sinkPath, _ := props["FallbackSink"].Value().(dbus.ObjectPath)
		sourcePath, _ := props["FallbackSource"].Value().(dbus.ObjectPath)

		remaining := 2
		finish := func() {
			remaining--
			if remaining == 0 {
				cb(si, nil)
			}
		}
		p.deviceName(sinkPath, func(name string) { si.DefaultSinkName = name; finish() })
		p.deviceName(sourcePath, func(name string) { si.DefaultSourceName = name; finish() })
	}, pulseCoreIface)
}

// deviceName resolves the Name property of a device path. An empty or
// unknown path resolves to "".
func (p *pulseDBus) deviceName(path dbus.ObjectPath, cb func(string)) {
	if path == "" || path == "/" {
		cb("")
		return
	}
	p.do(p.device(path), dbusPropsGet, func(call *dbus.Call) {
		var v dbus.Variant
		if err := storeCall(call, &v); err != nil {
			cb("")
			return
		}
		name, _ := v.Value().(string)
		cb(name)
	}, pulseDeviceIface, "Name")
}

func (p *pulseDBus) GetDeviceInfoList(kind DeviceKind, cb func([]AudioDevice, error)) {
	prop := "Sinks"
	if kind == KindSource {
		prop = "Sources"
	}
	p.do(p.core, dbusPropsGet, func(call *dbus.Call) {
		var v dbus.Variant
		if err := storeCall(call, &v); err != nil {
			cb(nil, fmt.Errorf("get %s: %w", prop, err))
			return
		}
		paths, _ := v.Value().([]dbus.ObjectPath)
		if len(paths) == 0 {
			cb(nil, nil)
			return
		}

		devices := make([]AudioDevice, 0, len(paths))
		remaining := len(paths)
		for _, path := range paths {
			p.deviceInfo(path, func(dev AudioDevice, ok bool) {
				// A device that vanished between the listing and the lookup
				// is simply absent from the result.
				if ok {
					devices = append(devices, dev)
				}
				remaining--
				if remaining == 0 {
					cb(devices, nil)
				}
			})
		}
	}, pulseCoreIface, prop)
}

func (p *pulseDBus) GetDeviceInfoByIndex(kind DeviceKind, index uint32, cb func(AudioDevice, bool)) {
	p.deviceInfo(devicePath(kind, index), cb)
}

func (p *pulseDBus) deviceInfo(path dbus.ObjectPath, cb func(AudioDevice, bool)) {
	p.do(p.device(path), dbusPropsGetAll, func(call *dbus.Call) {
		var props map[string]dbus.Variant
		if err := storeCall(call, &props); err != nil {
			cb(AudioDevice{}, false)
			return
		}
		dev, err := deviceFromProps(props)
		if err != nil {
			p.logger.Debug("malformed device properties", "path", path, "error", err)
			cb(AudioDevice{}, false)
			return
		}
		cb(dev, true)
	}, pulseDeviceIface)
}

func (p *pulseDBus) SetDefaultDevice(kind DeviceKind, name string, done func(error)) {
	prop := "FallbackSink"
	if kind == KindSource {
		prop = "FallbackSource"
	}
	p.byName(kind, name, done, func(path dbus.ObjectPath) {
		p.setProperty(p.core, pulseCoreIface, prop, path, done)
	})
}

func (p *pulseDBus) SetDeviceMuteByName(kind DeviceKind, name string, mute bool, done func(error)) {
	p.byName(kind, name, done, func(path dbus.ObjectPath) {
		p.setProperty(p.device(path), pulseDeviceIface, "Mute", mute, done)
	})
}

func (p *pulseDBus) SetDeviceVolumeByName(kind DeviceKind, name string, cv ChannelVolumes, done func(error)) {
	vol := []uint32(append(ChannelVolumes(nil), cv...))
	p.byName(kind, name, done, func(path dbus.ObjectPath) {
		p.setProperty(p.device(path), pulseDeviceIface, "Volume", vol, done)
	})
}

func (p *pulseDBus) byName(kind DeviceKind, name string, done func(error), then func(dbus.ObjectPath)) {
	method := pulseCoreIface + ".GetSinkByName"
	if kind == KindSource {
		method = pulseCoreIface + ".GetSourceByName"
	}
	p.do(p.core, method, func(call *dbus.Call) {
		var path dbus.ObjectPath
		if err := storeCall(call, &path); err != nil {
			done(fmt.Errorf("resolve %s %q: %w", kind, name, err))
			return
		}
		then(path)
	}, name)
}

func (p *pulseDBus) setProperty(obj dbus.BusObject, iface, prop string, value interface{}, done func(error)) {
	p.do(obj, dbusPropsSet, func(call *dbus.Call) {
		if call.Err != nil {
			done(fmt.Errorf("set %s.%s: %w", iface, prop, call.Err))
			return
		}
		done(nil)
	}, iface, prop, dbus.MakeVariant(value))
}

func storeCall(call *dbus.Call, out ...interface{}) error {
	if call.Err != nil {
		return call.Err
	}
	return call.Store(out...)
}
