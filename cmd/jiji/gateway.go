package main

import (
	"fmt"
	"log/slog"
)

// ============================================================================
// Command Gateway
// ============================================================================
//
// Issues writes against the sources. Every operation is fire-and-forget: the
// only observable effect is a later event flowing back through a driver.
// Failures are logged at debug level and dropped.
//
// Runs on the daemon loop. ToggleMute and SetVolume read the mirror to find
// the device's name and current value.
// ============================================================================

// workspaceCommander sends RUN_COMMAND payloads to the window manager.
type workspaceCommander interface {
	RunCommand(cmd string) error
}

// Gateway issues commands to the window manager and the audio server.
type Gateway struct {
	wm       workspaceCommander
	audio    AudioContext
	snapshot func() *Snapshot
	logger   *slog.Logger
}

func NewGateway(wm workspaceCommander, audio AudioContext, snapshot func() *Snapshot, logger *slog.Logger) *Gateway {
	return &Gateway{wm: wm, audio: audio, snapshot: snapshot, logger: logger}
}

// Execute dispatches a decoded command.
func (g *Gateway) Execute(cmd Command) {
	g.logger.Debug("executing command", "command", cmd.String())

	switch c := cmd.(type) {
	case SwitchWorkspace:
		g.SwitchWorkspace(c.Num)
	case SetDefaultDevice:
		if c.Kind == KindSource {
			g.SetDefaultSource(c.Name)
		} else {
			g.SetDefaultSink(c.Name)
		}
	case ToggleMute:
		g.ToggleMute(c.Kind, c.Index)
	case SetVolume:
		g.SetVolume(c.Kind, c.Index, c.Percent)
	default:
		g.logger.Debug("unsupported command", "type", fmt.Sprintf("%T", cmd))
	}
}

// SwitchWorkspace focuses workspace num.
func (g *Gateway) SwitchWorkspace(num int) {
	if g.wm == nil {
		g.logger.Debug("no workspace connection; dropping command", "num", num)
		return
	}
	if err := g.wm.RunCommand(fmt.Sprintf("workspace number %d", num)); err != nil {
		g.logger.Debug("switch workspace failed", "num", num, "error", err)
	}
}

func (g *Gateway) SetDefaultSink(name string)   { g.setDefault(KindSink, name) }
func (g *Gateway) SetDefaultSource(name string) { g.setDefault(KindSource, name) }

func (g *Gateway) setDefault(kind DeviceKind, name string) {
	g.audio.SetDefaultDevice(kind, name, g.done("set default "+kind.String(), "name", name))
}

// ToggleMute writes the negation of the mirrored mute state.
func (g *Gateway) ToggleMute(kind DeviceKind, index uint32) {
	dev, ok := g.lookup(kind, index)
	if !ok {
		return
	}
	g.audio.SetDeviceMuteByName(kind, dev.Name, !dev.Mute,
		g.done("toggle mute", "kind", kind.String(), "name", dev.Name))
}

// SetVolume sets the displayed volume of a device to percent, keeping the
// balance between channels.
func (g *Gateway) SetVolume(kind DeviceKind, index uint32, percent int) {
	dev, ok := g.lookup(kind, index)
	if !ok {
		return
	}
	cv := dev.Volume.ScaleToPercent(percent)
	g.audio.SetDeviceVolumeByName(kind, dev.Name, cv,
		g.done("set volume", "kind", kind.String(), "name", dev.Name, "percent", percent))
}

func (g *Gateway) lookup(kind DeviceKind, index uint32) (AudioDevice, bool) {
	dev, ok := g.snapshot().Device(kind, index)
	if !ok {
		g.logger.Debug("command targets unknown device; dropping", "kind", kind.String(), "index", index)
	}
	return dev, ok
}

func (g *Gateway) done(op string, attrs ...any) func(error) {
	return func(err error) {
		if err != nil {
			g.logger.Debug(op+" failed", append(attrs, "error", err)...)
		}
	}
}
