package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// One goroutine owns the mirror, the notifier, the gateway, the audio driver
// and the D-Bus dispatch. Everything else talks to it through channels:
//
//   - workspace events arrive on the driver's unbounded queue
//   - D-Bus call completions and signals arrive on the backend's channels
//   - the websocket and IPC servers send DaemonRequests
//   - the workspace driver reports I/O failure on its fatal channel
//
// Every successfully applied event is followed by exactly one Notify.
// ============================================================================

// DaemonRequest is a typed request from another goroutine into the loop.
type DaemonRequest interface {
	requestMarker()
}

// CommandRequest hands a command to the gateway.
type CommandRequest struct {
	Command Command
}

// SnapshotRequest asks for the current snapshot.
type SnapshotRequest struct {
	Reply chan<- *Snapshot
}

// SubscribeRequest registers an observer and replies with its handle.
// Observers run on the daemon loop and must not block.
type SubscribeRequest struct {
	Observer Observer
	Reply    chan<- *Subscription
}

// ReleaseRequest releases a subscription obtained through SubscribeRequest.
type ReleaseRequest struct {
	Subscription *Subscription
}

func (CommandRequest) requestMarker()   {}
func (SnapshotRequest) requestMarker()  {}
func (SubscribeRequest) requestMarker() {}
func (ReleaseRequest) requestMarker()   {}

// Daemon is the state owned by the loop goroutine.
type Daemon struct {
	mirror   *Mirror
	notifier *Notifier
	gateway  *Gateway
	logger   *slog.Logger

	// err is the first fatal error raised from inside the loop.
	err error
}

func NewDaemon(logger *slog.Logger) *Daemon {
	return &Daemon{
		mirror:   NewMirror(),
		notifier: NewNotifier(),
		logger:   logger,
	}
}

// SetGateway installs the command gateway. Must be called before Run.
func (d *Daemon) SetGateway(g *Gateway) { d.gateway = g }

// Snapshot returns the current mirror snapshot.
func (d *Daemon) Snapshot() *Snapshot { return d.mirror.Snapshot() }

// Subscribe registers an observer directly. Only for use on the loop
// goroutine or before Run.
func (d *Daemon) Subscribe(fn Observer) *Subscription { return d.notifier.Subscribe(fn) }

// Apply applies ev to the mirror and notifies observers.
func (d *Daemon) Apply(ev Event) {
	if !d.mirror.Apply(ev) {
		d.logger.Debug("dropping malformed event", "event", ev.String())
		return
	}
	d.logger.Debug("applied event", "event", ev.String())
	d.notifier.Notify(d.mirror.Snapshot())
}

// Fail records a fatal error. The loop exits after the current dispatch.
func (d *Daemon) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// DaemonInputs are the channels the loop selects on. Nil members are
// skipped.
type DaemonInputs struct {
	WorkspaceEvents *eventQueue
	WorkspaceFatal  <-chan error
	Pulse           *pulseDBus
	Requests        <-chan DaemonRequest
}

var errAudioConnectionLost = errors.New("audio server connection lost")

// Run processes inputs until ctx is canceled or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context, in DaemonInputs) error {
	var (
		wsReady <-chan struct{}
		calls   <-chan *dbus.Call
		signals <-chan *dbus.Signal
	)
	if in.WorkspaceEvents != nil {
		wsReady = in.WorkspaceEvents.Ready()
	}
	if in.Pulse != nil {
		calls = in.Pulse.Calls()
		signals = in.Pulse.Signals()
	}

	for {
		if d.err != nil {
			return d.err
		}

		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping (context canceled)")
			return nil

		case err := <-in.WorkspaceFatal:
			return err

		case <-wsReady:
			for _, ev := range in.WorkspaceEvents.Drain() {
				d.Apply(ev)
			}

		case call := <-calls:
			in.Pulse.HandleCall(call)

		case sig, ok := <-signals:
			if !ok {
				return errAudioConnectionLost
			}
			in.Pulse.HandleSignal(sig)

		case req := <-in.Requests:
			d.handleRequest(req)
		}
	}
}

func (d *Daemon) handleRequest(req DaemonRequest) {
	switch r := req.(type) {
	case CommandRequest:
		if d.gateway == nil {
			d.logger.Debug("no gateway; dropping command", "command", r.Command.String())
			return
		}
		d.gateway.Execute(r.Command)

	case SnapshotRequest:
		r.Reply <- d.mirror.Snapshot()

	case SubscribeRequest:
		sub := d.notifier.Subscribe(r.Observer)
		r.Reply <- sub

	case ReleaseRequest:
		r.Subscription.Release()

	default:
		d.logger.Debug("unknown daemon request", "type", fmt.Sprintf("%T", req))
	}
}

// logObserver logs a one-line summary of every snapshot at debug level.
func logObserver(logger *slog.Logger) Observer {
	return func(s *Snapshot) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		logger.Debug("mirror changed",
			"version", s.Version(),
			"outputs", len(s.Outputs()),
			"sinks", len(s.Devices(KindSink)),
			"sources", len(s.Devices(KindSource)),
			"default_sink", s.Defaults().Sink,
			"default_source", s.Defaults().Source)
	}
}
