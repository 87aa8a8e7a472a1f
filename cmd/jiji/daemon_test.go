package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type daemonHarness struct {
	d        *Daemon
	queue    *eventQueue
	fatal    chan error
	requests chan DaemonRequest
	wm       *fakeCommander
	done     chan error
	cancel   context.CancelFunc
}

func startDaemon(t *testing.T) *daemonHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &daemonHarness{
		d:        NewDaemon(testLogger()),
		queue:    newEventQueue(),
		fatal:    make(chan error, 1),
		requests: make(chan DaemonRequest, 8),
		wm:       &fakeCommander{},
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	h.d.SetGateway(NewGateway(h.wm, newFakeAudio(), h.d.Snapshot, testLogger()))

	go func() {
		h.done <- h.d.Run(ctx, DaemonInputs{
			WorkspaceEvents: h.queue,
			WorkspaceFatal:  h.fatal,
			Requests:        h.requests,
		})
	}()
	t.Cleanup(cancel)
	return h
}

func (h *daemonHarness) snapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := requestSnapshot(context.Background(), h.requests)
	require.NoError(t, err)
	return snap
}

// version is safe to call from require.Eventually's goroutine.
func (h *daemonHarness) version() uint64 {
	snap, err := requestSnapshot(context.Background(), h.requests)
	if err != nil {
		return 0
	}
	return snap.Version()
}

func TestDaemon_AppliesQueuedWorkspaceEvents(t *testing.T) {
	h := startDaemon(t)

	h.queue.Push(workspacesReset([]i3Workspace{{Num: 1, Output: "DP-1"}}))
	h.queue.Push(workspacesReset([]i3Workspace{{Num: 1, Output: "DP-1"}, {Num: 2, Output: "DP-1"}}))

	require.Eventually(t, func() bool {
		return h.version() == 2
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, h.snapshot(t).Workspaces("DP-1"), 2)
}

func TestDaemon_SubscribeAndReleaseThroughRequests(t *testing.T) {
	h := startDaemon(t)

	seen := make(chan uint64, 8)
	reply := make(chan *Subscription, 1)
	h.requests <- SubscribeRequest{Observer: func(s *Snapshot) { seen <- s.Version() }, Reply: reply}
	sub := recvWithin(t, reply, time.Second, "subscription")

	h.queue.Push(deviceChanged(KindSink, sink(1, "a", false)))
	assert.Equal(t, uint64(1), recvWithin(t, seen, time.Second, "notification"))

	h.requests <- ReleaseRequest{Subscription: sub}
	h.snapshot(t) // requests are handled in order
	h.queue.Push(deviceChanged(KindSink, sink(1, "a", true)))

	require.Eventually(t, func() bool {
		return h.version() == 2
	}, time.Second, 10*time.Millisecond)
	select {
	case v := <-seen:
		t.Fatalf("released observer notified for version %d", v)
	default:
	}
}

func TestDaemon_CommandRequestReachesGateway(t *testing.T) {
	h := startDaemon(t)
	h.requests <- CommandRequest{Command: SwitchWorkspace{Num: 5}}

	// The snapshot round-trip orders after the command.
	h.snapshot(t)
	h.cancel()
	require.NoError(t, recvWithin(t, h.done, time.Second, "daemon exit"))
	assert.Equal(t, []string{"workspace number 5"}, h.wm.commands())
}

func TestDaemon_WorkspaceFatalStopsLoop(t *testing.T) {
	h := startDaemon(t)
	h.fatal <- errors.New("workspace driver: read workspace event: EOF")

	err := recvWithin(t, h.done, time.Second, "daemon exit")
	assert.ErrorContains(t, err, "EOF")
}

func TestDaemon_FailFromLoopStopsLoop(t *testing.T) {
	h := startDaemon(t)

	// Fail is called by the audio driver on the loop goroutine; an observer
	// stands in for it here.
	reply := make(chan *Subscription, 1)
	h.requests <- SubscribeRequest{Observer: func(*Snapshot) { h.d.Fail(errAudioConnectionLost) }, Reply: reply}
	recvWithin(t, reply, time.Second, "subscription")

	h.queue.Push(defaultsReset(ServerInfo{}))
	err := recvWithin(t, h.done, time.Second, "daemon exit")
	assert.ErrorIs(t, err, errAudioConnectionLost)
}
