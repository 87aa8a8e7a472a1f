package main

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingFetcher reports every call on started and then waits for release.
type blockingFetcher struct {
	calls   atomic.Int32
	started chan int
	release chan struct{}
	err     error
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{started: make(chan int, 16), release: make(chan struct{})}
}

func (f *blockingFetcher) GetWorkspaces() ([]i3Workspace, error) {
	n := int(f.calls.Add(1))
	f.started <- n
	if f.err != nil {
		return nil, f.err
	}
	<-f.release
	return []i3Workspace{{Num: n, Name: "ws", Output: "DP-1"}}, nil
}

type i3Frame struct {
	typ  uint32
	body []byte
}

// fakeListener hands out frames sent on events. entered receives a value
// each time ReadEvent is called, which tells the test that the previous
// event has been fully handled.
type fakeListener struct {
	events  chan i3Frame
	entered chan struct{}
	closed  chan struct{}
	once    atomic.Bool
	readErr error
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		events:  make(chan i3Frame),
		entered: make(chan struct{}, 64),
		closed:  make(chan struct{}),
	}
}

func (l *fakeListener) ReadEvent() (uint32, []byte, error) {
	l.entered <- struct{}{}
	if l.readErr != nil {
		return 0, nil, l.readErr
	}
	select {
	case f := <-l.events:
		return f.typ, f.body, nil
	case <-l.closed:
		return 0, nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	if l.once.CompareAndSwap(false, true) {
		close(l.closed)
	}
	return nil
}

func recvWithin[T any](t *testing.T, ch <-chan T, d time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func TestWorkspaceDriver_BurstDuringRefetchCoalescesToOne(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := newBlockingFetcher()
	listener := newFakeListener()
	queue := newEventQueue()
	d := newWorkspaceDriver(fetcher, listener, queue, testLogger())
	d.Start(ctx)

	// Initial fetch.
	assert.Equal(t, 1, recvWithin(t, fetcher.started, time.Second, "initial fetch"))
	fetcher.release <- struct{}{}
	recvWithin(t, listener.entered, time.Second, "listener read")

	// First event starts re-fetch #2, which blocks.
	listener.events <- i3Frame{typ: i3EventWorkspace, body: []byte(`{"change":"focus"}`)}
	recvWithin(t, listener.entered, time.Second, "listener read")
	assert.Equal(t, 2, recvWithin(t, fetcher.started, time.Second, "re-fetch"))

	// A burst while #2 is in flight.
	const burst = 10
	for i := 0; i < burst; i++ {
		listener.events <- i3Frame{typ: i3EventWorkspace, body: []byte(`{"change":"init"}`)}
		recvWithin(t, listener.entered, time.Second, "listener read")
	}
	// Non-workspace events are ignored.
	listener.events <- i3Frame{typ: i3EventMask | 1, body: []byte(`{}`)}
	recvWithin(t, listener.entered, time.Second, "listener read")

	fetcher.release <- struct{}{}
	assert.Equal(t, 3, recvWithin(t, fetcher.started, time.Second, "coalesced re-fetch"))
	fetcher.release <- struct{}{}

	select {
	case n := <-fetcher.started:
		t.Fatalf("unexpected re-fetch #%d", n)
	case <-time.After(100 * time.Millisecond):
	}

	var got []Event
	require.Eventually(t, func() bool {
		got = append(got, queue.Drain()...)
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)
	for i, ev := range got {
		r, ok := ev.(Reset)
		require.True(t, ok)
		assert.Equal(t, i+1, r.Payload.(Workspaces)["DP-1"][0].Num, "resets arrive in fetch order")
	}

	cancel()
	d.Wait()
	select {
	case err := <-d.Fatal():
		t.Fatalf("shutdown reported as failure: %v", err)
	default:
	}
}

func TestWorkspaceDriver_FetchErrorIsFatal(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.err = errors.New("broken pipe")
	listener := newFakeListener()

	d := newWorkspaceDriver(fetcher, listener, newEventQueue(), testLogger())
	d.Start(context.Background())

	err := recvWithin(t, d.Fatal(), time.Second, "fatal error")
	assert.ErrorContains(t, err, "broken pipe")
	d.Wait()
}

func TestWorkspaceDriver_ReadErrorIsFatal(t *testing.T) {
	fetcher := newBlockingFetcher()
	listener := newFakeListener()
	listener.readErr = errors.New("unexpected EOF")

	d := newWorkspaceDriver(fetcher, listener, newEventQueue(), testLogger())
	d.Start(context.Background())

	err := recvWithin(t, d.Fatal(), time.Second, "fatal error")
	assert.ErrorContains(t, err, "read workspace event")

	// The fetcher is stopped by the listener's failure; let its call return.
	recvWithin(t, fetcher.started, time.Second, "initial fetch")
	close(fetcher.release)
	d.Wait()
}

func TestWorkspaceDriver_InvalidEventPayloadIsFatal(t *testing.T) {
	fetcher := newBlockingFetcher()
	close(fetcher.release)
	listener := newFakeListener()

	d := newWorkspaceDriver(fetcher, listener, newEventQueue(), testLogger())
	d.Start(context.Background())

	recvWithin(t, listener.entered, time.Second, "listener read")
	listener.events <- i3Frame{typ: i3EventWorkspace, body: []byte(`{"change":`)}

	err := recvWithin(t, d.Fatal(), time.Second, "fatal error")
	assert.ErrorContains(t, err, "parse workspace event")
	d.Wait()
}

func TestEventQueue_PreservesOrderAndNeverBlocks(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 1000; i++ {
		q.Push(deviceRemoved(KindSink, uint32(i)))
	}

	recvWithin(t, q.Ready(), time.Second, "ready")
	got := q.Drain()
	require.Len(t, got, 1000)
	for i, ev := range got {
		assert.Equal(t, DeviceIndex(i), ev.(Removed).ID)
	}
	assert.Empty(t, q.Drain())
}
