package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hub tests construct Clients with a nil websocket.Conn; the hub guards
// against nil when it closes a connection.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(testLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func runHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		recvWithin(t, done, time.Second, "hub stop")
	})
	return cancel
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, 500*time.Millisecond, 10*time.Millisecond, "client %s not registered", c.remoteAddr)
}

func testClient(hub *Hub, name string, sendBuf int) *Client {
	return &Client{hub: hub, send: make(chan []byte, sendBuf), remoteAddr: name, logger: testLogger()}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c1 := testClient(hub, "c1", 4)
	c2 := testClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)
	assert.Equal(t, 2, hub.Len())

	msg := []byte(`{"type":"state_changed","data":{"version":7}}`)
	// BroadcastBytes may drop under scheduling pressure; feed the loop directly.
	hub.broadcast <- msg

	assert.Equal(t, msg, recvWithin(t, c1.send, 500*time.Millisecond, "client1 broadcast"))
	assert.Equal(t, msg, recvWithin(t, c2.send, 500*time.Millisecond, "client2 broadcast"))
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runHub(t, hub)

	slow := testClient(hub, "slow", 1)
	fast := testClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Simulate a stuck client.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"state_changed","data":{"version":2}}`)
	hub.broadcast <- msg
	assert.Equal(t, msg, recvWithin(t, fast.send, 500*time.Millisecond, "fast client broadcast"))

	// Drain the pre-filled frame, then expect the closed channel.
	<-slow.send
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, 750*time.Millisecond, 10*time.Millisecond, "slow send channel not closed")
	assert.Equal(t, 1, hub.Len())
}

func TestSnapshotSlot_LatestWins(t *testing.T) {
	m := NewMirror()
	slot := newSnapshotSlot()

	for i := 0; i < 5; i++ {
		m.Apply(deviceRemoved(KindSink, uint32(i)))
		slot.Put(m.Snapshot())
	}

	got := recvWithin(t, slot.C(), time.Second, "snapshot")
	assert.Equal(t, uint64(5), got.Version())
	select {
	case s := <-slot.C():
		t.Fatalf("unexpected second snapshot, version %d", s.Version())
	default:
	}
}

func TestClient_HandleInbound(t *testing.T) {
	requests := make(chan DaemonRequest, 1)
	c := NewClient(nil, nil, requests, "test", testLogger())

	c.handleInbound([]byte(`{"type":"switch_workspace"`))
	c.handleInbound([]byte(`{"type":"set_volume","data":{"kind":"sink","index":1,"percent":250}}`))
	assert.Empty(t, requests)

	c.handleInbound([]byte(`{"type":"toggle_mute","data":{"kind":"source","index":3}}`))
	req := recvWithin(t, requests, time.Second, "command")
	assert.Equal(t, CommandRequest{Command: ToggleMute{Kind: KindSource, Index: 3}}, req)

	// A full queue drops the command instead of blocking the reader.
	requests <- SnapshotRequest{}
	assert.NotPanics(t, func() {
		c.handleInbound([]byte(`{"type":"switch_workspace","data":{"num":2}}`))
	})
	assert.Len(t, requests, 1)
}

type stateFrame struct {
	Type string `json:"type"`
	Data struct {
		Version uint64 `json:"version"`
		Sinks   []struct {
			Name    string `json:"name"`
			Label   string `json:"label"`
			Percent int    `json:"percent"`
			Default bool   `json:"default"`
		} `json:"sinks"`
	} `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) stateFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f stateFrame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

// readUntil reads frames until one satisfies cond. Intermediate versions may
// be skipped by the latest-wins slot.
func readUntil(t *testing.T, conn *websocket.Conn, cond func(stateFrame) bool) stateFrame {
	t.Helper()
	for i := 0; i < 16; i++ {
		if f := readFrame(t, conn); cond(f) {
			return f
		}
	}
	t.Fatalf("no matching frame")
	return stateFrame{}
}

func TestStateServer_EndToEnd(t *testing.T) {
	h := startDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Forward server requests to the daemon and report the subscription.
	proxy := make(chan DaemonRequest, 8)
	subscribed := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-proxy:
				h.requests <- req
				if _, ok := req.(SubscribeRequest); ok {
					subscribed <- struct{}{}
				}
			}
		}
	}()

	labels := newLabelStore(newNicknames(map[string]string{"speakers": "Desk"}, nil))
	srv := NewServer(testLogger(), proxy, labels, ServerConfig{})
	go srv.Hub().Run(ctx)
	go func() { _ = srv.RunBroadcaster(ctx) }()

	recvWithin(t, subscribed, time.Second, "broadcaster subscription")
	h.snapshot(t) // the subscription is now installed

	mux := http.NewServeMux()
	srv.Register(mux, "/state")
	ts := httptest.NewServer(mux)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/state", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, wsTypeStateInit, first.Type)
	assert.Equal(t, uint64(0), first.Data.Version)

	h.queue.Push(deviceChanged(KindSink, sink(1, "speakers", false, 0x10000)))
	h.queue.Push(defaultsReset(ServerInfo{DefaultSinkName: "speakers"}))

	changed := readUntil(t, conn, func(f stateFrame) bool { return f.Data.Version == 2 })
	assert.Equal(t, wsTypeStateChanged, changed.Type)
	require.Len(t, changed.Data.Sinks, 1)
	assert.Equal(t, "Desk", changed.Data.Sinks[0].Label)
	assert.Equal(t, 100, changed.Data.Sinks[0].Percent)
	assert.True(t, changed.Data.Sinks[0].Default)

	// A relabel re-sends the same version with the new label.
	srv.Relabel(newNicknames(map[string]string{"speakers": "Couch"}, nil))
	relabeled := readUntil(t, conn, func(f stateFrame) bool {
		return len(f.Data.Sinks) == 1 && f.Data.Sinks[0].Label == "Couch"
	})
	assert.Equal(t, uint64(2), relabeled.Data.Version)

	// Commands travel back over the same socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"switch_workspace","data":{"num":4}}`)))
	require.Eventually(t, func() bool {
		cmds := h.wm.commands()
		return len(cmds) == 1 && cmds[0] == "workspace number 4"
	}, time.Second, 10*time.Millisecond)
}
