package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Renderers (bars, widgets) connect to the state endpoint and receive:
//   - "state_init" with the full snapshot on connect
//   - "state_changed" with the full snapshot after every mirror change
//
// Every frame uses the envelope {type, ts, data}. Snapshots carry a version;
// a renderer should ignore a frame older than one it already has.
//
// Renderers send commands back as text frames holding a command envelope
// ({"type": "toggle_mute", "data": {...}}). They are forwarded to the daemon
// loop and executed by the gateway.
//
// The broadcaster subscribes to the notifier through the daemon loop. Its
// observer only parks the snapshot in a latest-wins slot, so the loop never
// waits on a websocket. Slow clients are disconnected.
// ============================================================================

const (
	wsTypeStateInit    = "state_init"
	wsTypeStateChanged = "state_changed"
)

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

func marshalEnvelope(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = defaultWSSendBuf
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		c.closeSend()

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	// requests receives inbound commands. Nil means commands are rejected.
	requests chan<- DaemonRequest

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, requests chan<- DaemonRequest, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := defaultWSSendBuf
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		requests:   requests,
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	// Inbound frames are small command envelopes.
	maxInboundFrame = 4096
)

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump reads command envelopes and forwards them to the daemon loop.
// It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxInboundFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("readPump", "read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.handleInbound(msg)
	}
}

// handleInbound decodes one command frame. Bad frames are logged and
// dropped; the connection stays open.
func (c *Client) handleInbound(msg []byte) {
	cmd, err := UnmarshalCommand(msg)
	if err != nil {
		c.logger.Debug("ws ignoring bad command frame", "remote_addr", c.remoteAddr, "error", err)
		return
	}
	if c.requests == nil {
		c.logger.Debug("ws commands disabled; dropping", "command", cmd.String())
		return
	}
	select {
	case c.requests <- CommandRequest{Command: cmd}:
	default:
		c.logger.Warn("daemon request queue full, dropping command", "remote_addr", c.remoteAddr, "command", cmd.String())
	}
}

func (c *Client) logExit(pump, what string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+what+")", "remote_addr", c.remoteAddr, "error", err)
}

// ============================================================================
// HTTP Handler + broadcaster
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub    *Hub
	labels *labelStore

	// requests carries snapshot, subscribe and command requests into the
	// daemon loop.
	requests chan<- DaemonRequest

	// slot holds the latest snapshot published by the notifier observer.
	slot *snapshotSlot

	// relabel asks the broadcaster to re-send the last snapshot.
	relabel chan struct{}
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS state server components. Call Register on a
// mux, then run Hub().Run and RunBroadcaster.
func NewServer(logger *slog.Logger, requests chan<- DaemonRequest, labels *labelStore, cfg ServerConfig) *Server {
	return &Server{
		logger:   logger,
		hub:      NewHub(logger, cfg.Hub),
		labels:   labels,
		requests: requests,
		slot:     newSnapshotSlot(),
		relabel:  make(chan struct{}, 1),
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

// Relabel installs new nickname tables and re-broadcasts the current state.
func (s *Server) Relabel(n *Nicknames) {
	s.labels.Store(n)
	select {
	case s.relabel <- struct{}{}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	// Renderers are local processes; origin checks are left to the listen
	// address.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, s.requests, r.RemoteAddr, s.logger)

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// The pumps outlive the handler; net/http cancels r.Context() when the
	// handler returns.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	snap, err := requestSnapshot(r.Context(), s.requests)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	initMsg, err := marshalEnvelope(wsTypeStateInit, newWireSnapshot(snap, s.labels.Load()))
	if err != nil {
		s.logger.Warn("ws marshal state_init failed", "error", err)
		return
	}
	// If the client is already slow, disconnect it.
	select {
	case client.send <- initMsg:
	default:
		s.hub.unregister <- client
	}
}

// requestSnapshot asks the daemon loop for the current snapshot.
func requestSnapshot(ctx context.Context, requests chan<- DaemonRequest) (*Snapshot, error) {
	reply := make(chan *Snapshot, 1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case requests <- SnapshotRequest{Reply: reply}:
	}

	waitCtx, cancel := context.WithTimeout(ctx, snapshotWait)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	case snap := <-reply:
		return snap, nil
	}
}

// RunBroadcaster subscribes to mirror changes and broadcasts a state_changed
// frame for each one it sees. It releases the subscription on exit.
func (s *Server) RunBroadcaster(ctx context.Context) error {
	reply := make(chan *Subscription, 1)
	select {
	case <-ctx.Done():
		return nil
	case s.requests <- SubscribeRequest{Observer: s.slot.Put, Reply: reply}:
	}

	var sub *Subscription
	select {
	case <-ctx.Done():
		return nil
	case sub = <-reply:
	}
	defer func() {
		// The loop may already be gone during shutdown.
		select {
		case s.requests <- ReleaseRequest{Subscription: sub}:
		default:
		}
	}()

	var last *Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil

		case snap := <-s.slot.C():
			last = snap
			s.broadcast(snap)

		case <-s.relabel:
			if last != nil {
				s.broadcast(last)
			}
		}
	}
}

func (s *Server) broadcast(snap *Snapshot) {
	msg, err := marshalEnvelope(wsTypeStateChanged, newWireSnapshot(snap, s.labels.Load()))
	if err != nil {
		s.logger.Warn("ws broadcaster marshal failed", "error", err, "version", snap.Version())
		return
	}
	s.hub.BroadcastBytes(msg)
}

// ListenAndServe serves the state endpoint on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	s.Register(mux, path)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("state websocket listening", "addr", addr, "path", path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("state websocket server: %w", err)
	}
}

// ============================================================================
// Latest-wins snapshot slot
// ============================================================================

// snapshotSlot hands snapshots from the daemon loop to the broadcaster
// without blocking the loop. An unread snapshot is replaced by a newer one.
type snapshotSlot struct {
	ch chan *Snapshot
}

func newSnapshotSlot() *snapshotSlot {
	return &snapshotSlot{ch: make(chan *Snapshot, 1)}
}

// Put is an Observer. It has a single caller, the daemon loop.
func (s *snapshotSlot) Put(snap *Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (s *snapshotSlot) C() <-chan *Snapshot { return s.ch }
