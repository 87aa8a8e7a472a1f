package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Used by jiji-ctl and scripts.
//
// Protocol: line-delimited JSON
//   - Client sends a command envelope: {"type": "toggle_mute", "data": {...}}
//     or a snapshot request:          {"type": "snapshot"}
//   - Server responds: {"status": "ok"}, {"status": "ok", "snapshot": {...}}
//     or {"status": "error", "error": "msg"}
//
// "ok" for a command means it was queued; commands are fire-and-forget.
// Connections from another user are refused.
// ============================================================================

const ipcTypeSnapshot = "snapshot"

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status   string        `json:"status"`          // "ok" or "error"
	Error    string        `json:"error,omitempty"` // error message if status == "error"
	Snapshot *wireSnapshot `json:"snapshot,omitempty"`
}

type IPCServer struct {
	socketPath string
	requests   chan<- DaemonRequest
	labels     *labelStore
	logger     *slog.Logger
}

func NewIPCServer(socketPath string, requests chan<- DaemonRequest, labels *labelStore, logger *slog.Logger) *IPCServer {
	return &IPCServer{
		socketPath: ExpandPath(socketPath),
		requests:   requests,
		labels:     labels,
		logger:     logger,
	}
}

// Run listens until ctx is canceled, at which point it closes the listener
// and removes the socket file.
func (s *IPCServer) Run(ctx context.Context) error {
	// Remove a stale socket from a previous run.
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(s.socketPath)

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.logger.Info("IPC listening", "socket", s.socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				s.logger.Debug("IPC listener closed")
				return nil
			}
			s.logger.Error("IPC accept error", "error", err)
			continue
		}

		if err := checkPeer(conn); err != nil {
			s.logger.Warn("IPC connection refused", "error", err)
			_ = conn.Close()
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn processes requests from one client until it disconnects.
func (s *IPCServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.logger.Debug("IPC connection")

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		s.logger.Debug("IPC received", "line", string(line))

		resp := s.handleLine(ctx, line)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	s.logger.Debug("IPC connection closed")
}

func (s *IPCServer) handleLine(ctx context.Context, line []byte) IPCResponse {
	var env commandEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ipcError("parse request: %v", err)
	}

	if env.Type == ipcTypeSnapshot {
		snap, err := requestSnapshot(ctx, s.requests)
		if err != nil {
			return ipcError("snapshot: %v", err)
		}
		ws := newWireSnapshot(snap, s.labels.Load())
		return IPCResponse{Status: "ok", Snapshot: &ws}
	}

	cmd, err := decodeCommand(env)
	if err != nil {
		return ipcError("parse command: %v", err)
	}

	select {
	case s.requests <- CommandRequest{Command: cmd}:
		return IPCResponse{Status: "ok"}
	default:
		return ipcError("daemon request queue full")
	}
}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}
