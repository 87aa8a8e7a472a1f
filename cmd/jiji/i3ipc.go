package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
)

// ============================================================================
// i3 / sway IPC client
// ============================================================================
//
// Frame layout (native byte order):
//
//   "i3-ipc" | uint32 payload length | uint32 message type | JSON payload
//
// Replies carry the request's type. Events have bit 31 set in their type.
// Sway speaks the same protocol.
// ============================================================================

const i3Magic = "i3-ipc"

const (
	i3MsgRunCommand    uint32 = 0
	i3MsgGetWorkspaces uint32 = 1
	i3MsgSubscribe     uint32 = 2

	i3EventMask      uint32 = 1 << 31
	i3EventWorkspace uint32 = i3EventMask | 0
)

// maxI3Payload bounds a single frame to catch corrupt length headers.
const maxI3Payload = 16 << 20

// i3Workspace is the GET_WORKSPACES reply element.
type i3Workspace struct {
	Num     int    `json:"num"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
	Focused bool   `json:"focused"`
	Urgent  bool   `json:"urgent"`
	Output  string `json:"output"`
}

// i3Result is one element of a RUN_COMMAND reply, and the SUBSCRIBE reply.
type i3Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// i3Conn is one IPC connection. It is not safe for concurrent use; every
// connection in this package has a single owner.
type i3Conn struct {
	conn net.Conn
	r    *bufio.Reader
}

// dialI3 connects to the IPC socket at path.
func dialI3(path string) (*i3Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial i3 ipc %s: %w", path, err)
	}
	return newI3Conn(conn), nil
}

func newI3Conn(conn net.Conn) *i3Conn {
	return &i3Conn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *i3Conn) Close() error { return c.conn.Close() }

func (c *i3Conn) send(typ uint32, payload []byte) error {
	return writeI3Frame(c.conn, typ, payload)
}

func (c *i3Conn) recv() (uint32, []byte, error) {
	return readI3Frame(c.r)
}

// roundTrip sends a request and waits for the reply of the same type.
// Events received in between are discarded.
func (c *i3Conn) roundTrip(typ uint32, payload []byte) ([]byte, error) {
	if err := c.send(typ, payload); err != nil {
		return nil, err
	}
	for {
		rtyp, body, err := c.recv()
		if err != nil {
			return nil, err
		}
		if rtyp == typ {
			return body, nil
		}
		if rtyp&i3EventMask == 0 {
			return nil, fmt.Errorf("i3 ipc: reply type %d, want %d", rtyp, typ)
		}
	}
}

// GetWorkspaces fetches the full workspace listing.
func (c *i3Conn) GetWorkspaces() ([]i3Workspace, error) {
	body, err := c.roundTrip(i3MsgGetWorkspaces, nil)
	if err != nil {
		return nil, fmt.Errorf("get workspaces: %w", err)
	}
	var wss []i3Workspace
	if err := json.Unmarshal(body, &wss); err != nil {
		return nil, fmt.Errorf("parse workspaces: %w", err)
	}
	return wss, nil
}

// Subscribe subscribes this connection to the named event classes.
// After this call the connection should only be used with ReadEvent.
func (c *i3Conn) Subscribe(events ...string) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	body, err := c.roundTrip(i3MsgSubscribe, payload)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	var res i3Result
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("parse subscribe reply: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("subscribe %v: rejected by window manager", events)
	}
	return nil
}

// ReadEvent blocks until the next event arrives and returns its type.
func (c *i3Conn) ReadEvent() (uint32, []byte, error) {
	for {
		typ, body, err := c.recv()
		if err != nil {
			return 0, nil, err
		}
		if typ&i3EventMask != 0 {
			return typ, body, nil
		}
	}
}

func writeI3Frame(w io.Writer, typ uint32, payload []byte) error {
	buf := make([]byte, 0, len(i3Magic)+8+len(payload))
	buf = append(buf, i3Magic...)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.NativeEndian.AppendUint32(buf, typ)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write i3 frame: %w", err)
	}
	return nil
}

func readI3Frame(r io.Reader) (uint32, []byte, error) {
	var hdr [len(i3Magic) + 8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read i3 header: %w", err)
	}
	if !bytes.Equal(hdr[:len(i3Magic)], []byte(i3Magic)) {
		return 0, nil, fmt.Errorf("read i3 header: bad magic %q", hdr[:len(i3Magic)])
	}
	n := binary.NativeEndian.Uint32(hdr[len(i3Magic):])
	typ := binary.NativeEndian.Uint32(hdr[len(i3Magic)+4:])
	if n > maxI3Payload {
		return 0, nil, fmt.Errorf("read i3 frame: payload length %d too large", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read i3 payload: %w", err)
	}
	return typ, body, nil
}

// ============================================================================
// Command connection
// ============================================================================

// i3CommandConn is the write side used by the Gateway. RunCommand only
// writes; a reader goroutine drains and discards the replies so the socket
// never backs up.
type i3CommandConn struct {
	c      *i3Conn
	logger *slog.Logger
}

func newI3CommandConn(c *i3Conn, logger *slog.Logger) *i3CommandConn {
	cc := &i3CommandConn{c: c, logger: logger}
	go cc.drain()
	return cc
}

// RunCommand sends cmd without waiting for the reply.
func (cc *i3CommandConn) RunCommand(cmd string) error {
	return cc.c.send(i3MsgRunCommand, []byte(cmd))
}

func (cc *i3CommandConn) Close() error { return cc.c.Close() }

func (cc *i3CommandConn) drain() {
	for {
		_, body, err := cc.c.recv()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				cc.logger.Debug("i3 command connection reader stopped", "error", err)
			}
			return
		}
		var results []i3Result
		if err := json.Unmarshal(body, &results); err != nil {
			continue
		}
		for _, r := range results {
			if !r.Success {
				cc.logger.Debug("i3 command failed", "error", r.Error)
			}
		}
	}
}

// ============================================================================
// Socket discovery
// ============================================================================

// findI3Socket returns the IPC socket path: the override if set, then
// $I3SOCK, $SWAYSOCK, and finally `i3 --get-socketpath`.
func findI3Socket(override string) (string, error) {
	if override != "" {
		return ExpandPath(override), nil
	}
	for _, env := range []string{"I3SOCK", "SWAYSOCK"} {
		if p := os.Getenv(env); p != "" {
			return p, nil
		}
	}
	out, err := exec.Command("i3", "--get-socketpath").Output()
	if err != nil {
		return "", fmt.Errorf("locate i3 ipc socket: %w", err)
	}
	p := strings.TrimSpace(string(out))
	if p == "" {
		return "", errors.New("locate i3 ipc socket: i3 --get-socketpath returned nothing")
	}
	return p, nil
}
