package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// jiji-ctl - Command-line IPC Client
// ============================================================================
// Sends commands to the jiji daemon over its unix socket.
//
// Usage:
//   jiji-ctl workspace 3
//   jiji-ctl default-sink alsa_output.usb-DAC
//   jiji-ctl default-source alsa_input.usb-Mic
//   jiji-ctl mute sink 42
//   jiji-ctl volume source 7 65
//   jiji-ctl snapshot
//
// Commands are fire-and-forget: "ok" means the daemon queued the command.
// The result shows up in the next snapshot.
// ============================================================================

// Wire types (duplicated from the daemon for a standalone binary)

type commandEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type switchWorkspace struct {
	Num int `json:"num"`
}

type setDefaultDevice struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type toggleMute struct {
	Kind  string `json:"kind"`
	Index uint32 `json:"index"`
}

type setVolume struct {
	Kind    string `json:"kind"`
	Index   uint32 `json:"index"`
	Percent int    `json:"percent"`
}

type ipcResponse struct {
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

const requestTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "jiji.sock")
	}
	return "/tmp/jiji.sock"
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "jiji-ctl",
		Short:         "Send commands to the jiji daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "daemon IPC socket path")

	send := func(cmd *cobra.Command, typ string, data any) error {
		resp, err := request(socketPath, typ, data)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
		return nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "workspace NUM",
			Short: "Switch to a workspace by number",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				num, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid workspace number %q", args[0])
				}
				return send(cmd, "switch_workspace", switchWorkspace{Num: num})
			},
		},
		defaultDeviceCmd("sink", send),
		defaultDeviceCmd("source", send),
		&cobra.Command{
			Use:   "mute KIND INDEX",
			Short: "Toggle mute on a sink or source",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, idx, err := parseDevice(args[0], args[1])
				if err != nil {
					return err
				}
				return send(cmd, "toggle_mute", toggleMute{Kind: kind, Index: idx})
			},
		},
		&cobra.Command{
			Use:   "volume KIND INDEX PERCENT",
			Short: "Set the volume of a sink or source (0-100)",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, idx, err := parseDevice(args[0], args[1])
				if err != nil {
					return err
				}
				pct, err := strconv.Atoi(args[2])
				if err != nil || pct < 0 || pct > 100 {
					return fmt.Errorf("invalid percent %q (want 0-100)", args[2])
				}
				return send(cmd, "set_volume", setVolume{Kind: kind, Index: idx, Percent: pct})
			},
		},
		&cobra.Command{
			Use:   "snapshot",
			Short: "Print the current mirror as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				resp, err := request(socketPath, "snapshot", nil)
				if err != nil {
					return err
				}
				var out bytes.Buffer
				if err := json.Indent(&out, resp.Snapshot, "", "  "); err != nil {
					return fmt.Errorf("format snapshot: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), out.String())
				return nil
			},
		},
	)
	return root
}

func defaultDeviceCmd(kind string, send func(*cobra.Command, string, any) error) *cobra.Command {
	return &cobra.Command{
		Use:   "default-" + kind + " NAME",
		Short: "Make the named " + kind + " the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, "set_default_device", setDefaultDevice{Kind: kind, Name: args[0]})
		},
	}
}

func parseDevice(kind, index string) (string, uint32, error) {
	if kind != "sink" && kind != "source" {
		return "", 0, fmt.Errorf("invalid device kind %q (want sink or source)", kind)
	}
	idx, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid device index %q", index)
	}
	return kind, uint32(idx), nil
}

// request sends one line and reads one response line.
func request(socketPath, typ string, data any) (ipcResponse, error) {
	env := commandEnvelope{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return ipcResponse{}, fmt.Errorf("marshal %s: %w", typ, err)
		}
		env.Data = b
	}
	line, err := json.Marshal(env)
	if err != nil {
		return ipcResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return ipcResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return ipcResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp ipcResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return ipcResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		if resp.Error == "" {
			return resp, errors.New("daemon error")
		}
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}
