package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the jiji daemon.
//
// The config file is the primary configuration surface; flags override
// individual values. Only the nickname tables are reloaded while running.
type Config struct {
	// Window manager connection
	Workspaces WorkspacesConfig `yaml:"workspaces"`

	// PulseAudio connection and device labels
	Audio AudioConfig `yaml:"audio"`

	// State websocket for renderers
	StateWS StateWSConfig `yaml:"state_ws"`

	// IPC socket for jiji-ctl
	IPC IPCConfig `yaml:"ipc"`

	Logging LoggingConfig `yaml:"logging"`
}

type WorkspacesConfig struct {
	// SocketPath overrides $I3SOCK / $SWAYSOCK discovery.
	SocketPath string `yaml:"socket_path,omitempty"`
}

type AudioConfig struct {
	// DBusAddress overrides the server lookup on the session bus.
	DBusAddress string `yaml:"dbus_address,omitempty"`

	// Nicknames map a device name to the label shown to renderers.
	SinkNicknames   map[string]string `yaml:"sink_nicknames,omitempty"`
	SourceNicknames map[string]string `yaml:"source_nicknames,omitempty"`
}

type StateWSConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	SendBuf    int    `yaml:"send_buf"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		StateWS: StateWSConfig{
			ListenAddr: defaultStateWSAddr,
			Path:       defaultStateWSPath,
			SendBuf:    defaultWSSendBuf,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocketPath(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath is $XDG_CONFIG_HOME/jiji/config.yaml, falling back to
// ~/.config/jiji/config.yaml.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "jiji", "config.yaml")
	}
	return ExpandPath("~/.config/jiji/config.yaml")
}

func defaultIPCSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "jiji.sock")
	}
	return "/tmp/jiji.sock"
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		// An empty file means defaults.
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return Config{}, errors.New("decode config yaml: unexpected trailing document")
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig loads path if given. With no path, the default config file is
// used when it exists and the built-in defaults otherwise.
func LoadConfig(path string) (Config, string, error) {
	if path != "" {
		cfg, err := LoadConfigFile(path)
		return cfg, ExpandPath(path), err
	}
	def := DefaultConfigPath()
	if _, err := os.Stat(def); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), "", nil
		}
		return Config{}, "", fmt.Errorf("stat config file: %w", err)
	}
	cfg, err := LoadConfigFile(def)
	return cfg, def, err
}

// FlagOverrides carries flag values that take precedence over the config
// file. A nil pointer means the flag was not set.
type FlagOverrides struct {
	I3Socket      *string
	PulseAddress  *string
	WSListenAddr  *string
	WSPath        *string
	IPCSocketPath *string
	LogLevel      *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.I3Socket != nil {
		cfg.Workspaces.SocketPath = *o.I3Socket
	}
	if o.PulseAddress != nil {
		cfg.Audio.DBusAddress = *o.PulseAddress
	}
	if o.WSListenAddr != nil {
		cfg.StateWS.ListenAddr = *o.WSListenAddr
	}
	if o.WSPath != nil {
		cfg.StateWS.Path = *o.WSPath
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants. Call it after defaults, file and
// overrides are applied.
func (c *Config) Validate() error {
	if c.StateWS.ListenAddr != "" {
		if c.StateWS.Path == "" || !strings.HasPrefix(c.StateWS.Path, "/") {
			return fmt.Errorf("state_ws.path must start with '/' (got %q)", c.StateWS.Path)
		}
		if c.StateWS.SendBuf <= 0 {
			return errors.New("state_ws.send_buf must be > 0")
		}
	}
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	for name, label := range c.Audio.SinkNicknames {
		if name == "" || label == "" {
			return fmt.Errorf("audio.sink_nicknames: empty name or label (%q: %q)", name, label)
		}
	}
	for name, label := range c.Audio.SourceNicknames {
		if name == "" || label == "" {
			return fmt.Errorf("audio.source_nicknames: empty name or label (%q: %q)", name, label)
		}
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// Nicknames returns the label tables from the audio section.
func (c *Config) Nicknames() *Nicknames {
	return newNicknames(c.Audio.SinkNicknames, c.Audio.SourceNicknames)
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
