package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseConfig_DefaultsFillUnsetFields(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	cfg, err := parseConfig([]byte(`
audio:
  sink_nicknames:
    alsa_output.usb-DAC: DAC
logging:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, defaultStateWSAddr, cfg.StateWS.ListenAddr)
	assert.Equal(t, defaultStateWSPath, cfg.StateWS.Path)
	assert.Equal(t, "/run/user/1000/jiji.sock", cfg.IPC.SocketPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, map[string]string{"alsa_output.usb-DAC": "DAC"}, cfg.Audio.SinkNicknames)
	require.NoError(t, cfg.Validate())
}

func TestParseConfig_EmptyFileIsDefaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfig_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown field":     "state_ws:\n  listen: 127.0.0.1:1\n",
		"trailing document": "logging:\n  level: info\n---\nlogging:\n  level: debug\n",
		"wrong type":        "state_ws:\n  send_buf: lots\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_ExplicitAndDefaultPaths(t *testing.T) {
	path := writeConfig(t, "workspaces:\n  socket_path: /tmp/i3.sock\n")
	cfg, resolved, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)
	assert.Equal(t, "/tmp/i3.sock", cfg.Workspaces.SocketPath)

	_, _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	// No path and no default file: built-in defaults.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, resolved, err = LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, resolved)
	assert.Equal(t, DefaultConfig(), cfg)

	// The default file is picked up when present.
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "jiji"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jiji", "config.yaml"), []byte("logging:\n  level: warn\n"), 0o644))
	cfg, resolved, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "jiji", "config.yaml"), resolved)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	sock, level := "/run/i3.sock", "error"
	FlagOverrides{I3Socket: &sock, LogLevel: &level}.Apply(&cfg)

	assert.Equal(t, "/run/i3.sock", cfg.Workspaces.SocketPath)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, defaultStateWSAddr, cfg.StateWS.ListenAddr, "unset flags leave the file value")

	assert.NotPanics(t, func() { FlagOverrides{}.Apply(nil) })
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative ws path", func(c *Config) { c.StateWS.Path = "state" }},
		{"zero send buffer", func(c *Config) { c.StateWS.SendBuf = 0 }},
		{"empty ipc socket", func(c *Config) { c.IPC.SocketPath = "" }},
		{"empty nickname", func(c *Config) { c.Audio.SourceNicknames = map[string]string{"mic": ""} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// The websocket checks only apply when it is enabled.
	cfg := DefaultConfig()
	cfg.StateWS.ListenAddr = ""
	cfg.StateWS.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/jiji")
	assert.Equal(t, "/home/jiji", ExpandPath("~"))
	assert.Equal(t, "/home/jiji/.config/jiji.yaml", ExpandPath("~/.config/jiji.yaml"))
	assert.Equal(t, "/etc/jiji.yaml", ExpandPath("/etc/jiji.yaml"))
	assert.Equal(t, "~other/x", ExpandPath("~other/x"))
	assert.Empty(t, ExpandPath(""))
}
