package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	require.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestVersionSkipsConfig(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestDeviceIDCommandPersists(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "link.yaml")
	idFile := filepath.Join(dir, "device_id")
	yaml := "env_file: \"\"\nhttp:\n  enabled: false\ndevice:\n  id_file: " + idFile + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	run := func() string {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--config", cfgPath, "device-id"})
		require.NoError(t, cmd.Execute())
		return strings.TrimSpace(out.String())
	}
	first := run()
	require.True(t, strings.HasPrefix(first, "device_"))
	require.Equal(t, first, run())
}

func TestChatRequiresEndpoint(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "link.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("env_file: \"\"\ndevice:\n  id: d1\n"), 0o644))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "chat", "hello"})
	err := cmd.Execute()
	require.ErrorContains(t, err, "chat.endpoint")
}
