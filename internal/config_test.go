package internal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReceiverConfigPersistsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "view.toml")

	cfg, err := LoadReceiverConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, DefaultMaxDatagramSize, cfg.MaxDatagramSize)
	require.Equal(t, uint32(DefaultWrapThreshold), cfg.WrapThreshold)
	require.Equal(t, uint32(DefaultRestartAfter), cfg.RestartAfter)
	require.Equal(t, ":8090", cfg.HTTPAddr)
	require.NotEmpty(t, cfg.ReceiverID)
	require.NoError(t, cfg.Validate())
	require.FileExists(t, path)

	again, err := LoadReceiverConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ReceiverID, again.ReceiverID)
}

func TestLoadSenderConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FARSHOW_SEND_DEST_PORT", "2200")
	path := filepath.Join(t.TempDir(), "send.toml")

	cfg, err := LoadSenderConfig(path)
	require.NoError(t, err)
	require.Equal(t, 2200, cfg.DestPort)
	require.Equal(t, "127.0.0.1", cfg.DestAddr)
	require.Equal(t, "input", cfg.StreamName)
	require.Equal(t, 500, cfg.PartDelayUs)
	require.Equal(t, "pattern", cfg.Source)
	require.NoError(t, cfg.Validate())
}

func TestSetAssignsTypedValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadReceiverConfig(filepath.Join(t.TempDir(), "view.toml"))
	require.NoError(t, err)

	require.NoError(t, cfg.Set("workers", "4"))
	require.NoError(t, cfg.Set("http_addr", ":9000"))
	require.NoError(t, cfg.Set("RESTART_AFTER", "0"))
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Zero(t, cfg.RestartAfter)

	require.Error(t, cfg.Set("no_such_key", "1"))
	require.Error(t, cfg.Set("max_datagram_size", "70000"))

	send, err := LoadSenderConfig(filepath.Join(t.TempDir(), "send.toml"))
	require.NoError(t, err)
	require.NoError(t, send.Set("broadcast", "true"))
	require.True(t, send.Broadcast)
	require.Error(t, send.Set("dest_port", "0"))
}

func TestValidateRejects(t *testing.T) {
	rx := ReceiverConfig{
		Port:            DefaultPort,
		MaxDatagramSize: DefaultMaxDatagramSize,
		WrapThreshold:   16,
		MaxParts:        1,
		RestartAfter:    16,
	}
	require.ErrorContains(t, rx.Validate(), "restart_after")
	rx.RestartAfter = 4
	require.NoError(t, rx.Validate())
	rx.Workers = -1
	require.Error(t, rx.Validate())

	tx := SenderConfig{DestAddr: "127.0.0.1", DestPort: 1, MaxDatagramSize: 100, StreamName: "s"}
	require.NoError(t, tx.Validate())
	tx.PartDelayUs = -1
	require.Error(t, tx.Validate())
	tx.PartDelayUs = 0
	tx.StreamName = " "
	require.Error(t, tx.Validate())
}
