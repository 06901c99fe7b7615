package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.FixupAndValidate())

	assert.Equal(t, 12345, cfg.Network.BasePort)
	assert.Equal(t, 5, cfg.Network.MaxRetryPorts)
	assert.Equal(t, 30*time.Second, cfg.Network.RetryInterval)
	assert.Equal(t, 300*time.Second, cfg.Network.PeerTimeout)
	assert.Equal(t, 3, cfg.Network.FailureThreshold)
	assert.Equal(t, 9052, cfg.Tor.SocksPort)
	assert.Equal(t, 9053, cfg.Tor.ControlPort)
	assert.Equal(t, "Sphincs+", cfg.Security.SignatureScheme)
	assert.Equal(t, "0.0.0.0:12345", cfg.Health.Addr(cfg.Network.BasePort))

	first, last := cfg.Network.PortRange()
	assert.Equal(t, 12346, first)
	assert.Equal(t, 12350, last)

	cfg.Network.BasePort = 0
	first, last = cfg.Network.PortRange()
	assert.Zero(t, first)
	assert.Zero(t, last)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBasePort, cfg.Network.BasePort)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `
[Network]
BasePort = 23000
RetryInterval = "5s"
StaticPeers = ["example.onion:12345"]
EnableMDNS = false

[Tor]
Enable = false

[Security]
SignatureScheme = "Ed25519"
DataDir = "` + filepath.ToSlash(dir) + `"

[Logging]
Level = "debug"
`
	path := filepath.Join(dir, "tormesh.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 23000, cfg.Network.BasePort)
	assert.Equal(t, 5*time.Second, cfg.Network.RetryInterval)
	assert.Equal(t, []string{"example.onion:12345"}, cfg.Network.StaticPeers)
	assert.False(t, cfg.Network.EnableMDNS)
	assert.True(t, cfg.Network.EnableDHT)
	assert.False(t, cfg.Tor.Enable)
	assert.Equal(t, "Ed25519", cfg.Security.SignatureScheme)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.Storage.DatabasePath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("[Network]\nBogus = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bogus")
}

func TestFixupAndValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.FixupAndValidate())
	assert.Equal(t, DefaultMaxRetryPorts, cfg.Network.MaxRetryPorts)
	assert.Equal(t, "tormesh-rendezvous-v1", cfg.Network.RendezvousString)
	assert.Equal(t, time.Hour, cfg.Network.BufferExpiry)

	cfg = DefaultConfig()
	cfg.Network.BasePort = 65534
	assert.Error(t, cfg.FixupAndValidate())

	cfg = DefaultConfig()
	cfg.Tor.ControlPort = cfg.Tor.SocksPort
	assert.Error(t, cfg.FixupAndValidate())

	cfg = DefaultConfig()
	cfg.Network.RelayTTL = 300
	assert.Error(t, cfg.FixupAndValidate())
}
