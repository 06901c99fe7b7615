package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TorMesh/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dataDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tormesh.toml")
	body := fmt.Sprintf("[Security]\nSignatureScheme = \"Ed25519\"\nDataDir = %q\n", dataDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tormesh dev\n", out)
}

func TestCredits(t *testing.T) {
	out, err := execute(t, "credits")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "Anonymity and Privacy")

	file := filepath.Join(t.TempDir(), "credits.html")
	_, err = execute(t, "credits", "-o", file)
	require.NoError(t, err)
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Security and Cryptography")
}

func TestKeygen(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, dataDir)

	out, err := execute(t, "keygen", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Созданы ключи Ed25519")
	assert.Contains(t, out, "Peer ID:")
	assert.FileExists(t, filepath.Join(dataDir, "signing.key"))
	assert.FileExists(t, filepath.Join(dataDir, "identity.key"))

	fingerprint := lineWithPrefix(out, "Отпечаток: ")
	require.NotEmpty(t, fingerprint)

	out, err = execute(t, "keygen", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "уже существуют")
	assert.Equal(t, fingerprint, lineWithPrefix(out, "Отпечаток: "))

	out, err = execute(t, "keygen", "--config", cfgPath, "--force")
	require.NoError(t, err)
	assert.NotEqual(t, fingerprint, lineWithPrefix(out, "Отпечаток: "))
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Network]\nUnknownKey = 1\n"), 0o600))

	_, err := execute(t, "version", "--config", path)
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer ok.Close()

	out, err := execute(t, "health", "--url", ok.URL+"/health")
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	out, err = execute(t, "health", "--url", bad.URL+"/health")
	assert.Error(t, err)
	assert.Contains(t, out, "FAIL")
}

func TestRunOptionsApply(t *testing.T) {
	opts := &runOptions{}
	c := &cobra.Command{Use: "run"}
	opts.bind(c)
	require.NoError(t, c.ParseFlags([]string{
		"--port", "20000",
		"--no-tor",
		"--no-ui",
		"--ephemeral",
		"--peer", "127.0.0.1:9000",
		"--peer", "example.onion:12345",
		"--db", "/tmp/h.db",
	}))

	cfg := config.DefaultConfig()
	require.NoError(t, opts.apply(c, cfg))

	assert.Equal(t, 20000, cfg.Network.BasePort)
	assert.False(t, cfg.Tor.Enable)
	assert.False(t, cfg.UI.EnableTUI)
	assert.True(t, cfg.Security.EphemeralIdentity)
	assert.Equal(t, []string{"127.0.0.1:9000", "example.onion:12345"}, cfg.Network.StaticPeers)
	assert.Equal(t, "/tmp/h.db", cfg.Storage.DatabasePath)
}

func TestRunOptionsKeepConfigPort(t *testing.T) {
	opts := &runOptions{}
	c := &cobra.Command{Use: "run"}
	opts.bind(c)
	require.NoError(t, c.ParseFlags(nil))

	cfg := config.DefaultConfig()
	cfg.Network.BasePort = 30000
	require.NoError(t, opts.apply(c, cfg))
	assert.Equal(t, 30000, cfg.Network.BasePort)
	assert.True(t, cfg.Tor.Enable)
}

func lineWithPrefix(out, prefix string) string {
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimPrefix(l, prefix)
		}
	}
	return ""
}
