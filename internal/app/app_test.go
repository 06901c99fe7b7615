package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TorMesh/internal/core"
	"TorMesh/internal/health"
	"TorMesh/internal/security"
	"TorMesh/internal/storage"
	"TorMesh/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Network.BasePort = 0
	cfg.Network.ListenHost = "127.0.0.1"
	cfg.Network.EnableMDNS = false
	cfg.Network.EnableDHT = false
	cfg.Network.EnableQUIC = false
	cfg.Network.EnableHolePunching = false
	cfg.Network.EnableRelay = false
	cfg.Network.EnablePresence = false
	cfg.Network.OnionListenPort = 0
	cfg.Network.ConnectTimeout = 3 * time.Second
	cfg.Tor.Enable = false
	cfg.Security.SignatureScheme = "Ed25519"
	cfg.Security.DataDir = dir
	cfg.Health.Enable = false
	cfg.Storage.DatabasePath = filepath.Join(dir, "history.db")
	cfg.UI.EnableTUI = false
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

// startApp запускает приложение без окна и ждет открытия истории
func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	require.Eventually(t, func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.history != nil
	}, 10*time.Second, 20*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("Start не завершился после отмены контекста")
		}
		assert.NoError(t, a.Cleanup(context.Background()))
	})
	return a
}

func TestNewPersistsSigningKeys(t *testing.T) {
	cfg := testConfig(t)

	a1, err := New(cfg)
	require.NoError(t, err)
	fp := a1.Fingerprint()
	require.NotEmpty(t, fp)
	require.NoError(t, a1.Cleanup(context.Background()))

	info, err := os.Stat(filepath.Join(cfg.Security.DataDir, "signing.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	a2, err := New(cfg)
	require.NoError(t, err)
	defer a2.Cleanup(context.Background())
	assert.Equal(t, fp, a2.Fingerprint())
}

func TestNewEphemeral(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.DataDir = filepath.Join(cfg.Security.DataDir, "ephemeral")
	cfg.Security.EphemeralIdentity = true

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Cleanup(context.Background())

	assert.NotEmpty(t, a.Fingerprint())
	_, err = os.Stat(cfg.Security.DataDir)
	assert.True(t, os.IsNotExist(err), "в эфемерном режиме на диск ничего не пишется")
}

func TestNewUnknownScheme(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.SignatureScheme = "нет-такой-схемы"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestCleanupBeforeStart(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)

	assert.NoError(t, a.Cleanup(context.Background()))
	assert.NoError(t, a.Cleanup(context.Background()))
	assert.Zero(t, a.mem.Len())
	assert.ErrorIs(t, a.mesh.Events().PushEvent(core.PeerConnectedEvent("late")), core.ErrEventManagerStopped)
}

func TestCleanupWipesSigningKey(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	fp := a.Fingerprint()
	require.True(t, a.cm.HasKeys())

	require.NoError(t, a.Cleanup(context.Background()))
	assert.False(t, a.cm.HasKeys(), "приватный ключ выгружен")
	_, err = a.cm.Sign([]byte("x"))
	assert.ErrorIs(t, err, security.ErrNoSigningKey)
	assert.Equal(t, fp, a.Fingerprint())
}

func TestStartHeadless(t *testing.T) {
	a := startApp(t, testConfig(t))

	st := a.Status()
	assert.NotZero(t, st.Port)
	assert.False(t, st.TorRunning)
	assert.Empty(t, st.OnionAddress)

	res, err := a.Send(context.Background(), "никого нет")
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	history, err := a.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.DirectionOutgoing, history[0].Direction)
	assert.Equal(t, a.Fingerprint(), history[0].SenderID)
	assert.Equal(t, res.ID, history[0].ID)

	require.NoError(t, a.ClearHistory(context.Background()))
	history, err = a.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStartWithHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.Enable = true
	cfg.Health.ListenHost = "127.0.0.1"
	a := startApp(t, cfg)

	st := a.Status()
	require.NotZero(t, st.HealthPort)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, health.Probe(ctx, health.URL("127.0.0.1", st.HealthPort)))
}

func TestTwoNodesExchange(t *testing.T) {
	a := startApp(t, testConfig(t))
	b := startApp(t, testConfig(t))

	addr := b.Mesh().Status().LocalAddress
	require.NotEmpty(t, addr)
	require.NoError(t, a.AddPeer(addr))

	res, err := a.Send(context.Background(), "привет через mesh")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	var got []storage.StoredMessage
	require.Eventually(t, func() bool {
		got, err = b.History(context.Background(), 10)
		return err == nil && len(got) == 1
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, storage.DirectionIncoming, got[0].Direction)
	assert.Equal(t, "привет через mesh", got[0].Text)
	assert.Equal(t, a.Fingerprint(), got[0].SenderID)
	assert.Equal(t, res.ID, got[0].ID)
}

func TestStartTwice(t *testing.T) {
	a := startApp(t, testConfig(t))
	assert.Error(t, a.Start(context.Background()))
}

func TestTorStatusWithoutTor(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	defer a.Cleanup(context.Background())

	s := health.Status{OnionAddress: "x"}
	a.torStatus(&s)
	assert.Equal(t, "x", s.OnionAddress)
	assert.False(t, s.TorRunning)
}

func TestHistoryLine(t *testing.T) {
	assert.Equal(t, "You: hi", historyLine(storage.StoredMessage{Direction: storage.DirectionOutgoing, Text: "hi"}))
	assert.Equal(t, "01234567: hi", historyLine(storage.StoredMessage{
		Direction: storage.DirectionIncoming,
		SenderID:  "0123456789abcdef",
		Text:      "hi",
	}))
}

func TestEventText(t *testing.T) {
	assert.Equal(t, "➕ Пир подключен: 127.0.0.1:1", eventText(core.PeerConnectedEvent("127.0.0.1:1")))
	assert.Equal(t, "➖ Пир отключен: x", eventText(core.PeerDisconnectedEvent("x")))
	assert.Equal(t, "✅ готово", eventText(core.NetworkStatusEvent(core.StatusNetworkReady, "готово")))
	assert.Empty(t, eventText(core.NetworkStatusEvent(core.StatusStopped, "стоп")))
	assert.Empty(t, eventText(core.NewMessageEvent("id", "s", "t", "v")))
}

func TestTorModeKeepsNodeLocal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.ListenHost = "0.0.0.0"
	cfg.Network.EnableDHT = true
	cfg.Network.EnableMDNS = true
	cfg.Network.EnableQUIC = true
	cfg.Network.EnableRelay = true
	cfg.Network.EnablePresence = true
	cfg.Network.AllowDirect = true
	cfg.Health.ListenHost = "0.0.0.0"
	cfg.Tor.Enable = true
	cfg.Tor.BaseDir = filepath.Join(t.TempDir(), "tor")

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Cleanup(context.Background())

	n := a.cfg.Network
	assert.Equal(t, "127.0.0.1", n.ListenHost)
	assert.False(t, n.EnableDHT)
	assert.False(t, n.EnableMDNS)
	assert.False(t, n.EnableQUIC)
	assert.False(t, n.EnableRelay)
	assert.False(t, n.EnableHolePunching)
	assert.False(t, n.EnableNATPortMap)
	assert.False(t, n.EnablePresence)
	assert.False(t, n.AllowDirect)
	assert.Equal(t, "127.0.0.1", a.cfg.Health.ListenHost)

	// узел libp2p поднимается без Tor, чтобы проверить адреса приема
	require.NoError(t, a.mesh.Start(context.Background()))
	addrs := a.mesh.Status().ListenAddrs
	require.NotEmpty(t, addrs)
	for _, addr := range addrs {
		assert.True(t, strings.HasPrefix(addr, "/ip4/127.0.0.1/tcp/"), addr)
	}
}

func TestTorOnlyNetworkKeepsOtherSettings(t *testing.T) {
	in := config.DefaultConfig().Network
	out := torOnlyNetwork(in)
	assert.Equal(t, in.BasePort, out.BasePort)
	assert.Equal(t, in.RelayTTL, out.RelayTTL)
	assert.Equal(t, in.RendezvousString, out.RendezvousString)
	assert.True(t, in.EnableDHT, "исходная конфигурация не меняется")
}
