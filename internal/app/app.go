package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"TorMesh/internal/core"
	"TorMesh/internal/health"
	"TorMesh/internal/mesh"
	"TorMesh/internal/security"
	"TorMesh/internal/storage"
	"TorMesh/internal/tor"
	"TorMesh/internal/transport"
	"TorMesh/internal/ui"
	"TorMesh/pkg/config"
)

var log = core.NewLogger("app")

const (
	meshStartAttempts = 3
	meshRetryDelay    = 2 * time.Second
	meshVerifyTimeout = 5 * time.Second
	senderLen         = 8
	loopbackHost      = "127.0.0.1"
)

// Status - сводка состояния приложения
type Status struct {
	TorRunning   bool
	OnionAddress string
	Port         int
	HealthPort   int
	Peers        int
	ActivePeers  int
	Buffered     int
}

// App связывает Tor, mesh-сеть, историю и окно чата
type App struct {
	cfg  *config.Config
	mem  *security.SecureMemory
	pm   *core.PersistenceManager
	cm   *security.CryptoManager
	tor  *tor.Manager
	mesh *mesh.Network

	mu      sync.RWMutex
	history storage.IHistoryRepository
	window  *ui.Window
	started bool

	cleanupOnce sync.Once
	cleanupErr  error
	wg          sync.WaitGroup
}

// New готовит приложение: ключи, менеджер Tor и mesh-сеть. Ничего не запускает.
// С включенным Tor сетевые настройки cfg сужаются до локальных.
func New(cfg *config.Config) (*App, error) {
	pm, err := core.NewPersistenceManager(cfg.Security.DataDir, cfg.Security.EphemeralIdentity)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, mem: security.NewSecureMemory(), pm: pm}
	if err := a.loadSigningKeys(); err != nil {
		a.wipeSecrets()
		return nil, err
	}

	identity, err := pm.LoadOrCreateIdentity()
	if err != nil {
		a.wipeSecrets()
		return nil, fmt.Errorf("не удалось загрузить идентичность libp2p: %w", err)
	}

	if cfg.Tor.Enable {
		a.tor = tor.NewManager(cfg.Tor, cfg.Network.OnionListenPort)
		cfg.Network = torOnlyNetwork(cfg.Network)
		cfg.Health.ListenHost = loopbackHost
		log.Info("🧅 Режим Tor: libp2p только на %s, DHT, mDNS и прямые соединения выключены", loopbackHost)
	}

	a.mesh, err = mesh.New(mesh.Options{
		Config:            cfg.Network,
		Health:            cfg.Health,
		Crypto:            a.cm,
		Persistence:       pm,
		Identity:          identity,
		RequireSignatures: cfg.Security.RequireSignatures,
		StatusHook:        a.torStatus,
	})
	if err != nil {
		a.wipeSecrets()
		return nil, err
	}
	return a, nil
}

// wipeSecrets выгружает приватный ключ и затирает строки чата
func (a *App) wipeSecrets() {
	if a.cm != nil {
		a.cm.Wipe()
	}
	a.mem.WipeAll()
}

// loadSigningKeys загружает ключи подписи или создает новые.
// Сериализованная копия приватного ключа сразу затирается, сам ключ живет в CryptoManager до Cleanup.
func (a *App) loadSigningKeys() error {
	cm, err := security.NewCryptoManager(a.cfg.Security.SignatureScheme)
	if err != nil {
		return err
	}
	a.cm = cm

	keys, err := a.pm.LoadSigningKeys(cm.SchemeName())
	switch {
	case err == nil:
		if err := cm.LoadKeys(keys.PrivateKey, keys.PublicKey); err != nil {
			return err
		}
		wipeBytes(keys.PrivateKey)
		log.Info("🔑 Загружены ключи %s, отпечаток %s", cm.SchemeName(), shortFingerprint(cm.Fingerprint()))
		return nil
	case errors.Is(err, core.ErrNoSigningKeys):
	default:
		return err
	}

	pub, priv, err := cm.GenerateKeys()
	if err != nil {
		return err
	}
	defer wipeBytes(priv)

	if err := a.pm.SaveSigningKeys(&core.SigningKeys{Scheme: cm.SchemeName(), PublicKey: pub, PrivateKey: priv}); err != nil {
		return fmt.Errorf("не удалось сохранить ключи подписи: %w", err)
	}
	return nil
}

// Start запускает Tor, mesh-сеть и окно чата.
// Блокируется, пока окно открыто или (без окна) пока не отменен ctx.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("приложение уже запущено")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.startTor(ctx); err != nil {
		return err
	}
	if err := a.startMesh(ctx); err != nil {
		return err
	}

	lines, err := a.openHistory(ctx)
	if err != nil {
		return err
	}

	if a.cfg.UI.EnableTUI {
		a.mu.Lock()
		a.window = ui.NewWindow(backend{a}, a.mem, a.cfg.UI, lines)
		a.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.forward(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.watchEvents(runCtx)
	}()

	a.logSummary()

	if a.window != nil {
		return a.window.Run(runCtx)
	}
	log.Info("🖥️ Работаем без интерфейса, ожидаем сигнала завершения")
	<-runCtx.Done()
	return nil
}

func (a *App) startTor(ctx context.Context) error {
	if a.tor == nil {
		log.Warn("⚠️ Tor отключен, соединения идут напрямую")
		return nil
	}
	if err := a.tor.Start(ctx); err != nil {
		return fmt.Errorf("не удалось запустить Tor: %w", err)
	}
	log.Info("🧅 Onion-адрес: %s", a.tor.OnionAddress())
	return nil
}

// startMesh запускает сеть с повторами и проверяет, что она принимает соединения
func (a *App) startMesh(ctx context.Context) error {
	if err := a.configureTransport(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= meshStartAttempts; attempt++ {
		log.Info("🌐 Запуск mesh-сети (попытка %d/%d)", attempt, meshStartAttempts)

		lastErr = a.mesh.Start(ctx)
		if lastErr == nil {
			if lastErr = a.verifyMesh(ctx); lastErr == nil {
				return nil
			}
			if err := a.mesh.Stop(ctx); err != nil {
				log.Warn("⚠️ Ошибка остановки сети после неудачной проверки: %v", err)
			}
		}
		log.Warn("⚠️ Попытка %d запуска сети не удалась: %v", attempt, lastErr)

		if attempt == meshStartAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(meshRetryDelay):
		}
	}
	return fmt.Errorf("не удалось запустить mesh-сеть после %d попыток: %w", meshStartAttempts, lastErr)
}

// torOnlyNetwork убирает все, что раскрывает IP узла мимо Tor:
// публичный прием libp2p, обнаружение, NAT-механизмы и прямые TCP-соединения
func torOnlyNetwork(n config.NetworkConfig) config.NetworkConfig {
	n.ListenHost = loopbackHost
	n.EnableDHT = false
	n.EnableMDNS = false
	n.EnableQUIC = false
	n.EnableRelay = false
	n.EnableHolePunching = false
	n.EnableNATPortMap = false
	n.EnablePresence = false
	n.AllowDirect = false
	return n
}

// configureTransport направляет TCP-транспорт через Tor и объявляет onion-адрес
func (a *App) configureTransport() error {
	n := a.cfg.Network
	listenHost := n.ListenHost

	var onionDial transport.DialFunc
	var local string
	if a.tor != nil && a.tor.Running() {
		onionDial = a.tor.DialContext
		listenHost = loopbackHost
		local = net.JoinHostPort(a.tor.OnionAddress(), strconv.Itoa(a.cfg.Tor.HiddenServicePort))
	}
	listen := net.JoinHostPort(listenHost, strconv.Itoa(n.OnionListenPort))
	return a.mesh.ConfigureTCP(transport.OnionAwareDial(onionDial, n.AllowDirect), listen, local)
}

// verifyMesh проверяет TCP-подключением порт health-сервера, а без него порт узла
func (a *App) verifyMesh(ctx context.Context) error {
	st := a.mesh.Status()
	host, port := a.cfg.Health.ListenHost, st.HealthPort
	if port == 0 {
		host, port = a.cfg.Network.ListenHost, st.Port
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(ctx, meshVerifyTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("порт %d не принимает соединения: %w", port, err)
	}
	conn.Close()
	return nil
}

// openHistory открывает хранилище и возвращает строки истории для окна
func (a *App) openHistory(ctx context.Context) ([]string, error) {
	if !a.cfg.Storage.Enable {
		return nil, nil
	}
	repo, err := storage.NewSQLiteRepository(a.cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.history = repo
	a.mu.Unlock()

	msgs, err := repo.GetHistory(ctx, a.cfg.Storage.HistoryLimit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, historyLine(m))
	}
	log.Info("📜 Загружено сообщений истории: %d", len(lines))
	return lines, nil
}

// forward сохраняет входящие сообщения и передает их окну
func (a *App) forward(ctx context.Context) {
	msgs := a.mesh.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgs:
			a.save(ctx, &storage.StoredMessage{
				ID:        m.ID,
				SenderID:  m.Sender,
				Text:      m.Body,
				Direction: storage.DirectionIncoming,
				Via:       m.Via,
				Timestamp: m.Timestamp,
			})

			a.mu.RLock()
			w := a.window
			a.mu.RUnlock()
			if w != nil {
				w.Deliver(ui.Incoming{Sender: m.Sender, Text: m.Body})
			} else {
				log.Info("💬 %s: %s", shortFingerprint(m.Sender), m.Body)
			}
		}
	}
}

// watchEvents превращает события сети в уведомления окна или строки лога
func (a *App) watchEvents(ctx context.Context) {
	events := a.mesh.Events()
	for {
		ev, err := events.NextEvent(ctx)
		if err != nil {
			return
		}
		text := eventText(ev)
		if text == "" {
			continue
		}
		a.mu.RLock()
		w := a.window
		a.mu.RUnlock()
		if w != nil {
			w.Notify(text)
		} else {
			log.Info("%s", text)
		}
	}
}

func eventText(ev core.Event) string {
	switch p := ev.Payload.(type) {
	case core.PeerEventPayload:
		if ev.Type == core.EventTypePeerConnected {
			return "➕ Пир подключен: " + p.Address
		}
		return "➖ Пир отключен: " + p.Address
	case core.NetworkStatusPayload:
		if p.Status == core.StatusNetworkReady {
			return "✅ " + p.Message
		}
	}
	return ""
}

func (a *App) save(ctx context.Context, m *storage.StoredMessage) {
	a.mu.RLock()
	repo := a.history
	a.mu.RUnlock()
	if repo == nil {
		return
	}
	if err := repo.Save(ctx, m); err != nil {
		log.Warn("⚠️ Сообщение не сохранено в историю: %v", err)
	}
}

// Send рассылает сообщение и сохраняет его в историю
func (a *App) Send(ctx context.Context, text string) (mesh.BroadcastResult, error) {
	res, err := a.mesh.Broadcast(ctx, text)
	if err != nil {
		return res, err
	}
	a.save(ctx, &storage.StoredMessage{
		ID:        res.ID,
		SenderID:  a.cm.Fingerprint(),
		Text:      text,
		Direction: storage.DirectionOutgoing,
		Timestamp: time.Now(),
	})
	if res.Delivered == 0 {
		log.Debug("Сообщение %s пока никому не доставлено, в буфере: %d", res.ID, res.Buffered)
	}
	return res, nil
}

// AddPeer добавляет пира в mesh-сеть
func (a *App) AddPeer(addr string) error {
	return a.mesh.AddPeer(addr)
}

// ClearHistory удаляет сохраненную историю с затиранием
func (a *App) ClearHistory(ctx context.Context) error {
	a.mu.RLock()
	repo := a.history
	a.mu.RUnlock()
	if repo == nil {
		return nil
	}
	return repo.ClearHistory(ctx)
}

// History возвращает последние limit сообщений истории
func (a *App) History(ctx context.Context, limit int) ([]storage.StoredMessage, error) {
	a.mu.RLock()
	repo := a.history
	a.mu.RUnlock()
	if repo == nil {
		return nil, nil
	}
	return repo.GetHistory(ctx, limit)
}

// Status возвращает сводку состояния
func (a *App) Status() Status {
	st := a.mesh.Status()
	s := Status{
		Port:        st.Port,
		HealthPort:  st.HealthPort,
		Peers:       st.Peers,
		ActivePeers: st.ActivePeers,
		Buffered:    st.Buffered,
	}
	if a.tor != nil {
		s.TorRunning = a.tor.Running()
		s.OnionAddress = a.tor.OnionAddress()
	}
	return s
}

// Fingerprint возвращает отпечаток ключа подписи узла
func (a *App) Fingerprint() string {
	return a.cm.Fingerprint()
}

// Mesh возвращает mesh-сеть приложения
func (a *App) Mesh() *mesh.Network {
	return a.mesh
}

func (a *App) torStatus(s *health.Status) {
	if a.tor == nil {
		return
	}
	s.TorRunning = a.tor.Running()
	s.OnionAddress = a.tor.OnionAddress()
}

func (a *App) logSummary() {
	st := a.mesh.Status()
	fields := []zap.Field{
		zap.Int("port", st.Port),
		zap.Int("health_port", st.HealthPort),
		zap.String("peer_id", st.PeerID),
		zap.String("local_address", st.LocalAddress),
		zap.String("fingerprint", shortFingerprint(a.cm.Fingerprint())),
		zap.String("scheme", a.cm.SchemeName()),
		zap.Bool("tui", a.cfg.UI.EnableTUI),
	}
	if a.tor != nil {
		fields = append(fields, zap.String("onion", a.tor.OnionAddress()))
	}
	log.Zap().Info("🚀 TorMesh запущен", fields...)
}

// Cleanup останавливает Tor и сеть параллельно, затирает ключи и закрывает историю.
// Повторные вызовы возвращают результат первого.
func (a *App) Cleanup(ctx context.Context) error {
	a.cleanupOnce.Do(func() {
		a.cleanupErr = a.cleanup(ctx)
	})
	return a.cleanupErr
}

func (a *App) cleanup(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("паника при остановке: %v", r))
			log.Error("❌ Паника при остановке: %v", r)
		}
	}()

	log.Info("🛑 Остановка TorMesh...")
	errs := make([]error, 2)

	var g errgroup.Group
	if a.tor != nil {
		g.Go(func() error {
			if err := a.tor.Stop(ctx); err != nil {
				errs[0] = fmt.Errorf("остановка Tor: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := a.mesh.Stop(ctx); err != nil {
			errs[1] = fmt.Errorf("остановка сети: %w", err)
		}
		return nil
	})
	_ = g.Wait()
	// сеть больше не перезапускается, очередь событий закрывается и watchEvents выходит
	a.mesh.Events().Stop()
	a.wg.Wait()

	err = multierr.Combine(errs...)

	a.wipeSecrets()

	a.mu.Lock()
	repo := a.history
	a.history = nil
	a.mu.Unlock()
	if repo != nil {
		if cerr := repo.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("закрытие истории: %w", cerr))
		}
	}

	for _, e := range multierr.Errors(err) {
		log.Error("❌ %v", e)
	}
	log.Info("👋 TorMesh остановлен")
	return err
}

// backend открывает окну операции приложения
type backend struct{ a *App }

func (b backend) Send(ctx context.Context, text string) error {
	_, err := b.a.Send(ctx, text)
	return err
}

func (b backend) ClearHistory(ctx context.Context) error {
	return b.a.ClearHistory(ctx)
}

func (b backend) Status() ui.Status {
	return ui.Status(b.a.Status())
}

func historyLine(m storage.StoredMessage) string {
	if m.Direction == storage.DirectionOutgoing {
		return "You: " + m.Text
	}
	return shortFingerprint(m.SenderID) + ": " + m.Text
}

func shortFingerprint(fp string) string {
	if len(fp) > senderLen {
		return fp[:senderLen]
	}
	return fp
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
