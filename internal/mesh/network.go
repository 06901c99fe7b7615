package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"TorMesh/internal/core"
	"TorMesh/internal/health"
	"TorMesh/internal/security"
	"TorMesh/internal/transport"
	"TorMesh/pkg/config"
	"TorMesh/pkg/interfaces"
)

var log = core.NewLogger("mesh")

const (
	messageQueueSize = 100
	eventQueueSize   = 100
)

// Options - зависимости и параметры сети
type Options struct {
	Config config.NetworkConfig
	Health config.HealthConfig
	Crypto *security.CryptoManager

	// Persistence хранит кэш пиров. nil отключает кэш.
	Persistence *core.PersistenceManager
	// Identity - ключ libp2p. nil - новый ключ на каждый запуск.
	Identity crypto.PrivKey

	// Dial используется TCP-транспортом (обычно через Tor)
	Dial transport.DialFunc
	// OnionListen - адрес приема защищенных каналов, куда Tor пробрасывает hidden service
	OnionListen string
	// LocalAddress объявляется пирам. Пустой - адрес OnionListen.
	LocalAddress string

	RequireSignatures bool
	// StatusHook дополняет /status полями, которых нет у сети (Tor)
	StatusHook func(*health.Status)
}

// Network - mesh-оверлей поверх libp2p и защищенных TCP-каналов
type Network struct {
	opts Options
	cfg  config.NetworkConfig

	peers   *peerTable
	buffer  *messageBuffer
	known   *lru.Cache
	metrics *metrics

	events *core.EventManager
	msgCh  chan Message

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	mu         sync.RWMutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	port       int
	host       host.Host
	discovery  *discoveryManager
	presence   *presence
	stream     *transport.StreamTransport
	tcp        *transport.TCPTransport
	transports []interfaces.Transport
	health     *health.Server
	localAddr  string
	notifee    *network.NotifyBundle
}

// New создает сеть. Запуск - Start.
func New(opts Options) (*Network, error) {
	if opts.Crypto == nil {
		return nil, errors.New("mesh: не задан CryptoManager")
	}
	cfg := opts.Config
	known, err := lru.New(cfg.KnownMessagesSize)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать кэш сообщений: %w", err)
	}

	n := &Network{
		opts:     opts,
		cfg:      cfg,
		peers:    newPeerTable(cfg.FailureThreshold),
		buffer:   newMessageBuffer(cfg.MaxBuffered, cfg.MaxSendAttempts),
		known:    known,
		events:   core.NewEventManager(eventQueueSize),
		msgCh:    make(chan Message, messageQueueSize),
		limiters: make(map[string]*rate.Limiter),
	}
	n.metrics = newMetrics(n)
	return n, nil
}

// ConfigureTCP задает dial-функцию, адрес приема и объявляемый адрес TCP-транспорта.
// Применяется при следующем Start.
func (n *Network) ConfigureTCP(dial transport.DialFunc, listen, localAddress string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}
	n.opts.Dial = dial
	n.opts.OnionListen = listen
	n.opts.LocalAddress = localAddress
	return nil
}

// Start запускает сервер здоровья, узел libp2p, обнаружение и фоновые циклы
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrAlreadyRunning
	}

	n.pushEvent(core.NetworkStatusEvent(core.StatusStartingHealth, "Запуск сервера здоровья"))
	if n.opts.Health.Enable {
		n.health = n.newHealthServer()
		if err := n.health.Start(); err != nil {
			log.Warn("⚠️ Сервер здоровья не запущен: %v", err)
			n.health = nil
		}
	}

	identity := n.opts.Identity
	if identity == nil {
		var err error
		identity, _, err = crypto.GenerateEd25519Key(nil)
		if err != nil {
			n.stopHealth()
			return fmt.Errorf("не удалось сгенерировать ключ libp2p: %w", err)
		}
	}

	n.pushEvent(core.NetworkStatusEvent(core.StatusConnectingDHT, "Запуск узла mesh-сети"))
	h, port, err := n.listen(ctx, identity)
	if err != nil {
		n.stopHealth()
		return err
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.host = h
	n.port = port
	if err := n.startTransports(); err != nil {
		n.cancel()
		h.Close()
		n.stopHealth()
		return err
	}

	n.notifee = &network.NotifyBundle{
		ConnectedF:    n.onConnected,
		DisconnectedF: n.onDisconnected,
	}
	h.Network().Notify(n.notifee)

	discovery, err := newDiscoveryManager(n.ctx, h, n.cfg, n.onPeerFound)
	if err != nil {
		n.closeTransports()
		n.cancel()
		h.Close()
		n.stopHealth()
		return err
	}
	n.discovery = discovery

	if n.cfg.EnablePresence {
		p, err := newPresence(n.ctx, n)
		if err != nil {
			log.Warn("⚠️ Presence отключен: %v", err)
		} else {
			n.presence = p
		}
	}

	n.running = true
	n.loadPeers()

	n.discovery.start()
	n.goLocked(n.bufferLoop)
	n.goLocked(n.maintenanceLoop)
	n.goLocked(n.heartbeatLoop)
	if n.presence != nil {
		n.goLocked(n.presence.run)
	}

	log.Info("✅ Mesh-сеть запущена: порт %d, peer ID %s", port, h.ID())
	n.pushEvent(core.NetworkStatusEvent(core.StatusNetworkReady, fmt.Sprintf("Сеть запущена на порту %d", port)))
	return nil
}

// listen перебирает порты диапазона, пока узел не поднимется и не начнет принимать TCP
func (n *Network) listen(ctx context.Context, identity crypto.PrivKey) (host.Host, int, error) {
	first, last := n.cfg.PortRange()

	var lastErr error
	for port := first; port <= last; port++ {
		h, err := newHost(identity, n.cfg, port)
		if err != nil {
			log.Warn("⚠️ Порт %d недоступен: %v", port, err)
			lastErr = err
			continue
		}
		actual := tcpPort(h)
		if err := verifyPort(ctx, n.cfg.ListenHost, actual); err != nil {
			log.Warn("⚠️ Порт %d не прошел проверку: %v", actual, err)
			h.Close()
			lastErr = err
			continue
		}
		return h, actual, nil
	}
	return nil, 0, fmt.Errorf("could not find available port in range %d-%d: %w", first, last, lastErr)
}

func (n *Network) startTransports() error {
	n.stream = transport.NewStreamTransport(n.host, n.handleInbound)
	n.tcp = transport.NewTCPTransport(transport.TCPConfig{
		Crypto:         n.opts.Crypto,
		Dial:           n.opts.Dial,
		LocalAddress:   n.opts.LocalAddress,
		ConnectTimeout: n.cfg.ConnectTimeout,
		Handler:        n.handleInbound,
	})
	n.transports = []interfaces.Transport{n.stream, n.tcp}
	n.localAddr = n.opts.LocalAddress

	if n.opts.OnionListen != "" {
		addr, err := n.tcp.Listen(n.ctx, n.opts.OnionListen)
		if err != nil {
			n.closeTransports()
			return err
		}
		if n.localAddr == "" {
			n.localAddr = addr.String()
			n.tcp.SetLocalAddress(n.localAddr)
		}
	}
	return nil
}

func (n *Network) closeTransports() error {
	var err error
	if n.stream != nil {
		err = multierr.Append(err, n.stream.Close())
	}
	if n.tcp != nil {
		err = multierr.Append(err, n.tcp.Close())
	}
	return err
}

// Stop останавливает циклы, обнаружение, транспорты, узел и сервер здоровья.
// Повторный вызов ничего не делает.
func (n *Network) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	n.savePeers()

	var err error
	if n.presence != nil {
		err = multierr.Append(err, n.presence.close())
	}
	err = multierr.Append(err, n.discovery.close())
	n.host.Network().StopNotify(n.notifee)
	err = multierr.Append(err, n.closeTransports())
	err = multierr.Append(err, n.host.Close())
	if n.health != nil {
		err = multierr.Append(err, n.health.Stop(ctx))
	}

	n.mu.Lock()
	n.presence = nil
	n.discovery = nil
	n.health = nil
	n.host = nil
	n.port = 0
	n.mu.Unlock()

	n.resetLimiters()
	n.pushEvent(core.NetworkStatusEvent(core.StatusStopped, "Сеть остановлена"))
	log.Info("🛑 Mesh-сеть остановлена")
	return err
}

func (n *Network) stopHealth() {
	if n.health == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.health.Stop(ctx)
	n.health = nil
}

func (n *Network) newHealthServer() *health.Server {
	addr := n.opts.Health.Addr(n.cfg.BasePort)
	var reg *prometheus.Registry
	if n.opts.Health.EnableMetrics {
		reg = n.metrics.registry
	}
	return health.NewServer(addr, n.healthStatus, reg)
}

func (n *Network) healthStatus() health.Status {
	st := n.Status()
	hs := health.Status{
		Running:       st.Running,
		Port:          st.Port,
		HealthPort:    st.HealthPort,
		Peers:         st.Peers,
		ActivePeers:   st.ActivePeers,
		Buffered:      st.Buffered,
		KnownMessages: st.KnownMessages,
		DHTPeers:      st.DHTPeers,
	}
	if n.opts.StatusHook != nil {
		n.opts.StatusHook(&hs)
	}
	return hs
}

// goLocked запускает фоновую задачу. Вызывающий держит n.mu.
func (n *Network) goLocked(f func(ctx context.Context)) {
	ctx := n.ctx
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f(ctx)
	}()
}

// spawn запускает задачу, если сеть работает
func (n *Network) spawn(f func(ctx context.Context)) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.running {
		return false
	}
	n.goLocked(f)
	return true
}

// Running сообщает, запущена ли сеть
func (n *Network) Running() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Status возвращает снимок состояния
func (n *Network) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	total, active := n.peers.counts()
	st := Status{
		Running:       n.running,
		Port:          n.port,
		Peers:         total,
		ActivePeers:   active,
		Buffered:      n.buffer.len(),
		KnownMessages: n.known.Len(),
		LocalAddress:  n.localAddr,
	}
	if n.health != nil {
		st.HealthPort = n.health.Port()
	}
	if n.running {
		st.DHTPeers = n.discovery.dhtPeers()
		st.Libp2pPeers = len(n.stream.ConnectedPeers())
		st.PeerID = n.host.ID().String()
		for _, a := range n.host.Addrs() {
			st.ListenAddrs = append(st.ListenAddrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
		}
	}
	return st
}

// Messages - входящие chat-сообщения
func (n *Network) Messages() <-chan Message {
	return n.msgCh
}

// Events - менеджер событий сети
func (n *Network) Events() *core.EventManager {
	return n.events
}

// Registry - реестр метрик Prometheus
func (n *Network) Registry() *prometheus.Registry {
	return n.metrics.registry
}

// Peers возвращает состояние всех пиров
func (n *Network) Peers() []PeerState {
	return n.peers.snapshot()
}

// BufferedMessages возвращает копию буфера повторной отправки
func (n *Network) BufferedMessages() []BufferedMessage {
	return n.buffer.snapshot()
}

// AddPeer добавляет пира. Принимает host:port, peer ID или multiaddr с /p2p/.
func (n *Network) AddPeer(addr string) error {
	return n.addPeer(addr, SourceManual)
}

func (n *Network) addPeer(addr, source string) error {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "/") {
		id, err := n.rememberMultiaddr(addr)
		if err != nil {
			return err
		}
		raw := addr
		n.spawn(func(ctx context.Context) { n.dialStream(ctx, raw) })
		addr = id
	}
	if !n.handles(addr) {
		return fmt.Errorf("%w: %q", ErrNoTransport, addr)
	}
	if n.isSelf(addr) {
		return nil
	}
	if n.peers.add(addr, source, time.Now()) {
		log.Info("➕ Пир добавлен: %s (%s)", addr, source)
		n.pushEvent(core.PeerConnectedEvent(addr))
	}
	return nil
}

// RemovePeer удаляет пира и его записи из буфера
func (n *Network) RemovePeer(addr string) error {
	if !n.peers.remove(addr) {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, addr)
	}
	n.buffer.dropPeer(addr)
	n.pushEvent(core.PeerDisconnectedEvent(addr))
	return nil
}

// dialStream заранее устанавливает libp2p-соединение с пиром, заданным multiaddr
func (n *Network) dialStream(ctx context.Context, maddr string) {
	n.mu.RLock()
	st := n.stream
	n.mu.RUnlock()
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()
	if _, err := st.ConnectDirectly(ctx, maddr); err != nil {
		log.Debug("Предварительное подключение не удалось: %v", err)
	}
}

// rememberMultiaddr кладет адреса пира в peerstore и возвращает его ID
func (n *Network) rememberMultiaddr(s string) (string, error) {
	pi, err := peer.AddrInfoFromString(s)
	if err != nil {
		return "", fmt.Errorf("не удалось распарсить multiaddr %q: %w", s, err)
	}
	n.mu.RLock()
	h := n.host
	n.mu.RUnlock()
	if h == nil {
		return "", ErrNotRunning
	}
	h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	return pi.ID.String(), nil
}

func (n *Network) handles(addr string) bool {
	if _, err := peer.Decode(addr); err == nil {
		return true
	}
	return (&transport.TCPTransport{}).Handles(addr)
}

func (n *Network) isSelf(addr string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if addr == n.localAddr && addr != "" {
		return true
	}
	return n.host != nil && addr == n.host.ID().String()
}

// transportFor выбирает транспорт, обслуживающий адрес
func (n *Network) transportFor(addr string) (interfaces.Transport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.running {
		return nil, ErrNotRunning
	}
	for _, t := range n.transports {
		if t.Handles(addr) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoTransport, addr)
}

// sendTo отправляет нагрузку пиру подходящим транспортом
func (n *Network) sendTo(ctx context.Context, addr string, payload []byte) error {
	t, err := n.transportFor(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()

	if err := t.Send(ctx, addr, payload); err != nil {
		n.metrics.failures.WithLabelValues(t.Name()).Inc()
		return err
	}
	n.metrics.sent.WithLabelValues(t.Name()).Inc()
	return nil
}

func (n *Network) pushEvent(ev core.Event) {
	if err := n.events.PushEvent(ev); err != nil && !errors.Is(err, core.ErrEventManagerStopped) {
		log.Debug("Событие %s отброшено: %v", ev.Type, err)
	}
}

// onPeerFound подключается к найденному пиру и добавляет его в таблицу
func (n *Network) onPeerFound(pi peer.AddrInfo, source string) {
	n.spawn(func(ctx context.Context) {
		if pi.ID == n.host.ID() {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			log.Debug("Не удалось подключиться к %s (%s): %v", pi.ID.ShortString(), source, err)
			return
		}
		_ = n.addPeer(pi.ID.String(), source)
	})
}

// onConnected отмечает известного пира живым. Незнакомые соединения (bootstrap, DHT) игнорируются.
func (n *Network) onConnected(_ network.Network, c network.Conn) {
	addr := c.RemotePeer().String()
	if n.peers.touch(addr, time.Now()) {
		n.pushEvent(core.PeerConnectedEvent(addr))
	}
}

func (n *Network) onDisconnected(nw network.Network, c network.Conn) {
	id := c.RemotePeer()
	if nw.Connectedness(id) == network.Connected {
		return
	}
	if n.peers.has(id.String()) {
		n.pushEvent(core.PeerDisconnectedEvent(id.String()))
	}
}

// loadPeers добавляет статических пиров и пиров из кэша
func (n *Network) loadPeers() {
	for _, addr := range n.cfg.StaticPeers {
		if err := n.addPeerLocked(addr, SourceStatic); err != nil {
			log.Warn("⚠️ Статический пир '%s' пропущен: %v", addr, err)
		}
	}
	if n.opts.Persistence == nil {
		return
	}
	entries, err := n.opts.Persistence.LoadPeerCache()
	if err != nil {
		log.Warn("⚠️ Не удалось загрузить кэш пиров: %v", err)
		return
	}
	for _, e := range entries {
		_ = n.addPeerLocked(e.Address, SourceCache)
	}
	if len(entries) > 0 {
		log.Info("📂 Из кэша загружено пиров: %d", len(entries))
	}
}

// addPeerLocked - addPeer для вызова под n.mu (без чтения host через мьютекс)
func (n *Network) addPeerLocked(addr, source string) error {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "/") {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return fmt.Errorf("не удалось распарсить multiaddr %q: %w", addr, err)
		}
		n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
		raw := addr
		n.goLocked(func(ctx context.Context) { n.dialStream(ctx, raw) })
		addr = pi.ID.String()
	}
	if !n.handles(addr) {
		return fmt.Errorf("%w: %q", ErrNoTransport, addr)
	}
	if addr == n.localAddr || addr == n.host.ID().String() {
		return nil
	}
	if n.peers.add(addr, source, time.Now()) {
		n.pushEvent(core.PeerConnectedEvent(addr))
	}
	return nil
}

func (n *Network) savePeers() {
	if n.opts.Persistence == nil || n.opts.Persistence.Ephemeral() {
		return
	}
	snap := n.peers.snapshot()
	entries := make([]core.PeerCacheEntry, 0, len(snap))
	for _, p := range snap {
		if p.Source == SourceStatic {
			continue
		}
		entries = append(entries, core.PeerCacheEntry{
			Address:  p.Address,
			Source:   p.Source,
			LastSeen: p.LastSeen,
			Active:   p.Active,
		})
	}
	if err := n.opts.Persistence.SavePeerCache(entries); err != nil {
		log.Warn("⚠️ Не удалось сохранить кэш пиров: %v", err)
	}
}

func (n *Network) limiter(addr string) *rate.Limiter {
	n.limMu.Lock()
	defer n.limMu.Unlock()
	l, ok := n.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(n.cfg.InboundRate), n.cfg.InboundBurst)
		n.limiters[addr] = l
	}
	return l
}

// pruneLimiters удаляет ограничители пиров, которых нет в таблице
func (n *Network) pruneLimiters() {
	n.limMu.Lock()
	defer n.limMu.Unlock()
	for addr := range n.limiters {
		if !n.peers.has(addr) {
			delete(n.limiters, addr)
		}
	}
}

func (n *Network) resetLimiters() {
	n.limMu.Lock()
	n.limiters = make(map[string]*rate.Limiter)
	n.limMu.Unlock()
}
