package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"TorMesh/internal/security"
	"TorMesh/pkg/interfaces"
)

// DefaultConnectTimeout - таймаут на соединение и рукопожатие
const DefaultConnectTimeout = 10 * time.Second

// ErrDirectDisabled - прямые соединения мимо Tor запрещены конфигурацией
var ErrDirectDisabled = errors.New("transport: прямые соединения отключены")

// UnverifiedPrefix помечает отправителя входящего канала с неподтвержденным адресом
const UnverifiedPrefix = "unverified:"

// DialFunc устанавливает исходящее соединение
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// OnionAwareDial направляет .onion адреса через onion, остальные напрямую, если allowDirect
func OnionAwareDial(onion DialFunc, allowDirect bool) DialFunc {
	direct := &net.Dialer{}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(strings.ToLower(host), ".onion") {
			if onion == nil {
				return nil, fmt.Errorf("нет маршрута к %s: Tor не запущен", address)
			}
			return onion(ctx, network, address)
		}
		if !allowDirect {
			return nil, ErrDirectDisabled
		}
		return direct.DialContext(ctx, network, address)
	}
}

// TCPConfig параметры TCPTransport
type TCPConfig struct {
	Crypto *security.CryptoManager
	Dial   DialFunc
	// LocalAddress объявляется пирам в приветствии канала
	LocalAddress   string
	ConnectTimeout time.Duration
	Handler        interfaces.InboundHandler
}

// TCPTransport доставляет кадры через TCP внутри защищенного канала.
// На каждый адрес держится один канал.
type TCPTransport struct {
	cfg TCPConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	channels  map[string]*security.Channel
	live      map[*security.Channel]struct{}
	listeners []net.Listener
	closed    bool
}

var _ interfaces.Transport = (*TCPTransport)(nil)

// NewTCPTransport создает транспорт
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = OnionAwareDial(nil, true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*security.Channel),
		live:     make(map[*security.Channel]struct{}),
	}
}

// Name возвращает имя транспорта
func (t *TCPTransport) Name() string { return "tcp" }

// Handles сообщает, является ли адрес парой host:port
func (t *TCPTransport) Handles(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}

// SetLocalAddress меняет адрес, объявляемый в новых каналах
func (t *TCPTransport) SetLocalAddress(addr string) {
	t.mu.Lock()
	t.cfg.LocalAddress = addr
	t.mu.Unlock()
}

// Send отправляет нагрузку, при необходимости устанавливая канал.
// Запись ограничена дедлайном ctx, без него ConnectTimeout.
// При ошибке канал закрывается, следующая отправка установит новый.
func (t *TCPTransport) Send(ctx context.Context, addr string, payload []byte) error {
	ch, err := t.channel(ctx, addr)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.ConnectTimeout)
	}
	if err := ch.SendDeadline(payload, deadline); err != nil {
		t.dropChannel(addr, ch)
		return fmt.Errorf("не удалось отправить на %s: %w", addr, err)
	}
	return nil
}

func (t *TCPTransport) channel(ctx context.Context, addr string) (*security.Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if ch, ok := t.channels[addr]; ok {
		t.mu.Unlock()
		return ch, nil
	}
	localAddr := t.cfg.LocalAddress
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.cfg.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(t.cfg.ConnectTimeout))
	ch, err := security.NewChannel(conn, security.ChannelConfig{
		Initiator:    true,
		Crypto:       t.cfg.Crypto,
		LocalAddress: localAddr,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("не удалось установить канал с %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ch.Close()
		return nil, ErrTransportClosed
	}
	if existing, ok := t.channels[addr]; ok {
		// параллельная отправка успела раньше
		t.mu.Unlock()
		ch.Close()
		return existing, nil
	}
	t.channels[addr] = ch
	t.live[ch] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	log.Debug("🔐 Канал с %s установлен (%s)", addr, ch.RemoteFingerprint()[:16])
	go t.readLoop(addr, ch)
	return ch, nil
}

func (t *TCPTransport) dropChannel(addr string, ch *security.Channel) {
	t.mu.Lock()
	if cur, ok := t.channels[addr]; ok && cur == ch {
		delete(t.channels, addr)
	}
	delete(t.live, ch)
	t.mu.Unlock()
	ch.Close()
}

// readLoop читает кадры канала до ошибки. Вызывающий делает wg.Add(1) под mu.
func (t *TCPTransport) readLoop(addr string, ch *security.Channel) {
	defer t.wg.Done()
	defer t.dropChannel(addr, ch)

	for {
		payload, err := ch.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				log.Debug("Канал с %s закрыт: %v", addr, err)
			}
			return
		}
		if t.cfg.Handler != nil {
			t.cfg.Handler(addr, payload)
		}
	}
}

// Listen принимает входящие каналы на адресе. Возвращает фактический адрес.
func (t *TCPTransport) Listen(ctx context.Context, addr string) (net.Addr, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("не удалось слушать %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ln.Close()
		return nil, ErrTransportClosed
	}
	t.listeners = append(t.listeners, ln)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.accept(conn)
			}()
		}
	}()

	log.Info("👂 Прием защищенных каналов на %s", ln.Addr())
	return ln.Addr(), nil
}

// accept принимает входящий канал. Для отправки он не используется:
// исходящие кадры всегда идут по каналу, который мы установили сами.
func (t *TCPTransport) accept(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(t.cfg.ConnectTimeout))

	t.mu.Lock()
	localAddr := t.cfg.LocalAddress
	t.mu.Unlock()

	ch, err := security.NewChannel(conn, security.ChannelConfig{
		Crypto:       t.cfg.Crypto,
		LocalAddress: localAddr,
	})
	if err != nil {
		log.Warn("⚠️ Входящий канал от %s отклонен: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ch.Close()
		return
	}
	t.live[ch] = struct{}{}
	t.mu.Unlock()

	addr := t.verifyClaim(ch, localAddr)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.dropChannel("", ch)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	t.readLoop(addr, ch)
}

// verifyClaim проверяет объявленный пиром адрес обратным соединением:
// адрес засчитывается, только если по нему отвечает тот же ключ.
// Иначе кадры приписываются отпечатку, по которому отправить нельзя.
func (t *TCPTransport) verifyClaim(ch *security.Channel, localAddr string) string {
	fp := ch.RemoteFingerprint()
	unverified := UnverifiedPrefix + fp

	claimed := ch.RemoteAddress()
	if !t.Handles(claimed) || claimed == localAddr {
		return unverified
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
	defer cancel()
	out, err := t.channel(ctx, claimed)
	if err != nil {
		log.Debug("Адрес %s не подтвержден: %v", claimed, err)
		return unverified
	}
	if out.RemoteFingerprint() != fp {
		log.Warn("⚠️ Пир %s объявил чужой адрес %s", fp[:16], claimed)
		return unverified
	}
	return claimed
}

// Close закрывает листенеры и каналы
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	live := t.live
	t.channels = make(map[string]*security.Channel)
	t.live = make(map[*security.Channel]struct{})
	t.mu.Unlock()

	t.cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	for ch := range live {
		ch.Close()
	}
	t.wg.Wait()
	return nil
}
