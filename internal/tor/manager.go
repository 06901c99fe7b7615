package tor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"TorMesh/internal/core"
	"TorMesh/pkg/config"
)

var log = core.NewLogger("tor")

var (
	// ErrAlreadyRunning - Tor уже запущен этим менеджером
	ErrAlreadyRunning = errors.New("tor: уже запущен")
	// ErrNotRunning - Tor не запущен
	ErrNotRunning = errors.New("tor: не запущен")
	// ErrBootstrapTimeout - hidden service не появился за отведенное время
	ErrBootstrapTimeout = errors.New("tor: истекло время ожидания hidden service")
	// ErrForeignDir - директория сессии существует, но создана не tormesh
	ErrForeignDir = errors.New("tor: директория создана не tormesh")
)

const pollInterval = 250 * time.Millisecond

// Manager управляет процессом tor и hidden service узла
type Manager struct {
	cfg        config.TorConfig
	targetPort int

	mu       sync.RWMutex
	cmd      *exec.Cmd
	done     chan struct{}
	onion    string
	running  bool
	prepared bool
}

// NewManager создает менеджер. targetPort - локальный порт, куда проброшен hidden service.
func NewManager(cfg config.TorConfig, targetPort int) *Manager {
	return &Manager{cfg: cfg, targetPort: targetPort}
}

// Start запускает tor и ждет публикации hidden service
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	bin, err := FindBinary(m.cfg.BinaryPath, m.cfg.BaseDir)
	if err != nil {
		return err
	}

	attempts := m.cfg.StartAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		log.Info("🧅 Запуск Tor (попытка %d/%d)", attempt, attempts)

		if lastErr = m.startOnce(ctx, bin); lastErr == nil {
			m.running = true
			log.Info("✅ Tor запущен, onion-адрес: %s", m.onion)
			return nil
		}
		log.Warn("⚠️ Попытка %d запуска Tor не удалась: %v", attempt, lastErr)
		m.killLocked()

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.StartRetryDelay):
		}
	}
	return fmt.Errorf("не удалось запустить Tor после %d попыток: %w", attempts, lastErr)
}

func (m *Manager) startOnce(ctx context.Context, bin string) error {
	torrcPath, err := m.prepareDirs()
	if err != nil {
		return err
	}
	m.prepared = true

	// старый hostname не должен сойти за свежий
	_ = os.Remove(m.hostnamePath())

	stderr := &syncBuffer{}
	cmd := exec.Command(bin, "-f", torrcPath)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("не удалось запустить %s: %w", bin, err)
	}

	done := make(chan struct{})
	m.cmd, m.done = cmd, done
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	return m.waitReady(ctx, done, stderr)
}

// waitReady ждет hostname и открытого SOCKS-порта
func (m *Manager) waitReady(ctx context.Context, done <-chan struct{}, stderr *syncBuffer) error {
	timeout := time.NewTimer(m.cfg.BootstrapTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("процесс tor завершился: %s", strings.TrimSpace(stderr.String()))
		case <-timeout.C:
			return ErrBootstrapTimeout
		case <-ticker.C:
			onion, ok := m.readHostname()
			if !ok || !m.socksReady() {
				continue
			}
			m.onion = onion
			return nil
		}
	}
}

func (m *Manager) readHostname() (string, bool) {
	b, err := os.ReadFile(m.hostnamePath())
	if err != nil {
		return "", false
	}
	host := strings.TrimSpace(string(b))
	return host, host != ""
}

func (m *Manager) socksReady() bool {
	conn, err := net.DialTimeout("tcp", m.SocksAddr(), pollInterval)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (m *Manager) hostnamePath() string {
	return filepath.Join(m.hiddenServiceDir(), "hostname")
}

// killLocked завершает процесс без ожидания SIGTERM
func (m *Manager) killLocked() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	select {
	case <-m.done:
	default:
		_ = m.cmd.Process.Kill()
		<-m.done
	}
	m.cmd = nil
}

// Stop останавливает tor и безвозвратно удаляет файлы сессии. Повторный вызов безопасен.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.mu.Unlock()

	var procErr error
	if cmd != nil && cmd.Process != nil {
		procErr = m.stopProcess(ctx, cmd, done)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cmd = nil
	m.running = false
	m.onion = ""

	if m.prepared {
		m.prepared = false
		run := m.sessionDir()
		if !ownedSession(run) {
			log.Warn("⚠️ %s без метки tormesh, данные Tor не удаляются", run)
		} else if err := secureRemove(run); err != nil {
			log.Warn("⚠️ Не удалось удалить данные Tor: %v", err)
		} else {
			log.Info("🧹 Данные Tor удалены")
		}
	}
	return procErr
}

func (m *Manager) stopProcess(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
	}

	log.Info("🛑 Остановка Tor...")
	if err := terminate(cmd.Process); err != nil {
		log.Debug("не удалось отправить сигнал завершения: %v", err)
	}

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn("⚠️ Tor не завершился за %v, принудительное завершение", m.cfg.StopTimeout)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("не удалось завершить tor: %w", err)
	}
	<-done
	return nil
}

// Running сообщает, запущен ли tor
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running || m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// OnionAddress возвращает адрес hidden service или пустую строку
func (m *Manager) OnionAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onion
}

// SocksAddr возвращает адрес SOCKS-порта tor
func (m *Manager) SocksAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(m.cfg.SocksPort))
}

// DialContext устанавливает соединение через tor
func (m *Manager) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !m.Running() {
		return nil, ErrNotRunning
	}
	dial, err := SOCKS5Dialer(m.SocksAddr(), "tormesh")
	if err != nil {
		return nil, err
	}
	return dial(ctx, network, address)
}

// syncBuffer - bytes.Buffer, безопасный для записи из exec и чтения из Start
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
