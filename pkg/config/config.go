package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultBasePort - порт health-сервера; DHT занимает следующие порты
	DefaultBasePort = 12345
	// DefaultMaxRetryPorts - сколько портов после базового пробуем под DHT
	DefaultMaxRetryPorts = 5
	// DefaultOnionListenPort - локальный порт, куда Tor пробрасывает hidden service
	DefaultOnionListenPort = 12360
)

// Config содержит конфигурацию приложения
type Config struct {
	Network  NetworkConfig
	Tor      TorConfig
	Security SecurityConfig
	Health   HealthConfig
	Storage  StorageConfig
	Logging  LoggingConfig
	UI       UIConfig
}

// NetworkConfig настройки mesh-сети
type NetworkConfig struct {
	// BasePort - порт health-сервера. DHT слушает BasePort+1 .. BasePort+MaxRetryPorts.
	BasePort      int
	MaxRetryPorts int
	ListenHost    string

	EnableMDNS         bool
	EnableDHT          bool
	EnableQUIC         bool
	EnableHolePunching bool
	EnableNATPortMap   bool
	EnableRelay        bool
	EnablePresence     bool

	// RendezvousString - "общая комната" в DHT для знакомства узлов
	RendezvousString     string
	CustomBootstrapNodes []string
	// StaticPeers - адреса, добавляемые в таблицу пиров при старте (peer ID или host:port)
	StaticPeers []string

	// OnionListenPort - порт TCP-листенера для входящих соединений через Tor
	OnionListenPort int
	// AllowDirect разрешает TCP-соединения к не-.onion адресам мимо Tor
	AllowDirect bool

	RetryInterval       time.Duration
	PeerTimeout         time.Duration
	MaintenanceInterval time.Duration
	HeartbeatInterval   time.Duration
	AnnounceInterval    time.Duration
	ConnectTimeout      time.Duration

	FailureThreshold  int
	MaxSendAttempts   int
	BufferExpiry      time.Duration
	MaxBuffered       int
	KnownMessagesSize int
	RelayTTL          int
	InboundRate       float64
	InboundBurst      int
}

// TorConfig настройки Tor
type TorConfig struct {
	Enable            bool
	BaseDir           string
	BinaryPath        string
	SocksPort         int
	ControlPort       int
	HiddenServicePort int
	StartAttempts     int
	StartRetryDelay   time.Duration
	BootstrapTimeout  time.Duration
	StopTimeout       time.Duration
}

// SecurityConfig настройки безопасности
type SecurityConfig struct {
	// SignatureScheme - имя схемы подписи hpqc ("Sphincs+", "Ed25519 Sphincs+", "Ed25519")
	SignatureScheme string
	// RequireSignatures отбрасывает неподписанные chat-сообщения
	RequireSignatures bool
	// EphemeralIdentity не сохраняет ключи на диск
	EphemeralIdentity bool
	DataDir           string
}

// HealthConfig настройки HTTP health-сервера
type HealthConfig struct {
	Enable        bool
	ListenHost    string
	EnableMetrics bool
}

// StorageConfig настройки истории сообщений
type StorageConfig struct {
	Enable       bool
	DatabasePath string
	HistoryLimit int
}

// LoggingConfig настройки логирования
type LoggingConfig struct {
	Level  string
	Output string
	Dir    string
}

// UIConfig настройки интерфейса
type UIConfig struct {
	EnableTUI       bool
	RefreshInterval time.Duration
	MaxLines        int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			BasePort:      DefaultBasePort,
			MaxRetryPorts: DefaultMaxRetryPorts,
			ListenHost:    "0.0.0.0",

			EnableMDNS:         true,
			EnableDHT:          true,
			EnableQUIC:         true,
			EnableHolePunching: true,
			EnableNATPortMap:   false,
			EnableRelay:        true,
			EnablePresence:     true,

			RendezvousString: "tormesh-rendezvous-v1",
			OnionListenPort:  DefaultOnionListenPort,
			AllowDirect:      true,

			RetryInterval:       30 * time.Second,
			PeerTimeout:         300 * time.Second,
			MaintenanceInterval: 60 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			AnnounceInterval:    60 * time.Second,
			ConnectTimeout:      10 * time.Second,

			FailureThreshold:  3,
			MaxSendAttempts:   5,
			BufferExpiry:      time.Hour,
			MaxBuffered:       1000,
			KnownMessagesSize: 10000,
			RelayTTL:          4,
			InboundRate:       20,
			InboundBurst:      40,
		},
		Tor: TorConfig{
			Enable:            true,
			BaseDir:           defaultDir(".tormesh"),
			SocksPort:         9052,
			ControlPort:       9053,
			HiddenServicePort: DefaultBasePort,
			StartAttempts:     3,
			StartRetryDelay:   2 * time.Second,
			BootstrapTimeout:  30 * time.Second,
			StopTimeout:       5 * time.Second,
		},
		Security: SecurityConfig{
			SignatureScheme:   "Sphincs+",
			RequireSignatures: true,
			DataDir:           defaultDir(filepath.Join(".config", "tormesh")),
		},
		Health: HealthConfig{
			Enable:        true,
			ListenHost:    "0.0.0.0",
			EnableMetrics: true,
		},
		Storage: StorageConfig{
			Enable:       true,
			HistoryLimit: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
		UI: UIConfig{
			EnableTUI:       true,
			RefreshInterval: time.Second,
			MaxLines:        1000,
		},
	}
}

// LoadConfig загружает конфигурацию из TOML-файла поверх значений по умолчанию.
// Пустой путь означает конфигурацию по умолчанию.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.FixupAndValidate()
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию: %w", err)
	}
	return Load(b)
}

// Load разбирает TOML поверх значений по умолчанию
func Load(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config: неизвестные ключи: %s", strings.Join(keys, ", "))
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FixupAndValidate применяет значения по умолчанию к пустым полям и проверяет конфигурацию
func (c *Config) FixupAndValidate() error {
	def := DefaultConfig()
	n := &c.Network

	if n.MaxRetryPorts <= 0 {
		n.MaxRetryPorts = def.Network.MaxRetryPorts
	}
	if n.ListenHost == "" {
		n.ListenHost = def.Network.ListenHost
	}
	if n.RendezvousString == "" {
		n.RendezvousString = def.Network.RendezvousString
	}
	fixDuration(&n.RetryInterval, def.Network.RetryInterval)
	fixDuration(&n.PeerTimeout, def.Network.PeerTimeout)
	fixDuration(&n.MaintenanceInterval, def.Network.MaintenanceInterval)
	fixDuration(&n.HeartbeatInterval, def.Network.HeartbeatInterval)
	fixDuration(&n.AnnounceInterval, def.Network.AnnounceInterval)
	fixDuration(&n.ConnectTimeout, def.Network.ConnectTimeout)
	fixDuration(&n.BufferExpiry, def.Network.BufferExpiry)
	fixInt(&n.FailureThreshold, def.Network.FailureThreshold)
	fixInt(&n.MaxSendAttempts, def.Network.MaxSendAttempts)
	fixInt(&n.MaxBuffered, def.Network.MaxBuffered)
	fixInt(&n.KnownMessagesSize, def.Network.KnownMessagesSize)
	fixInt(&n.InboundBurst, def.Network.InboundBurst)
	if n.InboundRate <= 0 {
		n.InboundRate = def.Network.InboundRate
	}

	if n.BasePort < 0 || n.BasePort+n.MaxRetryPorts > 65535 {
		return fmt.Errorf("config: Network.BasePort %d вне допустимого диапазона", n.BasePort)
	}
	if n.OnionListenPort < 0 || n.OnionListenPort > 65535 {
		return fmt.Errorf("config: Network.OnionListenPort %d вне допустимого диапазона", n.OnionListenPort)
	}
	if n.RelayTTL < 0 || n.RelayTTL > 255 {
		return fmt.Errorf("config: Network.RelayTTL должен быть в диапазоне 0..255")
	}

	t := &c.Tor
	if t.BaseDir == "" {
		t.BaseDir = def.Tor.BaseDir
	}
	fixInt(&t.SocksPort, def.Tor.SocksPort)
	fixInt(&t.ControlPort, def.Tor.ControlPort)
	fixInt(&t.HiddenServicePort, def.Tor.HiddenServicePort)
	fixInt(&t.StartAttempts, def.Tor.StartAttempts)
	fixDuration(&t.StartRetryDelay, def.Tor.StartRetryDelay)
	fixDuration(&t.BootstrapTimeout, def.Tor.BootstrapTimeout)
	fixDuration(&t.StopTimeout, def.Tor.StopTimeout)
	if t.SocksPort == t.ControlPort {
		return errors.New("config: Tor.SocksPort и Tor.ControlPort совпадают")
	}

	if c.Security.SignatureScheme == "" {
		c.Security.SignatureScheme = def.Security.SignatureScheme
	}
	if c.Security.DataDir == "" {
		c.Security.DataDir = def.Security.DataDir
	}
	if c.Health.ListenHost == "" {
		c.Health.ListenHost = def.Health.ListenHost
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Security.DataDir, "history.db")
	}
	fixInt(&c.Storage.HistoryLimit, def.Storage.HistoryLimit)
	fixDuration(&c.UI.RefreshInterval, def.UI.RefreshInterval)
	fixInt(&c.UI.MaxLines, def.UI.MaxLines)
	if c.Logging.Dir == "" {
		c.Logging.Dir = filepath.Join(c.Security.DataDir, "logs")
	}
	return nil
}

// Addr возвращает адрес health-сервера: он занимает базовый порт сети
func (h HealthConfig) Addr(basePort int) string {
	return net.JoinHostPort(h.ListenHost, strconv.Itoa(basePort))
}

// PortRange возвращает диапазон портов узла libp2p над базовым портом.
// BasePort 0 означает случайный порт: диапазон 0-0.
func (n NetworkConfig) PortRange() (first, last int) {
	if n.BasePort == 0 {
		return 0, 0
	}
	return n.BasePort + 1, n.BasePort + n.MaxRetryPorts
}

func fixDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func fixInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func defaultDir(rel string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return rel
	}
	return filepath.Join(home, rel)
}
