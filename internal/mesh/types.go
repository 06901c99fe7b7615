package mesh

import (
	"errors"
	"time"
)

var (
	// ErrNotRunning - сеть не запущена
	ErrNotRunning = errors.New("mesh: сеть не запущена")
	// ErrAlreadyRunning - сеть уже запущена
	ErrAlreadyRunning = errors.New("mesh: сеть уже запущена")
	// ErrNoTransport - ни один транспорт не обслуживает адрес
	ErrNoTransport = errors.New("mesh: нет транспорта для адреса")
	// ErrUnknownPeer - пира нет в таблице
	ErrUnknownPeer = errors.New("mesh: неизвестный пир")
	// ErrMessageTooLarge - закодированное сообщение не помещается в кадр
	ErrMessageTooLarge = errors.New("mesh: сообщение слишком большое")
)

// Источники пиров
const (
	SourceStatic   = "static"
	SourceManual   = "manual"
	SourceInbound  = "inbound"
	SourceDHT      = "dht"
	SourceMDNS     = "mdns"
	SourcePresence = "presence"
	SourceCache    = "cache"
)

// PeerState - состояние пира в таблице
type PeerState struct {
	Address        string
	LastSeen       time.Time
	FailedAttempts int
	Active         bool
	Source         string
}

// BufferedMessage - нагрузка, ожидающая повторной отправки пиру
type BufferedMessage struct {
	Peer        string
	Payload     []byte
	Attempts    int
	Timestamp   time.Time
	NextAttempt time.Time
}

// Message - входящее chat-сообщение для потребителя
type Message struct {
	ID        string
	Sender    string // отпечаток ключа подписи
	Body      string
	Timestamp time.Time
	Via       string // пир, от которого пришел кадр
}

// BroadcastResult - итог рассылки
type BroadcastResult struct {
	ID        string
	Delivered int
	Buffered  int
}

// Status - снимок состояния сети
type Status struct {
	Running       bool
	Port          int
	HealthPort    int
	Peers         int
	ActivePeers   int
	Buffered      int
	KnownMessages int
	DHTPeers      int
	Libp2pPeers   int
	PeerID        string
	ListenAddrs   []string
	LocalAddress  string
}
