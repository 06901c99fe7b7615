package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// События сообщений
	EventTypeNewMessage EventType = "NewMessage"

	// События подключения пиров
	EventTypePeerConnected    EventType = "PeerConnected"
	EventTypePeerDisconnected EventType = "PeerDisconnected"

	// События статуса сети
	EventTypeNetworkStatus EventType = "NetworkStatus"
)

// Статусы сети для NetworkStatusEvent
const (
	StatusStartingHealth = "STARTING_HEALTH"
	StatusConnectingDHT  = "CONNECTING_TO_DHT"
	StatusNetworkReady   = "NETWORK_READY"
	StatusStopped        = "STOPPED"
)

var (
	// ErrEventManagerStopped возвращается после Stop
	ErrEventManagerStopped = errors.New("EventManager остановлен")
	// ErrEventQueueFull возвращается когда потребитель не успевает
	ErrEventQueueFull = errors.New("очередь событий переполнена")
)

// Event представляет событие для UI
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"` // Unix timestamp
}

// NewMessagePayload содержит данные о новом сообщении
type NewMessagePayload struct {
	ID       string `json:"id"`
	SenderID string `json:"senderID"` // отпечаток ключа подписи отправителя
	Text     string `json:"text"`
	Via      string `json:"via"` // адрес пира, от которого пришел кадр
}

// PeerEventPayload содержит данные о событии пира
type PeerEventPayload struct {
	Address string `json:"address"`
}

// NetworkStatusPayload содержит статус сети
type NetworkStatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EventManager управляет очередью событий
type EventManager struct {
	eventQueue chan Event
	mu         sync.RWMutex
	running    bool
}

// NewEventManager создает новый менеджер событий
func NewEventManager(queueSize int) *EventManager {
	return &EventManager{
		eventQueue: make(chan Event, queueSize),
		running:    true,
	}
}

// PushEvent добавляет событие в очередь, не блокируясь
func (em *EventManager) PushEvent(event Event) error {
	em.mu.RLock()
	defer em.mu.RUnlock()

	if !em.running {
		return ErrEventManagerStopped
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	select {
	case em.eventQueue <- event:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// NextEvent блокирующе получает следующее событие из очереди
func (em *EventManager) NextEvent(ctx context.Context) (Event, error) {
	select {
	case event, ok := <-em.eventQueue:
		if !ok {
			return Event{}, ErrEventManagerStopped
		}
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Stop останавливает EventManager
func (em *EventManager) Stop() {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.running {
		em.running = false
		close(em.eventQueue)
	}
}

// QueueSize возвращает текущий размер очереди
func (em *EventManager) QueueSize() int {
	return len(em.eventQueue)
}

// Вспомогательные функции для создания событий

// NewMessageEvent создает событие нового сообщения
func NewMessageEvent(id, senderID, text, via string) Event {
	return Event{
		Type: EventTypeNewMessage,
		Payload: NewMessagePayload{
			ID:       id,
			SenderID: senderID,
			Text:     text,
			Via:      via,
		},
		Timestamp: time.Now().Unix(),
	}
}

// PeerConnectedEvent создает событие подключения пира
func PeerConnectedEvent(address string) Event {
	return Event{
		Type:      EventTypePeerConnected,
		Payload:   PeerEventPayload{Address: address},
		Timestamp: time.Now().Unix(),
	}
}

// PeerDisconnectedEvent создает событие отключения пира
func PeerDisconnectedEvent(address string) Event {
	return Event{
		Type:      EventTypePeerDisconnected,
		Payload:   PeerEventPayload{Address: address},
		Timestamp: time.Now().Unix(),
	}
}

// NetworkStatusEvent создает событие статуса сети
func NetworkStatusEvent(status, message string) Event {
	return Event{
		Type: EventTypeNetworkStatus,
		Payload: NetworkStatusPayload{
			Status:  status,
			Message: message,
		},
		Timestamp: time.Now().Unix(),
	}
}
