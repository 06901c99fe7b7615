package interfaces

import (
	"context"
)

// InboundHandler получает кадры, пришедшие от пира. from - адрес пира в формате транспорта.
type InboundHandler func(from string, payload []byte)

// Transport определяет интерфейс для транспортного слоя mesh-сети
type Transport interface {
	// Name возвращает короткое имя транспорта для логов и метрик
	Name() string

	// Handles сообщает, умеет ли транспорт доставлять на этот адрес
	Handles(addr string) bool

	// Send доставляет одну полезную нагрузку пиру
	Send(ctx context.Context, addr string, payload []byte) error

	// Close закрывает все соединения транспорта
	Close() error
}
