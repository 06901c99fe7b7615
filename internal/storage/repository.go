package storage

import (
	"context"
	"time"
)

// Направление сообщения в истории
const (
	DirectionIncoming = "in"
	DirectionOutgoing = "out"
)

// IHistoryRepository определяет интерфейс для работы с историей чата
type IHistoryRepository interface {
	// Save сохраняет сообщение. Повторное сохранение того же ID ничего не меняет.
	Save(ctx context.Context, msg *StoredMessage) error

	// GetHistory возвращает последние limit сообщений, старые первыми
	GetHistory(ctx context.Context, limit int) ([]StoredMessage, error)

	// Count возвращает число сообщений в истории
	Count(ctx context.Context) (int, error)

	// ClearHistory удаляет историю с затиранием страниц базы
	ClearHistory(ctx context.Context) error

	// Close закрывает соединение с базой данных
	Close() error
}

// StoredMessage представляет собой сообщение, хранимое в базе данных
type StoredMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"` // отпечаток ключа подписи
	Text      string    `json:"text"`
	Direction string    `json:"direction"`
	Via       string    `json:"via"`
	Timestamp time.Time `json:"timestamp"`
}
