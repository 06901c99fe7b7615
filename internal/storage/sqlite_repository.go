package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"TorMesh/internal/core"
)

var log = core.NewLogger("storage")

// SQLiteRepository реализует IHistoryRepository поверх SQLite
type SQLiteRepository struct {
	db *sql.DB
}

var _ IHistoryRepository = (*SQLiteRepository)(nil)

// NewSQLiteRepository открывает (или создает) базу истории.
// secure_delete включен для соединения: удаленные строки затираются нулями.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_secure_delete=on&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// :memory: живет в рамках одного соединения
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, 0600); err != nil {
			log.Warn("⚠️ Не удалось ограничить права на %s: %v", dbPath, err)
		}
	}

	return repo, nil
}

// Close закрывает соединение с базой данных
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initTables создает необходимые таблицы
func (r *SQLiteRepository) initTables() error {
	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		direction TEXT NOT NULL,
		via TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := r.db.Exec(createMessagesTable); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	if _, err := r.db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);"); err != nil {
		log.Warn("⚠️ Не удалось создать индекс: %v", err)
	}

	return nil
}

// Save сохраняет сообщение
func (r *SQLiteRepository) Save(ctx context.Context, msg *StoredMessage) error {
	query := `
	INSERT OR IGNORE INTO messages (id, sender_id, content, direction, via, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.SenderID,
		msg.Text,
		msg.Direction,
		msg.Via,
		msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// GetHistory возвращает последние limit сообщений
func (r *SQLiteRepository) GetHistory(ctx context.Context, limit int) ([]StoredMessage, error) {
	query := `
	SELECT id, sender_id, content, direction, via, timestamp
	FROM messages
	ORDER BY timestamp DESC, rowid DESC
	LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var msg StoredMessage
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Text, &msg.Direction, &msg.Via, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	// Разворачиваем порядок, чтобы старые сообщения были первыми
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Count возвращает количество сообщений
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// ClearHistory удаляет все сообщения и сжимает файл базы
func (r *SQLiteRepository) ClearHistory(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "PRAGMA secure_delete = ON"); err != nil {
		return fmt.Errorf("failed to enable secure_delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	log.Info("🗑️ История сообщений удалена")
	return nil
}

// SecureDeleteEnabled сообщает, включен ли secure_delete для соединения
func (r *SQLiteRepository) SecureDeleteEnabled(ctx context.Context) (bool, error) {
	var v int
	if err := r.db.QueryRowContext(ctx, "PRAGMA secure_delete").Scan(&v); err != nil {
		return false, fmt.Errorf("failed to read secure_delete: %w", err)
	}
	return v == 1, nil
}
