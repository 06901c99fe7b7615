package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*SQLiteRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "history.db")
	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func TestSaveAndHistory(t *testing.T) {
	repo, path := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, &StoredMessage{
			ID:        fmt.Sprintf("m%d", i),
			SenderID:  "abc",
			Text:      fmt.Sprintf("text %d", i),
			Direction: DirectionIncoming,
			Via:       "peer.onion:12345",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	history, err := repo.GetHistory(ctx, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m2", history[0].ID, "старые сообщения первыми")
	assert.Equal(t, "m4", history[2].ID)
	assert.Equal(t, "peer.onion:12345", history[2].Via)
	assert.True(t, base.Add(4*time.Second).Equal(history[2].Timestamp))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveDuplicateIgnored(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	msg := &StoredMessage{ID: "same", SenderID: "a", Text: "first", Direction: DirectionOutgoing, Timestamp: time.Now()}
	require.NoError(t, repo.Save(ctx, msg))
	msg.Text = "second"
	require.NoError(t, repo.Save(ctx, msg))

	history, err := repo.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Text)
}

func TestClearHistory(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	enabled, err := repo.SecureDeleteEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, repo.Save(ctx, &StoredMessage{ID: "x", SenderID: "a", Text: "secret", Direction: DirectionOutgoing, Timestamp: time.Now()}))
	require.NoError(t, repo.ClearHistory(ctx))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, &StoredMessage{ID: "keep", SenderID: "a", Text: "t", Direction: DirectionIncoming, Timestamp: time.Now()}))
	require.NoError(t, repo.Close())

	repo, err = NewSQLiteRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	history, err := repo.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "keep", history[0].ID)
}

func TestInMemory(t *testing.T) {
	repo, err := NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Save(context.Background(), &StoredMessage{ID: "m", SenderID: "a", Text: "t", Direction: DirectionIncoming, Timestamp: time.Now()}))
	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
