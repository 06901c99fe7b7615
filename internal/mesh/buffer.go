package mesh

import (
	"sync"
	"time"
)

// messageBuffer хранит нагрузки для повторной отправки.
// При переполнении вытесняется самая старая запись.
type messageBuffer struct {
	mu          sync.Mutex
	items       []*BufferedMessage
	max         int
	maxAttempts int
}

func newMessageBuffer(max, maxAttempts int) *messageBuffer {
	return &messageBuffer{max: max, maxAttempts: maxAttempts}
}

// add буферизует нагрузку для пира. Возвращает true, если пришлось вытеснить запись.
func (b *messageBuffer) add(peer string, payload []byte, now time.Time) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max > 0 && len(b.items) >= b.max {
		b.items[0] = nil
		b.items = b.items[1:]
		evicted = true
	}
	b.items = append(b.items, &BufferedMessage{
		Peer:        peer,
		Payload:     payload,
		Timestamp:   now,
		NextAttempt: now,
	})
	return evicted
}

// due возвращает записи, которые пора отправить
func (b *messageBuffer) due(now time.Time) []*BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*BufferedMessage
	for _, m := range b.items {
		if m.Attempts < b.maxAttempts && !m.NextAttempt.After(now) {
			out = append(out, m)
		}
	}
	return out
}

// delivered удаляет запись после успешной отправки
func (b *messageBuffer) delivered(m *BufferedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, item := range b.items {
		if item == m {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

// failed увеличивает счетчик попыток и откладывает запись на 2^attempts секунд
func (b *messageBuffer) failed(m *BufferedMessage, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.Attempts++
	m.NextAttempt = now.Add(backoff(m.Attempts))
}

// expire удаляет исчерпанные записи старше expiry. Возвращает число удаленных.
func (b *messageBuffer) expire(now time.Time, expiry time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.items[:0]
	removed := 0
	for _, m := range b.items {
		if m.Attempts >= b.maxAttempts && now.Sub(m.Timestamp) > expiry {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = kept
	return removed
}

// dropPeer удаляет все записи пира
func (b *messageBuffer) dropPeer(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.items[:0]
	for _, m := range b.items {
		if m.Peer != peer {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = kept
}

func (b *messageBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *messageBuffer) snapshot() []BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BufferedMessage, 0, len(b.items))
	for _, m := range b.items {
		out = append(out, *m)
	}
	return out
}

func backoff(attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}
