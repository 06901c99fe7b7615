package security

import "sync"

// LockedBuffer - копия чувствительных данных, по возможности закрепленная в RAM
type LockedBuffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	wiped  bool
}

// Bytes возвращает содержимое буфера. После Wipe возвращает nil.
func (b *LockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wiped {
		return nil
	}
	return b.data
}

// Locked сообщает, удалось ли закрепить память
func (b *LockedBuffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Wiped сообщает, был ли буфер очищен
func (b *LockedBuffer) Wiped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wiped
}

func (b *LockedBuffer) wipe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wiped {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	if b.locked {
		if err := munlock(b.data); err != nil {
			log.Debug("munlock: %v", err)
		}
		b.locked = false
	}
	b.wiped = true
}

// SecureMemory отслеживает защищенные буферы и затирает их
type SecureMemory struct {
	mu      sync.Mutex
	buffers map[*LockedBuffer]struct{}
}

// NewSecureMemory создает пустой менеджер защищенной памяти
func NewSecureMemory() *SecureMemory {
	return &SecureMemory{buffers: make(map[*LockedBuffer]struct{})}
}

// Protect копирует данные в новый буфер и пытается закрепить его в RAM.
// Неудача mlock не является ошибкой.
func (sm *SecureMemory) Protect(data []byte) *LockedBuffer {
	b := &LockedBuffer{data: make([]byte, len(data))}
	copy(b.data, data)

	if len(b.data) > 0 {
		if err := mlock(b.data); err != nil {
			log.Debug("mlock не удался, продолжаем без закрепления: %v", err)
		} else {
			b.locked = true
		}
	}

	sm.mu.Lock()
	sm.buffers[b] = struct{}{}
	sm.mu.Unlock()
	return b
}

// Wipe затирает буфер и перестает его отслеживать. Повторный вызов ничего не делает.
func (sm *SecureMemory) Wipe(b *LockedBuffer) {
	if b == nil {
		return
	}
	b.wipe()

	sm.mu.Lock()
	delete(sm.buffers, b)
	sm.mu.Unlock()
}

// WipeAll затирает все отслеживаемые буферы
func (sm *SecureMemory) WipeAll() {
	sm.mu.Lock()
	buffers := sm.buffers
	sm.buffers = make(map[*LockedBuffer]struct{})
	sm.mu.Unlock()

	for b := range buffers {
		b.wipe()
	}
	if len(buffers) > 0 {
		log.Debug("🧹 Затерто буферов: %d", len(buffers))
	}
}

// Len возвращает число отслеживаемых буферов
func (sm *SecureMemory) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.buffers)
}
