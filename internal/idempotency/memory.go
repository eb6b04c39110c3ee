package idempotency

import (
	"context"
	"sync"
)

// MemoryRegistry реализует Registry используя in-memory map
// Используется для dev/test окружений и для single-instance запуска.
// При нескольких инстансах сервиса нужен общий storage - Redis реализация.
type MemoryRegistry struct {
	mu   sync.Mutex
	keys map[string]string // idempotency key -> transaction id
}

// NewMemoryRegistry создаёт новый in-memory реестр
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		keys: make(map[string]string),
	}
}

// Reserve атомарно резервирует ключ за candidateTxID
// Проверка и запись выполняются под одним мьютексом - insert-if-absent
func (r *MemoryRegistry) Reserve(ctx context.Context, key, candidateTxID string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[key]; ok {
		return existing, false, nil
	}
	r.keys[key] = candidateTxID
	return candidateTxID, true, nil
}
