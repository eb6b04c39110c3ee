package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NYCU-ST-113/payment/internal/repository"
)

// MemoryStore реализует TransactionStore используя in-memory map
// Используется для разработки и тестирования
// В production заменяется на PostgreSQL реализацию
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]repository.Transaction
	byKey map[string]string // idempotency key -> transaction id
}

// NewMemoryStore создаёт новый in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]repository.Transaction),
		byKey: make(map[string]string),
	}
}

// Create сохраняет новую транзакцию
// Защищён мьютексом, проверка id и idempotency key атомарна
func (s *MemoryStore) Create(ctx context.Context, tx repository.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[tx.ID]; exists {
		return repository.ErrDuplicateID
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.byKey[tx.IdempotencyKey]; exists {
			return repository.ErrDuplicateKey
		}
	}

	s.byID[tx.ID] = tx
	if tx.IdempotencyKey != "" {
		s.byKey[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

// Get получает транзакцию по id
func (s *MemoryStore) Get(ctx context.Context, id string) (repository.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.byID[id]
	if !exists {
		return repository.Transaction{}, repository.ErrNotFound
	}
	return tx, nil
}

// GetByIdempotencyKey получает транзакцию по idempotency key
func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (repository.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byKey[key]
	if !exists {
		return repository.Transaction{}, repository.ErrNotFound
	}
	return s.byID[id], nil
}

// UpdateStatus выполняет compare-and-swap обновление статуса.
// Проверка expected и запись выполняются под одним мьютексом,
// что даёт ту же семантику, что условный UPDATE в PostgreSQL.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, expected repository.Status, upd repository.StatusUpdate) (repository.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.byID[id]
	if !exists {
		return repository.Transaction{}, repository.ErrNotFound
	}
	if tx.Status != expected {
		return repository.Transaction{}, repository.ErrStatusConflict
	}

	tx.Status = upd.Status
	if upd.GatewayReference != nil {
		tx.GatewayReference = *upd.GatewayReference
	}
	if upd.FailureReason != nil {
		tx.FailureReason = *upd.FailureReason
	}
	if upd.IncrementAttempts {
		tx.AttemptCount++
	}
	tx.UpdatedAt = time.Now().Unix()

	s.byID[id] = tx
	return tx, nil
}

// List возвращает все транзакции, отсортированные по времени создания
func (s *MemoryStore) List(ctx context.Context) ([]repository.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]repository.Transaction, 0, len(s.byID))
	for _, tx := range s.byID {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// ListStale возвращает транзакции в указанных статусах, не обновлявшиеся с updatedBefore
func (s *MemoryStore) ListStale(ctx context.Context, statuses []repository.Status, updatedBefore time.Time, limit int) ([]repository.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[repository.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	out := make([]repository.Transaction, 0)
	for _, tx := range s.byID {
		if wanted[tx.Status] && tx.UpdatedAt < updatedBefore.Unix() {
			out = append(out, tx)
		}
	}
	// Стабильный порядок: сначала самые старые
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt < out[j].UpdatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
