package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// queueStoreInMemory — in-memory реализация слота персистентности очереди.
// Список сериализуется в JSON целиком, как и в долговременных реализациях,
// чтобы тесты проходили через тот же формат хранения.
type queueStoreInMemory struct {
	mu   sync.RWMutex
	blob []byte
}

// NewQueueStore создаёт in-memory слот очереди.
func NewQueueStore() *queueStoreInMemory {
	return &queueStoreInMemory{}
}

// Load читает сохранённый список; пустой слот возвращает nil без ошибки.
func (s *queueStoreInMemory) Load(_ context.Context) ([]domain.QueuedMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.blob) == 0 {
		return nil, nil
	}
	var mutations []domain.QueuedMutation
	if err := json.Unmarshal(s.blob, &mutations); err != nil {
		return nil, fmt.Errorf("decode queue slot: %w", err)
	}
	return mutations, nil
}

// Save перезаписывает слот целиком.
func (s *queueStoreInMemory) Save(_ context.Context, mutations []domain.QueuedMutation) error {
	blob, err := json.Marshal(mutations)
	if err != nil {
		return fmt.Errorf("encode queue slot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = blob
	return nil
}

var _ domain.QueueStore = (*queueStoreInMemory)(nil)
