package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// queueSlotKey — единственный ключ слота очереди мутаций.
const queueSlotKey = "offline_queue"

type queueStore struct {
	db *sql.DB
}

// NewQueueStore создаёт PostgreSQL-реализацию слота очереди. Список хранится
// одной JSONB-записью и перезаписывается целиком на каждое изменение.
func NewQueueStore(store *Store) domain.QueueStore {
	return &queueStore{db: store.DB()}
}

func (s *queueStore) Load(ctx context.Context) ([]domain.QueuedMutation, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowContext(opCtx, `
		SELECT payload FROM client_slots WHERE slot_key = $1
	`, queueSlotKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue slot: %w", err)
	}

	var mutations []domain.QueuedMutation
	if err := json.Unmarshal(payload, &mutations); err != nil {
		return nil, fmt.Errorf("decode queue slot: %w", err)
	}
	return mutations, nil
}

func (s *queueStore) Save(ctx context.Context, mutations []domain.QueuedMutation) error {
	if mutations == nil {
		mutations = []domain.QueuedMutation{}
	}
	payload, err := json.Marshal(mutations)
	if err != nil {
		return fmt.Errorf("encode queue slot: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.db.ExecContext(opCtx, `
		INSERT INTO client_slots (slot_key, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot_key) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, queueSlotKey, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save queue slot: %w", err)
	}
	return nil
}

var _ domain.QueueStore = (*queueStore)(nil)
