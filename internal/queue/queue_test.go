package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
)

// stubApplier имитирует удалённую процедуру с программируемыми исходами.
type stubApplier struct {
	mu sync.Mutex
	// errByID задаёт исход для конкретной мутации; отсутствие записи — успех.
	errByID map[string]error
	// err применяется ко всем мутациям, если errByID пуст.
	err      error
	applied  []string
	attempts int
}

func (a *stubApplier) Apply(_ context.Context, m domain.QueuedMutation) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempts++
	if a.errByID != nil {
		if err, ok := a.errByID[m.ID]; ok && err != nil {
			return "", err
		}
	} else if a.err != nil {
		return "", a.err
	}
	a.applied = append(a.applied, m.ID)
	return "entity-" + m.ID, nil
}

func (a *stubApplier) attemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

type stubSessions struct {
	err error
}

func (s *stubSessions) LiveSession(context.Context) error {
	return s.err
}

func payload(table string) domain.CreateOrderPayload {
	return domain.CreateOrderPayload{
		TableID: table,
		Items:   []domain.OrderLine{{ItemRef: "A", Quantity: 2}},
	}
}

func newTestQueue(t *testing.T, applier domain.RemoteApplier, sessions domain.SessionSource, options ...Option) (*Queue, domain.QueueStore) {
	t.Helper()

	store := memory.NewQueueStore()
	q, err := New(store, applier, sessions, options...)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, store
}

func TestQueueEnqueueReturnsIDWithoutNetwork(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{err: errors.New("network down")}
	q, _ := newTestQueue(t, applier, &stubSessions{})

	id, err := q.Enqueue(context.Background(), domain.KindCreateOrder, payload("table-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("enqueue must return a mutation id")
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", got)
	}
	// Enqueue сам по себе не ходит в сеть.
	if got := applier.attemptCount(); got != 0 {
		t.Fatalf("expected no delivery attempts during enqueue, got %d", got)
	}
}

func TestQueueDrainDeliversInOrder(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{}
	q, _ := newTestQueue(t, applier, &stubSessions{})
	ctx := context.Background()

	id1, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))
	id2, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-2"))

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := q.Len(); got != 0 {
		t.Fatalf("expected empty queue after drain, got %d", got)
	}
	if len(applier.applied) != 2 || applier.applied[0] != id1 || applier.applied[1] != id2 {
		t.Fatalf("expected delivery order [%s %s], got %v", id1, id2, applier.applied)
	}
}

func TestQueueDrainStopsWithoutSession(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{}
	q, _ := newTestQueue(t, applier, &stubSessions{err: domain.ErrNoSession})
	ctx := context.Background()

	q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Голова не расходуется, счётчик повторов не растёт.
	if got := q.Len(); got != 1 {
		t.Fatalf("expected head to stay queued, got len %d", got)
	}
	if got := q.Snapshot()[0].RetryCount; got != 0 {
		t.Fatalf("not-ready must not count as a delivery failure, retryCount=%d", got)
	}
	if got := applier.attemptCount(); got != 0 {
		t.Fatalf("expected no remote calls without session, got %d", got)
	}
}

func TestQueueDrainStopsWhenRemoteRejectsSession(t *testing.T) {
	t.Parallel()

	// Токен жив локально, но сервер уже отозвал сессию: Apply возвращает
	// обёрнутый ErrNoSession. Это состояние "не готов", а не ошибка доставки.
	applier := &stubApplier{err: fmt.Errorf("rpc create_order: %w", domain.ErrNoSession)}

	var dropped int
	q, _ := newTestQueue(t, applier, &stubSessions{}, WithDropHandler(func(domain.QueuedMutation, error) {
		dropped++
	}))
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	snapshot := q.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != id {
		t.Fatalf("head must stay queued, got %+v", snapshot)
	}
	if got := snapshot[0].RetryCount; got != 0 {
		t.Fatalf("not-ready must not count as a delivery failure, retryCount=%d", got)
	}

	// Сколько бы проходов ни случилось до re-login, мутация не теряется.
	for i := 0; i < 10; i++ {
		if err := q.Drain(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("mutation must survive not-ready passes, len=%d", got)
	}
	if dropped != 0 {
		t.Fatalf("not-ready passes must never drop the mutation, drops=%d", dropped)
	}
}

func TestQueueFailureMovesHeadToTailAndStopsPass(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{errByID: map[string]error{}}
	q, _ := newTestQueue(t, applier, &stubSessions{})
	ctx := context.Background()

	id1, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))
	id2, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-2"))
	applier.errByID[id1] = domain.ErrRemoteUnavailable

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Один проход: M1 упала и ушла в хвост, M2 не трогали — проход
	// останавливается на первой ошибке.
	snapshot := q.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 mutations after failed pass, got %d", len(snapshot))
	}
	if snapshot[0].ID != id2 || snapshot[1].ID != id1 {
		t.Fatalf("expected order [%s %s], got [%s %s]", id2, id1, snapshot[0].ID, snapshot[1].ID)
	}
	if snapshot[1].RetryCount != 1 {
		t.Fatalf("expected retryCount 1 for failed mutation, got %d", snapshot[1].RetryCount)
	}
	if snapshot[0].RetryCount != 0 {
		t.Fatalf("later mutation must be untouched, retryCount=%d", snapshot[0].RetryCount)
	}
	if got := applier.attemptCount(); got != 1 {
		t.Fatalf("expected exactly 1 attempt in the pass, got %d", got)
	}
}

func TestQueueDropsAfterRetryLimit(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{err: domain.ErrRemoteUnavailable}

	var (
		mu      sync.Mutex
		dropped []domain.QueuedMutation
		reasons []error
	)
	q, _ := newTestQueue(t, applier, &stubSessions{}, WithDropHandler(func(m domain.QueuedMutation, reason error) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, m)
		reasons = append(reasons, reason)
	}))
	ctx := context.Background()

	q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))

	// Каждый проход заканчивается на первой ошибке, потолок равен 5:
	// ровно 5 попыток доставки, затем мутация исчезает из очереди.
	for i := 0; i < 5; i++ {
		if err := q.Drain(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	if got := applier.attemptCount(); got != 5 {
		t.Fatalf("expected exactly 5 delivery attempts, got %d", got)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("expected mutation dropped after limit, len=%d", got)
	}
	if len(q.Snapshot()) != 0 {
		t.Fatal("dropped mutation must disappear from snapshot")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 {
		t.Fatalf("expected 1 drop notification, got %d", len(dropped))
	}
	if dropped[0].RetryCount != 5 {
		t.Fatalf("expected retryCount 5 at drop, got %d", dropped[0].RetryCount)
	}
	if !errors.Is(reasons[0], domain.ErrRetriesExhausted) {
		t.Fatalf("expected exhaustion reason, got %v", reasons[0])
	}
}

func TestQueueTerminalRejectionDroppedImmediately(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{errByID: map[string]error{}}

	var (
		mu      sync.Mutex
		reasons []error
	)
	q, _ := newTestQueue(t, applier, &stubSessions{}, WithDropHandler(func(_ domain.QueuedMutation, reason error) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	}))
	ctx := context.Background()

	id1, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))
	id2, _ := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-2"))
	applier.errByID[id1] = &domain.RejectionError{Code: "P0001", Message: "table already has an active order"}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Бизнес-отказ не сжигает лимит повторов: мутация удаляется сразу,
	// проход продолжается и доставляет следующую.
	if got := q.Len(); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
	if len(applier.applied) != 1 || applier.applied[0] != id2 {
		t.Fatalf("expected only %s delivered, got %v", id2, applier.applied)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || !errors.Is(reasons[0], domain.ErrMutationRejected) {
		t.Fatalf("expected rejection notification, got %v", reasons)
	}
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	store := memory.NewQueueStore()
	applier := &stubApplier{err: domain.ErrRemoteUnavailable}
	ctx := context.Background()

	q1, err := New(store, applier, &stubSessions{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	id, _ := q1.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))
	if err := q1.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// "Перезапуск процесса": новая очередь поверх того же слота хранения.
	q2, err := New(store, applier, &stubSessions{})
	if err != nil {
		t.Fatalf("new queue after restart: %v", err)
	}
	snapshot := q2.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != id {
		t.Fatalf("expected restored mutation %s, got %+v", id, snapshot)
	}
	if snapshot[0].RetryCount != 1 {
		t.Fatalf("retry count must survive restart, got %d", snapshot[0].RetryCount)
	}
}

func TestQueueDrainReentrancyGuard(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	started := make(chan struct{})
	applier := &blockingApplier{block: block, started: started}
	q, _ := newTestQueue(t, applier, &stubSessions{})
	ctx := context.Background()

	q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Drain(ctx)
	}()

	<-started
	// Повторный Drain при активном проходе — no-op и не блокируется.
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("re-entrant drain: %v", err)
	}
	close(block)
	<-done

	if got := applier.count(); got != 1 {
		t.Fatalf("expected a single delivery attempt, got %d", got)
	}
}

func TestQueueEnqueueRollsBackOnPersistFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{saveErr: errors.New("disk full")}
	applier := &stubApplier{}
	q, err := New(store, applier, &stubSessions{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1")); err == nil {
		t.Fatal("expected enqueue error when persistence fails")
	}

	// Ошибка постановки означает, что мутации в очереди нет: позже она не
	// должна всплыть и доставиться.
	if got := q.Len(); got != 0 {
		t.Fatalf("failed enqueue must not leave the mutation in memory, len=%d", got)
	}

	store.saveErr = nil
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := applier.attemptCount(); got != 0 {
		t.Fatalf("rolled-back mutation must never be delivered, attempts=%d", got)
	}
}

func TestQueueRunDeliversOnKick(t *testing.T) {
	t.Parallel()

	applier := &stubApplier{}
	q, _ := newTestQueue(t, applier, &stubSessions{}, WithDrainInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	q.Enqueue(ctx, domain.KindCreateOrder, payload("table-1"))

	deadline := time.After(2 * time.Second)
	for q.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("mutation was not delivered after enqueue kick")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

// failingStore имитирует слот хранения с программируемой ошибкой записи.
type failingStore struct {
	saveErr error
	saved   []domain.QueuedMutation
}

func (s *failingStore) Load(context.Context) ([]domain.QueuedMutation, error) {
	return s.saved, nil
}

func (s *failingStore) Save(_ context.Context, mutations []domain.QueuedMutation) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = mutations
	return nil
}

// blockingApplier держит Apply открытым, пока тест не разрешит продолжить.
type blockingApplier struct {
	mu       sync.Mutex
	attempts int
	block    chan struct{}
	started  chan struct{}
	once     sync.Once
}

func (a *blockingApplier) Apply(context.Context, domain.QueuedMutation) (string, error) {
	a.mu.Lock()
	a.attempts++
	a.mu.Unlock()
	a.once.Do(func() { close(a.started) })
	<-a.block
	return "entity-1", nil
}

func (a *blockingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}
