package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	defaultRetryLimit    = 5
	defaultDrainInterval = 15 * time.Second
)

var (
	queueDeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_queue_delivery_attempts_total",
		Help: "Total number of mutation delivery attempts grouped by result.",
	}, []string{"result"})
	queueDroppedMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_queue_dropped_mutations_total",
		Help: "Total number of mutations dropped from the queue grouped by reason.",
	}, []string{"reason"})
	queuePendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "possync_queue_pending_mutations",
		Help: "Current number of mutations waiting for delivery.",
	})
	queueOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "possync_queue_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest mutation waiting for delivery.",
	})
)

// DropHandler уведомляет вызывающий код о безвозвратной потере мутации,
// чтобы UI мог сообщить пользователю, что заказ не был доставлен.
type DropHandler func(m domain.QueuedMutation, reason error)

// Options задаёт параметры очереди мутаций.
type Options struct {
	Logger        *log.Entry
	RetryLimit    int
	DrainInterval time.Duration
	DropHandler   DropHandler
}

// Option настраивает Queue.
type Option func(*Options)

// WithLogger задаёт logger для очереди.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithRetryLimit задаёт потолок повторов до удаления мутации.
func WithRetryLimit(limit int) Option {
	return func(opts *Options) {
		opts.RetryLimit = limit
	}
}

// WithDrainInterval задаёт период фонового триггера доставки.
func WithDrainInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.DrainInterval = interval
	}
}

// WithDropHandler задаёт обработчик безвозвратных потерь.
func WithDropHandler(handler DropHandler) Option {
	return func(opts *Options) {
		opts.DropHandler = handler
	}
}

// Queue — офлайн-очередь мутаций: хранит неподтверждённые намерения записи
// и доводит их до удалённого endpoint. Один экземпляр на процесс; создаётся
// явно при старте и передаётся потребителям по ссылке.
type Queue struct {
	store    domain.QueueStore
	applier  domain.RemoteApplier
	sessions domain.SessionSource

	logger        *log.Entry
	retryLimit    int
	drainInterval time.Duration
	dropHandler   DropHandler

	mu   sync.Mutex
	list []domain.QueuedMutation

	// kick будит цикл Run сразу после Enqueue, не дожидаясь тикера.
	kick chan struct{}

	// inFlight сериализует проходы доставки: повторный Drain при активном
	// проходе — no-op.
	inFlight atomic.Bool
}

// New создаёт очередь и восстанавливает сохранённый список из слота хранения.
func New(store domain.QueueStore, applier domain.RemoteApplier, sessions domain.SessionSource, options ...Option) (*Queue, error) {
	opts := Options{
		RetryLimit:    defaultRetryLimit,
		DrainInterval: defaultDrainInterval,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "mutation-queue")
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = defaultRetryLimit
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}

	q := &Queue{
		store:         store,
		applier:       applier,
		sessions:      sessions,
		logger:        logger,
		retryLimit:    opts.RetryLimit,
		drainInterval: opts.DrainInterval,
		dropHandler:   opts.DropHandler,
		kick:          make(chan struct{}, 1),
	}

	restored, err := store.Load(context.Background())
	if err != nil {
		return nil, err
	}
	q.list = restored
	q.refreshBacklogMetrics()

	if len(restored) > 0 {
		logger.WithField("pending", len(restored)).Info("restored mutation queue from storage")
	}

	return q, nil
}

// Enqueue ставит мутацию в хвост очереди, сохраняет список и запускает
// доставку в фоне. Не блокируется на сетевом вводе-выводе; вызывающий код
// никогда не видит ошибок доставки.
func (q *Queue) Enqueue(ctx context.Context, kind domain.MutationKind, payload domain.CreateOrderPayload) (string, error) {
	m := domain.QueuedMutation{
		ID:         ulid.Make().String(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.list = append(q.list, m)
	err := q.persistLocked(ctx)
	if err != nil {
		// Несохранённая мутация не должна остаться в памяти: вызывающий код
		// получил ошибку и считает постановку несостоявшейся.
		q.list = q.list[:len(q.list)-1]
	}
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	q.refreshBacklogMetrics()
	q.logger.WithFields(log.Fields{
		"mutation_id": m.ID,
		"kind":        m.Kind,
	}).Debug("mutation enqueued")

	// Будим цикл Run; сама доставка идёт в фоне и не привязана к контексту
	// вызова Enqueue.
	select {
	case q.kick <- struct{}{}:
	default:
	}

	return m.ID, nil
}

// Drain выполняет один проход доставки: мутации отправляются в порядке списка
// до первой retryable-ошибки или исчерпания очереди. Повторный вызов при
// активном проходе — no-op.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer q.inFlight.Store(false)
	defer q.refreshBacklogMetrics()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		head, ok := q.peekHead()
		if !ok {
			return nil
		}

		// Без живой сессии проход останавливается, голова не расходуется:
		// это состояние "не готов", а не ошибка доставки.
		if err := q.sessions.LiveSession(ctx); err != nil {
			queueDeliveryAttempts.WithLabelValues("not_ready").Inc()
			q.logger.WithError(err).Info("no live session, stopping drain pass")
			return nil
		}

		entityID, err := q.applier.Apply(ctx, head)
		if err == nil {
			queueDeliveryAttempts.WithLabelValues("delivered").Inc()
			q.popHead(ctx)
			q.logger.WithFields(log.Fields{
				"mutation_id": head.ID,
				"entity_id":   entityID,
			}).Info("mutation delivered")
			continue
		}

		// Сессия могла протухнуть уже на сервере (401 при локально живом
		// токене): это то же состояние "не готов", голова не расходуется и
		// счётчик повторов не трогается.
		if domain.IsNotReady(err) {
			queueDeliveryAttempts.WithLabelValues("not_ready").Inc()
			q.logger.WithError(err).WithField("mutation_id", head.ID).Info("session rejected by remote, stopping drain pass")
			return nil
		}

		if domain.IsTerminal(err) {
			// Бизнес-отказ не станет успехом от повторов: мутация удаляется
			// сразу, проход продолжается со следующей головы.
			queueDeliveryAttempts.WithLabelValues("rejected").Inc()
			queueDroppedMutations.WithLabelValues("rejected").Inc()
			q.popHead(ctx)
			q.logger.WithError(err).WithField("mutation_id", head.ID).Error("mutation rejected, dropping")
			q.notifyDrop(head, err)
			continue
		}

		queueDeliveryAttempts.WithLabelValues("retry_error").Inc()
		q.requeueOrDrop(ctx, head, err)
		// Retryable-ошибка завершает текущий проход; доставку возобновит
		// следующий Enqueue или фоновый триггер.
		return nil
	}
}

// Run периодически запускает проходы доставки до отмены контекста, чтобы
// восстановление связности в итоге было замечено.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()

	_ = q.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = q.Drain(ctx)
		case <-q.kick:
			_ = q.Drain(ctx)
		}
	}
}

// Len возвращает количество мутаций, ожидающих доставки.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.list)
}

// Snapshot возвращает копию очереди для отображения в UI.
func (q *Queue) Snapshot() []domain.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]domain.QueuedMutation, len(q.list))
	copy(snapshot, q.list)
	return snapshot
}

func (q *Queue) peekHead() (domain.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.list) == 0 {
		return domain.QueuedMutation{}, false
	}
	return q.list[0], true
}

func (q *Queue) popHead(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.list) == 0 {
		return
	}
	q.list = q.list[1:]
	if err := q.persistLocked(ctx); err != nil {
		q.logger.WithError(err).Warn("failed to persist mutation queue")
	}
}

// requeueOrDrop обрабатывает retryable-ошибку головы: инкремент счётчика,
// удаление при достижении потолка, иначе перенос в хвост, чтобы стабильно
// падающая мутация не блокировала последующие.
func (q *Queue) requeueOrDrop(ctx context.Context, head domain.QueuedMutation, cause error) {
	var dropped *domain.QueuedMutation

	q.mu.Lock()
	if len(q.list) > 0 && q.list[0].ID == head.ID {
		q.list[0].RetryCount++
		if q.list[0].RetryCount >= q.retryLimit {
			m := q.list[0]
			dropped = &m
			q.list = q.list[1:]
		} else {
			m := q.list[0]
			q.list = append(q.list[1:], m)
		}
		if err := q.persistLocked(ctx); err != nil {
			q.logger.WithError(err).Warn("failed to persist mutation queue")
		}
	}
	q.mu.Unlock()

	if dropped != nil {
		queueDroppedMutations.WithLabelValues("exhausted").Inc()
		q.logger.WithError(cause).WithFields(log.Fields{
			"mutation_id": dropped.ID,
			"retry_count": dropped.RetryCount,
		}).Error("retry limit reached, dropping mutation")
		q.notifyDrop(*dropped, domain.ErrRetriesExhausted)
		return
	}

	q.logger.WithError(cause).WithFields(log.Fields{
		"mutation_id": head.ID,
		"retry_count": head.RetryCount + 1,
	}).Warn("mutation delivery failed, requeued to tail")
}

func (q *Queue) notifyDrop(m domain.QueuedMutation, reason error) {
	if q.dropHandler == nil {
		return
	}
	q.dropHandler(m, reason)
}

// persistLocked перезаписывает слот хранения целиком; вызывается под q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	snapshot := make([]domain.QueuedMutation, len(q.list))
	copy(snapshot, q.list)
	return q.store.Save(ctx, snapshot)
}

func (q *Queue) refreshBacklogMetrics() {
	q.mu.Lock()
	pending := len(q.list)
	var oldest time.Time
	if pending > 0 {
		oldest = q.list[0].EnqueuedAt
		for _, m := range q.list {
			if m.EnqueuedAt.Before(oldest) {
				oldest = m.EnqueuedAt
			}
		}
	}
	q.mu.Unlock()

	queuePendingMutations.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		queueOldestPendingAge.Set(0)
		return
	}
	age := time.Since(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	queueOldestPendingAge.Set(age)
}
