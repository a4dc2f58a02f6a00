package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Bridge подписывается на серверный поток изменений и инвалидирует зависимые
// закэшированные представления, чтобы UI видел свежие данные без поллинга.
// Сам мост не переоткрывает сломанные каналы — это зона ответственности
// транспорта; после reconnect Resubscribe восстанавливает все живые подписки
// по их исходным дескрипторам.
type Bridge struct {
	transport    domain.ChangeTransport
	cache        domain.ViewCache
	invalidation map[string][]string
	logger       *log.Entry

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	desc    domain.ChannelDescriptor
	handler domain.EventHandler
	filter  *rowFilter
	closer  domain.ChannelCloser
}

// New создаёт мост поверх транспорта и кэша представлений.
// Пустая карта инвалидации заменяется картой по умолчанию.
func New(transport domain.ChangeTransport, cache domain.ViewCache, invalidation map[string][]string, logger *log.Entry) *Bridge {
	if invalidation == nil {
		invalidation = DefaultInvalidationMap()
	}
	if logger == nil {
		logger = log.WithField("component", "change-bridge")
	}
	return &Bridge{
		transport:    transport,
		cache:        cache,
		invalidation: invalidation,
		logger:       logger,
		subs:         make(map[string]*subscription),
	}
}

// Subscribe открывает канал к потоку изменений для класса сущностей и
// возвращает disposer. Каждая регистрация получает собственный канал со
// свежим идентификатором, поэтому параллельные подписки на одну сущность
// не пересекаются. Disposer идемпотентен и должен быть вызван до повторной
// подписки того же представления.
func (b *Bridge) Subscribe(ctx context.Context, entity string, event domain.EventType, filter string, handler domain.EventHandler) (func(), error) {
	rf, err := parseRowFilter(filter)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		desc: domain.ChannelDescriptor{
			ChannelID: uuid.NewString(),
			Entity:    entity,
			Event:     event,
			RowFilter: filter,
		},
		handler: handler,
		filter:  rf,
	}

	closer, err := b.transport.OpenChannel(ctx, sub.desc, b.dispatch(sub))
	if err != nil {
		b.logger.WithError(err).WithFields(log.Fields{
			"entity": entity,
			"event":  event,
		}).Error("failed to open change channel")
		return nil, err
	}
	sub.closer = closer

	b.mu.Lock()
	b.subs[sub.desc.ChannelID] = sub
	b.mu.Unlock()

	b.logger.WithFields(log.Fields{
		"channel_id": sub.desc.ChannelID,
		"entity":     entity,
		"event":      event,
	}).Debug("subscribed to change stream")

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.desc.ChannelID)
			closer := sub.closer
			b.mu.Unlock()

			if closer != nil {
				if err := closer.Close(); err != nil {
					b.logger.WithError(err).WithField("channel_id", sub.desc.ChannelID).Warn("failed to close change channel")
				}
			}
		})
	}
	return dispose, nil
}

// dispatch строит обработчик канала: сначала инвалидация зависимых
// представлений, затем пользовательская реакция на событие.
func (b *Bridge) dispatch(sub *subscription) domain.EventHandler {
	return func(event domain.ChangeEvent) {
		if !sub.desc.Event.Matches(event.Type) {
			return
		}
		// Фильтр строк проверяется и на клиенте: не каждый транспорт
		// умеет применять его на сервере.
		if sub.filter != nil && !sub.filter.matches(event.Record()) {
			return
		}

		if keys := b.invalidation[event.Entity]; len(keys) > 0 && b.cache != nil {
			b.cache.Invalidate(keys...)
		}

		if sub.handler != nil {
			sub.handler(event)
		}
	}
}

// Resubscribe заново открывает все живые подписки по их исходным дескрипторам.
// Вызывается супервизором после восстановления транспортного соединения.
func (b *Bridge) Resubscribe(ctx context.Context) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.closer != nil {
			_ = sub.closer.Close()
		}
		closer, err := b.transport.OpenChannel(ctx, sub.desc, b.dispatch(sub))
		if err != nil {
			b.logger.WithError(err).WithField("channel_id", sub.desc.ChannelID).Error("failed to re-open change channel")
			continue
		}

		b.mu.Lock()
		// Подписка могла быть закрыта, пока канал переоткрывался.
		if _, live := b.subs[sub.desc.ChannelID]; live {
			sub.closer = closer
		} else {
			_ = closer.Close()
		}
		b.mu.Unlock()
	}
}

// ActiveChannels возвращает число живых подписок (для health-проверок и UI).
func (b *Bridge) ActiveChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// rowFilter — клиентская проверка выражения вида "column=eq.value".
type rowFilter struct {
	column string
	value  string
}

func parseRowFilter(expr string) (*rowFilter, error) {
	if expr == "" {
		return nil, nil
	}
	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return nil, fmt.Errorf("malformed row filter %q", expr)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return nil, fmt.Errorf("unsupported row filter operator in %q", expr)
	}
	return &rowFilter{column: column, value: value}, nil
}

func (f *rowFilter) matches(record map[string]any) bool {
	if record == nil {
		return false
	}
	got, ok := record[f.column]
	if !ok {
		return false
	}
	return fmt.Sprint(got) == f.value
}
