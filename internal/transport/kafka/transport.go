package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Topic с событиями изменений сущностей, публикуемыми backend'ом.
const TopicEntityChanges = "pos.entity.changes"

// Transport — реализация потока изменений поверх Kafka для hub-развёртываний,
// где backend публикует изменения в брокер, а не в websocket. Один consumer
// group на процесс; каналы подписок мультиплексируются поверх общего потока.
type Transport struct {
	consumer sarama.ConsumerGroup
	topics   []string
	logger   *log.Entry
	wg       sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool
}

type channelState struct {
	desc    domain.ChannelDescriptor
	handler domain.EventHandler
}

// New создаёт Kafka-транспорт потока изменений.
func New(brokers []string, groupID string, logger *log.Entry) (*Transport, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	if logger == nil {
		logger = log.WithField("component", "kafka-transport")
	}

	return &Transport{
		consumer: consumer,
		topics:   []string{TopicEntityChanges},
		logger:   logger,
		channels: make(map[string]*channelState),
	}, nil
}

// Start запускает цикл потребления до отмены контекста.
func (t *Transport) Start(ctx context.Context) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			// Consume возвращается при rebalance, поэтому вызывается в цикле.
			if err := t.consumer.Consume(ctx, t.topics, t); err != nil {
				t.logger.WithError(err).Error("kafka consume error")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for err := range t.consumer.Errors() {
			t.logger.WithError(err).Error("kafka consumer error")
		}
	}()

	t.logger.WithField("topics", t.topics).Info("kafka change transport started")
	return nil
}

// Stop останавливает потребление и закрывает consumer group.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.closed = true
	t.channels = make(map[string]*channelState)
	t.mu.Unlock()

	if err := t.consumer.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	t.wg.Wait()
	t.logger.Info("kafka change transport stopped")
	return nil
}

// OpenChannel регистрирует канал поверх общего потока. Kafka не применяет
// фильтры строк на сервере, поэтому фильтрация полностью клиентская.
func (t *Transport) OpenChannel(_ context.Context, desc domain.ChannelDescriptor, handler domain.EventHandler) (domain.ChannelCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	t.channels[desc.ChannelID] = &channelState{desc: desc, handler: handler}
	return &channelCloser{transport: t, channelID: desc.ChannelID}, nil
}

type channelCloser struct {
	transport *Transport
	channelID string
}

func (c *channelCloser) Close() error {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	delete(c.transport.channels, c.channelID)
	return nil
}

// Setup вызывается при старте consumer session.
func (t *Transport) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается при завершении consumer session.
func (t *Transport) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim читает сообщения партиции и раздаёт их каналам.
func (t *Transport) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			event, err := ParseChangeEvent(message.Value)
			if err != nil {
				t.logger.WithError(err).WithFields(log.Fields{
					"topic":  message.Topic,
					"offset": message.Offset,
				}).Warn("skipping malformed change event")
				session.MarkMessage(message, "")
				continue
			}

			t.dispatch(event)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// dispatch доставляет событие всем каналам, подписанным на его класс сущностей.
func (t *Transport) dispatch(event domain.ChangeEvent) {
	t.mu.Lock()
	handlers := make([]domain.EventHandler, 0, len(t.channels))
	for _, state := range t.channels {
		if state.desc.Entity != event.Entity {
			continue
		}
		if !state.desc.Event.Matches(event.Type) {
			continue
		}
		handlers = append(handlers, state.handler)
	}
	t.mu.Unlock()

	for _, handler := range handlers {
		if handler != nil {
			handler(event)
		}
	}
}

// ParseChangeEvent декодирует событие изменения из тела сообщения Kafka.
func ParseChangeEvent(value []byte) (domain.ChangeEvent, error) {
	var event domain.ChangeEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	if event.Entity == "" {
		return domain.ChangeEvent{}, fmt.Errorf("change event without entity")
	}
	return event, nil
}

var _ domain.ChangeTransport = (*Transport)(nil)
var _ sarama.ConsumerGroupHandler = (*Transport)(nil)
