package app

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/bridge"
	"github.com/vladislavdragonenkov/possync/internal/cache"
	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/queue"
	"github.com/vladislavdragonenkov/possync/internal/remote"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
	"github.com/vladislavdragonenkov/possync/internal/storage/postgres"
	kafkatransport "github.com/vladislavdragonenkov/possync/internal/transport/kafka"
	"github.com/vladislavdragonenkov/possync/internal/transport/realtime"
)

// Dependencies содержит собранные компоненты клиентского ядра.
type Dependencies struct {
	Remote *remote.Client
	Store  domain.QueueStore
	Queue  *queue.Queue
	Views  *cache.ViewCache
	Bridge *bridge.Bridge

	// PG заполняется только при хранении очереди в PostgreSQL.
	PG *postgres.Store
	// KafkaTransport заполняется только в hub-развёртывании.
	KafkaTransport *kafkatransport.Transport
	// RealtimeTransport заполняется при websocket-потоке изменений.
	RealtimeTransport *realtime.Transport
}

// NewDependencies собирает зависимости согласно конфигурации.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	deps := &Dependencies{}

	deps.Remote = remote.NewClient(cfg.BackendURL, cfg.BackendAPIKey, logger)

	store, err := initQueueStore(ctx, cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	deps.Store = store

	q, err := queue.New(store, deps.Remote, deps.Remote,
		queue.WithLogger(logger),
		queue.WithDrainInterval(cfg.DrainInterval),
	)
	if err != nil {
		deps.Close(logger)
		return nil, err
	}
	deps.Queue = q

	transport, err := initChangeTransport(ctx, cfg, deps, logger)
	if err != nil {
		deps.Close(logger)
		return nil, err
	}

	deps.Views = cache.New()
	deps.Bridge = bridge.New(transport, deps.Views, bridge.DefaultInvalidationMap(), logger)

	return deps, nil
}

// initQueueStore выбирает хранилище слота очереди: PostgreSQL при заданном
// DSN, иначе in-memory.
func initQueueStore(ctx context.Context, cfg Config, deps *Dependencies, logger *log.Entry) (domain.QueueStore, error) {
	if cfg.PostgresDSN == "" {
		logger.Info("queue store: in-memory")
		return memory.NewQueueStore(), nil
	}

	pg, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	deps.PG = pg
	logger.Info("queue store: postgres")
	return postgres.NewQueueStore(pg), nil
}

// initChangeTransport выбирает транспорт потока изменений: Kafka при
// заданных брокерах, иначе websocket realtime.
func initChangeTransport(ctx context.Context, cfg Config, deps *Dependencies, logger *log.Entry) (domain.ChangeTransport, error) {
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		kt, err := kafkatransport.New(brokers, cfg.KafkaGroupID, logger)
		if err != nil {
			return nil, err
		}
		deps.KafkaTransport = kt
		logger.WithField("brokers", brokers).Info("change transport: kafka")
		return kt, nil
	}

	rt := realtime.New(ctx, cfg.RealtimeURL, cfg.BackendAPIKey, realtime.DefaultSettings(), logger)
	deps.RealtimeTransport = rt
	logger.WithField("url", cfg.RealtimeURL).Info("change transport: realtime websocket")
	return rt, nil
}

// Close освобождает ресурсы в обратном порядке инициализации.
func (d *Dependencies) Close(logger *log.Entry) {
	if d.KafkaTransport != nil {
		if err := d.KafkaTransport.Stop(); err != nil {
			logger.WithError(err).Warn("kafka transport stop failed")
		}
	}
	if d.RealtimeTransport != nil {
		if err := d.RealtimeTransport.Close(); err != nil {
			logger.WithError(err).Warn("realtime transport close failed")
		}
	}
	if d.PG != nil {
		if err := d.PG.Close(); err != nil {
			logger.WithError(err).Warn("postgres close failed")
		}
	}
}
