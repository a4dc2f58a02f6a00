package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/possync/internal/health"
	"github.com/vladislavdragonenkov/possync/internal/version"
)

// Config описывает настройки запуска клиентского ядра.
type Config struct {
	// MetricsAddr — адрес HTTP-сервера метрик и health-проверок.
	MetricsAddr string
	// BackendURL — корень backend'а для вызова удалённых процедур.
	BackendURL string
	// BackendAPIKey — публичный ключ проекта.
	BackendAPIKey string
	// RealtimeURL — websocket endpoint потока изменений.
	RealtimeURL string
	// KafkaBrokers — список брокеров через запятую; если задан, поток
	// изменений читается из Kafka вместо websocket (hub-развёртывание).
	KafkaBrokers string
	// KafkaGroupID — идентификатор consumer group для Kafka-транспорта.
	KafkaGroupID string
	// PostgresDSN — если задан, слот очереди хранится в PostgreSQL.
	PostgresDSN string
	// DrainInterval — период фонового триггера доставки очереди.
	DrainInterval time.Duration
}

// DefaultConfig возвращает базовую конфигурацию.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:   ":9090",
		KafkaGroupID:  "possync-client",
		DrainInterval: 15 * time.Second,
	}
}

// Run собирает зависимости и работает до отмены контекста.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("queue", healthcheck.NewQueueChecker(deps.Queue, 10))
	if deps.RealtimeTransport != nil {
		rt := deps.RealtimeTransport
		healthHandler.RegisterChecker("realtime", healthcheck.NewSimpleChecker("realtime", func() error {
			if !rt.Connected() {
				return errors.New("realtime connection is down")
			}
			return nil
		}))
	}
	if deps.PG != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", func() error {
			return deps.PG.Ping(context.Background())
		}))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	if deps.KafkaTransport != nil {
		if err := deps.KafkaTransport.Start(ctx); err != nil {
			shutdownHTTP(metricsSrv, logger)
			return err
		}
	}

	go deps.Queue.Run(ctx)

	<-ctx.Done()
	logger.Info("получен сигнал остановки, завершаем работу")
	shutdownHTTP(metricsSrv, logger)
	return ctx.Err()
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("http shutdown failed")
	}
}
