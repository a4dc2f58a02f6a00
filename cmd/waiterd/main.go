package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/app"
)

const (
	envMetricsAddr   = "POSSYNC_METRICS_ADDR"
	envBackendURL    = "POSSYNC_BACKEND_URL"
	envBackendAPIKey = "POSSYNC_BACKEND_API_KEY"
	envRealtimeURL   = "POSSYNC_REALTIME_URL"
	envKafkaBrokers  = "POSSYNC_KAFKA_BROKERS"
	envKafkaGroupID  = "POSSYNC_KAFKA_GROUP_ID"
	envPostgresDSN   = "POSSYNC_POSTGRES_DSN"
	envDrainInterval = "POSSYNC_DRAIN_INTERVAL"
)

// envLookup абстрагирует доступ к переменным окружения для тестов.
type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для демона.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

// readConfigFromEnv формирует конфигурацию приложения, позволяя переопределить
// настройки через переменные окружения. Невалидные значения не прерывают
// запуск: остаётся значение по умолчанию, а проблема попадает в warnings.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	if v, ok := lookup(envMetricsAddr); ok {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envBackendURL); ok {
		cfg.BackendURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(envBackendAPIKey); ok {
		cfg.BackendAPIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(envRealtimeURL); ok {
		cfg.RealtimeURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = strings.TrimSpace(v)
	}
	if v, ok := lookup(envKafkaGroupID); ok {
		cfg.KafkaGroupID = strings.TrimSpace(v)
	}
	if v, ok := lookup(envPostgresDSN); ok {
		cfg.PostgresDSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(envDrainInterval); ok {
		d, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envDrainInterval, err))
		} else {
			cfg.DrainInterval = d
		}
	}

	return cfg, warnings
}

// parseDuration разбирает длительность и проверяет её ограничение.
func parseDuration(raw string, valid func(time.Duration) bool, constraint string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if !valid(d) {
		return 0, fmt.Errorf("duration %q %s", raw, constraint)
	}
	return d, nil
}

func main() {
	setupLogger()
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"metrics_addr": cfg.MetricsAddr,
		"backend_url":  cfg.BackendURL,
	}).Info("запускаем waiterd")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("waiterd остановлен")
}
