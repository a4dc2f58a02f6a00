package app

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MetricsAddr != ":9090" {
		t.Errorf("MetricsAddr = %q, want :9090", cfg.MetricsAddr)
	}
	if cfg.KafkaGroupID != "possync-client" {
		t.Errorf("KafkaGroupID = %q, want possync-client", cfg.KafkaGroupID)
	}
	if cfg.DrainInterval != 15*time.Second {
		t.Errorf("DrainInterval = %v, want 15s", cfg.DrainInterval)
	}
}

func TestNewDependenciesInMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultConfig()
	cfg.BackendURL = "http://127.0.0.1:1"
	cfg.RealtimeURL = "ws://127.0.0.1:1/realtime"

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	deps, err := NewDependencies(ctx, cfg, log.NewEntry(logger))
	if err != nil {
		t.Fatalf("NewDependencies() error = %v", err)
	}
	defer deps.Close(log.NewEntry(logger))

	if deps.Remote == nil {
		t.Error("Remote is nil")
	}
	if deps.Store == nil {
		t.Error("Store is nil")
	}
	if deps.Queue == nil {
		t.Error("Queue is nil")
	}
	if deps.Views == nil {
		t.Error("Views is nil")
	}
	if deps.Bridge == nil {
		t.Error("Bridge is nil")
	}
	if deps.PG != nil {
		t.Error("PG should be nil without DSN")
	}
	if deps.KafkaTransport != nil {
		t.Error("KafkaTransport should be nil without brokers")
	}
	if deps.RealtimeTransport == nil {
		t.Error("RealtimeTransport is nil")
	}
}
