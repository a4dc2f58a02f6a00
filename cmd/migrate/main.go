package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
)

func main() {
	var (
		action string
		dsn    string
	)

	flag.StringVar(&action, "action", "ensure", "action: ensure|ping")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: POSSYNC_POSTGRES_DSN)")
	flag.Parse()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv("POSSYNC_POSTGRES_DSN"))
	}
	if dsn == "" {
		fail("POSSYNC_POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	switch strings.ToLower(strings.TrimSpace(action)) {
	case "ensure":
		if err := store.EnsureSchema(ctx); err != nil {
			fail("ensure schema failed: %v", err)
		}
		fmt.Println("schema ok: client_slots ready")
	case "ping":
		if err := store.Ping(ctx); err != nil {
			fail("ping failed: %v", err)
		}
		fmt.Println("ping ok")
	default:
		fail("unsupported action: %s (use ensure|ping)", action)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
