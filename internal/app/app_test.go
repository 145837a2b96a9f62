package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dwarpal/dwarpal/internal/config"
	sttstatic "github.com/dwarpal/dwarpal/pkg/provider/stt/static"
	visionstatic "github.com/dwarpal/dwarpal/pkg/provider/vision/static"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestAppLifecycle(t *testing.T) {
	cfg := testConfig(t)
	providers := &Providers{
		Vision: visionstatic.New(),
		STT:    sttstatic.New(),
	}

	a, err := New(context.Background(), cfg, providers,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	// Let the listener come up, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := a.Shutdown(shCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(shCtx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestNew_RejectsCorruptDatabase(t *testing.T) {
	cfg := testConfig(t)
	dbPath := filepath.Join(cfg.Data.Dir, cfg.Data.DBFile)
	if err := os.WriteFile(dbPath, []byte("definitely not a sqlite file"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := New(context.Background(), cfg, &Providers{Vision: visionstatic.New(), STT: sttstatic.New()},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err == nil {
		t.Fatal("New accepted a corrupt database file")
	}
}
