package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server_count: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) { changes <- cfg })
	}()

	// 等待监听建立后再写文件
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server_count: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		if cfg.ServerCount != 9 {
			t.Fatalf("ServerCount = %d, want 9", cfg.ServerCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop after cancel")
	}
}

func TestWatchIgnoresInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server_count: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(cfg *Config) { changes <- cfg }) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("units: furlongs\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload: %+v", cfg)
	case <-time.After(time.Second):
	}
}

func TestWatchMissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "config.yaml"), func(*Config) {})
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
