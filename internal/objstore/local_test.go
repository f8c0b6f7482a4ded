package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLocalStore_Get(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "user-1"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "user-1", "logo.png"), []byte("png-bytes"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	got, err := store.Get(context.Background(), "user-1/logo.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "png-bytes" {
		t.Errorf("Get = %q, want %q", got, "png-bytes")
	}
}

func TestLocalStore_GetNotFound(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"missing file", "nope.txt"},
		{"parent traversal", "../secret.txt"},
		{"absolute path", "/etc/passwd"},
	}

	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Get(context.Background(), tt.key)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(%q): got err=%v, want ErrNotFound", tt.key, err)
			}
		})
	}
}

func TestLocalStore_HealthCheck(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewLocalStore(dir)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck on existing dir: %v", err)
	}

	missing, _ := NewLocalStore(filepath.Join(dir, "gone"))
	if err := missing.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck to fail for missing directory")
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	store, err := New(context.Background(), Config{Type: "local", Path: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New local: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("expected *LocalStore, got %T", store)
	}

	if _, err := New(context.Background(), Config{Type: "gcs"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unsupported store type")
	}
}
