package infrastructure

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"bulkmailer/internal/interfaces"
)

func exerciseStorage(t *testing.T, s interfaces.Storage) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Load(missing) = %q, %v; want nil, nil", got, err)
	}
	if err := s.Save(ctx, "k", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "k", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	got, err = s.Load(ctx, "k")
	if err != nil || !bytes.Equal(got, []byte(`{"v":2}`)) {
		t.Fatalf("Load = %q, %v", got, err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStorage(t, s)

	// Callers must not be able to mutate stored bytes.
	buf := []byte("abc")
	_ = s.Save(context.Background(), "copy", buf)
	buf[0] = 'x'
	got, _ := s.Load(context.Background(), "copy")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	exerciseStorage(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "k")
	if err != nil || string(got) != `{"v":2}` {
		t.Fatalf("value after reopen = %q, %v", got, err)
	}
}
