package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemArchiveRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystem(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := store.Archive(ctx, "processed/2026-01-16/customers_add.json", []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "processed", "2026-01-16", "customers_add.json"))
	if err != nil || string(data) != `[]` {
		t.Fatalf("archived data = %q (%v)", data, err)
	}

	// Re-archiving overwrites.
	if err := store.Archive(ctx, "processed/2026-01-16/customers_add.json", []byte(`[1]`)); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(filepath.Join(root, "processed", "2026-01-16", "customers_add.json"))
	if string(data) != `[1]` {
		t.Fatalf("overwrite failed: %q", data)
	}

	keys, err := store.List(ctx, "processed/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys = %v (%v)", keys, err)
	}
}

func TestArchiveKeySanitization(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	for _, key := range []string{"", "../etc/passwd", "/abs"} {
		if err := store.Archive(ctx, key, []byte("x")); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	if store, err := Open(ctx, Options{}); err != nil || store != nil {
		t.Fatalf("empty driver must disable archiving: %v %v", store, err)
	}
	if _, err := Open(ctx, Options{Driver: "memory"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ctx, Options{Driver: "fs", Root: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ctx, Options{Driver: "bogus"}); err == nil {
		t.Fatal("unknown driver must error")
	}
}
