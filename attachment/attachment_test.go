package attachment

import (
	"testing"

	"github.com/arcreceipt/car"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("hello world")
	hash, err := store.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if hash != want {
		t.Fatalf("hash = %q, want %q", hash, want)
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get returned %q, want %q", got, content)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	content := []byte("duplicate me")

	h1, err := store.Put(content)
	if err != nil {
		t.Fatalf("Put (1st): %v", err)
	}
	h2, err := store.Put(content)
	if err != nil {
		t.Fatalf("Put (2nd): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ across identical puts: %q vs %q", h1, h2)
	}
	if n, err := store.Count(); err != nil || n != 1 {
		t.Fatalf("Count = %d, err = %v; want 1 attachment on disk", n, err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = store.Get("deadbeef")
	if err != receipt.ErrNotFound {
		t.Fatalf("Get on missing hash = %v, want receipt.ErrNotFound", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hash, err := store.Put([]byte("transient"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !store.Exists(hash) {
		t.Fatal("expected Exists to report true after Put")
	}
	if err := store.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.Exists(hash) {
		t.Fatal("expected Exists to report false after Delete")
	}
	if err := store.Delete(hash); err != nil {
		t.Fatalf("Delete on missing hash should be a no-op, got %v", err)
	}
}

func TestTotalSize(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Put([]byte("aaa")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put([]byte("bbbbb")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	size, err := store.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if size != 8 {
		t.Fatalf("TotalSize = %d, want 8", size)
	}
}
