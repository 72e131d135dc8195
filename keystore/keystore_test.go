package keystore

import (
	"context"
	"os"
	"testing"

	"github.com/arcreceipt/car"
)

func withForcedMemory(t *testing.T) {
	t.Helper()
	t.Setenv(forceMemoryEnv, "true")
	t.Setenv(fallbackDirEnv, "")
}

func TestNewStoreForcedMemoryIsFallback(t *testing.T) {
	withForcedMemory(t)
	st := NewStore()
	if !st.UsingFallback() {
		t.Fatal("expected fallback store when CAR_FORCE_MEMORY_KEYSTORE is set")
	}
}

func TestFallbackStoreRoundTrip(t *testing.T) {
	withForcedMemory(t)
	st := NewStore()

	if _, err := st.LoadSecret("proj-1"); err != receipt.ErrNoSecret {
		t.Fatalf("expected ErrNoSecret before any write, got %v", err)
	}

	if err := st.StoreSecret("proj-1", "c2VjcmV0"); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	got, err := st.LoadSecret("proj-1")
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if got != "c2VjcmV0" {
		t.Fatalf("got %q, want %q", got, "c2VjcmV0")
	}

	if err := st.StoreSecret("proj-1", "bmV3c2VjcmV0"); err != nil {
		t.Fatalf("overwrite StoreSecret: %v", err)
	}
	got, err = st.LoadSecret("proj-1")
	if err != nil {
		t.Fatalf("LoadSecret after overwrite: %v", err)
	}
	if got != "bmV3c2VjcmV0" {
		t.Fatalf("overwrite did not take effect: got %q", got)
	}

	if err := st.DeleteSecret("proj-1"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, err := st.LoadSecret("proj-1"); err != receipt.ErrNoSecret {
		t.Fatalf("expected ErrNoSecret after delete, got %v", err)
	}
}

func TestFallbackStoreRejectsNonBase64(t *testing.T) {
	withForcedMemory(t)
	st := NewStore()
	if err := st.StoreSecret("proj-1", "not base64!!"); err == nil {
		t.Fatal("expected error storing non-base64 secret")
	}
}

func TestFallbackStoreWithDirectoryPersists(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(forceMemoryEnv, "true")
	t.Setenv(fallbackDirEnv, dir)

	st := NewStore()
	if err := st.StoreSecret("proj-2", "c2VjcmV0"); err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one persisted key file, got %d", len(entries))
	}

	fresh := newFallbackStore()
	got, err := fresh.LoadSecret("proj-2")
	if err != nil {
		t.Fatalf("LoadSecret from fresh fallback store: %v", err)
	}
	if got != "c2VjcmV0" {
		t.Fatalf("got %q, want %q", got, "c2VjcmV0")
	}
}

func TestProviderGeneratesAndPersistsKey(t *testing.T) {
	withForcedMemory(t)
	store := NewStore()
	provider := NewProvider(store)

	ctx := context.Background()
	key1, err := provider.PrivateKey(ctx, "proj-3")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if len(key1) == 0 {
		t.Fatal("expected a generated key")
	}

	key2, err := provider.PrivateKey(ctx, "proj-3")
	if err != nil {
		t.Fatalf("PrivateKey (second call): %v", err)
	}
	if string(key1) != string(key2) {
		t.Fatal("expected the same persisted key on the second call")
	}
}
