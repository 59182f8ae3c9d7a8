package integrity

import (
	"context"
	"testing"

	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

func newGuard(t *testing.T) (*Guard, storage.Storage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewGuard(store), store
}

func TestStoreThenVerify(t *testing.T) {
	ctx := context.Background()
	guard, store := newGuard(t)

	if err := store.Write(ctx, "status.yaml", []byte("entries: {}\n")); err != nil {
		t.Fatal(err)
	}
	if err := guard.Store(ctx, "status.yaml"); err != nil {
		t.Fatal(err)
	}

	ok, err := guard.Verify(ctx, "status.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("freshly stored digest must verify")
	}
}

func TestTamperDetected(t *testing.T) {
	ctx := context.Background()
	guard, store := newGuard(t)

	if err := store.Write(ctx, "status.yaml", []byte("entries: {}\n")); err != nil {
		t.Fatal(err)
	}
	if err := guard.Store(ctx, "status.yaml"); err != nil {
		t.Fatal(err)
	}

	// Out-of-band edit without digest recomputation.
	if err := store.Write(ctx, "status.yaml", []byte("entries: {T-001: {passes: true}}\n")); err != nil {
		t.Fatal(err)
	}

	ok, err := guard.Verify(ctx, "status.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tampered store must not verify")
	}

	err = guard.Check(ctx, "status.yaml")
	if !werr.IsCode(err, werr.Integrity) {
		t.Errorf("Check error code = %v, want integrity", werr.CodeOf(err))
	}
	if !werr.IsFatal(err) {
		t.Error("integrity violations must be fatal")
	}
}

func TestMissingDigestIsMismatch(t *testing.T) {
	ctx := context.Background()
	guard, store := newGuard(t)

	if err := store.Write(ctx, "status.yaml", []byte("entries: {}\n")); err != nil {
		t.Fatal(err)
	}
	ok, err := guard.Verify(ctx, "status.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a store without a digest must not verify")
	}
}
