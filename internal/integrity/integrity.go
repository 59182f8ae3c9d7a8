// Package integrity maintains the detached sha256 digest over the task
// status store. The digest is the tamper-detection mechanism: any
// out-of-band edit to the store makes the next Verify fail, which the
// loop treats as fatal since a compromised status store cannot safely
// drive further automation.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// DigestSuffix is appended to the protected path to form the digest entry.
const DigestSuffix = ".sha256"

// Guard computes, stores and verifies digests over entries in a Storage.
type Guard struct {
	storage storage.Storage
}

func NewGuard(s storage.Storage) *Guard {
	return &Guard{storage: s}
}

// Compute returns the hex sha256 of the entry at path.
func (g *Guard) Compute(ctx context.Context, path string) (string, error) {
	data, err := g.storage.Read(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for digest: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Store recomputes the digest of path and persists it alongside.
// Called after every committed write to the protected store.
func (g *Guard) Store(ctx context.Context, path string) error {
	digest, err := g.Compute(ctx, path)
	if err != nil {
		return err
	}
	if err := g.storage.Write(ctx, path+DigestSuffix, []byte(digest+"\n")); err != nil {
		return fmt.Errorf("failed to write digest for %s: %w", path, err)
	}
	return nil
}

// Verify compares the stored digest against a fresh computation.
// A missing digest entry counts as a mismatch: the store has existed
// without protection and cannot be trusted.
func (g *Guard) Verify(ctx context.Context, path string) (bool, error) {
	stored, err := g.storage.Read(ctx, path+DigestSuffix)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read digest for %s: %w", path, err)
	}
	actual, err := g.Compute(ctx, path)
	if err != nil {
		return false, err
	}
	return string(trimNewline(stored)) == actual, nil
}

// Check wraps Verify into the loop's error taxonomy: a mismatch is a
// fatal integrity error, never retried.
func (g *Guard) Check(ctx context.Context, path string) error {
	ok, err := g.Verify(ctx, path)
	if err != nil {
		return werr.New(werr.Internal, "digest verification failed", err)
	}
	if !ok {
		return werr.Newf(werr.Integrity, "status store %s failed integrity check: out-of-band modification suspected", path)
	}
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
