package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	result := Do(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	}, 5, time.Millisecond)

	if result.Outcome != Success {
		t.Fatalf("outcome = %v, want Success", result.Outcome)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDoExhausts(t *testing.T) {
	result := Do(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	}, 3, time.Millisecond)

	if result.Outcome != Exhausted {
		t.Fatalf("outcome = %v, want Exhausted", result.Outcome)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDoPropagatesCheckError(t *testing.T) {
	boom := errors.New("boom")
	result := Do(context.Background(), func(ctx context.Context) (bool, error) {
		return false, boom
	}, 3, time.Millisecond)

	if !errors.Is(result.LastErr, boom) {
		t.Errorf("LastErr = %v, want %v", result.LastErr, boom)
	}
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, func(ctx context.Context) (bool, error) {
		return false, nil
	}, 10, time.Second)

	if result.Outcome != Canceled {
		t.Fatalf("outcome = %v, want Canceled", result.Outcome)
	}
}
