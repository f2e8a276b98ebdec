package lock

import (
	"context"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	t.Parallel()

	l, err := ForMachine(t.TempDir(), "engine-id")
	if err != nil {
		t.Fatalf("ForMachine() error = %v", err)
	}

	ctx := context.Background()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	// Reacquire after release.
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("second Lock() error = %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("second Unlock() error = %v", err)
	}
}

func TestTryLockContended(t *testing.T) {
	t.Parallel()

	l, err := ForMachine(t.TempDir(), "engine-id")
	if err != nil {
		t.Fatalf("ForMachine() error = %v", err)
	}

	ctx := context.Background()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer l.Unlock(ctx)

	ok, err := l.TryLock(ctx)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if ok {
		t.Fatal("TryLock() = true while held, want false")
	}
}

func TestLockRespectsContext(t *testing.T) {
	t.Parallel()

	l, err := ForMachine(t.TempDir(), "engine-id")
	if err != nil {
		t.Fatalf("ForMachine() error = %v", err)
	}

	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer l.Unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Lock(ctx); err == nil {
		t.Fatal("Lock() error = nil under contention, want context error")
	}
}

func TestForMachineRejectsEmptyID(t *testing.T) {
	t.Parallel()

	if _, err := ForMachine(t.TempDir(), "  "); err == nil {
		t.Fatal("ForMachine() error = nil, want non-nil")
	}
}
