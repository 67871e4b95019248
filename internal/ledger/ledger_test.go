package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestLockRequiresUnlockedBalance(t *testing.T) {
	l := New(nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "agent-1", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.Lock(ctx, "agent-1", 80, LockReasonRegistration); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Lock(ctx, "agent-1", 30, LockReasonEscrow); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	view, err := l.Balance("agent-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if view.Staked != 100 || view.Locked != 80 || view.Unlocked != 20 {
		t.Fatalf("unexpected balance: %+v", view)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "agent-1", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	record, err := l.Lock(ctx, "agent-1", 60, LockReasonEscrow)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	first, err := l.Release(ctx, record.ID)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, err := l.Release(ctx, record.ID)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if first.ReleasedAt != second.ReleasedAt {
		t.Fatalf("expected the prior result, got %d vs %d", first.ReleasedAt, second.ReleasedAt)
	}

	view, _ := l.Balance("agent-1")
	if view.Locked != 0 || view.Staked != 100 {
		t.Fatalf("double release changed the balance: %+v", view)
	}
}

func TestReleaseUnknownLock(t *testing.T) {
	l := New(nil)
	if _, err := l.Release(context.Background(), "nope"); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected lock not found, got %v", err)
	}
}

func TestSlashOnlyTouchesUnlocked(t *testing.T) {
	l := New(nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "agent-1", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.Lock(ctx, "agent-1", 70, LockReasonRegistration); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Slash(ctx, "agent-1", 50, "fraud finding"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected slash above unlocked to fail, got %v", err)
	}
	if err := l.Slash(ctx, "agent-1", 30, "fraud finding"); err != nil {
		t.Fatalf("slash: %v", err)
	}
	view, _ := l.Balance("agent-1")
	if view.Staked != 70 || view.Locked != 70 || view.Unlocked != 0 {
		t.Fatalf("unexpected balance after slash: %+v", view)
	}
}

func TestReleaseByReason(t *testing.T) {
	l := New(nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "agent-1", 300); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.Lock(ctx, "agent-1", 100, LockReasonRegistration); err != nil {
		t.Fatalf("lock registration: %v", err)
	}
	if _, err := l.Lock(ctx, "agent-1", 50, LockReasonEscrow); err != nil {
		t.Fatalf("lock escrow: %v", err)
	}

	released, err := l.ReleaseByReason(ctx, "agent-1", LockReasonRegistration)
	if err != nil {
		t.Fatalf("release by reason: %v", err)
	}
	if released != 100 {
		t.Fatalf("expected 100 released, got %d", released)
	}
	view, _ := l.Balance("agent-1")
	if view.Locked != 50 {
		t.Fatalf("escrow lock should survive, got %+v", view)
	}
}

func TestConcurrentLockReleaseKeepsInvariant(t *testing.T) {
	l := New(nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "agent-1", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := l.Lock(ctx, "agent-1", 10, LockReasonEscrow)
			if err != nil {
				return
			}
			_, _ = l.Release(ctx, record.ID)
		}()
	}
	wg.Wait()

	view, err := l.Balance("agent-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if view.Frozen {
		t.Fatalf("account froze under concurrent lock/release: %+v", view)
	}
	if view.Locked != 0 || view.Staked != 1000 {
		t.Fatalf("unexpected balance: %+v", view)
	}
}
