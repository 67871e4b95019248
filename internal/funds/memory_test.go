package funds

import (
	"context"
	"errors"
	"testing"
)

func TestLockDebitsAvailableBalance(t *testing.T) {
	m := NewMemoryProvider()
	m.Fund("client", 100)
	ctx := context.Background()

	lockID, err := m.Lock(ctx, "client", 60, "")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if m.Balance("client") != 40 {
		t.Fatalf("lock should debit available balance: %d", m.Balance("client"))
	}

	if _, err := m.Lock(ctx, "client", 50, ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	if err := m.Release(ctx, lockID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Balance("client") != 100 {
		t.Fatalf("release should return the locked amount: %d", m.Balance("client"))
	}
}

func TestLockIdempotencyKeyReturnsSameLock(t *testing.T) {
	m := NewMemoryProvider()
	m.Fund("client", 100)
	ctx := context.Background()

	first, err := m.Lock(ctx, "client", 60, "escrow-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	second, err := m.Lock(ctx, "client", 60, "escrow-1")
	if err != nil {
		t.Fatalf("idempotent lock: %v", err)
	}
	if first != second {
		t.Fatalf("idempotency key must return the original lock: %s vs %s", first, second)
	}
	// 重试不应重复扣款。
	if m.Balance("client") != 40 {
		t.Fatalf("retry double-debited the account: %d", m.Balance("client"))
	}
}

func TestReleaseIsIdempotentAndRejectsUnknownLock(t *testing.T) {
	m := NewMemoryProvider()
	m.Fund("client", 50)
	ctx := context.Background()

	lockID, err := m.Lock(ctx, "client", 50, "")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.Release(ctx, lockID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, lockID); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
	if m.Balance("client") != 50 {
		t.Fatalf("double release credited twice: %d", m.Balance("client"))
	}

	if err := m.Release(ctx, LockID("ghost")); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected lock not found, got %v", err)
	}
}

func TestTransferFromLock(t *testing.T) {
	m := NewMemoryProvider()
	m.Fund("client", 100)
	ctx := context.Background()

	lockID, err := m.Lock(ctx, "client", 80, "")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := m.Transfer(ctx, LockRef(lockID), "agent", 80, "pay-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if m.Balance("agent") != 80 {
		t.Fatalf("payee not credited: %d", m.Balance("agent"))
	}

	// 锁定已耗尽，再次释放不得退款给客户。
	if err := m.Release(ctx, lockID); err != nil {
		t.Fatalf("release drained lock: %v", err)
	}
	if m.Balance("client") != 20 {
		t.Fatalf("drained lock refunded the client: %d", m.Balance("client"))
	}
}

func TestTransferIdempotencyKey(t *testing.T) {
	m := NewMemoryProvider()
	m.Fund("client", 100)
	ctx := context.Background()

	first, err := m.Transfer(ctx, "client", "agent", 30, "pay-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	second, err := m.Transfer(ctx, "client", "agent", 30, "pay-1")
	if err != nil {
		t.Fatalf("idempotent transfer: %v", err)
	}
	if first != second {
		t.Fatalf("idempotency key must return the original reference")
	}
	if m.Balance("agent") != 30 || m.Balance("client") != 70 {
		t.Fatalf("retry moved funds twice: agent=%d client=%d", m.Balance("agent"), m.Balance("client"))
	}
}

func TestTransferFromBalanceRequiresFunds(t *testing.T) {
	m := NewMemoryProvider()
	m.Fund("client", 10)
	if _, err := m.Transfer(context.Background(), "client", "agent", 30, ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}
