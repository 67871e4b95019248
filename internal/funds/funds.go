package funds

import (
	"context"

	xerrors "AgentMesh/internal/errors"
)

// LockID 标识资金方的一笔锁定。
type LockID string

// TxRef 标识资金方的一次转账回执。
type TxRef string

// Provider 是客户端资金方的窄接口。所有调用都携带幂等键，
// 由调用方配合有界指数退避重试。
type Provider interface {
	Lock(ctx context.Context, account string, amount int64, idempotencyKey string) (LockID, error)
	Release(ctx context.Context, lockID LockID) error
	Transfer(ctx context.Context, from, to string, amount int64, idempotencyKey string) (TxRef, error)
}

var (
	// ErrInsufficientBalance 表示客户账户可用余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "客户账户余额不足")
	// ErrLockNotFound 表示指定的资金锁定不存在。
	ErrLockNotFound = xerrors.New(CodeFundsLockNotFound, "资金锁定不存在")
)

const (
	CodeInsufficientBalance xerrors.Code = "CLIENT_FUNDS_INSUFFICIENT"
	CodeFundsLockNotFound   xerrors.Code = "FUNDS_LOCK_NOT_FOUND"
	CodeTransferFailure     xerrors.Code = "FUNDS_TRANSFER_FAILED"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "client account balance insufficient",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFundsLockNotFound, xerrors.Attributes{
		Message:   "funds lock not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferFailure, xerrors.Attributes{
		Message:   "fund transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
