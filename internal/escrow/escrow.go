// Package escrow 实现按完成度付款的托管状态机：客户资金与智能体抵押
// 双向锁定，完成证明验证通过后放款，超时退款，争议走外部仲裁。
// 终态合约不可再变更，任何针对终态的操作都会被状态机拒绝。
package escrow

import (
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/funds"
	"AgentMesh/internal/proof"
)

// State 表示托管合约所处的状态。
type State string

const (
	StateCreated        State = "created"
	StateFunded         State = "funded"
	StateInProgress     State = "in_progress"
	StateProofSubmitted State = "proof_submitted"
	StateVerified       State = "verified"
	StateReleased       State = "released"
	StateExpired        State = "expired"
	StateRefunded       State = "refunded"
	StateDisputed       State = "disputed"
)

// transitions 是托管状态机的唯一事实来源。未列出的迁移一律非法。
var transitions = map[State][]State{
	StateCreated:        {StateFunded, StateExpired, StateDisputed},
	StateFunded:         {StateInProgress, StateExpired, StateDisputed},
	StateInProgress:     {StateProofSubmitted, StateExpired, StateDisputed},
	StateProofSubmitted: {StateVerified, StateInProgress, StateDisputed},
	StateVerified:       {StateReleased, StateDisputed},
	StateExpired:        {StateRefunded, StateDisputed},
	StateDisputed:       {StateReleased, StateRefunded},
	StateReleased:       nil,
	StateRefunded:       nil,
}

// IsTerminal 判断状态是否为终态。
func (s State) IsTerminal() bool {
	return s == StateReleased || s == StateRefunded
}

// CanTransition 判断从当前状态能否迁移到目标状态。
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Resolution 是争议仲裁的裁定结果。
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

// Contract 是一份托管合约。状态只能通过状态机迁移，Criteria 与已提交
// 的证明在创建/提交后不再变化。
type Contract struct {
	ID               string         `json:"id"`
	ClientID         string         `json:"client_id"`
	AgentID          string         `json:"agent_id"`
	Amount           int64          `json:"amount"`
	Collateral       int64          `json:"collateral"`
	Deadline         int64          `json:"deadline"`
	Criteria         proof.Criteria `json:"criteria"`
	State            State          `json:"state"`
	Proof            *proof.Proof   `json:"proof,omitempty"`
	FundsLockID      funds.LockID   `json:"funds_lock_id,omitempty"`
	CollateralLockID string         `json:"collateral_lock_id,omitempty"`
	DisputedBy       string         `json:"disputed_by,omitempty"`
	Resolution       Resolution     `json:"resolution,omitempty"`
	AttestRef        string         `json:"attest_ref,omitempty"`
	AttestError      string         `json:"attest_error,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

var (
	// ErrEscrowState 表示非法的状态迁移请求，包括针对终态合约的任何
	// 变更操作。状态机拒绝后不产生任何副作用。
	ErrEscrowState = xerrors.New(CodeEscrowState, "托管状态迁移非法")
	// ErrEscrowNotFound 表示托管合约不存在。
	ErrEscrowNotFound = xerrors.New(CodeEscrowNotFound, "托管合约不存在")
	// ErrReleaseFailed 表示放款阶段的外部转账在重试耗尽后仍然失败。
	ErrReleaseFailed = xerrors.New(CodeReleaseFailed, "托管放款失败")
)

const (
	CodeEscrowState    xerrors.Code = "ESCROW_STATE"
	CodeEscrowNotFound xerrors.Code = "ESCROW_NOT_FOUND"
	CodeReleaseFailed  xerrors.Code = "ESCROW_RELEASE_FAILED"
)

func init() {
	xerrors.Register(CodeEscrowState, xerrors.Attributes{
		Message:   "invalid escrow state transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:   "escrow contract not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReleaseFailed, xerrors.Attributes{
		Message:   "escrow fund release failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneContract(c *Contract) *Contract {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Proof != nil {
		p := *c.Proof
		clone.Proof = &p
	}
	clone.Criteria.Checks = cloneChecks(c.Criteria.Checks)
	return &clone
}

func cloneChecks(checks map[string]string) map[string]string {
	if checks == nil {
		return nil
	}
	out := make(map[string]string, len(checks))
	for k, v := range checks {
		out[k] = v
	}
	return out
}
