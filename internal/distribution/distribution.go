// Package distribution 实现周期性收益分账：总额按固定万分比切成
// creators/stakers/treasury 三个桶，桶内按贡献权重整数向下取整分配，
// 全部余数归入金库桶，保证份额之和与总额严格相等后才原子入账。
package distribution

import (
	xerrors "AgentMesh/internal/errors"
)

// Bucket 表示分账的三个固定桶。
type Bucket string

const (
	BucketCreators Bucket = "creators"
	BucketStakers  Bucket = "stakers"
	BucketTreasury Bucket = "treasury"
)

// Role 标识参与者在分账中的身份。
type Role string

const (
	RoleCreator Role = "creator"
	RoleStaker  Role = "staker"
)

// Participant 是一次分账的参与者。Weight 是贡献权重：创作者通常用
// 使用次数，质押者用质押额，由调用方从注册表与账本取得。
type Participant struct {
	AgentID string `json:"agent_id"`
	Role    Role   `json:"role"`
	Weight  int64  `json:"weight"`
}

// Share 是计算阶段得出的单笔应得份额。
type Share struct {
	AgentID string `json:"agent_id"`
	Bucket  Bucket `json:"bucket"`
	Amount  int64  `json:"amount"`
}

// Record 是一次已提交分账的完整记录。Shares 的金额之和严格等于
// Total。
type Record struct {
	ID          string           `json:"id"`
	Period      string           `json:"period"`
	Total       int64            `json:"total"`
	Buckets     map[Bucket]int64 `json:"buckets"`
	Shares      []Share          `json:"shares"`
	CommittedAt int64            `json:"committed_at"`
}

var (
	// ErrReconciliation 表示分账校验失败：份额之和与总额不符。
	// 该轮分账整体回滚，不留下任何部分入账。
	ErrReconciliation = xerrors.New(CodeReconciliation, "分账对账失败")
)

// CodeReconciliation 是分账对账失败的统一错误码。
const CodeReconciliation xerrors.Code = "RECONCILIATION_FAILED"

func init() {
	xerrors.Register(CodeReconciliation, xerrors.Attributes{
		Message:   "revenue distribution failed to reconcile",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
