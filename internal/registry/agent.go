package registry

import (
	xerrors "AgentMesh/internal/errors"
)

// Tier 表示质押档位，决定注册所需的最低质押额。
type Tier string

const (
	TierHobbyist     Tier = "hobbyist"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// IsValidTier 检查给定档位是否为支持的枚举值。
func IsValidTier(tier Tier) bool {
	switch tier {
	case TierHobbyist, TierProfessional, TierEnterprise:
		return true
	default:
		return false
	}
}

// Profile 是注册请求中由调用方提供的身份信息。
type Profile struct {
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Capabilities []string `json:"capabilities"`
	Tier         Tier     `json:"tier"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
}

// Agent 描述一个已注册的智能体。质押余额保存在账本中，此处只保留
// 身份、能力、信誉与执行计数。
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Capabilities []string `json:"capabilities"`
	Tier         Tier     `json:"tier"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
	Reputation   float64  `json:"reputation"`
	Attempted    int64    `json:"attempted"`
	Succeeded    int64    `json:"succeeded"`
	RegisteredAt int64    `json:"registered_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "智能体不存在")
	// ErrDuplicateAgent 表示同一身份重复注册。
	ErrDuplicateAgent = xerrors.New(CodeDuplicateAgent, "智能体身份已注册", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInsufficientStake 表示质押金额低于所选档位的最低要求。
	ErrInsufficientStake = xerrors.New(CodeInsufficientStake, "质押金额低于档位下限")
	// ErrAgentBusy 表示智能体仍有未终结的托管合约，无法注销。
	ErrAgentBusy = xerrors.New(CodeAgentBusy, "智能体存在未终结的托管合约")
	// ErrCooldownActive 表示注销冷却期尚未结束。
	ErrCooldownActive = xerrors.New(CodeCooldownActive, "注销冷却期未结束")
)

const (
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeDuplicateAgent    xerrors.Code = "AGENT_EXISTS"
	CodeInsufficientStake xerrors.Code = "INSUFFICIENT_STAKE"
	CodeAgentBusy         xerrors.Code = "AGENT_BUSY"
	CodeCooldownActive    xerrors.Code = "COOLDOWN_ACTIVE"
	CodeValidation        xerrors.Code = "AGENT_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateAgent, xerrors.Attributes{
		Message:   "agent identity already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientStake, xerrors.Attributes{
		Message:   "stake below tier minimum",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentBusy, xerrors.Attributes{
		Message:   "agent has open escrows",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCooldownActive, xerrors.Attributes{
		Message:   "deregistration cooldown active",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "agent profile validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// HasCapabilities 判断智能体的能力集是否覆盖查询集合。
func (a *Agent) HasCapabilities(query []string) bool {
	if a == nil {
		return false
	}
	owned := make(map[string]struct{}, len(a.Capabilities))
	for _, capability := range a.Capabilities {
		owned[capability] = struct{}{}
	}
	for _, capability := range query {
		if _, ok := owned[capability]; !ok {
			return false
		}
	}
	return true
}

func cloneAgent(agent *Agent) *Agent {
	clone := *agent
	clone.Capabilities = append([]string(nil), agent.Capabilities...)
	return &clone
}
