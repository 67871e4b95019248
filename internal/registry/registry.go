package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentMesh/internal/compliance"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/internal/ledger"
	"AgentMesh/pkg/logger"
)

// EscrowChecker 回答某个智能体是否仍有未终结的托管合约。
// 由托管模块在装配阶段注入，避免注册表反向依赖托管。
type EscrowChecker interface {
	HasOpenEscrows(ctx context.Context, agentID string) (bool, error)
}

// Config 汇总注册表的经济参数。
type Config struct {
	TierMinimums      map[Tier]int64
	DefaultReputation float64
	ReputationAlpha   float64
	Cooldown          time.Duration
}

// Registry 管理智能体身份、能力广告、档位质押与信誉。
type Registry struct {
	store      Store
	ledger     *ledger.Ledger
	gate       compliance.Gate
	recorder   *events.Recorder
	escrows    EscrowChecker
	minimums   map[Tier]int64
	defaultRep float64
	alpha      float64
	cooldown   time.Duration
}

// New 构造注册表服务。
func New(store Store, lgr *ledger.Ledger, gate compliance.Gate, recorder *events.Recorder, cfg Config) *Registry {
	minimums := cfg.TierMinimums
	if len(minimums) == 0 {
		minimums = map[Tier]int64{
			TierHobbyist:     50,
			TierProfessional: 250,
			TierEnterprise:   1000,
		}
	}
	defaultRep := cfg.DefaultReputation
	if defaultRep <= 0 {
		defaultRep = 0.5
	}
	alpha := cfg.ReputationAlpha
	if alpha <= 0 {
		alpha = 0.2
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	return &Registry{
		store:      store,
		ledger:     lgr,
		gate:       gate,
		recorder:   recorder,
		minimums:   minimums,
		defaultRep: defaultRep,
		alpha:      alpha,
		cooldown:   cooldown,
	}
}

// SetEscrowChecker 注入托管检查器，在装配阶段调用一次。
func (r *Registry) SetEscrowChecker(checker EscrowChecker) {
	r.escrows = checker
}

// TierMinimum 返回档位的最低质押额。
func (r *Registry) TierMinimum(tier Tier) int64 {
	return r.minimums[tier]
}

// Register 注册一个新的智能体并锁定注册质押。
// 质押金额低于档位下限时返回 ErrInsufficientStake，不产生任何状态。
func (r *Registry) Register(ctx context.Context, profile Profile, stakeAmount int64) (*Agent, error) {
	if r.store == nil || r.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表未初始化")
	}
	if strings.TrimSpace(profile.Name) == "" {
		return nil, xerrors.New(CodeValidation, "智能体名称不能为空")
	}
	if strings.TrimSpace(profile.Owner) == "" {
		return nil, xerrors.New(CodeValidation, "owner 不能为空")
	}
	if !IsValidTier(profile.Tier) {
		return nil, xerrors.New(CodeValidation, "不支持的质押档位")
	}
	minimum, ok := r.minimums[profile.Tier]
	if !ok || stakeAmount < minimum {
		return nil, xerrors.Wrap(CodeInsufficientStake, nil,
			"质押金额低于档位下限",
			xerrors.WithMetadata("tier", string(profile.Tier)),
		)
	}

	jurisdiction := compliance.NormalizeJurisdiction(profile.Jurisdiction)
	if r.gate != nil {
		if err := r.gate.Check(ctx, compliance.Operation{
			Name:         "registry.register",
			Amount:       stakeAmount,
			Jurisdiction: jurisdiction,
			Metadata:     map[string]string{"owner": profile.Owner},
		}); err != nil {
			return nil, err
		}
	}

	agent := &Agent{
		ID:           uuid.NewString(),
		Name:         profile.Name,
		Owner:        profile.Owner,
		Capabilities: append([]string(nil), profile.Capabilities...),
		Tier:         profile.Tier,
		Jurisdiction: string(jurisdiction),
		Reputation:   r.defaultRep,
		RegisteredAt: time.Now().Unix(),
	}
	if err := r.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	if err := r.ledger.Deposit(ctx, agent.ID, stakeAmount); err != nil {
		_ = r.store.Delete(ctx, agent.ID)
		return nil, err
	}
	if _, err := r.ledger.Lock(ctx, agent.ID, minimum, ledger.LockReasonRegistration); err != nil {
		_ = r.store.Delete(ctx, agent.ID)
		return nil, err
	}

	r.record(ctx, agent, "registered", map[string]any{"stake": stakeAmount})
	logger.Audit().Info("智能体注册成功",
		slog.String("agent_id", agent.ID),
		slog.String("owner", agent.Owner),
		slog.String("tier", string(agent.Tier)),
		slog.Int64("stake", stakeAmount),
	)
	return cloneAgent(agent), nil
}

// Find 返回能力集覆盖查询、信誉不低于阈值的智能体，排序稳定且确定：
// 信誉降序，其次质押降序，再次注册时间升序，最后按 ID 升序兜底。
func (r *Registry) Find(ctx context.Context, capabilities []string, minReputation float64) ([]*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表未初始化")
	}
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*Agent, 0, len(all))
	for _, agent := range all {
		if agent.Reputation < minReputation {
			continue
		}
		if !agent.HasCapabilities(capabilities) {
			continue
		}
		matched = append(matched, agent)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		stakeA, stakeB := r.ledger.StakedAmount(a.ID), r.ledger.StakedAmount(b.ID)
		if stakeA != stakeB {
			return stakeA > stakeB
		}
		if a.RegisteredAt != b.RegisteredAt {
			return a.RegisteredAt < b.RegisteredAt
		}
		return a.ID < b.ID
	})
	return matched, nil
}

// Get 返回指定智能体。
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表未初始化")
	}
	return r.store.Get(ctx, agentID)
}

// RecordOutcome 记录一次执行结果，按指数滑动平均更新信誉。
func (r *Registry) RecordOutcome(ctx context.Context, agentID string, success bool) (*Agent, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表未初始化")
	}
	agent, err := r.store.UpdateOutcome(ctx, agentID, success, r.alpha)
	if err != nil {
		return nil, err
	}
	r.record(ctx, agent, "outcome", map[string]any{"success": success, "reputation": agent.Reputation})
	return agent, nil
}

// Deregister 注销智能体：要求没有未终结的托管合约，且注册时间已超过
// 冷却期。成功后归还全部质押。
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	if r.store == nil || r.ledger == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "注册表未初始化")
	}
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if r.escrows != nil {
		open, err := r.escrows.HasOpenEscrows(ctx, agentID)
		if err != nil {
			return err
		}
		if open {
			return ErrAgentBusy
		}
	}
	if time.Since(time.Unix(agent.RegisteredAt, 0)) < r.cooldown {
		return ErrCooldownActive
	}
	if r.gate != nil {
		if err := r.gate.Check(ctx, compliance.Operation{
			Name:         "registry.deregister",
			AgentID:      agentID,
			Jurisdiction: compliance.NormalizeJurisdiction(agent.Jurisdiction),
		}); err != nil {
			return err
		}
	}
	if _, err := r.ledger.ReleaseByReason(ctx, agentID, ledger.LockReasonRegistration); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, agentID); err != nil {
		return err
	}
	r.record(ctx, agent, "deregistered", nil)
	logger.Audit().Info("智能体注销", slog.String("agent_id", agentID))
	return nil
}

// Alpha 返回当前配置的信誉学习率。
func (r *Registry) Alpha() float64 {
	return r.alpha
}

func (r *Registry) record(ctx context.Context, agent *Agent, kind string, payload any) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, events.EntityAgent, agent.ID, kind, payload, agent); err != nil {
		logger.L().Error("注册表事件落盘失败",
			slog.Any("error", err),
			slog.String("agent_id", agent.ID),
			slog.String("kind", kind),
		)
	}
}
