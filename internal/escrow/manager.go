package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentMesh/internal/attest"
	"AgentMesh/internal/compliance"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/internal/funds"
	"AgentMesh/internal/ledger"
	"AgentMesh/internal/proof"
	"AgentMesh/internal/registry"
	"AgentMesh/pkg/backoff"
	"AgentMesh/pkg/logger"
)

// AgentDirectory 是托管模块对注册表的窄依赖。
type AgentDirectory interface {
	Get(ctx context.Context, agentID string) (*registry.Agent, error)
	RecordOutcome(ctx context.Context, agentID string, success bool) (*registry.Agent, error)
}

// Verdict 是一次证明提交的裁定。
type Verdict string

const (
	VerdictVerified Verdict = "verified"
	VerdictRejected Verdict = "rejected"
)

// Receipt 是 SubmitProof 的回执。放款成功但外部存证失败时，
// AttestError 携带失败原因而不阻塞放款。
type Receipt struct {
	EscrowID    string  `json:"escrow_id"`
	Verdict     Verdict `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason,omitempty"`
	AttestRef   string  `json:"attest_ref,omitempty"`
	AttestError string  `json:"attest_error,omitempty"`
}

// Config 汇总托管模块的可调参数。
type Config struct {
	// CollateralBps 是按托管金额计算智能体抵押的万分比。
	CollateralBps int64
	// Retry 控制跨外部协作方边界调用的重试策略。
	Retry backoff.Policy
}

// Manager 驱动托管合约的完整生命周期。同一合约上的操作串行执行，
// 不同合约完全并发。
type Manager struct {
	store         Store
	ledger        *ledger.Ledger
	funds         funds.Provider
	verifier      *proof.Verifier
	agents        AgentDirectory
	gate          compliance.Gate
	recorder      *events.Recorder
	attestor      attest.Attestor
	collateralBps int64
	retry         backoff.Policy

	mu     sync.Mutex
	guards map[string]*sync.Mutex
}

// NewManager 构造托管管理器。
func NewManager(store Store, lgr *ledger.Ledger, provider funds.Provider, verifier *proof.Verifier,
	agents AgentDirectory, gate compliance.Gate, recorder *events.Recorder, attestor attest.Attestor, cfg Config) *Manager {
	collateralBps := cfg.CollateralBps
	if collateralBps <= 0 {
		collateralBps = 1000
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = backoff.DefaultPolicy
	}
	return &Manager{
		store:         store,
		ledger:        lgr,
		funds:         provider,
		verifier:      verifier,
		agents:        agents,
		gate:          gate,
		recorder:      recorder,
		attestor:      attestor,
		collateralBps: collateralBps,
		retry:         retry,
	}
}

// guard 返回指定合约的串行化互斥量。
func (m *Manager) guard(escrowID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guards == nil {
		m.guards = make(map[string]*sync.Mutex)
	}
	g, ok := m.guards[escrowID]
	if !ok {
		g = &sync.Mutex{}
		m.guards[escrowID] = g
	}
	return g
}

// CollateralFor 按万分比计算托管金额对应的抵押额，结果至少为 1。
func (m *Manager) CollateralFor(amount int64) int64 {
	collateral := amount * m.collateralBps / 10000
	if collateral < 1 {
		collateral = 1
	}
	return collateral
}

// Create 创建一份托管合约：同时锁定客户资金与智能体抵押，两把锁
// 任何一把失败都会回滚另一把，绝不留下半锁定状态。成功后合约立即
// 进入 Funded。
func (m *Manager) Create(ctx context.Context, clientID, agentID string, amount int64, deadline time.Time, criteria proof.Criteria) (*Contract, error) {
	if clientID == "" || agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "client 与 agent 不能为空")
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正")
	}
	if !deadline.After(time.Now()) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "截止时间必须在未来")
	}

	agent, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if m.gate != nil {
		if err := m.gate.Check(ctx, compliance.Operation{
			Name:         "escrow.create",
			AgentID:      agentID,
			Amount:       amount,
			Jurisdiction: compliance.NormalizeJurisdiction(agent.Jurisdiction),
			Metadata:     map[string]string{"client": clientID},
		}); err != nil {
			return nil, err
		}
	}

	contract := &Contract{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		AgentID:    agentID,
		Amount:     amount,
		Collateral: m.CollateralFor(amount),
		Deadline:   deadline.Unix(),
		Criteria:   criteria,
		State:      StateCreated,
		CreatedAt:  time.Now().Unix(),
		UpdatedAt:  time.Now().Unix(),
	}
	contract.Criteria.EscrowID = contract.ID

	var fundsLock funds.LockID
	var lockErr error
	err = backoff.Do(ctx, m.retry, func(ctx context.Context) error {
		fundsLock, lockErr = m.funds.Lock(ctx, clientID, amount, "escrow:"+contract.ID+":fund")
		if lockErr != nil && !xerrors.RetryableError(lockErr) {
			// 余额不足这类业务性失败重试没有意义，立即放弃。
			return nil
		}
		return lockErr
	})
	if err == nil {
		err = lockErr
	}
	if err != nil {
		return nil, err
	}
	contract.FundsLockID = fundsLock

	stakeLock, err := m.ledger.Lock(ctx, agentID, contract.Collateral, ledger.LockReasonEscrow)
	if err != nil {
		_ = m.funds.Release(ctx, fundsLock)
		return nil, err
	}
	contract.CollateralLockID = stakeLock.ID

	if err := m.store.Create(ctx, contract); err != nil {
		_ = m.funds.Release(ctx, fundsLock)
		_, _ = m.ledger.Release(ctx, stakeLock.ID)
		return nil, err
	}
	m.record(ctx, contract, "created", map[string]any{"amount": amount, "collateral": contract.Collateral})

	if err := m.transition(ctx, contract, StateFunded, "funded", nil); err != nil {
		return nil, err
	}
	logger.Audit().Info("托管合约创建",
		slog.String("escrow_id", contract.ID),
		slog.String("client_id", clientID),
		slog.String("agent_id", agentID),
		slog.Int64("amount", amount),
		slog.Int64("collateral", contract.Collateral),
	)
	return cloneContract(contract), nil
}

// Get 返回合约快照。
func (m *Manager) Get(ctx context.Context, escrowID string) (*Contract, error) {
	return m.store.Get(ctx, escrowID)
}

// Start 表示智能体接单，合约进入执行中。
func (m *Manager) Start(ctx context.Context, escrowID string) (*Contract, error) {
	g := m.guard(escrowID)
	g.Lock()
	defer g.Unlock()

	contract, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !contract.State.CanTransition(StateInProgress) {
		return nil, transitionError(contract, StateInProgress)
	}
	if err := m.transition(ctx, contract, StateInProgress, "started", nil); err != nil {
		return nil, err
	}
	return cloneContract(contract), nil
}

// SubmitProof 提交完成证明。验证通过立即放款并释放抵押；验证失败
// 合约退回执行中，截止时间前可以重新提交。
func (m *Manager) SubmitProof(ctx context.Context, escrowID string, p proof.Proof) (*Receipt, error) {
	g := m.guard(escrowID)
	g.Lock()
	defer g.Unlock()

	contract, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !contract.State.CanTransition(StateProofSubmitted) {
		return nil, transitionError(contract, StateProofSubmitted)
	}
	now := time.Now()
	if now.Unix() > contract.Deadline {
		return nil, xerrors.New(CodeEscrowState, "截止时间已过，等待超时处理",
			xerrors.WithMetadata("escrow_id", contract.ID))
	}

	contract.Proof = &p
	if err := m.transition(ctx, contract, StateProofSubmitted, "proof_submitted", map[string]any{
		"submitted_at": p.SubmittedAt,
	}); err != nil {
		return nil, err
	}

	result, err := m.verifier.Verify(p, contract.Criteria, now)
	if err != nil {
		// 验证器自身出错不是裁定，合约退回执行中等待重试。
		_ = m.transition(ctx, contract, StateInProgress, "proof_errored", map[string]any{"error": err.Error()})
		return nil, err
	}
	if !result.Valid {
		if err := m.transition(ctx, contract, StateInProgress, "proof_rejected", map[string]any{
			"reason": result.Reason,
		}); err != nil {
			return nil, err
		}
		receipt := &Receipt{EscrowID: contract.ID, Verdict: VerdictRejected, Reason: result.Reason}
		return receipt, xerrors.Wrap(proof.CodeProofInvalid, nil, result.Reason,
			xerrors.WithMetadata("escrow_id", contract.ID))
	}

	if err := m.releaseToAgent(ctx, contract); err != nil {
		// 放款重试耗尽：退回执行中，裁定不落地，留待重新提交。
		_ = m.transition(ctx, contract, StateInProgress, "release_failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	if err := m.transition(ctx, contract, StateVerified, "verified", map[string]any{
		"confidence": result.Confidence,
	}); err != nil {
		return nil, err
	}

	if _, err := m.ledger.Release(ctx, contract.CollateralLockID); err != nil {
		logger.L().Error("抵押释放失败",
			slog.String("escrow_id", contract.ID),
			slog.Any("error", err),
		)
	}
	if _, err := m.agents.RecordOutcome(ctx, contract.AgentID, true); err != nil {
		logger.L().Error("执行结果记录失败",
			slog.String("escrow_id", contract.ID),
			slog.Any("error", err),
		)
	}

	receipt := &Receipt{EscrowID: contract.ID, Verdict: VerdictVerified, Confidence: result.Confidence}
	if m.attestor != nil {
		ref, attestErr := m.attestor.Attest(ctx, contract.ID, p)
		if attestErr != nil {
			receipt.AttestError = attestErr.Error()
			contract.AttestError = attestErr.Error()
		} else {
			receipt.AttestRef = string(ref)
			contract.AttestRef = string(ref)
		}
	}

	if err := m.transition(ctx, contract, StateReleased, "released", map[string]any{
		"amount": contract.Amount,
	}); err != nil {
		return receipt, err
	}
	logger.Audit().Info("托管放款完成",
		slog.String("escrow_id", contract.ID),
		slog.String("agent_id", contract.AgentID),
		slog.Int64("amount", contract.Amount),
		slog.Float64("confidence", result.Confidence),
	)
	return receipt, nil
}

// Dispute 在终态到达前由任意一方发起争议，冻结状态机等待外部仲裁。
func (m *Manager) Dispute(ctx context.Context, escrowID, party string) (*Contract, error) {
	g := m.guard(escrowID)
	g.Lock()
	defer g.Unlock()

	contract, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !contract.State.CanTransition(StateDisputed) {
		return nil, transitionError(contract, StateDisputed)
	}
	contract.DisputedBy = party
	if err := m.transition(ctx, contract, StateDisputed, "disputed", map[string]any{"party": party}); err != nil {
		return nil, err
	}
	logger.Audit().Warn("托管争议发起",
		slog.String("escrow_id", contract.ID),
		slog.String("party", party),
	)
	return cloneContract(contract), nil
}

// Resolve 依据外部仲裁结论终结一份争议中的合约，放款或退款只会
// 发生一次。
func (m *Manager) Resolve(ctx context.Context, escrowID string, resolution Resolution) (*Contract, error) {
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的仲裁结论")
	}
	g := m.guard(escrowID)
	g.Lock()
	defer g.Unlock()

	contract, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if contract.State != StateDisputed {
		return nil, transitionError(contract, StateReleased)
	}
	contract.Resolution = resolution

	switch resolution {
	case ResolutionRelease:
		if err := m.releaseToAgent(ctx, contract); err != nil {
			return nil, err
		}
		m.settle(ctx, contract, true)
		if err := m.transition(ctx, contract, StateReleased, "resolved", map[string]any{"resolution": resolution}); err != nil {
			return nil, err
		}
	case ResolutionRefund:
		if err := m.refundClient(ctx, contract); err != nil {
			return nil, err
		}
		m.settle(ctx, contract, false)
		if err := m.transition(ctx, contract, StateRefunded, "resolved", map[string]any{"resolution": resolution}); err != nil {
			return nil, err
		}
	}
	logger.Audit().Info("托管争议裁定",
		slog.String("escrow_id", contract.ID),
		slog.String("resolution", string(resolution)),
	)
	return cloneContract(contract), nil
}

// ExpireCheck 扫描全部活跃合约，把越过截止时间且尚未提交证明的合约
// 推进到 Expired 再 Refunded：客户资金退回，智能体抵押释放而非罚没。
// 退款失败的合约停在 Expired，下一轮扫描会重试退款直到成功，锁定的
// 资金不会被永久搁置。返回本轮处理的合约数。
func (m *Manager) ExpireCheck(ctx context.Context, now time.Time) (int, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, snapshot := range active {
		switch snapshot.State {
		case StateCreated, StateFunded, StateInProgress, StateExpired:
		default:
			continue
		}
		if snapshot.Deadline >= now.Unix() {
			continue
		}
		if err := m.expireOne(ctx, snapshot.ID, now); err != nil {
			logger.L().Error("托管超时处理失败",
				slog.String("escrow_id", snapshot.ID),
				slog.Any("error", err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expireOne(ctx context.Context, escrowID string, now time.Time) error {
	g := m.guard(escrowID)
	g.Lock()
	defer g.Unlock()

	// 拿到串行锁后重读，避免与并发的证明提交竞争。
	contract, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	switch contract.State {
	case StateCreated, StateFunded, StateInProgress, StateExpired:
	default:
		return nil
	}
	if contract.Deadline >= now.Unix() {
		return nil
	}

	// 上一轮退款失败遗留的 Expired 合约直接重试退款。
	if contract.State != StateExpired {
		if err := m.transition(ctx, contract, StateExpired, "expired", nil); err != nil {
			return err
		}
	}
	if err := m.refundClient(ctx, contract); err != nil {
		return err
	}
	m.settle(ctx, contract, false)
	if err := m.transition(ctx, contract, StateRefunded, "refunded", map[string]any{"amount": contract.Amount}); err != nil {
		return err
	}
	logger.Audit().Info("托管超时退款",
		slog.String("escrow_id", contract.ID),
		slog.String("client_id", contract.ClientID),
		slog.Int64("amount", contract.Amount),
	)
	return nil
}

// HasOpenEscrows 实现注册表的 EscrowChecker。
func (m *Manager) HasOpenEscrows(ctx context.Context, agentID string) (bool, error) {
	contracts, err := m.store.ListByAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, contract := range contracts {
		if !contract.State.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// releaseToAgent 把锁定的客户资金划转给智能体，带有界重试。
func (m *Manager) releaseToAgent(ctx context.Context, contract *Contract) error {
	err := backoff.Do(ctx, m.retry, func(ctx context.Context) error {
		_, transferErr := m.funds.Transfer(ctx,
			funds.LockRef(contract.FundsLockID), contract.AgentID, contract.Amount,
			"escrow:"+contract.ID+":release")
		return transferErr
	})
	if err != nil {
		return xerrors.Wrap(CodeReleaseFailed, err,
			fmt.Sprintf("放款在 %d 次重试后仍然失败", m.retry.Attempts),
			xerrors.WithMetadata("escrow_id", contract.ID))
	}
	return nil
}

// refundClient 释放客户资金锁定，带有界重试。
func (m *Manager) refundClient(ctx context.Context, contract *Contract) error {
	err := backoff.Do(ctx, m.retry, func(ctx context.Context) error {
		return m.funds.Release(ctx, contract.FundsLockID)
	})
	if err != nil {
		return xerrors.Wrap(CodeReleaseFailed, err, "客户资金退回失败",
			xerrors.WithMetadata("escrow_id", contract.ID))
	}
	return nil
}

// settle 释放抵押并记录执行结果，失败只记录不阻塞终结流程。
func (m *Manager) settle(ctx context.Context, contract *Contract, success bool) {
	if _, err := m.ledger.Release(ctx, contract.CollateralLockID); err != nil {
		logger.L().Error("抵押释放失败",
			slog.String("escrow_id", contract.ID),
			slog.Any("error", err),
		)
	}
	if _, err := m.agents.RecordOutcome(ctx, contract.AgentID, success); err != nil {
		logger.L().Error("执行结果记录失败",
			slog.String("escrow_id", contract.ID),
			slog.Any("error", err),
		)
	}
}

// transition 推进状态机并持久化、记录事件。调用方必须已确认迁移合法
// 或依赖这里的最终校验。
func (m *Manager) transition(ctx context.Context, contract *Contract, to State, kind string, payload map[string]any) error {
	if !contract.State.CanTransition(to) {
		return transitionError(contract, to)
	}
	contract.State = to
	contract.UpdatedAt = time.Now().Unix()
	if err := m.store.Update(ctx, contract); err != nil {
		return err
	}
	m.record(ctx, contract, kind, payload)
	return nil
}

func transitionError(contract *Contract, to State) error {
	return xerrors.New(CodeEscrowState,
		fmt.Sprintf("托管状态 %s 不允许迁移到 %s", contract.State, to),
		xerrors.WithMetadata("escrow_id", contract.ID),
		xerrors.WithMetadata("from", string(contract.State)),
		xerrors.WithMetadata("to", string(to)),
	)
}

func (m *Manager) record(ctx context.Context, contract *Contract, kind string, payload any) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(ctx, events.EntityEscrow, contract.ID, kind, payload, contract); err != nil {
		logger.L().Error("托管事件落盘失败",
			slog.Any("error", err),
			slog.String("escrow_id", contract.ID),
			slog.String("kind", kind),
		)
	}
}

var _ AgentDirectory = (*registry.Registry)(nil)
