package distribution

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"AgentMesh/internal/compliance"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/internal/ledger"
	"AgentMesh/pkg/logger"
)

// Config 汇总分账参数。三个万分比之和必须等于 10000。
type Config struct {
	CreatorsBps     int64
	StakersBps      int64
	TreasuryBps     int64
	TreasuryAccount string
}

// Distributor 执行两阶段加提交的收益分账。
type Distributor struct {
	ledger   *ledger.Ledger
	gate     compliance.Gate
	recorder *events.Recorder
	cfg      Config
}

// New 构造分账器。万分比之和不等于 10000 时返回错误，这类配置错误
// 必须在装配阶段暴露而不是留到第一次分账。
func New(lgr *ledger.Ledger, gate compliance.Gate, recorder *events.Recorder, cfg Config) (*Distributor, error) {
	if cfg.CreatorsBps+cfg.StakersBps+cfg.TreasuryBps != 10000 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "分账万分比之和必须等于 10000")
	}
	if cfg.TreasuryAccount == "" {
		cfg.TreasuryAccount = "treasury"
	}
	return &Distributor{ledger: lgr, gate: gate, recorder: recorder, cfg: cfg}, nil
}

// Distribute 对一个周期执行完整分账。三个阶段：
//  1. 计算每个参与者的份额，不做任何入账；
//  2. 校验份额之和严格等于总额，余数已全部归入金库桶；
//  3. 原子提交全部入账，任何一笔失败则回滚已入账的部分。
func (d *Distributor) Distribute(ctx context.Context, total int64, period string, participants []Participant) (*Record, error) {
	if total <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "分账总额必须为正")
	}
	for _, p := range participants {
		if p.AgentID == "" || p.Weight < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参与者记录不完整")
		}
	}
	if d.gate != nil {
		if err := d.gate.Check(ctx, compliance.Operation{
			Name:    "distribution.run",
			AgentID: d.cfg.TreasuryAccount,
			Amount:  total,
			Metadata: map[string]string{
				"period": period,
			},
		}); err != nil {
			return nil, err
		}
	}

	record := &Record{
		ID:     uuid.NewString(),
		Period: period,
		Total:  total,
	}

	shares, buckets, err := d.computeShares(total, participants)
	if err != nil {
		return nil, err
	}
	record.Shares = shares
	record.Buckets = buckets

	var sum int64
	for _, share := range shares {
		sum += share.Amount
	}
	if sum != total {
		// 计算阶段保证了余数全部归入金库，到这里不相等说明算法或
		// 输入被破坏，整轮作废。
		logger.L().Error("分账对账失败",
			slog.String("distribution_id", record.ID),
			slog.Int64("total", total),
			slog.Int64("sum", sum),
		)
		return nil, xerrors.Wrap(CodeReconciliation, nil, "份额之和与总额不符",
			xerrors.WithMetadata("distribution_id", record.ID))
	}

	if err := d.commit(ctx, record); err != nil {
		return nil, err
	}
	record.CommittedAt = time.Now().Unix()

	d.record(ctx, record)
	logger.Audit().Info("分账提交完成",
		slog.String("distribution_id", record.ID),
		slog.String("period", period),
		slog.Int64("total", total),
		slog.Int("shares", len(record.Shares)),
	)
	return record, nil
}

// computeShares 是纯计算阶段：切桶、桶内按权重向下取整、余数归金库。
func (d *Distributor) computeShares(total int64, participants []Participant) ([]Share, map[Bucket]int64, error) {
	creatorsAmount := total * d.cfg.CreatorsBps / 10000
	stakersAmount := total * d.cfg.StakersBps / 10000
	treasuryAmount := total - creatorsAmount - stakersAmount

	var creators, stakers []Participant
	for _, p := range participants {
		switch p.Role {
		case RoleCreator:
			creators = append(creators, p)
		case RoleStaker:
			stakers = append(stakers, p)
		default:
			return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的参与者身份")
		}
	}

	shares := make([]Share, 0, len(participants)+1)

	creatorShares, creatorResidual := proRata(creatorsAmount, creators, BucketCreators)
	shares = append(shares, creatorShares...)
	treasuryAmount += creatorResidual

	stakerShares, stakerResidual := proRata(stakersAmount, stakers, BucketStakers)
	shares = append(shares, stakerShares...)
	treasuryAmount += stakerResidual

	if treasuryAmount > 0 {
		shares = append(shares, Share{AgentID: d.cfg.TreasuryAccount, Bucket: BucketTreasury, Amount: treasuryAmount})
	}

	buckets := map[Bucket]int64{
		BucketCreators: creatorsAmount - creatorResidual,
		BucketStakers:  stakersAmount - stakerResidual,
		BucketTreasury: treasuryAmount,
	}
	return shares, buckets, nil
}

// proRata 在一个桶内按权重分配金额，向下取整，返回未分出的余数。
// 权重全为零或桶内无人时整桶金额都作为余数返回。排序保证同一输入
// 的分配结果确定。
func proRata(amount int64, participants []Participant, bucket Bucket) ([]Share, int64) {
	if amount <= 0 || len(participants) == 0 {
		return nil, amount
	}
	var totalWeight int64
	for _, p := range participants {
		totalWeight += p.Weight
	}
	if totalWeight <= 0 {
		return nil, amount
	}

	sorted := append([]Participant(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	shares := make([]Share, 0, len(sorted))
	var allocated int64
	for _, p := range sorted {
		share := amount * p.Weight / totalWeight
		if share == 0 {
			continue
		}
		shares = append(shares, Share{AgentID: p.AgentID, Bucket: bucket, Amount: share})
		allocated += share
	}
	return shares, amount - allocated
}

// commit 原子提交全部入账。任何一笔失败都会按相反顺序扣回已入账的
// 份额，保证要么全部生效要么全部不生效。
func (d *Distributor) commit(ctx context.Context, record *Record) error {
	applied := make([]Share, 0, len(record.Shares))
	for _, share := range record.Shares {
		if err := d.ledger.Credit(ctx, share.AgentID, share.Amount); err != nil {
			d.rollback(ctx, record.ID, applied)
			return xerrors.Wrap(CodeReconciliation, err, "分账入账失败，已整体回滚",
				xerrors.WithMetadata("distribution_id", record.ID),
				xerrors.WithMetadata("agent_id", share.AgentID))
		}
		applied = append(applied, share)
	}
	return nil
}

func (d *Distributor) rollback(ctx context.Context, distributionID string, applied []Share) {
	for i := len(applied) - 1; i >= 0; i-- {
		share := applied[i]
		if err := d.ledger.Debit(ctx, share.AgentID, share.Amount); err != nil {
			// 回滚失败意味着账本需要人工对账，必须大声告警。
			logger.L().Error("分账回滚失败",
				slog.String("distribution_id", distributionID),
				slog.String("agent_id", share.AgentID),
				slog.Int64("amount", share.Amount),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Distributor) record(ctx context.Context, rec *Record) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(ctx, events.EntityDistribution, rec.ID, "committed", map[string]any{
		"period": rec.Period,
		"total":  rec.Total,
		"shares": len(rec.Shares),
	}, rec); err != nil {
		logger.L().Error("分账事件落盘失败",
			slog.Any("error", err),
			slog.String("distribution_id", rec.ID),
		)
	}
}
