package distribution

import (
	"context"
	"fmt"
	"testing"

	"AgentMesh/internal/ledger"
)

func newDistributor(t *testing.T) (*Distributor, *ledger.Ledger) {
	t.Helper()
	lgr := ledger.New(nil)
	d, err := New(lgr, nil, nil, Config{
		CreatorsBps: 7000,
		StakersBps:  2000,
		TreasuryBps: 1000,
	})
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}
	return d, lgr
}

func sumShares(shares []Share) int64 {
	var sum int64
	for _, s := range shares {
		sum += s.Amount
	}
	return sum
}

func TestSplitBucketsAndReconcile(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	record, err := d.Distribute(ctx, 10000, "2026-08", []Participant{
		{AgentID: "creator-1", Role: RoleCreator, Weight: 3},
		{AgentID: "creator-2", Role: RoleCreator, Weight: 1},
		{AgentID: "staker-1", Role: RoleStaker, Weight: 500},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != 10000 {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}

	// creators 桶 7000 按 3:1 分配。
	if lgr.StakedAmount("creator-1") != 5250 || lgr.StakedAmount("creator-2") != 1750 {
		t.Fatalf("creator shares wrong: %d / %d",
			lgr.StakedAmount("creator-1"), lgr.StakedAmount("creator-2"))
	}
	if lgr.StakedAmount("staker-1") != 2000 {
		t.Fatalf("staker share wrong: %d", lgr.StakedAmount("staker-1"))
	}
	if lgr.StakedAmount("treasury") != 1000 {
		t.Fatalf("treasury share wrong: %d", lgr.StakedAmount("treasury"))
	}
}

func TestResidualGoesToTreasury(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	// 1003 切桶与桶内取整都会产生余数。
	record, err := d.Distribute(ctx, 1003, "2026-08", []Participant{
		{AgentID: "creator-1", Role: RoleCreator, Weight: 1},
		{AgentID: "creator-2", Role: RoleCreator, Weight: 1},
		{AgentID: "creator-3", Role: RoleCreator, Weight: 1},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != 1003 {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}
	var total int64
	for _, id := range []string{"creator-1", "creator-2", "creator-3", "treasury"} {
		total += lgr.StakedAmount(id)
	}
	if total != 1003 {
		t.Fatalf("ledger credits do not reconcile: %d", total)
	}
}

func TestSingleParticipant(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	record, err := d.Distribute(ctx, 100, "2026-08", []Participant{
		{AgentID: "solo", Role: RoleCreator, Weight: 42},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != 100 {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}
	// 没有 staker，staker 桶整体归入金库。
	if lgr.StakedAmount("solo") != 70 {
		t.Fatalf("solo creator share wrong: %d", lgr.StakedAmount("solo"))
	}
	if lgr.StakedAmount("treasury") != 30 {
		t.Fatalf("treasury should absorb the empty bucket: %d", lgr.StakedAmount("treasury"))
	}
}

func TestTwoParticipantsOnePerBucket(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	// 1001 不能被桶比例整除，切桶余数进金库。
	record, err := d.Distribute(ctx, 1001, "2026-08", []Participant{
		{AgentID: "creator-1", Role: RoleCreator, Weight: 2},
		{AgentID: "staker-1", Role: RoleStaker, Weight: 1},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != 1001 {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}
	if lgr.StakedAmount("creator-1") != 700 {
		t.Fatalf("lone creator should take the whole bucket: %d", lgr.StakedAmount("creator-1"))
	}
	if lgr.StakedAmount("staker-1") != 200 {
		t.Fatalf("lone staker should take the whole bucket: %d", lgr.StakedAmount("staker-1"))
	}
	if lgr.StakedAmount("treasury") != 101 {
		t.Fatalf("treasury should hold its bucket plus the residual: %d", lgr.StakedAmount("treasury"))
	}
}

func TestMidSizedCohortReconcilesExactly(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	participants := make([]Participant, 0, 250)
	for i := 0; i < 175; i++ {
		participants = append(participants, Participant{
			AgentID: fmt.Sprintf("creator-%03d", i),
			Role:    RoleCreator,
			Weight:  int64(1 + i%13),
		})
	}
	for i := 0; i < 75; i++ {
		participants = append(participants, Participant{
			AgentID: fmt.Sprintf("staker-%03d", i),
			Role:    RoleStaker,
			Weight:  int64(1 + i%7),
		})
	}

	const total = 250019
	record, err := d.Distribute(ctx, total, "2026-08", participants)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != total {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}

	var credited int64
	for _, share := range record.Shares {
		credited += lgr.StakedAmount(share.AgentID)
	}
	if credited != total {
		t.Fatalf("ledger credits do not reconcile: %d", credited)
	}
}

func TestThousandParticipantsReconcileExactly(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	participants := make([]Participant, 0, 1000)
	for i := 0; i < 700; i++ {
		participants = append(participants, Participant{
			AgentID: fmt.Sprintf("creator-%03d", i),
			Role:    RoleCreator,
			Weight:  int64(1 + i%17),
		})
	}
	for i := 0; i < 300; i++ {
		participants = append(participants, Participant{
			AgentID: fmt.Sprintf("staker-%03d", i),
			Role:    RoleStaker,
			Weight:  int64(1 + i%29),
		})
	}

	const total = 999983
	record, err := d.Distribute(ctx, total, "2026-08", participants)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != total {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}

	var credited int64
	for _, share := range record.Shares {
		credited += lgr.StakedAmount(share.AgentID)
	}
	if credited != total {
		t.Fatalf("ledger credits do not reconcile: %d", credited)
	}
}

func TestZeroWeightBucketFallsToTreasury(t *testing.T) {
	d, lgr := newDistributor(t)
	ctx := context.Background()

	record, err := d.Distribute(ctx, 1000, "2026-08", []Participant{
		{AgentID: "creator-1", Role: RoleCreator, Weight: 0},
		{AgentID: "staker-1", Role: RoleStaker, Weight: 10},
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if sumShares(record.Shares) != 1000 {
		t.Fatalf("shares do not reconcile: %d", sumShares(record.Shares))
	}
	if lgr.StakedAmount("creator-1") != 0 {
		t.Fatalf("zero-weight creator should receive nothing")
	}
	if lgr.StakedAmount("treasury") != 800 {
		t.Fatalf("treasury should absorb the zero-weight bucket: %d", lgr.StakedAmount("treasury"))
	}
}

func TestConfigMustSumToWhole(t *testing.T) {
	if _, err := New(ledger.New(nil), nil, nil, Config{
		CreatorsBps: 7000,
		StakersBps:  2000,
		TreasuryBps: 500,
	}); err == nil {
		t.Fatalf("expected invalid bps split to be rejected")
	}
}

func TestRejectsNonPositiveTotal(t *testing.T) {
	d, _ := newDistributor(t)
	if _, err := d.Distribute(context.Background(), 0, "2026-08", nil); err == nil {
		t.Fatalf("expected zero total to be rejected")
	}
}
