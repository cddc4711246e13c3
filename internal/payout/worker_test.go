package payout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwork/escrowd/internal/dispute"
	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/payfast"
)

var (
	client     = ledger.Actor{ID: "CL1", Role: ledger.RoleClient}
	freelancer = ledger.Actor{ID: "FL1", Role: ledger.RoleFreelancer}
	operator   = ledger.Actor{ID: "op1", Role: ledger.RoleOperator}
)

// fakeProvider answers payouts with respond, or success by default.
type fakeProvider struct {
	mu       sync.Mutex
	requests []payfast.PayoutRequest
	respond  func(n int, req payfast.PayoutRequest) (*payfast.PayoutReceipt, error)
}

func (p *fakeProvider) SubmitPayout(_ context.Context, req payfast.PayoutRequest) (*payfast.PayoutReceipt, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	p.mu.Unlock()
	if p.respond != nil {
		return p.respond(n, req)
	}
	return &payfast.PayoutReceipt{ProviderRef: "PF-" + req.Reference}, nil
}

func (p *fakeProvider) calls() []payfast.PayoutRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payfast.PayoutRequest(nil), p.requests...)
}

type fixture struct {
	store    *ledger.MemoryStore
	escrows  *escrow.Service
	disputes *dispute.Service
	provider *fakeProvider
	worker   *Worker
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		provider: &fakeProvider{},
		now:      time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	f.escrows = escrow.NewService(f.store, escrow.RatePolicy{Rate: decimal.RequireFromString("0.10")}, 3).WithClock(clock)
	f.disputes = dispute.NewService(f.store, 72*time.Hour).WithClock(clock)
	f.worker = NewWorker(f.store, f.escrows, f.provider, time.Millisecond, 3).
		WithClock(clock).
		WithRetryDelay(time.Millisecond)
	return f
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx ledger.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx ledger.Tx) error { return fn(ctx, tx) }))
}

func (f *fixture) bankAccount(t *testing.T, freelancerID string) {
	t.Helper()
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutBankAccount(ctx, &ledger.BankAccount{
			FreelancerID:  freelancerID,
			BankName:      "FNB",
			HolderName:    "Thandi Mokoena",
			AccountNumber: "62000000001",
			BranchCode:    "250655",
			AccountType:   "cheque",
			Verified:      true,
			Primary:       true,
		})
	})
}

func (f *fixture) hold(t *testing.T, correlationID, freelancerID string, pcts ...string) *ledger.Escrow {
	t.Helper()
	var p []ledger.PlanEntry
	for _, pct := range pcts {
		p = append(p, ledger.PlanEntry{Description: "stage", Percentage: decimal.RequireFromString(pct)})
	}
	var e *ledger.Escrow
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		e, _, err = f.escrows.Hold(ctx, tx, escrow.HoldRequest{
			CorrelationID: correlationID,
			JobID:         "JOB-" + correlationID,
			ClientID:      client.ID,
			FreelancerID:  freelancerID,
			Gross:         money.MustParse("1000.00"),
			Plan:          p,
		})
		return err
	})
	return e
}

func (f *fixture) milestones(t *testing.T, escrowID string) []*ledger.Milestone {
	t.Helper()
	var ms []*ledger.Milestone
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		ms, err = tx.ListMilestones(ctx, escrowID)
		return err
	})
	return ms
}

func (f *fixture) approve(t *testing.T, e *ledger.Escrow, idx int) {
	t.Helper()
	m := f.milestones(t, e.ID)[idx]
	fl := ledger.Actor{ID: e.FreelancerID, Role: ledger.RoleFreelancer}
	_, err := f.escrows.Submit(context.Background(), fl, m.ID, "s3://work/"+m.ID)
	require.NoError(t, err)
	_, err = f.escrows.Approve(context.Background(), client, m.ID)
	require.NoError(t, err)
}

func (f *fixture) escrow(t *testing.T, id string) *ledger.Escrow {
	t.Helper()
	var e *ledger.Escrow
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		e, err = tx.GetEscrow(ctx, id)
		return err
	})
	return e
}

func (f *fixture) items(t *testing.T, escrowID string) []*ledger.PayoutItem {
	t.Helper()
	var out []*ledger.PayoutItem
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{EscrowID: escrowID})
		return err
	})
	return out
}

func (f *fixture) batch(t *testing.T, id string) *ledger.PayoutBatch {
	t.Helper()
	var b *ledger.PayoutBatch
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		b, err = tx.GetPayoutBatch(ctx, id)
		return err
	})
	return b
}

func (f *fixture) inbox(t *testing.T, recipient string) []string {
	t.Helper()
	var kinds []string
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		notes, err := tx.ListNotifications(ctx, []string{recipient}, 100)
		for _, n := range notes {
			kinds = append(kinds, n.Kind)
		}
		return err
	})
	return kinds
}

func TestRun_SingleMilestoneHappyPath(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T1", freelancer.ID)
	f.approve(t, e, 0)

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.False(t, report.Failed())

	sum := report.Batches[0]
	assert.True(t, strings.HasPrefix(sum.BatchID, "BATCH-"), sum.BatchID)
	assert.Equal(t, ledger.BatchCompleted, sum.Status)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, "900.00", money.Format(sum.Paid))

	its := f.items(t, e.ID)
	require.Len(t, its, 1)
	it := its[0]
	assert.Equal(t, ledger.PayoutCompleted, it.Status)
	assert.Equal(t, "900.00", money.Format(it.Amount))
	assert.Equal(t, sum.BatchID, it.BatchID)
	assert.Equal(t, 1, it.Attempts)

	calls := f.provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "TW-JOB-T1-"+it.ID, calls[0].Reference)
	assert.Equal(t, "PF-"+calls[0].Reference, it.ProviderRef)
	assert.Equal(t, "62000000001", calls[0].AccountNumber)
	assert.Equal(t, "Thandi Mokoena", calls[0].AccountHolder)

	got := f.escrow(t, e.ID)
	assert.Equal(t, ledger.EscrowReleased, got.Status)
	assert.Equal(t, ledger.ReleaseByMilestones, got.ReleaseReason)
	assert.Equal(t, ledger.MilestonePaid, f.milestones(t, e.ID)[0].Status)
	assert.Contains(t, f.inbox(t, freelancer.ID), "payout.completed")

	b := f.batch(t, sum.BatchID)
	assert.Equal(t, ledger.BatchCompleted, b.Status)
	assert.Equal(t, 1, b.Count)
	assert.Equal(t, "1000.00", money.Format(b.Gross))
	assert.Equal(t, "100.00", money.Format(b.Fee))
	assert.Equal(t, "1000.00", money.Format(sum.Gross))
	assert.Equal(t, "100.00", money.Format(sum.Fee))
	require.NotNil(t, b.ProcessedAt)

	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Batches, "nothing left to pay")
	assert.Len(t, f.provider.calls(), 1)
}

func TestRun_OnlyApprovedMilestonesPay(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T2", freelancer.ID, "30", "30", "40")
	f.approve(t, e, 0)

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, "270.00", money.Format(report.Batches[0].Paid))
	first := f.batch(t, report.Batches[0].BatchID)
	assert.Equal(t, "300.00", money.Format(first.Gross))
	assert.Equal(t, "30.00", money.Format(first.Fee))
	assert.Equal(t, ledger.EscrowHeld, f.escrow(t, e.ID).Status)

	f.approve(t, e, 1)
	f.approve(t, e, 2)
	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 2, report.Batches[0].Completed)
	assert.Equal(t, "630.00", money.Format(report.Batches[0].Paid), "270 + remainder 360")

	assert.Equal(t, ledger.EscrowReleased, f.escrow(t, e.ID).Status)
}

func TestRun_DueDateDefersMilestone(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T3", freelancer.ID)
	f.approve(t, e, 0)

	due := f.now.Add(48 * time.Hour)
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		m, err := tx.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		m[0].DueDate = &due
		return tx.UpdateMilestone(ctx, m[0])
	})

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Batches)

	f.now = due
	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 1, report.Batches[0].Completed)
}

func TestRun_NoVerifiedBankAccount(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	paid := f.hold(t, "T4a", freelancer.ID)
	f.approve(t, paid, 0)
	unbanked := f.hold(t, "T4b", "FL2")
	f.approve(t, unbanked, 0)

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	sum := report.Batches[0]
	assert.Equal(t, ledger.BatchPartial, sum.Status)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, report.Failed())

	its := f.items(t, unbanked.ID)
	require.Len(t, its, 1)
	assert.Equal(t, ledger.PayoutFailed, its[0].Status)
	assert.Equal(t, NoBankAccount, its[0].Error)
	assert.Equal(t, 0, its[0].Attempts, "never submitted")
	assert.Contains(t, f.inbox(t, "FL2"), "payout.failed")
	assert.Len(t, f.provider.calls(), 1)

	assert.Equal(t, ledger.EscrowHeld, f.escrow(t, unbanked.ID).Status)
	assert.Equal(t, "1 of 2 items failed", f.batch(t, sum.BatchID).Error)
}

func TestRun_AllFailedBatch(t *testing.T) {
	f := newFixture(t)
	e := f.hold(t, "T5", "FL2")
	f.approve(t, e, 0)

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, ledger.BatchFailed, report.Batches[0].Status)
	assert.True(t, report.Failed())
}

func TestRun_ProviderRejectionRetriedNextRun(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T6", freelancer.ID)
	f.approve(t, e, 0)

	f.provider.respond = func(int, payfast.PayoutRequest) (*payfast.PayoutReceipt, error) {
		return nil, &payfast.ProviderError{StatusCode: 200, Message: "bank unreachable"}
	}
	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, ledger.BatchFailed, report.Batches[0].Status)
	assert.Len(t, f.provider.calls(), 1, "rejections are not retried within a run")

	its := f.items(t, e.ID)
	require.Len(t, its, 1)
	assert.Equal(t, ledger.PayoutFailed, its[0].Status)
	assert.Equal(t, "bank unreachable", its[0].Error)
	assert.Equal(t, ledger.EscrowHeld, f.escrow(t, e.ID).Status)

	f.provider.respond = nil
	f.now = f.now.Add(24 * time.Hour)
	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, ledger.BatchCompleted, report.Batches[0].Status)

	its = f.items(t, e.ID)
	require.Len(t, its, 2, "a fresh item for the same milestone")
	assert.Equal(t, its[0].MilestoneID, its[1].MilestoneID)
	assert.Equal(t, ledger.EscrowReleased, f.escrow(t, e.ID).Status)
}

func TestRun_TemporaryFailureRetried(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T7", freelancer.ID)
	f.approve(t, e, 0)

	f.provider.respond = func(n int, req payfast.PayoutRequest) (*payfast.PayoutReceipt, error) {
		if n < 3 {
			return nil, &payfast.ProviderError{StatusCode: 502, Message: "bad gateway", Temporary: true}
		}
		return &payfast.PayoutReceipt{ProviderRef: "PF-3"}, nil
	}
	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchCompleted, report.Batches[0].Status)
	assert.Len(t, f.provider.calls(), 3)
	assert.Equal(t, "PF-3", f.items(t, e.ID)[0].ProviderRef)
}

func TestRun_TemporaryFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T8", freelancer.ID)
	f.approve(t, e, 0)

	f.provider.respond = func(int, payfast.PayoutRequest) (*payfast.PayoutReceipt, error) {
		return nil, &payfast.ProviderError{Message: "connection reset", Temporary: true}
	}
	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchFailed, report.Batches[0].Status)
	assert.Len(t, f.provider.calls(), 3)
	assert.Equal(t, "connection reset", f.items(t, e.ID)[0].Error)
}

func TestRun_DisputeMidStreamSplit(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T9", freelancer.ID, "30", "30", "40")
	f.approve(t, e, 0)
	f.approve(t, e, 1)

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, "540.00", money.Format(report.Batches[0].Paid))

	d, err := f.disputes.Open(context.Background(), client, e.ID, dispute.OpenRequest{Reason: "stage C not delivered"})
	require.NoError(t, err)

	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Batches, "disputed escrow is skipped")

	adj := money.MustParse("200.00")
	_, err = f.disputes.Resolve(context.Background(), operator, d.ID, dispute.ResolveRequest{
		Decision: ledger.DecisionSplit, Adjustment: &adj,
	})
	require.NoError(t, err)

	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, "200.00", money.Format(report.Batches[0].Paid))

	got := f.escrow(t, e.ID)
	assert.Equal(t, ledger.EscrowReleased, got.Status)
	assert.Equal(t, ledger.ReleaseByResolution, got.ReleaseReason)

	its := f.items(t, e.ID)
	require.Len(t, its, 3)
	total := decimal.Zero
	for _, it := range its {
		assert.Equal(t, ledger.PayoutCompleted, it.Status)
		total = total.Add(it.Amount)
	}
	assert.Equal(t, "740.00", money.Format(total))
	assert.Equal(t, "160.00", money.Format(got.Net.Sub(total)))
	assert.Len(t, f.provider.calls(), 3)
}

func TestRun_DetachesItemsOfFrozenEscrow(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T10", freelancer.ID, "50", "50")
	f.approve(t, e, 0)

	// A batch recorded by a run that stopped before processing.
	var batchID string
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		ms, err := tx.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		id, err := tx.AppendPayoutItem(ctx, &ledger.PayoutItem{
			EscrowID: e.ID, MilestoneID: ms[0].ID, JobID: e.JobID, FreelancerID: e.FreelancerID,
			Amount: escrow.MilestoneAmount(e, ms, ms[0]),
		})
		if err != nil {
			return err
		}
		batchID, err = tx.RecordPayoutBatch(ctx, &ledger.PayoutBatch{
			BatchDate: f.now, Gross: money.MustParse("450.00"), Fee: decimal.Zero, Status: ledger.BatchProcessing,
		}, []string{id})
		return err
	})

	_, err := f.disputes.Open(context.Background(), freelancer, e.ID, dispute.OpenRequest{Reason: "client unresponsive"})
	require.NoError(t, err)

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, batchID, report.Batches[0].BatchID)
	assert.Equal(t, 1, report.Batches[0].Detached)
	assert.Empty(t, f.provider.calls())

	its := f.items(t, e.ID)
	require.Len(t, its, 1)
	assert.Equal(t, ledger.PayoutPending, its[0].Status)
	assert.Empty(t, its[0].BatchID)
	assert.True(t, f.batch(t, batchID).Status.IsTerminal())
}

func TestRun_ResumesOpenBatch(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T11", freelancer.ID)
	f.approve(t, e, 0)

	// Simulate a run that claimed the item and then died.
	var batchID, itemID string
	f.tx(t, func(ctx context.Context, tx ledger.Tx) error {
		ms, err := tx.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		if itemID, err = tx.AppendPayoutItem(ctx, &ledger.PayoutItem{
			EscrowID: e.ID, MilestoneID: ms[0].ID, JobID: e.JobID, FreelancerID: e.FreelancerID,
			Amount: escrow.MilestoneAmount(e, ms, ms[0]),
		}); err != nil {
			return err
		}
		if batchID, err = tx.RecordPayoutBatch(ctx, &ledger.PayoutBatch{
			BatchDate: f.now, Gross: money.MustParse("900.00"), Fee: decimal.Zero, Status: ledger.BatchProcessing,
		}, []string{itemID}); err != nil {
			return err
		}
		it, err := tx.GetPayoutItem(ctx, itemID)
		if err != nil {
			return err
		}
		it.Status = ledger.PayoutProcessing
		it.Attempts = 1
		return tx.UpdatePayoutItem(ctx, it)
	})

	report, err := f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1, "no second batch: the milestone already has a live item")
	assert.Equal(t, batchID, report.Batches[0].BatchID)
	assert.Equal(t, ledger.BatchCompleted, report.Batches[0].Status)

	calls := f.provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "TW-JOB-T11-"+itemID, calls[0].Reference, "same reference lets the provider dedupe")
	its := f.items(t, e.ID)
	require.Len(t, its, 1)
	assert.Equal(t, 2, its[0].Attempts)
	assert.Equal(t, ledger.EscrowReleased, f.escrow(t, e.ID).Status)
}

func TestRun_CancelledContextLeavesBatchOpen(t *testing.T) {
	f := newFixture(t)
	f.bankAccount(t, freelancer.ID)
	e := f.hold(t, "T12", freelancer.ID)
	f.approve(t, e, 0)

	ctx, cancel := context.WithCancel(context.Background())
	f.provider.respond = func(int, payfast.PayoutRequest) (*payfast.PayoutReceipt, error) {
		cancel()
		return nil, &payfast.ProviderError{Message: "request cancelled", Temporary: true}
	}
	report, err := f.worker.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, report.Batches, 1)

	its := f.items(t, e.ID)
	require.Len(t, its, 1)
	assert.Equal(t, ledger.PayoutProcessing, its[0].Status, "outcome unknown, resumed next run")
	assert.False(t, f.batch(t, report.Batches[0].BatchID).Status.IsTerminal())

	f.provider.respond = nil
	report, err = f.worker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, ledger.BatchCompleted, report.Batches[0].Status)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, ledger.BatchCompleted, Outcome(3, 0))
	assert.Equal(t, ledger.BatchCompleted, Outcome(0, 0))
	assert.Equal(t, ledger.BatchPartial, Outcome(2, 1))
	assert.Equal(t, ledger.BatchFailed, Outcome(0, 2))
}

func TestItemTotals(t *testing.T) {
	e := &ledger.Escrow{
		Gross: money.MustParse("1000.00"),
		Fee:   money.MustParse("100.00"),
		Net:   money.MustParse("900.00"),
	}
	tests := []struct {
		amount    string
		wantGross string
		wantFee   string
	}{
		{"900.00", "1000.00", "100.00"},
		{"270.00", "300.00", "30.00"},
		{"100.00", "111.11", "11.11"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			gross, fee := ItemTotals(e, &ledger.PayoutItem{Amount: money.MustParse(tt.amount)})
			assert.Equal(t, tt.wantGross, money.Format(gross))
			assert.Equal(t, tt.wantFee, money.Format(fee))
		})
	}
}
