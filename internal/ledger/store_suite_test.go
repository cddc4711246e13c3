package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwork/escrowd/internal/idgen"
	"github.com/trustwork/escrowd/internal/pagination"
)

// runStoreSuite exercises the Store contract. Both the memory store and
// the Postgres store run it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateEscrowConflict", func(t *testing.T) { testCreateEscrowConflict(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("ListEscrowsKeyset", func(t *testing.T) { testListEscrowsKeyset(t, newStore(t)) })
	t.Run("UpdateEscrowIllegal", func(t *testing.T) { testUpdateEscrowIllegal(t, newStore(t)) })
	t.Run("MilestoneRules", func(t *testing.T) { testMilestoneRules(t, newStore(t)) })
	t.Run("ProviderTransactionUpsert", func(t *testing.T) { testProviderUpsert(t, newStore(t)) })
	t.Run("ListReleasable", func(t *testing.T) { testListReleasable(t, newStore(t)) })
	t.Run("PayoutItems", func(t *testing.T) { testPayoutItems(t, newStore(t)) })
	t.Run("PayoutBatch", func(t *testing.T) { testPayoutBatch(t, newStore(t)) })
	t.Run("BankAccounts", func(t *testing.T) { testBankAccounts(t, newStore(t)) })
	t.Run("Disputes", func(t *testing.T) { testDisputes(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
	t.Run("DeadLetters", func(t *testing.T) { testDeadLetters(t, newStore(t)) })
}

type fixture struct {
	Escrow     *Escrow
	Milestones []*Milestone
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedEscrow creates a held escrow of 1000.00 gross (fee 100.00) with one
// milestone per percentage, the first in progress.
func seedEscrow(t *testing.T, s Store, pcts ...string) fixture {
	t.Helper()
	if len(pcts) == 0 {
		pcts = []string{"100"}
	}
	ctx := context.Background()
	suffix := idgen.Hex(6)
	now := time.Now().UTC()

	f := fixture{Escrow: &Escrow{
		JobID:         "JOB-" + suffix,
		ClientID:      "client-" + suffix,
		FreelancerID:  "freelancer-" + suffix,
		CorrelationID: "T-" + suffix,
		Gross:         dec("1000.00"),
		Fee:           dec("100.00"),
		Net:           dec("900.00"),
		Status:        EscrowHeld,
		HeldAt:        &now,
	}}
	for i, p := range pcts {
		status := MilestonePending
		if i == 0 {
			status = MilestoneInProgress
		}
		f.Milestones = append(f.Milestones, &Milestone{
			Index:       i,
			Description: "phase",
			Percentage:  dec(p),
			Status:      status,
		})
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutJob(ctx, &Job{ID: f.Escrow.JobID, ClientID: f.Escrow.ClientID, Title: "Logo design", Status: "open"}); err != nil {
			return err
		}
		if _, err := tx.UpsertProviderTransaction(ctx, &ProviderTransaction{
			CorrelationID: f.Escrow.CorrelationID,
			Status:        PaymentComplete,
			Gross:         f.Escrow.Gross,
			JobID:         f.Escrow.JobID,
		}); err != nil {
			return err
		}
		return tx.CreateEscrow(ctx, f.Escrow, f.Milestones)
	})
	require.NoError(t, err)
	require.NotEmpty(t, f.Escrow.ID)
	return f
}

// approveMilestone walks a milestone through legal transitions to approved.
func approveMilestone(t *testing.T, s Store, ms *Milestone) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		m, err := tx.GetMilestone(ctx, ms.ID)
		if err != nil {
			return err
		}
		for _, next := range []MilestoneStatus{MilestoneInProgress, MilestoneSubmitted, MilestoneApproved} {
			if m.Status == next || !CanTransitionMilestone(m.Status, next) {
				continue
			}
			m.Status = next
			if err := tx.UpdateMilestone(ctx, m); err != nil {
				return err
			}
		}
		*ms = *m
		return nil
	}))
}

func testCreateEscrowConflict(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s)

	err := s.WithTx(ctx, func(tx Tx) error {
		dup := *f.Escrow
		dup.ID = ""
		return tx.CreateEscrow(ctx, &dup, nil)
	})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetEscrowByCorrelation(ctx, f.Escrow.CorrelationID)
		if err != nil {
			return err
		}
		assert.Equal(t, f.Escrow.ID, got.ID)
		assert.True(t, got.Net.Equal(dec("900")))

		ms, err := tx.ListMilestones(ctx, got.ID)
		if err != nil {
			return err
		}
		assert.Len(t, ms, 1)
		return nil
	}))
}

func testRollbackOnError(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		e, err := tx.GetEscrow(ctx, f.Escrow.ID)
		if err != nil {
			return err
		}
		e.Status = EscrowDisputed
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		if err := tx.InsertNotification(ctx, &Notification{RecipientID: e.ClientID, Kind: "x", Title: "x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, err := tx.GetEscrow(ctx, f.Escrow.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, EscrowHeld, e.Status)
		notes, err := tx.ListNotifications(ctx, []string{e.ClientID}, 10)
		assert.Empty(t, notes)
		return err
	}))
}

func testListEscrowsKeyset(t *testing.T, s Store) {
	ctx := context.Background()
	a := seedEscrow(t, s)
	for range 3 {
		seedEscrow(t, s)
	}

	var first []*Escrow
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.ListEscrows(ctx, EscrowFilter{Limit: 2})
		return err
	}))
	require.Len(t, first, 2)

	last := first[len(first)-1]
	var rest []*Escrow
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		rest, err = tx.ListEscrows(ctx, EscrowFilter{
			After: &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
			Limit: 10,
		})
		return err
	}))
	require.Len(t, rest, 2)
	for _, e := range rest {
		assert.NotEqual(t, first[0].ID, e.ID)
		assert.NotEqual(t, last.ID, e.ID)
	}

	var party []*Escrow
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		party, err = tx.ListEscrows(ctx, EscrowFilter{PartyID: a.Escrow.FreelancerID})
		return err
	}))
	require.Len(t, party, 1)
	assert.Equal(t, a.Escrow.ID, party[0].ID)
}

func testUpdateEscrowIllegal(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s)

	err := s.WithTx(ctx, func(tx Tx) error {
		e, _ := tx.GetEscrow(ctx, f.Escrow.ID)
		e.Status = EscrowPending
		return tx.UpdateEscrow(ctx, e)
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	err = s.WithTx(ctx, func(tx Tx) error {
		e, _ := tx.GetEscrow(ctx, f.Escrow.ID)
		e.Net = dec("950")
		return tx.UpdateEscrow(ctx, e)
	})
	assert.ErrorIs(t, err, ErrInvalidInput, "net is fixed once held")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, _ := tx.GetEscrow(ctx, f.Escrow.ID)
		now := time.Now().UTC()
		e.Status = EscrowReleased
		e.ReleasedAt = &now
		e.ReleaseReason = ReleaseByClient
		return tx.UpdateEscrow(ctx, e)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, _ := tx.GetEscrow(ctx, f.Escrow.ID)
		assert.Equal(t, EscrowReleased, e.Status)
		assert.Equal(t, ReleaseByClient, e.ReleaseReason)
		assert.NotNil(t, e.ReleasedAt)
		return nil
	}))
}

func testMilestoneRules(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s, "50", "50")

	err := s.WithTx(ctx, func(tx Tx) error {
		m, _ := tx.GetMilestone(ctx, f.Milestones[1].ID)
		m.Status = MilestoneApproved
		return tx.UpdateMilestone(ctx, m)
	})
	assert.ErrorIs(t, err, ErrIllegalTransition, "pending cannot jump to approved")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		m, _ := tx.GetMilestone(ctx, f.Milestones[0].ID)
		m.Status = MilestoneSubmitted
		m.Revisions = 2
		return tx.UpdateMilestone(ctx, m)
	}))

	err = s.WithTx(ctx, func(tx Tx) error {
		m, _ := tx.GetMilestone(ctx, f.Milestones[0].ID)
		m.Status = MilestoneInProgress
		m.Revisions = 1
		return tx.UpdateMilestone(ctx, m)
	})
	assert.ErrorIs(t, err, ErrInvalidInput, "revision counter never decreases")
}

func testProviderUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	corr := "T-" + idgen.Hex(6)

	var first, second UpsertResult
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.UpsertProviderTransaction(ctx, &ProviderTransaction{
			CorrelationID: corr, Status: PaymentPending, Gross: dec("10.00"),
			Raw: map[string]string{"m_payment_id": corr},
		})
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		second, err = tx.UpsertProviderTransaction(ctx, &ProviderTransaction{
			CorrelationID: corr, Status: PaymentFailed, ProviderPaymentID: "PF-9", Gross: dec("10.00"),
			Raw: map[string]string{"m_payment_id": corr, "payment_status": "FAILED"},
		})
		return err
	}))

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, PaymentPending, second.PreviousStatus)
	assert.True(t, second.StatusChanged(PaymentFailed))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		pt, err := tx.GetProviderTransaction(ctx, corr)
		if err != nil {
			return err
		}
		assert.Equal(t, PaymentFailed, pt.Status)
		assert.Equal(t, "PF-9", pt.ProviderPaymentID)
		assert.Equal(t, "FAILED", pt.Raw["payment_status"])
		return nil
	}))
}

func testListReleasable(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	due := seedEscrow(t, s, "30", "30", "40")
	approveMilestone(t, s, due.Milestones[0])
	approveMilestone(t, s, due.Milestones[1])

	future := seedEscrow(t, s)
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		m, _ := tx.GetMilestone(ctx, future.Milestones[0].ID)
		later := now.Add(48 * time.Hour)
		m.DueDate = &later
		return tx.UpdateMilestone(ctx, m)
	}))
	approveMilestone(t, s, future.Milestones[0])

	flagged := seedEscrow(t, s, "50", "49")
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, _ := tx.GetEscrow(ctx, flagged.Escrow.ID)
		e.PlanFlagged = true
		return tx.UpdateEscrow(ctx, e)
	}))
	approveMilestone(t, s, flagged.Milestones[0])

	covered := seedEscrow(t, s)
	approveMilestone(t, s, covered.Milestones[0])
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AppendPayoutItem(ctx, &PayoutItem{
			EscrowID: covered.Escrow.ID, MilestoneID: covered.Milestones[0].ID,
			JobID: covered.Escrow.JobID, FreelancerID: covered.Escrow.FreelancerID, Amount: dec("900"),
		})
		return err
	}))

	var got []Releasable
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		got, err = tx.ListReleasable(ctx, now.Add(time.Hour))
		return err
	}))

	var ids []string
	for _, r := range got {
		ids = append(ids, r.Milestone.ID)
	}
	assert.Contains(t, ids, due.Milestones[0].ID)
	assert.Contains(t, ids, due.Milestones[1].ID)
	assert.NotContains(t, ids, due.Milestones[2].ID, "not approved")
	assert.NotContains(t, ids, future.Milestones[0].ID, "due date after asOf")
	assert.NotContains(t, ids, flagged.Milestones[0].ID, "flagged plan")
	assert.NotContains(t, ids, covered.Milestones[0].ID, "live payout item exists")

	for _, r := range got {
		if r.Escrow.ID == due.Escrow.ID {
			assert.Len(t, r.Siblings, 3)
		}
	}

	// Past its due date the future milestone becomes releasable.
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		got, err = tx.ListReleasable(ctx, now.Add(72*time.Hour))
		return err
	}))
	ids = ids[:0]
	for _, r := range got {
		ids = append(ids, r.Milestone.ID)
	}
	assert.Contains(t, ids, future.Milestones[0].ID)
}

func testPayoutItems(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s)

	var itemID string
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		itemID, err = tx.AppendPayoutItem(ctx, &PayoutItem{
			EscrowID: f.Escrow.ID, JobID: f.Escrow.JobID, FreelancerID: f.Escrow.FreelancerID, Amount: dec("900"),
		})
		return err
	}))
	require.NotEmpty(t, itemID)

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.MarkPayoutItem(ctx, itemID, PayoutResult{Status: PayoutCompleted, ProviderRef: "REF"})
		return err
	})
	assert.ErrorIs(t, err, ErrIllegalTransition, "pending cannot complete without being claimed")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		it, err := tx.GetPayoutItem(ctx, itemID)
		if err != nil {
			return err
		}
		it.Status = PayoutProcessing
		it.Attempts = 1
		return tx.UpdatePayoutItem(ctx, it)
	}))

	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.MarkPayoutItem(ctx, itemID, PayoutResult{Status: PayoutCompleted})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidInput, "completed needs a provider ref")

	for range 2 {
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			it, err := tx.MarkPayoutItem(ctx, itemID, PayoutResult{Status: PayoutCompleted, ProviderRef: "PF-REF-1"})
			if err != nil {
				return err
			}
			assert.Equal(t, PayoutCompleted, it.Status)
			assert.Equal(t, "PF-REF-1", it.ProviderRef)
			return nil
		}), "marking the same terminal status twice is a no-op")
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.MarkPayoutItem(ctx, itemID, PayoutResult{Status: PayoutFailed, Error: "late"})
		return err
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Disputed escrows accept no new items.
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e, _ := tx.GetEscrow(ctx, f.Escrow.ID)
		e.Status = EscrowDisputed
		return tx.UpdateEscrow(ctx, e)
	}))
	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AppendPayoutItem(ctx, &PayoutItem{
			EscrowID: f.Escrow.ID, JobID: f.Escrow.JobID, FreelancerID: f.Escrow.FreelancerID, Amount: dec("1"),
		})
		return err
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func testPayoutBatch(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s)

	var itemID, batchID string
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		itemID, err = tx.AppendPayoutItem(ctx, &PayoutItem{
			EscrowID: f.Escrow.ID, JobID: f.Escrow.JobID, FreelancerID: f.Escrow.FreelancerID, Amount: dec("900"),
		})
		if err != nil {
			return err
		}
		batchID, err = tx.RecordPayoutBatch(ctx, &PayoutBatch{
			BatchDate: time.Now().UTC(), Status: BatchProcessing, Gross: dec("1000"), Fee: dec("100"),
		}, []string{itemID})
		return err
	}))
	assert.Regexp(t, `^BATCH-\d+$`, batchID)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		open, err := tx.ListOpenBatches(ctx)
		if err != nil {
			return err
		}
		var found bool
		for _, b := range open {
			if b.ID == batchID {
				found = true
				assert.Equal(t, 1, b.Count)
			}
		}
		assert.True(t, found)

		items, err := tx.ListPayoutItems(ctx, PayoutItemFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		require.Len(t, items, 1)
		assert.Equal(t, itemID, items[0].ID)

		b, err := tx.GetPayoutBatch(ctx, batchID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b.Status = BatchFailed
		b.ProcessedAt = &now
		return tx.UpdatePayoutBatch(ctx, b)
	}))

	err := s.WithTx(ctx, func(tx Tx) error {
		b, _ := tx.GetPayoutBatch(ctx, batchID)
		b.Status = BatchCompleted
		return tx.UpdatePayoutBatch(ctx, b)
	})
	assert.ErrorIs(t, err, ErrIllegalTransition, "terminal batches are immutable")
}

func testBankAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	fl := "freelancer-" + idgen.Hex(6)

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.GetPrimaryBankAccount(ctx, fl)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutBankAccount(ctx, &BankAccount{
			FreelancerID: fl, BankName: "FNB", HolderName: "T Ndlovu", AccountNumber: "62000000001",
			BranchCode: "250655", AccountType: "cheque", Verified: false, Primary: true,
		}); err != nil {
			return err
		}
		return tx.PutBankAccount(ctx, &BankAccount{
			FreelancerID: fl, BankName: "Capitec", HolderName: "T Ndlovu", AccountNumber: "1234567890",
			BranchCode: "470010", AccountType: "savings", Verified: true, Primary: true,
		})
	}))

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.PutBankAccount(ctx, &BankAccount{
			FreelancerID: fl, BankName: "ABSA", HolderName: "T Ndlovu", AccountNumber: "4000000000",
			BranchCode: "632005", AccountType: "cheque", Verified: true, Primary: true,
		})
	})
	assert.ErrorIs(t, err, ErrConflict, "at most one primary verified account")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		a, err := tx.GetPrimaryBankAccount(ctx, fl)
		if err != nil {
			return err
		}
		assert.Equal(t, "Capitec", a.BankName)
		return nil
	}))
}

func testDisputes(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedEscrow(t, s)

	d := &Dispute{
		EscrowID: f.Escrow.ID, RaisedBy: f.Escrow.ClientID, CounterID: f.Escrow.FreelancerID,
		Reason: "quality", Status: DisputePending, PriorStatus: EscrowHeld,
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.CreateDispute(ctx, d) }))

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateDispute(ctx, &Dispute{
			EscrowID: f.Escrow.ID, RaisedBy: f.Escrow.ClientID, CounterID: f.Escrow.FreelancerID,
			Reason: "again", Status: DisputePending, PriorStatus: EscrowHeld,
		})
	})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		found, err := tx.FindActiveDispute(ctx, f.Escrow.ID, f.Escrow.ClientID)
		if err != nil {
			return err
		}
		assert.Equal(t, d.ID, found.ID)

		found.Evidence = append(found.Evidence, "s3://evidence/1.png")
		found.Status = DisputeResolved
		found.Decision = DecisionSplit
		found.Adjustment = decimal.NewNullDecimal(dec("200.00"))
		now := time.Now().UTC()
		found.ResolvedAt = &now
		return tx.UpdateDispute(ctx, found)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetDispute(ctx, d.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, DisputeResolved, got.Status)
		assert.Equal(t, []string{"s3://evidence/1.png"}, got.Evidence)
		assert.True(t, got.Adjustment.Valid)
		assert.True(t, got.Adjustment.Decimal.Equal(dec("200")))

		_, err = tx.FindActiveDispute(ctx, f.Escrow.ID, f.Escrow.ClientID)
		assert.ErrorIs(t, err, ErrNotFound)

		got.Status = DisputeCancelled
		err = tx.UpdateDispute(ctx, got)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		return nil
	}))
}

func testNotifications(t *testing.T, s Store) {
	ctx := context.Background()
	user := "user-" + idgen.Hex(6)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for _, title := range []string{"first", "second"} {
			if err := tx.InsertNotification(ctx, &Notification{RecipientID: user, Kind: "test", Title: title}); err != nil {
				return err
			}
		}
		return tx.InsertNotification(ctx, &Notification{RecipientID: "someone-else", Kind: "test", Title: "other"})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		notes, err := tx.ListNotifications(ctx, []string{user}, 10)
		if err != nil {
			return err
		}
		require.Len(t, notes, 2)
		for _, n := range notes {
			assert.Equal(t, user, n.RecipientID)
			assert.False(t, n.Read)
		}
		notes[0].Read = true
		if err := tx.UpdateNotification(ctx, notes[0]); err != nil {
			return err
		}
		got, err := tx.GetNotification(ctx, notes[0].ID)
		if err != nil {
			return err
		}
		assert.True(t, got.Read)
		return nil
	}))
}

func testDeadLetters(t *testing.T, s Store) {
	ctx := context.Background()
	dl := &DeadLetter{
		CorrelationID: "T-" + idgen.Hex(6),
		PaymentStatus: PaymentComplete,
		Fields:        map[string]string{"m_payment_id": "T1", "amount_gross": "1000.00"},
		Error:         "job not found",
		Attempts:      1,
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.InsertDeadLetter(ctx, dl) }))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		open, err := tx.ListDeadLetters(ctx, true, 10)
		if err != nil {
			return err
		}
		var found *DeadLetter
		for _, d := range open {
			if d.ID == dl.ID {
				found = d
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, "1000.00", found.Fields["amount_gross"])

		now := time.Now().UTC()
		found.ResolvedAt = &now
		found.Attempts = 2
		return tx.UpdateDeadLetter(ctx, found)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		open, err := tx.ListDeadLetters(ctx, true, 10)
		for _, d := range open {
			assert.NotEqual(t, dl.ID, d.ID)
		}
		got, err2 := tx.GetDeadLetter(ctx, dl.ID)
		require.NoError(t, err2)
		assert.Equal(t, 2, got.Attempts)
		assert.NotNil(t, got.ResolvedAt)
		return err
	}))
}
