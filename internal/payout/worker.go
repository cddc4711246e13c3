// Package payout implements the daily payout worker. One Run drains every
// releasable milestone and queued payout item into a batch, submits each
// item to the provider in order, and records the outcome.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/payfast"
	"github.com/trustwork/escrowd/internal/retry"
	"github.com/trustwork/escrowd/internal/traces"
)

// NoBankAccount is recorded on items whose freelancer has no primary
// verified bank account.
const NoBankAccount = "no verified bank account"

// Reference returns the provider reference for an item: TW-<job>-<item>.
func Reference(it *ledger.PayoutItem) string {
	return "TW-" + it.JobID + "-" + it.ID
}

// Summary describes one processed batch. Gross and Fee cover every item
// left in the batch; Paid is what actually reached bank accounts.
type Summary struct {
	BatchID   string             `json:"batchId"`
	Status    ledger.BatchStatus `json:"status"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Detached  int                `json:"detached"`
	Gross     decimal.Decimal    `json:"gross"`
	Fee       decimal.Decimal    `json:"fee"`
	Paid      decimal.Decimal    `json:"paid"`
}

// Report is the result of one worker run.
type Report struct {
	Batches []*Summary `json:"batches"`
}

// Failed reports whether any item in the run failed.
func (r *Report) Failed() bool {
	for _, b := range r.Batches {
		if b.Failed > 0 {
			return true
		}
	}
	return false
}

// Worker submits payouts.
type Worker struct {
	store       ledger.Store
	escrows     *escrow.Service
	client      payfast.PayoutClient
	limiter     *rate.Limiter
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewWorker creates a worker. interval is the minimum spacing between two
// provider submissions; maxAttempts bounds retries of temporary failures.
func NewWorker(store ledger.Store, escrows *escrow.Service, client payfast.PayoutClient, interval time.Duration, maxAttempts int) *Worker {
	return &Worker{
		store:       store,
		escrows:     escrows,
		client:      client,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		maxAttempts: maxAttempts,
		retryDelay:  2 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
}

// WithClock overrides the worker clock. Used by tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// WithLogger sets the fallback logger.
func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	w.logger = l
	return w
}

// WithRetryDelay sets the base backoff between submission attempts.
func (w *Worker) WithRetryDelay(d time.Duration) *Worker {
	w.retryDelay = d
	return w
}

func (w *Worker) log(ctx context.Context) *slog.Logger {
	return logging.OrDefault(ctx, w.logger)
}

// Run resumes batches left open by an earlier run, then builds and
// processes a new batch if anything is payable. An error means the run
// could not finish; items it did finish are already recorded.
func (w *Worker) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	var open []*ledger.PayoutBatch
	if err := w.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		open, err = tx.ListOpenBatches(ctx)
		return err
	}); err != nil {
		return report, fmt.Errorf("list open batches: %w", err)
	}
	for _, b := range open {
		w.log(ctx).Info("resuming batch", "batchId", b.ID)
		sum, err := w.processBatch(ctx, b.ID)
		if sum != nil {
			report.Batches = append(report.Batches, sum)
		}
		if err != nil {
			return report, err
		}
	}

	batchID, err := w.prepare(ctx)
	if err != nil {
		return report, fmt.Errorf("prepare batch: %w", err)
	}
	if batchID == "" {
		w.log(ctx).Info("nothing to pay out")
		return report, nil
	}
	sum, err := w.processBatch(ctx, batchID)
	if sum != nil {
		report.Batches = append(report.Batches, sum)
	}
	return report, err
}

// prepare appends items for releasable milestones and records a batch over
// every unbatched pending item whose escrow may still pay out.
func (w *Worker) prepare(ctx context.Context) (string, error) {
	now := w.now()
	var batchID string
	err := w.store.WithTx(ctx, func(tx ledger.Tx) error {
		batchID = ""
		releasable, err := tx.ListReleasable(ctx, now)
		if err != nil {
			return err
		}
		for _, r := range releasable {
			amount := escrow.MilestoneAmount(r.Escrow, r.Siblings, r.Milestone)
			if !amount.IsPositive() {
				continue
			}
			if _, err := tx.AppendPayoutItem(ctx, &ledger.PayoutItem{
				EscrowID:     r.Escrow.ID,
				MilestoneID:  r.Milestone.ID,
				JobID:        r.Escrow.JobID,
				FreelancerID: r.Escrow.FreelancerID,
				Amount:       amount,
			}); err != nil {
				return fmt.Errorf("append item for milestone %s: %w", r.Milestone.ID, err)
			}
		}

		pending, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{
			Statuses:  []ledger.PayoutStatus{ledger.PayoutPending},
			Unbatched: true,
		})
		if err != nil {
			return err
		}
		var (
			ids   []string
			batch []*ledger.PayoutItem
		)
		for _, it := range pending {
			e, err := tx.GetEscrow(ctx, it.EscrowID)
			if err != nil {
				return err
			}
			if frozen(e) {
				continue
			}
			ids = append(ids, it.ID)
			batch = append(batch, it)
		}
		if len(ids) == 0 {
			return nil
		}
		gross, fee, err := totals(ctx, tx, batch)
		if err != nil {
			return err
		}

		b := &ledger.PayoutBatch{
			BatchDate: now,
			Gross:     gross,
			Fee:       fee,
			Status:    ledger.BatchProcessing,
		}
		batchID, err = tx.RecordPayoutBatch(ctx, b, ids)
		return err
	})
	if err != nil {
		return "", err
	}
	if batchID != "" {
		w.log(ctx).Info("payout batch recorded", "batchId", batchID)
	}
	return batchID, nil
}

// ItemTotals returns the gross and platform fee behind an item: the
// escrow's fee pro-rated by the item's share of net, plus the item amount.
// An item for the whole net carries the escrow's gross and fee exactly.
func ItemTotals(e *ledger.Escrow, it *ledger.PayoutItem) (gross, fee decimal.Decimal) {
	switch {
	case !e.Net.IsPositive():
		fee = decimal.Zero
	case it.Amount.Equal(e.Net):
		fee = e.Fee
	default:
		fee = e.Fee.Mul(it.Amount).Div(e.Net).Round(money.Places)
	}
	return it.Amount.Add(fee), fee
}

func totals(ctx context.Context, tx ledger.Tx, items []*ledger.PayoutItem) (gross, fee decimal.Decimal, err error) {
	gross, fee = decimal.Zero, decimal.Zero
	escrows := make(map[string]*ledger.Escrow)
	for _, it := range items {
		e, ok := escrows[it.EscrowID]
		if !ok {
			if e, err = tx.GetEscrow(ctx, it.EscrowID); err != nil {
				return gross, fee, err
			}
			escrows[it.EscrowID] = e
		}
		g, f := ItemTotals(e, it)
		gross, fee = gross.Add(g), fee.Add(f)
	}
	return gross, fee, nil
}

// frozen reports whether e may not pay out right now.
func frozen(e *ledger.Escrow) bool {
	switch e.Status {
	case ledger.EscrowDisputed, ledger.EscrowRefunded, ledger.EscrowCancelled, ledger.EscrowPending:
		return true
	}
	return false
}

type itemResult int

const (
	resultCompleted itemResult = iota
	resultFailed
	resultDetached
	resultSkipped
)

func (w *Worker) processBatch(ctx context.Context, batchID string) (sum *Summary, err error) {
	ctx, span := traces.StartSpan(ctx, "payout.Batch", traces.BatchID(batchID))
	defer func() { traces.End(span, err) }()

	var items []*ledger.PayoutItem
	if err = w.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		items, err = tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{BatchID: batchID})
		return err
	}); err != nil {
		return nil, err
	}

	sum = &Summary{BatchID: batchID, Status: ledger.BatchProcessing, Paid: decimal.Zero}
	for i, it := range items {
		if it.Status.IsTerminal() {
			continue
		}
		if i > 0 && ctx.Err() != nil {
			return sum, ctx.Err()
		}
		res, err := w.processItem(ctx, it.ID)
		if err != nil {
			// The item's outcome is unknown to the ledger; leave the batch
			// open so the next run resumes it.
			return sum, fmt.Errorf("item %s: %w", it.ID, err)
		}
		if res == resultDetached {
			sum.Detached++
		}
	}

	err = w.store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetPayoutBatch(ctx, batchID)
		if err != nil {
			return err
		}
		final, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		sum.Completed, sum.Failed, sum.Paid = 0, 0, decimal.Zero
		for _, it := range final {
			switch it.Status {
			case ledger.PayoutCompleted:
				sum.Completed++
				sum.Paid = sum.Paid.Add(it.Amount)
			case ledger.PayoutFailed:
				sum.Failed++
			default:
				return fmt.Errorf("%w: item %s still %s", ledger.ErrTransient, it.ID, it.Status)
			}
		}
		// Detached items left the batch, so its totals shrink with them.
		if b.Gross, b.Fee, err = totals(ctx, tx, final); err != nil {
			return err
		}
		sum.Gross, sum.Fee = b.Gross, b.Fee
		b.Status = Outcome(sum.Completed, sum.Failed)
		b.Count = len(final)
		processed := w.now()
		b.ProcessedAt = &processed
		if sum.Failed > 0 {
			b.Error = fmt.Sprintf("%d of %d items failed", sum.Failed, len(final))
		}
		sum.Status = b.Status
		return tx.UpdatePayoutBatch(ctx, b)
	})
	if err != nil {
		return sum, err
	}

	metrics.PayoutBatchesTotal.WithLabelValues(string(sum.Status)).Inc()
	w.log(ctx).Info("payout batch finished",
		"batchId", batchID, "status", sum.Status, "completed", sum.Completed,
		"failed", sum.Failed, "detached", sum.Detached, "gross", money.Format(sum.Gross), "fee", money.Format(sum.Fee), "paid", money.Format(sum.Paid))
	return sum, nil
}

// Outcome is the batch status for a count of completed and failed items.
func Outcome(completed, failed int) ledger.BatchStatus {
	switch {
	case failed == 0:
		return ledger.BatchCompleted
	case completed == 0:
		return ledger.BatchFailed
	default:
		return ledger.BatchPartial
	}
}

type claim struct {
	item    *ledger.PayoutItem
	account *ledger.BankAccount
}

func (w *Worker) processItem(ctx context.Context, itemID string) (res itemResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payout.Item", traces.PayoutItemID(itemID))
	defer func() { traces.End(span, err) }()

	var c *claim
	res, err = w.claim(ctx, itemID, &c)
	if err != nil || c == nil {
		return res, err
	}

	req := payfast.PayoutRequest{
		Amount:        c.item.Amount,
		BankName:      c.account.BankName,
		AccountNumber: c.account.AccountNumber,
		BranchCode:    c.account.BranchCode,
		AccountHolder: c.account.HolderName,
		Reference:     Reference(c.item),
	}
	receipt, submitErr := w.submit(ctx, req)
	if submitErr != nil && ctx.Err() != nil {
		// Cancelled mid-submission: the provider may or may not have the
		// payout, so leave the item processing for the next run.
		return resultSkipped, ctx.Err()
	}

	err = w.store.WithTx(ctx, func(tx ledger.Tx) error {
		if submitErr != nil {
			return w.fail(ctx, tx, c.item, payfast.Message(submitErr))
		}
		done, err := tx.MarkPayoutItem(ctx, c.item.ID, ledger.PayoutResult{
			Status:      ledger.PayoutCompleted,
			ProviderRef: receipt.ProviderRef,
		})
		if err != nil {
			return err
		}
		return w.escrows.MarkPaid(ctx, tx, done)
	})
	if err != nil {
		return resultSkipped, fmt.Errorf("record payout result: %w", err)
	}

	if submitErr != nil {
		metrics.PayoutItemsTotal.WithLabelValues("failed").Inc()
		w.log(ctx).Warn("payout failed", "itemId", c.item.ID, "reference", req.Reference, "error", submitErr)
		return resultFailed, nil
	}
	metrics.PayoutItemsTotal.WithLabelValues("completed").Inc()
	w.log(ctx).Info("payout completed", "itemId", c.item.ID, "reference", req.Reference,
		"amount", money.Format(req.Amount), "providerRef", receipt.ProviderRef)
	return resultCompleted, nil
}

// claim moves an item to processing and resolves its bank account. It
// detaches items whose escrow froze since batching and fails items with no
// payable account; in both cases *out stays nil.
func (w *Worker) claim(ctx context.Context, itemID string, out **claim) (itemResult, error) {
	res := resultSkipped
	err := w.store.WithTx(ctx, func(tx ledger.Tx) error {
		*out = nil
		it, err := tx.GetPayoutItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status.IsTerminal() {
			res = resultSkipped
			return nil
		}
		e, err := tx.GetEscrow(ctx, it.EscrowID)
		if err != nil {
			return err
		}
		if frozen(e) {
			it.BatchID = ""
			it.Status = ledger.PayoutPending
			res = resultDetached
			return tx.UpdatePayoutItem(ctx, it)
		}

		acct, err := tx.GetPrimaryBankAccount(ctx, it.FreelancerID)
		if errors.Is(err, ledger.ErrNotFound) {
			res = resultFailed
			return w.fail(ctx, tx, it, NoBankAccount)
		}
		if err != nil {
			return err
		}

		it.Status = ledger.PayoutProcessing
		it.Attempts++
		if err := tx.UpdatePayoutItem(ctx, it); err != nil {
			return err
		}
		*out = &claim{item: it, account: acct}
		return nil
	})
	if err != nil {
		return resultSkipped, err
	}
	switch res {
	case resultDetached:
		metrics.PayoutItemsTotal.WithLabelValues("detached").Inc()
		w.log(ctx).Info("payout detached from batch, escrow frozen", "itemId", itemID)
	case resultFailed:
		metrics.PayoutItemsTotal.WithLabelValues("failed").Inc()
		w.log(ctx).Warn("payout failed", "itemId", itemID, "error", NoBankAccount)
	}
	return res, nil
}

// fail marks it failed and tells the freelancer. Items that carry no
// milestone are not re-queued automatically, so operators are told too.
func (w *Worker) fail(ctx context.Context, tx ledger.Tx, it *ledger.PayoutItem, reason string) error {
	if _, err := tx.MarkPayoutItem(ctx, it.ID, ledger.PayoutResult{Status: ledger.PayoutFailed, Error: reason}); err != nil {
		return err
	}
	notes := []ledger.Notification{{
		RecipientID: it.FreelancerID,
		Kind:        "payout.failed",
		Title:       "Payout failed",
		Body:        fmt.Sprintf("A payout of %s %s could not be sent: %s.", money.Currency, money.Format(it.Amount), reason),
	}}
	if it.MilestoneID == "" {
		notes = append(notes, ledger.Notification{
			RecipientID: ledger.OperatorsRecipient,
			Kind:        "payout.failed",
			Title:       "Payout needs attention",
			Body:        fmt.Sprintf("Payout %s for escrow %s failed: %s.", it.ID, it.EscrowID, reason),
		})
	}
	for _, n := range notes {
		n.EntityType, n.EntityID = "payout_item", it.ID
		if err := ledger.Notify(ctx, tx, n); err != nil {
			return err
		}
	}
	return nil
}

// submit sends req, spacing every attempt by the rate limiter and retrying
// temporary provider failures with backoff.
func (w *Worker) submit(ctx context.Context, req payfast.PayoutRequest) (*payfast.PayoutReceipt, error) {
	var receipt *payfast.PayoutReceipt
	_, err := retry.DoAttempts(ctx, w.maxAttempts, w.retryDelay, func(attempt int) error {
		if err := w.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		start := time.Now()
		r, err := w.client.SubmitPayout(ctx, req)
		metrics.PayoutSubmitDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			receipt = r
			return nil
		}
		if !payfast.IsTemporary(err) {
			return retry.Permanent(err)
		}
		w.log(ctx).Warn("payout attempt failed, will retry", "reference", req.Reference, "attempt", attempt, "error", err)
		return err
	})
	return receipt, err
}
