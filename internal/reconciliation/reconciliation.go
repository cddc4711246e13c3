// Package reconciliation audits the ledger for money that does not add up:
// escrows whose fee split drifted, escrows paid out beyond their net, and
// payout batches that never reached a terminal status.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/pagination"
)

// Kind classifies a finding.
type Kind string

const (
	KindNetMismatch   Kind = "net_mismatch"   // net != gross - fee
	KindGrossMismatch Kind = "gross_mismatch" // escrow gross differs from the provider's
	KindOverpaid      Kind = "overpaid"       // payouts exceed net
	KindStuckBatch    Kind = "stuck_batch"    // batch open longer than the stuck threshold
)

// Kinds lists every finding kind, in report order.
var Kinds = []Kind{KindNetMismatch, KindGrossMismatch, KindOverpaid, KindStuckBatch}

// Finding is one inconsistency.
type Finding struct {
	Kind     Kind   `json:"kind"`
	EscrowID string `json:"escrowId,omitempty"`
	BatchID  string `json:"batchId,omitempty"`
	Detail   string `json:"detail"`
}

// Report is the result of one audit.
type Report struct {
	EscrowsChecked int       `json:"escrowsChecked"`
	BatchesChecked int       `json:"batchesChecked"`
	Findings       []Finding `json:"findings"`
	StartedAt      time.Time `json:"startedAt"`
	Duration       string    `json:"duration"`
}

// OK reports whether the audit found nothing.
func (r *Report) OK() bool { return len(r.Findings) == 0 }

// Count returns the number of findings of kind k.
func (r *Report) Count(k Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Auditor walks the ledger page by page, one unit of work per page.
type Auditor struct {
	store      ledger.Store
	pageSize   int
	stuckAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewAuditor creates an auditor. Batches open for longer than a day are
// reported as stuck.
func NewAuditor(store ledger.Store) *Auditor {
	return &Auditor{
		store:      store,
		pageSize:   200,
		stuckAfter: 24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
}

// WithClock overrides the clock. Used by tests.
func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	a.now = now
	return a
}

// WithLogger sets the logger.
func (a *Auditor) WithLogger(l *slog.Logger) *Auditor {
	a.logger = l
	return a
}

// WithPageSize sets how many escrows one unit of work reads.
func (a *Auditor) WithPageSize(n int) *Auditor {
	if n > 0 {
		a.pageSize = n
	}
	return a
}

// Run audits every escrow and open batch.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	start := a.now()
	report := &Report{StartedAt: start, Findings: []Finding{}}

	var after *pagination.Cursor
	for {
		var page []*ledger.Escrow
		err := a.store.WithTx(ctx, func(tx ledger.Tx) error {
			var err error
			page, err = tx.ListEscrows(ctx, ledger.EscrowFilter{After: after, Limit: a.pageSize})
			if err != nil {
				return err
			}
			for _, e := range page {
				found, err := a.auditEscrow(ctx, tx, e)
				if err != nil {
					return fmt.Errorf("audit escrow %s: %w", e.ID, err)
				}
				report.Findings = append(report.Findings, found...)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		report.EscrowsChecked += len(page)
		if len(page) < a.pageSize {
			break
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	err := a.store.WithTx(ctx, func(tx ledger.Tx) error {
		open, err := tx.ListOpenBatches(ctx)
		if err != nil {
			return err
		}
		report.BatchesChecked = len(open)
		for _, b := range open {
			if age := start.Sub(b.CreatedAt); age > a.stuckAfter {
				report.Findings = append(report.Findings, Finding{
					Kind:    KindStuckBatch,
					BatchID: b.ID,
					Detail:  fmt.Sprintf("batch %s open for %s", b.Status, age.Truncate(time.Minute)),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Duration = a.now().Sub(start).String()
	for _, f := range report.Findings {
		a.logger.Warn("ledger inconsistency", "kind", f.Kind, "escrowId", f.EscrowID, "batchId", f.BatchID, "detail", f.Detail)
	}
	return report, nil
}

func (a *Auditor) auditEscrow(ctx context.Context, tx ledger.Tx, e *ledger.Escrow) ([]Finding, error) {
	// Amounts are fixed when the escrow is held; pending and cancelled
	// escrows never carried money.
	if e.HeldAt == nil {
		return nil, nil
	}
	var out []Finding

	if want := e.Gross.Sub(e.Fee); !e.Net.Equal(want) {
		out = append(out, Finding{
			Kind:     KindNetMismatch,
			EscrowID: e.ID,
			Detail:   fmt.Sprintf("net %s, gross - fee %s", e.Net.StringFixed(2), want.StringFixed(2)),
		})
	}

	pt, err := tx.GetProviderTransaction(ctx, e.CorrelationID)
	switch {
	case err == nil:
		if !pt.Gross.Equal(e.Gross) {
			out = append(out, Finding{
				Kind:     KindGrossMismatch,
				EscrowID: e.ID,
				Detail:   fmt.Sprintf("escrow gross %s, provider gross %s", e.Gross.StringFixed(2), pt.Gross.StringFixed(2)),
			})
		}
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}

	items, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{EscrowID: e.ID})
	if err != nil {
		return nil, err
	}
	committed := decimal.Zero
	for _, it := range items {
		if it.Status != ledger.PayoutFailed {
			committed = committed.Add(it.Amount)
		}
	}
	if committed.GreaterThan(e.Net) {
		out = append(out, Finding{
			Kind:     KindOverpaid,
			EscrowID: e.ID,
			Detail:   fmt.Sprintf("payouts %s exceed net %s", committed.StringFixed(2), e.Net.StringFixed(2)),
		})
	}
	return out, nil
}
