// Package webhook receives the provider's instant transaction
// notifications and reconciles them into the ledger.
//
// A delivery whose signature verifies is always answered 200. Processing
// failures are logged and kept as dead letters that operators can replay.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/payfast"
	"github.com/trustwork/escrowd/internal/syncutil"
	"github.com/trustwork/escrowd/internal/traces"
)

// Outcome classifies what a delivery did to the ledger.
type Outcome string

const (
	OutcomeHeld      Outcome = "held"      // escrow created
	OutcomeDuplicate Outcome = "duplicate" // escrow already existed
	OutcomeFailed    Outcome = "failed"    // payment failed, client told
	OutcomeCancelled Outcome = "cancelled"
	OutcomePending   Outcome = "pending"
)

// Result is the outcome of reconciling one notification.
type Result struct {
	Outcome  Outcome
	EscrowID string
}

// Reconciler applies provider notifications to the ledger.
type Reconciler struct {
	store   ledger.Store
	escrows *escrow.Service
	locks   *syncutil.KeyedMutex
	logger  *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store ledger.Store, escrows *escrow.Service) *Reconciler {
	return &Reconciler{
		store:   store,
		escrows: escrows,
		locks:   syncutil.NewKeyedMutex(),
		logger:  slog.Default(),
	}
}

// WithLogger sets the fallback logger.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	r.logger = l
	return r
}

func (r *Reconciler) log(ctx context.Context) *slog.Logger {
	return logging.OrDefault(ctx, r.logger)
}

// Reconcile records n and dispatches on its payment status. Deliveries for
// one correlation id are serialized in-process; the store's uniqueness on
// correlation id covers other processes. Repeated deliveries are no-ops.
func (r *Reconciler) Reconcile(ctx context.Context, n *payfast.ITN) (res Result, err error) {
	ctx, span := traces.StartSpan(ctx, "webhook.Reconcile",
		traces.CorrelationID(n.CorrelationID), traces.PaymentStatus(string(n.Status)))
	defer func() { traces.End(span, err) }()

	unlock, err := r.locks.Lock(ctx, n.CorrelationID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: waiting for correlation lock: %v", ledger.ErrTransient, err)
	}
	defer unlock()

	err = r.store.WithTx(ctx, func(tx ledger.Tx) error {
		upsert, err := tx.UpsertProviderTransaction(ctx, n.ProviderTransaction())
		if err != nil {
			return fmt.Errorf("upsert provider transaction %s: %w", n.CorrelationID, err)
		}

		switch n.Status {
		case ledger.PaymentComplete:
			res, err = r.complete(ctx, tx, n)
			return err
		case ledger.PaymentFailed:
			res = Result{Outcome: OutcomeFailed}
			if res.EscrowID, err = r.cancelPending(ctx, tx, n); err != nil {
				return err
			}
			if !upsert.StatusChanged(n.Status) {
				return nil
			}
			return r.failed(ctx, tx, n)
		case ledger.PaymentCancelled:
			res = Result{Outcome: OutcomeCancelled}
			res.EscrowID, err = r.cancelPending(ctx, tx, n)
			return err
		default:
			res = Result{Outcome: OutcomePending}
			return nil
		}
	})
	if errors.Is(err, ledger.ErrConflict) {
		// Another delivery created the escrow between our read and insert.
		res, err = Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return Result{}, err
	}

	switch res.Outcome {
	case OutcomeHeld:
		metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowHeld)).Inc()
		r.log(ctx).Info("escrow held", "escrowId", res.EscrowID, "correlationId", n.CorrelationID,
			"gross", money.Format(n.Gross))
	case OutcomeCancelled:
		r.log(ctx).Info("payment cancelled by payer", "correlationId", n.CorrelationID, "escrowId", res.EscrowID)
	case OutcomeDuplicate:
		r.log(ctx).Debug("duplicate delivery", "correlationId", n.CorrelationID)
	}
	return res, nil
}

func (r *Reconciler) complete(ctx context.Context, tx ledger.Tx, n *payfast.ITN) (Result, error) {
	existing, err := tx.GetEscrowByCorrelation(ctx, n.CorrelationID)
	switch {
	case err == nil:
		return Result{Outcome: OutcomeDuplicate, EscrowID: existing.ID}, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return Result{}, err
	}

	if n.Correlation.JobID == "" {
		return Result{}, fmt.Errorf("%w: complete payment %s carries no job id", ledger.ErrInvalidInput, n.CorrelationID)
	}
	job, err := tx.GetJob(ctx, n.Correlation.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job %s: %w", n.Correlation.JobID, err)
	}
	freelancerID := n.Correlation.FreelancerID
	if freelancerID == "" {
		freelancerID = job.FreelancerID
	}

	e, _, err := r.escrows.Hold(ctx, tx, escrow.HoldRequest{
		CorrelationID:     n.CorrelationID,
		ProviderPaymentID: n.ProviderPaymentID,
		JobID:             job.ID,
		ClientID:          job.ClientID,
		FreelancerID:      freelancerID,
		ApplicationID:     n.Correlation.ApplicationID,
		Gross:             n.Gross,
		Plan:              job.Plan,
	})
	if err != nil {
		return Result{}, err
	}

	job.Status = ledger.JobInProgress
	job.PaymentStatus = ledger.JobPaid
	job.FreelancerID = freelancerID
	if err := tx.PutJob(ctx, job); err != nil {
		return Result{}, err
	}

	if id := n.Correlation.ApplicationID; id != "" {
		app, err := tx.GetApplication(ctx, id)
		switch {
		case err == nil:
			app.Status = ledger.ApplicationAccepted
			if err := tx.PutApplication(ctx, app); err != nil {
				return Result{}, err
			}
		case errors.Is(err, ledger.ErrNotFound):
			r.log(ctx).Warn("paid application not found", "applicationId", id, "jobId", job.ID)
		default:
			return Result{}, err
		}
	}

	for _, note := range []ledger.Notification{
		{
			RecipientID: freelancerID,
			Kind:        "escrow.held",
			Title:       "Start working",
			Body:        fmt.Sprintf("Payment for %q is secured in escrow. You can start working.", job.Title),
		},
		{
			RecipientID: job.ClientID,
			Kind:        "payment.confirmed",
			Title:       "Payment confirmed",
			Body: fmt.Sprintf("We received %s %s for %q. Funds are held until you approve the work.",
				money.Currency, money.Format(e.Gross), job.Title),
		},
	} {
		note.EntityType, note.EntityID = "escrow", e.ID
		if err := ledger.Notify(ctx, tx, note); err != nil {
			return Result{}, err
		}
	}
	return Result{Outcome: OutcomeHeld, EscrowID: e.ID}, nil
}

// cancelPending cancels the escrow awaiting n's payment, if there is one,
// and returns its id. Escrows already past pending are left alone.
func (r *Reconciler) cancelPending(ctx context.Context, tx ledger.Tx, n *payfast.ITN) (string, error) {
	e, err := tx.GetEscrowByCorrelation(ctx, n.CorrelationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if e.Status != ledger.EscrowPending {
		r.log(ctx).Warn("unsuccessful payment reported for escrow past pending",
			"escrowId", e.ID, "status", e.Status, "paymentStatus", n.Status, "correlationId", n.CorrelationID)
		return e.ID, nil
	}
	if err := r.escrows.CancelPending(ctx, tx, e); err != nil {
		return "", err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowCancelled)).Inc()
	return e.ID, nil
}

func (r *Reconciler) failed(ctx context.Context, tx ledger.Tx, n *payfast.ITN) error {
	if n.Correlation.JobID == "" {
		return nil
	}
	job, err := tx.GetJob(ctx, n.Correlation.JobID)
	if errors.Is(err, ledger.ErrNotFound) {
		r.log(ctx).Warn("failed payment for unknown job", "jobId", n.Correlation.JobID, "correlationId", n.CorrelationID)
		return nil
	}
	if err != nil {
		return err
	}
	return ledger.Notify(ctx, tx, ledger.Notification{
		RecipientID: job.ClientID,
		Kind:        "payment.failed",
		Title:       "Payment failed",
		Body:        fmt.Sprintf("Your payment for %q did not go through. Please try again.", job.Title),
		EntityType:  "job",
		EntityID:    job.ID,
	})
}
