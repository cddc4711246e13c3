package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/payfast"
	"github.com/trustwork/escrowd/internal/signature"
)

// DeadLetters keeps signature-valid deliveries that failed to process.
type DeadLetters struct {
	store      ledger.Store
	reconciler *Reconciler
	now        func() time.Time
	logger     *slog.Logger
}

// NewDeadLetters creates the dead-letter channel. Replays go through reconciler.
func NewDeadLetters(store ledger.Store, reconciler *Reconciler) *DeadLetters {
	return &DeadLetters{
		store:      store,
		reconciler: reconciler,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
}

// WithLogger sets the fallback logger.
func (d *DeadLetters) WithLogger(l *slog.Logger) *DeadLetters {
	d.logger = l
	return d
}

// WithClock overrides the clock. Used by tests.
func (d *DeadLetters) WithClock(now func() time.Time) *DeadLetters {
	d.now = now
	return d
}

// Record stores a failed delivery. It runs on its own short deadline so a
// delivery that timed out can still be recorded.
func (d *DeadLetters) Record(ctx context.Context, fields signature.Fields, cause error) (*ledger.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	status, _ := payfast.ParseStatus(fields["payment_status"])
	dl := &ledger.DeadLetter{
		CorrelationID: fields["m_payment_id"],
		PaymentStatus: status,
		Fields:        map[string]string(fields),
		Error:         cause.Error(),
		Attempts:      1,
	}
	if err := d.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertDeadLetter(ctx, dl)
	}); err != nil {
		return nil, err
	}
	metrics.DeadLettersTotal.WithLabelValues("recorded").Inc()
	logging.OrDefault(ctx, d.logger).Warn("webhook dead-lettered",
		"deadLetterId", dl.ID, "correlationId", dl.CorrelationID, "error", dl.Error)
	return dl, nil
}

func requireOperator(actor ledger.Actor) error {
	if actor.Role != ledger.RoleOperator {
		return fmt.Errorf("%w: operator role required", ledger.ErrForbidden)
	}
	return nil
}

// List returns dead letters, newest first.
func (d *DeadLetters) List(ctx context.Context, actor ledger.Actor, unresolvedOnly bool, limit int) ([]*ledger.DeadLetter, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	var out []*ledger.DeadLetter
	err := d.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.ListDeadLetters(ctx, unresolvedOnly, limit)
		return err
	})
	return out, err
}

// Replay re-runs reconciliation for a dead letter. On success the letter is
// marked resolved; on failure its attempt count and error are updated and
// the failure is returned.
func (d *DeadLetters) Replay(ctx context.Context, actor ledger.Actor, id string) (*ledger.DeadLetter, Result, error) {
	if err := requireOperator(actor); err != nil {
		return nil, Result{}, err
	}

	var dl *ledger.DeadLetter
	if err := d.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		dl, err = tx.GetDeadLetter(ctx, id)
		return err
	}); err != nil {
		return nil, Result{}, err
	}
	if dl.ResolvedAt != nil {
		return dl, Result{}, fmt.Errorf("%w: dead letter %s already resolved", ledger.ErrIllegalTransition, id)
	}

	var res Result
	n, replayErr := payfast.ParseITN(signature.Fields(dl.Fields))
	if replayErr == nil {
		res, replayErr = d.reconciler.Reconcile(ctx, n)
	}

	now := d.now()
	if replayErr == nil {
		dl.ResolvedAt = &now
	} else {
		dl.Attempts++
		dl.Error = replayErr.Error()
	}
	if err := d.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.UpdateDeadLetter(ctx, dl)
	}); err != nil {
		return nil, Result{}, err
	}

	if replayErr != nil {
		metrics.DeadLettersTotal.WithLabelValues("replay_failed").Inc()
		return dl, Result{}, replayErr
	}
	metrics.DeadLettersTotal.WithLabelValues("replayed").Inc()
	logging.OrDefault(ctx, d.logger).Info("dead letter replayed",
		"deadLetterId", id, "correlationId", dl.CorrelationID, "outcome", res.Outcome, "operator", actor.ID)
	return dl, res, nil
}
