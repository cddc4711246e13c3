// Package dispute implements the dispute workflow that freezes an escrow's
// normal release path until an operator records a decision.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/traces"
)

// SupersededReason is recorded on queued payouts cancelled by a resolution.
const SupersededReason = "superseded by dispute resolution"

// MaxEvidence bounds the evidence references kept per dispute.
const MaxEvidence = 50

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	Reason      string   `json:"reason" binding:"required"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

// ResolveRequest contains an operator's decision.
type ResolveRequest struct {
	Decision ledger.Decision `json:"decision" binding:"required"`
	// Adjustment is the amount paid to the freelancer on top of what was
	// already paid. Required for split.
	Adjustment *decimal.Decimal `json:"adjustment"`
	Notes      string           `json:"notes"`
}

// Service implements the dispute workflow.
type Service struct {
	store       ledger.Store
	graceWindow time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewService creates a dispute service. graceWindow is how long after a
// release a party may still open a dispute.
func NewService(store ledger.Store, graceWindow time.Duration) *Service {
	return &Service{
		store:       store,
		graceWindow: graceWindow,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
}

// WithLogger sets the fallback logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the service clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.OrDefault(ctx, s.logger)
}

// Open raises a dispute on a held escrow, or on a released one within the
// grace window. Opening twice as the same party returns the active dispute.
func (s *Service) Open(ctx context.Context, actor ledger.Actor, escrowID string, req OpenRequest) (*ledger.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.EscrowID(escrowID), traces.Actor(actor.String()))
	var (
		d       *ledger.Dispute
		existed bool
		err     error
	)
	defer func() { traces.End(span, err) }()

	if req.Reason == "" {
		err = fmt.Errorf("%w: reason is required", ledger.ErrInvalidInput)
		return nil, err
	}
	if len(req.Evidence) > MaxEvidence {
		err = fmt.Errorf("%w: at most %d evidence references", ledger.ErrInvalidInput, MaxEvidence)
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if !e.IsParty(actor.ID) {
			return fmt.Errorf("%w: only the client or the freelancer may open a dispute", ledger.ErrForbidden)
		}

		active, err := tx.FindActiveDispute(ctx, e.ID, actor.ID)
		switch {
		case err == nil:
			d, existed = active, true
			return nil
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}

		now := s.now()
		switch e.Status {
		case ledger.EscrowHeld:
		case ledger.EscrowReleased:
			if e.ReleasedAt == nil || now.After(e.ReleasedAt.Add(s.graceWindow)) {
				return fmt.Errorf("%w: dispute window closed %s after release", ledger.ErrIllegalTransition, s.graceWindow)
			}
		default:
			return fmt.Errorf("%w: cannot dispute a %s escrow", ledger.ErrIllegalTransition, e.Status)
		}

		d = &ledger.Dispute{
			EscrowID:    e.ID,
			RaisedBy:    actor.ID,
			CounterID:   e.Counterparty(actor.ID),
			Reason:      req.Reason,
			Description: req.Description,
			Evidence:    append([]string{}, req.Evidence...),
			Status:      ledger.DisputePending,
			PriorStatus: e.Status,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		e.DisputeID = d.ID
		if err := escrow.Transition(ctx, tx, e, ledger.EscrowDisputed, now); err != nil {
			return err
		}

		for _, n := range []ledger.Notification{
			{RecipientID: d.CounterID, Kind: "dispute.opened", Title: "Dispute opened",
				Body: fmt.Sprintf("A dispute was opened on your escrow: %s. Payouts are paused until it is resolved.", d.Reason)},
			{RecipientID: d.RaisedBy, Kind: "dispute.opened", Title: "Dispute received",
				Body: "Your dispute was recorded. An operator will review it."},
			{RecipientID: ledger.OperatorsRecipient, Kind: "dispute.opened", Title: "New dispute",
				Body: fmt.Sprintf("Escrow %s disputed by %s: %s", e.ID, actor.ID, d.Reason)},
		} {
			n.EntityType, n.EntityID = "dispute", d.ID
			if err := ledger.Notify(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !existed {
		metrics.DisputesTotal.WithLabelValues("opened").Inc()
		metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowDisputed)).Inc()
		s.log(ctx).Info("dispute opened", "disputeId", d.ID, "escrowId", escrowID, "raisedBy", actor.ID)
	}
	return d, nil
}

// disputeOp loads an active dispute and its escrow, and gates the actor.
func (s *Service) disputeOp(ctx context.Context, actor ledger.Actor, id string, fn func(tx ledger.Tx, d *ledger.Dispute, e *ledger.Escrow) error) error {
	return s.store.WithTx(ctx, func(tx ledger.Tx) error {
		d, err := tx.GetDispute(ctx, id)
		if err != nil {
			return err
		}
		e, err := tx.GetEscrow(ctx, d.EscrowID)
		if err != nil {
			return err
		}
		if err := ledger.RequireEscrowRead(actor, e); err != nil {
			return err
		}
		if !d.Status.IsActive() {
			return fmt.Errorf("%w: dispute %s is %s", ledger.ErrIllegalTransition, d.ID, d.Status)
		}
		return fn(tx, d, e)
	})
}

func requireOperator(actor ledger.Actor) error {
	if actor.Role != ledger.RoleOperator {
		return fmt.Errorf("%w: operator role required", ledger.ErrForbidden)
	}
	return nil
}

func moveDispute(ctx context.Context, tx ledger.Tx, d *ledger.Dispute, to ledger.DisputeStatus) error {
	if !ledger.CanTransitionDispute(d.Status, to) {
		return fmt.Errorf("%w: dispute %s -> %s", ledger.ErrIllegalTransition, d.Status, to)
	}
	d.Status = to
	return tx.UpdateDispute(ctx, d)
}

func notifyParties(ctx context.Context, tx ledger.Tx, d *ledger.Dispute, kind, title, body string) error {
	for _, who := range []string{d.RaisedBy, d.CounterID} {
		if err := ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: who,
			Kind:        kind,
			Title:       title,
			Body:        body,
			EntityType:  "dispute",
			EntityID:    d.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AddEvidence appends evidence references. Parties and operators may add.
func (s *Service) AddEvidence(ctx context.Context, actor ledger.Actor, id string, refs []string) (*ledger.Dispute, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no evidence given", ledger.ErrInvalidInput)
	}
	var out *ledger.Dispute
	err := s.disputeOp(ctx, actor, id, func(tx ledger.Tx, d *ledger.Dispute, e *ledger.Escrow) error {
		if len(d.Evidence)+len(refs) > MaxEvidence {
			return fmt.Errorf("%w: at most %d evidence references", ledger.ErrInvalidInput, MaxEvidence)
		}
		d.Evidence = append(d.Evidence, refs...)
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		recipient := ledger.OperatorsRecipient
		if actor.Role == ledger.RoleOperator {
			recipient = ""
		}
		return ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: recipient,
			Kind:        "dispute.evidence",
			Title:       "New dispute evidence",
			Body:        fmt.Sprintf("%s added %d evidence reference(s) to dispute %s.", actor.ID, len(refs), d.ID),
			EntityType:  "dispute",
			EntityID:    d.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartReview marks a dispute as under operator review.
func (s *Service) StartReview(ctx context.Context, actor ledger.Actor, id string) (*ledger.Dispute, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	var out *ledger.Dispute
	err := s.disputeOp(ctx, actor, id, func(tx ledger.Tx, d *ledger.Dispute, _ *ledger.Escrow) error {
		if err := moveDispute(ctx, tx, d, ledger.DisputeInReview); err != nil {
			return err
		}
		out = d
		return notifyParties(ctx, tx, d, "dispute.in_review", "Dispute under review",
			"An operator is reviewing the dispute.")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Escalate hands a dispute to senior review.
func (s *Service) Escalate(ctx context.Context, actor ledger.Actor, id, notes string) (*ledger.Dispute, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	var out *ledger.Dispute
	err := s.disputeOp(ctx, actor, id, func(tx ledger.Tx, d *ledger.Dispute, _ *ledger.Escrow) error {
		if notes != "" {
			d.Notes = notes
		}
		if err := moveDispute(ctx, tx, d, ledger.DisputeEscalated); err != nil {
			return err
		}
		out = d
		return notifyParties(ctx, tx, d, "dispute.escalated", "Dispute escalated",
			"The dispute was escalated for further review.")
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("escalated").Inc()
	return out, nil
}

// Cancel withdraws a dispute. The raiser or an operator may cancel; the
// escrow returns to the status it had before the dispute.
func (s *Service) Cancel(ctx context.Context, actor ledger.Actor, id string) (*ledger.Dispute, error) {
	var out *ledger.Dispute
	err := s.disputeOp(ctx, actor, id, func(tx ledger.Tx, d *ledger.Dispute, e *ledger.Escrow) error {
		if actor.ID != d.RaisedBy && actor.Role != ledger.RoleOperator {
			return fmt.Errorf("%w: only the raiser or an operator may cancel", ledger.ErrForbidden)
		}
		now := s.now()
		d.ResolvedAt = &now
		d.ResolvedBy = actor.ID
		if err := moveDispute(ctx, tx, d, ledger.DisputeCancelled); err != nil {
			return err
		}
		if e.Status == ledger.EscrowDisputed && e.DisputeID == d.ID {
			e.DisputeID = ""
			if err := escrow.Transition(ctx, tx, e, d.PriorStatus, now); err != nil {
				return err
			}
		}
		out = d
		return notifyParties(ctx, tx, d, "dispute.cancelled", "Dispute withdrawn",
			"The dispute was withdrawn and normal payouts resume.")
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("cancelled").Inc()
	s.log(ctx).Info("dispute cancelled", "disputeId", id, "by", actor.ID)
	return out, nil
}

// Resolve records an operator decision. Queued payouts are superseded, the
// escrow moves to refunded (favor_client) or released (every other
// decision), and a final payout item carries the adjustment.
func (s *Service) Resolve(ctx context.Context, actor ledger.Actor, id string, req ResolveRequest) (*ledger.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id), traces.Actor(actor.String()))
	var (
		out *ledger.Dispute
		err error
	)
	defer func() { traces.End(span, err) }()

	if err = requireOperator(actor); err != nil {
		return nil, err
	}
	if !req.Decision.Valid() {
		err = fmt.Errorf("%w: unknown decision %q", ledger.ErrInvalidInput, req.Decision)
		return nil, err
	}
	if req.Decision == ledger.DecisionSplit && req.Adjustment == nil {
		err = fmt.Errorf("%w: split requires an adjustment", ledger.ErrInvalidInput)
		return nil, err
	}
	if req.Adjustment != nil && req.Adjustment.IsNegative() {
		err = fmt.Errorf("%w: adjustment must not be negative", ledger.ErrInvalidInput)
		return nil, err
	}

	var adjustment decimal.Decimal
	err = s.disputeOp(ctx, actor, id, func(tx ledger.Tx, d *ledger.Dispute, e *ledger.Escrow) error {
		if e.Status != ledger.EscrowDisputed {
			return fmt.Errorf("%w: escrow %s is %s", ledger.ErrIllegalTransition, e.ID, e.Status)
		}

		items, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{EscrowID: e.ID})
		if err != nil {
			return err
		}
		inFlight := make(map[string]bool)
		for i, it := range items {
			switch it.Status {
			case ledger.PayoutPending:
				marked, err := tx.MarkPayoutItem(ctx, it.ID, ledger.PayoutResult{Status: ledger.PayoutFailed, Error: SupersededReason})
				if err != nil {
					return err
				}
				items[i] = marked
			case ledger.PayoutProcessing:
				if it.MilestoneID != "" {
					inFlight[it.MilestoneID] = true
				}
			}
		}
		remaining := escrow.Remaining(e, items)

		adjustment, err = decide(req, remaining)
		if err != nil {
			return err
		}

		now := s.now()
		if err := escrow.CancelOpenMilestones(ctx, tx, e.ID, inFlight); err != nil {
			return err
		}
		target := ledger.EscrowReleased
		if req.Decision == ledger.DecisionFavorClient {
			target = ledger.EscrowRefunded
		} else if e.ReleaseReason == "" {
			e.ReleaseReason = ledger.ReleaseByResolution
		}
		if err := escrow.Transition(ctx, tx, e, target, now); err != nil {
			return err
		}
		if adjustment.IsPositive() {
			if _, err := tx.AppendPayoutItem(ctx, &ledger.PayoutItem{
				EscrowID:     e.ID,
				JobID:        e.JobID,
				FreelancerID: e.FreelancerID,
				Amount:       adjustment,
			}); err != nil {
				return err
			}
		}

		d.Decision = req.Decision
		d.Adjustment = decimal.NewNullDecimal(adjustment)
		d.ResolvedBy = actor.ID
		d.Notes = req.Notes
		d.ResolvedAt = &now
		if err := moveDispute(ctx, tx, d, ledger.DisputeResolved); err != nil {
			return err
		}
		out = d

		return notifyParties(ctx, tx, d, "dispute.resolved", "Dispute resolved",
			fmt.Sprintf("Decision: %s. %s %s will be paid to the freelancer on top of %s %s already paid.",
				req.Decision, money.Currency, money.Format(adjustment), money.Currency, money.Format(escrow.Paid(e, items))))
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	metrics.DisputeResolutionsTotal.WithLabelValues(string(req.Decision)).Inc()
	s.log(ctx).Info("dispute resolved",
		"disputeId", id, "decision", req.Decision, "adjustment", money.Format(adjustment), "operator", actor.ID)
	return out, nil
}

// decide returns the amount paid to the freelancer for a decision given
// what remains unpaid on the escrow.
func decide(req ResolveRequest, remaining decimal.Decimal) (decimal.Decimal, error) {
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	var adj decimal.Decimal
	switch req.Decision {
	case ledger.DecisionFavorClient:
		if req.Adjustment != nil && !req.Adjustment.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: favor_client refunds the escrow and pays nothing further", ledger.ErrInvalidInput)
		}
		return decimal.Zero, nil
	case ledger.DecisionFavorFreelancer:
		adj = remaining
		if req.Adjustment != nil {
			adj = *req.Adjustment
		}
	default:
		if req.Adjustment != nil {
			adj = *req.Adjustment
		}
	}
	adj = adj.Round(money.Places)
	if adj.GreaterThan(remaining) {
		return decimal.Zero, fmt.Errorf("%w: adjustment %s exceeds remaining %s",
			ledger.ErrInvalidInput, money.Format(adj), money.Format(remaining))
	}
	return adj, nil
}
