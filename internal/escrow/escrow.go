// Package escrow implements the escrow state machine and the milestone
// coordinator that drives partial releases.
//
// Flow:
//  1. Provider confirms payment → webhook calls Hold: escrow held, milestones materialized
//  2. Freelancer submits a milestone → client approves (or requests a revision)
//  3. Payout worker pays approved milestones → MarkPaid; last one releases the escrow
//  4. Client may release the whole escrow, or refund it before work starts
//
// Every operation runs inside one ledger unit of work; the ledger store
// rejects any status change the transition tables do not allow.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/traces"
)

// FeePolicy derives the platform fee from a gross amount. The policy is
// chosen outside the core; the service only consumes it.
type FeePolicy interface {
	Fee(gross decimal.Decimal) decimal.Decimal
}

// RatePolicy charges a flat fraction of gross, rounded to cents.
type RatePolicy struct {
	Rate decimal.Decimal
}

// Fee implements FeePolicy.
func (p RatePolicy) Fee(gross decimal.Decimal) decimal.Decimal {
	return money.Fee(gross, p.Rate)
}

// SyntheticDescription names the single milestone created for jobs without a plan.
const SyntheticDescription = "Full delivery"

// Service implements escrow and milestone business logic.
type Service struct {
	store        ledger.Store
	fees         FeePolicy
	maxRevisions int
	now          func() time.Time
	logger       *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store ledger.Store, fees FeePolicy, maxRevisions int) *Service {
	return &Service{
		store:        store,
		fees:         fees,
		maxRevisions: maxRevisions,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
	}
}

// WithLogger sets the fallback logger used when the request context has none.
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

// HoldRequest carries what the reconciler knows about a completed payment.
type HoldRequest struct {
	CorrelationID     string
	ProviderPaymentID string
	JobID             string
	ClientID          string
	FreelancerID      string
	ApplicationID     string
	Gross             decimal.Decimal
	Plan              []ledger.PlanEntry
}

// Hold creates an escrow directly in held and materializes its milestones
// from the plan. Fee and net are fixed here and never recomputed.
// Returns ledger.ErrConflict when an escrow already exists for the
// correlation id.
func (s *Service) Hold(ctx context.Context, tx ledger.Tx, req HoldRequest) (*ledger.Escrow, []*ledger.Milestone, error) {
	if !req.Gross.IsPositive() {
		return nil, nil, fmt.Errorf("%w: gross must be positive", ledger.ErrInvalidInput)
	}
	if req.ClientID == "" || req.FreelancerID == "" {
		return nil, nil, fmt.Errorf("%w: escrow needs both a client and a freelancer", ledger.ErrInvalidInput)
	}

	gross := req.Gross.Round(money.Places)
	fee := s.fees.Fee(gross)
	now := s.now()

	e := &ledger.Escrow{
		JobID:             req.JobID,
		ClientID:          req.ClientID,
		FreelancerID:      req.FreelancerID,
		ApplicationID:     req.ApplicationID,
		CorrelationID:     req.CorrelationID,
		ProviderPaymentID: req.ProviderPaymentID,
		Gross:             gross,
		Fee:               fee,
		Net:               money.Net(gross, fee),
		Status:            ledger.EscrowHeld,
		HeldAt:            &now,
	}

	ms, flagged := Materialize(req.Plan)
	e.PlanFlagged = flagged
	if err := tx.CreateEscrow(ctx, e, ms); err != nil {
		return nil, nil, err
	}
	if flagged {
		s.log(ctx).Warn("milestone plan does not sum to 100, partial payouts held until corrected",
			"escrowId", e.ID, "jobId", e.JobID)
	}
	return e, ms, nil
}

// Materialize turns a job plan into milestones. The first milestone starts
// in_progress, the rest pending. An empty plan yields one synthetic 100%
// milestone. flagged reports percentages that do not sum to 100.
func Materialize(plan []ledger.PlanEntry) (ms []*ledger.Milestone, flagged bool) {
	if len(plan) == 0 {
		plan = []ledger.PlanEntry{{Description: SyntheticDescription, Percentage: money.Hundred}}
	}
	pcts := make([]decimal.Decimal, 0, len(plan))
	for i, p := range plan {
		status := ledger.MilestonePending
		if i == 0 {
			status = ledger.MilestoneInProgress
		}
		ms = append(ms, &ledger.Milestone{
			Index:       i,
			Description: p.Description,
			Percentage:  p.Percentage,
			DueDate:     p.DueDate,
			Status:      status,
		})
		pcts = append(pcts, p.Percentage)
	}
	return ms, !money.IsHundred(pcts)
}

// Transition moves e to status to, stamping the matching timestamp, and
// persists it. The store rejects transitions outside the state machine.
func Transition(ctx context.Context, tx ledger.Tx, e *ledger.Escrow, to ledger.EscrowStatus, now time.Time) error {
	from := e.Status
	if from == to {
		return nil
	}
	if !ledger.CanTransitionEscrow(from, to) {
		return fmt.Errorf("%w: escrow %s -> %s", ledger.ErrIllegalTransition, from, to)
	}
	e.Status = to
	switch to {
	case ledger.EscrowHeld:
		if e.HeldAt == nil {
			e.HeldAt = &now
		}
	case ledger.EscrowReleased:
		// A dispute resolved after a client release keeps the first release time.
		if e.ReleasedAt == nil {
			e.ReleasedAt = &now
		}
	case ledger.EscrowRefunded:
		e.RefundedAt = &now
	case ledger.EscrowCancelled:
		e.CancelledAt = &now
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		e.Status = from
		return err
	}
	return nil
}

// Release pays out the whole remaining balance at the client's request.
// Unpaid milestones without a live payout item are cancelled and one item
// for net minus everything already paid or in flight is appended.
func (s *Service) Release(ctx context.Context, actor ledger.Actor, escrowID string) (*ledger.EscrowView, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(escrowID), traces.Actor(actor.String()))
	var (
		view *ledger.EscrowView
		err  error
	)
	defer func() { traces.End(span, err) }()

	var amount decimal.Decimal
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if err := requireClient(actor, e); err != nil {
			return err
		}
		if e.Status != ledger.EscrowHeld {
			return fmt.Errorf("%w: escrow %s is %s", ledger.ErrIllegalTransition, e.ID, e.Status)
		}

		items, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{EscrowID: e.ID})
		if err != nil {
			return err
		}
		now := s.now()
		if err := CancelOpenMilestones(ctx, tx, e.ID, liveMilestones(items)); err != nil {
			return err
		}

		amount = Remaining(e, items)
		if amount.IsPositive() {
			if _, err := tx.AppendPayoutItem(ctx, &ledger.PayoutItem{
				EscrowID:     e.ID,
				JobID:        e.JobID,
				FreelancerID: e.FreelancerID,
				Amount:       amount,
			}); err != nil {
				return err
			}
		}

		e.ReleaseReason = ledger.ReleaseByClient
		if err := Transition(ctx, tx, e, ledger.EscrowReleased, now); err != nil {
			return err
		}
		if err := ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: e.FreelancerID,
			Kind:        "escrow.released",
			Title:       "Funds released",
			Body:        fmt.Sprintf("The client released the escrow. %s %s is queued for payout.", money.Currency, money.Format(amount)),
			EntityType:  "escrow",
			EntityID:    e.ID,
		}); err != nil {
			return err
		}
		view, err = ledger.LoadEscrowView(ctx, tx, actor, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowReleased)).Inc()
	s.log(ctx).Info("escrow released by client", "escrowId", escrowID, "amount", money.Format(amount))
	return view, nil
}

// Refund returns the escrow to the client. Only allowed while no work has
// started: nothing submitted, nothing paid or queued.
func (s *Service) Refund(ctx context.Context, actor ledger.Actor, escrowID string) (*ledger.EscrowView, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(escrowID), traces.Actor(actor.String()))
	var (
		view *ledger.EscrowView
		err  error
	)
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if err := requireClient(actor, e); err != nil {
			return err
		}
		if e.Status != ledger.EscrowHeld {
			return fmt.Errorf("%w: escrow %s is %s", ledger.ErrIllegalTransition, e.ID, e.Status)
		}

		ms, err := tx.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if m.SubmittedAt != nil || (m.Status != ledger.MilestonePending && m.Status != ledger.MilestoneInProgress) {
				return fmt.Errorf("%w: work has started on milestone %d", ledger.ErrIllegalTransition, m.Index)
			}
		}
		items, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{EscrowID: e.ID, Statuses: []ledger.PayoutStatus{
			ledger.PayoutPending, ledger.PayoutProcessing, ledger.PayoutCompleted,
		}})
		if err != nil {
			return err
		}
		if len(items) > 0 {
			return fmt.Errorf("%w: escrow %s has payouts", ledger.ErrIllegalTransition, e.ID)
		}

		now := s.now()
		if err := cancelMilestones(ctx, tx, ms, nil); err != nil {
			return err
		}
		if err := Transition(ctx, tx, e, ledger.EscrowRefunded, now); err != nil {
			return err
		}
		if err := ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: e.FreelancerID,
			Kind:        "escrow.refunded",
			Title:       "Escrow refunded",
			Body:        "The client cancelled the job before work started and the escrow was refunded.",
			EntityType:  "escrow",
			EntityID:    e.ID,
		}); err != nil {
			return err
		}
		view, err = ledger.LoadEscrowView(ctx, tx, actor, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowRefunded)).Inc()
	s.log(ctx).Info("escrow refunded", "escrowId", escrowID)
	return view, nil
}

// CancelPending cancels an escrow still awaiting payment after the
// provider reported the payment failed or cancelled.
func (s *Service) CancelPending(ctx context.Context, tx ledger.Tx, e *ledger.Escrow) error {
	if e.Status != ledger.EscrowPending {
		return fmt.Errorf("%w: escrow %s is %s", ledger.ErrIllegalTransition, e.ID, e.Status)
	}
	ms, err := tx.ListMilestones(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := cancelMilestones(ctx, tx, ms, nil); err != nil {
		return err
	}
	return Transition(ctx, tx, e, ledger.EscrowCancelled, s.now())
}

// CorrectPlan replaces milestone percentages (in index order) and clears
// the plan flag. Paid or queued milestones keep their percentage.
func (s *Service) CorrectPlan(ctx context.Context, actor ledger.Actor, escrowID string, pcts []decimal.Decimal) (*ledger.EscrowView, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CorrectPlan", traces.EscrowID(escrowID), traces.Actor(actor.String()))
	var (
		view *ledger.EscrowView
		err  error
	)
	defer func() { traces.End(span, err) }()

	if actor.Role != ledger.RoleOperator {
		err = fmt.Errorf("%w: only operators correct milestone plans", ledger.ErrForbidden)
		return nil, err
	}
	if !money.IsHundred(pcts) {
		err = fmt.Errorf("%w: percentages must sum to 100", ledger.ErrInvalidInput)
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowHeld {
			return fmt.Errorf("%w: plan of a %s escrow cannot change", ledger.ErrIllegalTransition, e.Status)
		}
		ms, err := tx.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		if len(ms) != len(pcts) {
			return fmt.Errorf("%w: expected %d percentages, got %d", ledger.ErrInvalidInput, len(ms), len(pcts))
		}
		items, err := tx.ListPayoutItems(ctx, ledger.PayoutItemFilter{EscrowID: e.ID})
		if err != nil {
			return err
		}
		live := liveMilestones(items)

		for i, m := range ms {
			if m.Percentage.Equal(pcts[i]) {
				continue
			}
			if m.Status == ledger.MilestonePaid || live[m.ID] {
				return fmt.Errorf("%w: milestone %d is already paid", ledger.ErrIllegalTransition, m.Index)
			}
			m.Percentage = pcts[i]
			if err := tx.UpdateMilestone(ctx, m); err != nil {
				return err
			}
		}

		e.PlanFlagged = false
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		for _, who := range []string{e.ClientID, e.FreelancerID} {
			if err := ledger.Notify(ctx, tx, ledger.Notification{
				RecipientID: who,
				Kind:        "escrow.plan_corrected",
				Title:       "Milestone plan corrected",
				Body:        "An operator corrected the milestone percentages. Milestone payouts resume.",
				EntityType:  "escrow",
				EntityID:    e.ID,
			}); err != nil {
				return err
			}
		}
		view, err = ledger.LoadEscrowView(ctx, tx, actor, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("milestone plan corrected", "escrowId", escrowID, "operator", actor.ID)
	return view, nil
}

// Remaining is net minus everything paid or still in flight for e.
func Remaining(e *ledger.Escrow, items []*ledger.PayoutItem) decimal.Decimal {
	committed := decimal.Zero
	for _, it := range items {
		if it.EscrowID == e.ID && it.Status != ledger.PayoutFailed {
			committed = committed.Add(it.Amount)
		}
	}
	return e.Net.Sub(committed)
}

// Paid sums completed payouts for e.
func Paid(e *ledger.Escrow, items []*ledger.PayoutItem) decimal.Decimal {
	paid := decimal.Zero
	for _, it := range items {
		if it.EscrowID == e.ID && it.Status == ledger.PayoutCompleted {
			paid = paid.Add(it.Amount)
		}
	}
	return paid
}

func liveMilestones(items []*ledger.PayoutItem) map[string]bool {
	live := make(map[string]bool)
	for _, it := range items {
		if it.MilestoneID != "" && it.Status != ledger.PayoutFailed {
			live[it.MilestoneID] = true
		}
	}
	return live
}

// CancelOpenMilestones cancels every milestone of escrowID that is neither
// paid nor covered by an item in keep.
func CancelOpenMilestones(ctx context.Context, tx ledger.Tx, escrowID string, keep map[string]bool) error {
	ms, err := tx.ListMilestones(ctx, escrowID)
	if err != nil {
		return err
	}
	return cancelMilestones(ctx, tx, ms, keep)
}

func cancelMilestones(ctx context.Context, tx ledger.Tx, ms []*ledger.Milestone, keep map[string]bool) error {
	for _, m := range ms {
		if m.Status == ledger.MilestonePaid || m.Status == ledger.MilestoneCancelled || keep[m.ID] {
			continue
		}
		m.Status = ledger.MilestoneCancelled
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func requireClient(actor ledger.Actor, e *ledger.Escrow) error {
	if actor.ID != e.ClientID {
		if ledger.CanReadEscrow(actor, e) {
			return fmt.Errorf("%w: only the client may do this", ledger.ErrForbidden)
		}
		return fmt.Errorf("%w: %s may not access escrow %s", ledger.ErrForbidden, actor, e.ID)
	}
	return nil
}

func requireFreelancer(actor ledger.Actor, e *ledger.Escrow) error {
	if actor.ID != e.FreelancerID {
		return fmt.Errorf("%w: only the freelancer may do this", ledger.ErrForbidden)
	}
	return nil
}

// isSettled reports whether every milestone is paid or cancelled.
func isSettled(ms []*ledger.Milestone) bool {
	return !slices.ContainsFunc(ms, func(m *ledger.Milestone) bool {
		return m.Status != ledger.MilestonePaid && m.Status != ledger.MilestoneCancelled
	})
}
