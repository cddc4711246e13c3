package escrow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/traces"
)

// milestoneOp loads a milestone and its held escrow inside one unit of work.
func (s *Service) milestoneOp(ctx context.Context, milestoneID string, fn func(tx ledger.Tx, e *ledger.Escrow, m *ledger.Milestone) error) error {
	return s.store.WithTx(ctx, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		e, err := tx.GetEscrow(ctx, m.EscrowID)
		if err != nil {
			return err
		}
		return fn(tx, e, m)
	})
}

func requireHeld(e *ledger.Escrow) error {
	if e.Status != ledger.EscrowHeld {
		return fmt.Errorf("%w: escrow %s is %s", ledger.ErrIllegalTransition, e.ID, e.Status)
	}
	return nil
}

func moveMilestone(ctx context.Context, tx ledger.Tx, m *ledger.Milestone, to ledger.MilestoneStatus) error {
	if !ledger.CanTransitionMilestone(m.Status, to) {
		return fmt.Errorf("%w: milestone %s -> %s", ledger.ErrIllegalTransition, m.Status, to)
	}
	m.Status = to
	return tx.UpdateMilestone(ctx, m)
}

// Submit records the freelancer's deliverable for an in-progress milestone.
// A re-submit after a revision request bumps the revision counter.
func (s *Service) Submit(ctx context.Context, actor ledger.Actor, milestoneID, artifactRef string) (*ledger.Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Submit", traces.MilestoneID(milestoneID), traces.Actor(actor.String()))
	var (
		out *ledger.Milestone
		err error
	)
	defer func() { traces.End(span, err) }()

	if artifactRef == "" {
		err = fmt.Errorf("%w: artifact reference is required", ledger.ErrInvalidInput)
		return nil, err
	}

	err = s.milestoneOp(ctx, milestoneID, func(tx ledger.Tx, e *ledger.Escrow, m *ledger.Milestone) error {
		if err := requireFreelancer(actor, e); err != nil {
			return err
		}
		if err := requireHeld(e); err != nil {
			return err
		}
		resubmit := m.SubmittedAt != nil
		now := s.now()
		m.ArtifactRef = artifactRef
		m.SubmittedAt = &now
		if resubmit {
			m.Revisions++
		}
		if err := moveMilestone(ctx, tx, m, ledger.MilestoneSubmitted); err != nil {
			return err
		}
		out = m
		return ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: e.ClientID,
			Kind:        "milestone.submitted",
			Title:       "Milestone submitted",
			Body:        fmt.Sprintf("Milestone %d (%s) is ready for review.", m.Index+1, m.Description),
			EntityType:  "milestone",
			EntityID:    m.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.MilestoneTransitionsTotal.WithLabelValues(string(ledger.MilestoneSubmitted)).Inc()
	return out, nil
}

// RequestRevision sends a submitted milestone back to in_progress. Refused
// once the revision cap is reached.
func (s *Service) RequestRevision(ctx context.Context, actor ledger.Actor, milestoneID, note string) (*ledger.Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.RequestRevision", traces.MilestoneID(milestoneID), traces.Actor(actor.String()))
	var (
		out *ledger.Milestone
		err error
	)
	defer func() { traces.End(span, err) }()

	err = s.milestoneOp(ctx, milestoneID, func(tx ledger.Tx, e *ledger.Escrow, m *ledger.Milestone) error {
		if err := requireClient(actor, e); err != nil {
			return err
		}
		if err := requireHeld(e); err != nil {
			return err
		}
		if m.Status == ledger.MilestoneSubmitted && m.Revisions >= s.maxRevisions {
			return fmt.Errorf("%w: revision limit of %d reached", ledger.ErrIllegalTransition, s.maxRevisions)
		}
		if err := moveMilestone(ctx, tx, m, ledger.MilestoneInProgress); err != nil {
			return err
		}
		out = m
		body := fmt.Sprintf("The client asked for changes to milestone %d.", m.Index+1)
		if note != "" {
			body += " " + note
		}
		return ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: e.FreelancerID,
			Kind:        "milestone.revision_requested",
			Title:       "Revision requested",
			Body:        body,
			EntityType:  "milestone",
			EntityID:    m.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.MilestoneTransitionsTotal.WithLabelValues(string(ledger.MilestoneInProgress)).Inc()
	return out, nil
}

// Approve accepts a submitted milestone and starts the next one. Approval
// is irrevocable; the payout worker picks approved milestones up.
func (s *Service) Approve(ctx context.Context, actor ledger.Actor, milestoneID string) (*ledger.Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Approve", traces.MilestoneID(milestoneID), traces.Actor(actor.String()))
	var (
		out *ledger.Milestone
		err error
	)
	defer func() { traces.End(span, err) }()

	err = s.milestoneOp(ctx, milestoneID, func(tx ledger.Tx, e *ledger.Escrow, m *ledger.Milestone) error {
		if err := requireClient(actor, e); err != nil {
			return err
		}
		if err := requireHeld(e); err != nil {
			return err
		}
		now := s.now()
		m.ApprovedAt = &now
		if err := moveMilestone(ctx, tx, m, ledger.MilestoneApproved); err != nil {
			return err
		}
		out = m

		siblings, err := tx.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, next := range siblings {
			if next.Index == m.Index+1 && next.Status == ledger.MilestonePending {
				if err := moveMilestone(ctx, tx, next, ledger.MilestoneInProgress); err != nil {
					return err
				}
				break
			}
		}

		body := fmt.Sprintf("Milestone %d was approved and will be paid in the next payout run.", m.Index+1)
		if e.PlanFlagged {
			body = fmt.Sprintf("Milestone %d was approved. Payout waits for an operator to correct the milestone plan.", m.Index+1)
		}
		return ledger.Notify(ctx, tx, ledger.Notification{
			RecipientID: e.FreelancerID,
			Kind:        "milestone.approved",
			Title:       "Milestone approved",
			Body:        body,
			EntityType:  "milestone",
			EntityID:    m.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.MilestoneTransitionsTotal.WithLabelValues(string(ledger.MilestoneApproved)).Inc()
	return out, nil
}

// MarkPaid applies a completed payout item to its escrow: the milestone it
// pays becomes paid, and when no unpaid milestone remains on a held escrow
// the escrow is released. Runs inside the caller's unit of work.
//
// Milestones only become paid while the escrow is held or already released
// by the client; a disputed escrow leaves the milestone to the resolution.
func (s *Service) MarkPaid(ctx context.Context, tx ledger.Tx, it *ledger.PayoutItem) error {
	e, err := tx.GetEscrow(ctx, it.EscrowID)
	if err != nil {
		return err
	}

	if it.MilestoneID != "" && (e.Status == ledger.EscrowHeld || e.Status == ledger.EscrowReleased) {
		m, err := tx.GetMilestone(ctx, it.MilestoneID)
		if err != nil {
			return err
		}
		if m.Status == ledger.MilestoneApproved {
			now := s.now()
			m.PaidAt = &now
			if err := moveMilestone(ctx, tx, m, ledger.MilestonePaid); err != nil {
				return err
			}
			metrics.MilestoneTransitionsTotal.WithLabelValues(string(ledger.MilestonePaid)).Inc()
		}
	}

	if err := ledger.Notify(ctx, tx, ledger.Notification{
		RecipientID: e.FreelancerID,
		Kind:        "payout.completed",
		Title:       "Payout sent",
		Body:        fmt.Sprintf("%s %s was paid to your bank account (ref %s).", money.Currency, money.Format(it.Amount), it.ProviderRef),
		EntityType:  "payout_item",
		EntityID:    it.ID,
	}); err != nil {
		return err
	}

	if e.Status != ledger.EscrowHeld {
		return nil
	}
	ms, err := tx.ListMilestones(ctx, e.ID)
	if err != nil {
		return err
	}
	if !isSettled(ms) {
		return nil
	}
	e.ReleaseReason = ledger.ReleaseByMilestones
	if err := Transition(ctx, tx, e, ledger.EscrowReleased, s.now()); err != nil {
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowReleased)).Inc()
	return ledger.Notify(ctx, tx, ledger.Notification{
		RecipientID: e.ClientID,
		Kind:        "escrow.released",
		Title:       "All milestones paid",
		Body:        "Every milestone has been paid and the escrow is closed.",
		EntityType:  "escrow",
		EntityID:    e.ID,
	})
}

// MilestoneAmount is the net payable for target: net × percentage / 100,
// except the last milestone, which takes whatever the others leave so the
// shares always add up to net.
func MilestoneAmount(e *ledger.Escrow, siblings []*ledger.Milestone, target *ledger.Milestone) decimal.Decimal {
	last := target
	for _, m := range siblings {
		if m.Index > last.Index {
			last = m
		}
	}
	if last.ID != target.ID {
		return money.Share(e.Net, target.Percentage)
	}
	rest := decimal.Zero
	for _, m := range siblings {
		if m.ID != target.ID {
			rest = rest.Add(money.Share(e.Net, m.Percentage))
		}
	}
	return e.Net.Sub(rest)
}
