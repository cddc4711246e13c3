package ledger

import "fmt"

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending:  {EscrowHeld, EscrowCancelled},
	EscrowHeld:     {EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowReleased: {EscrowDisputed},
	// A cancelled dispute returns the escrow to held or released.
	EscrowDisputed: {EscrowReleased, EscrowRefunded, EscrowHeld},
}

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:    {MilestoneInProgress, MilestoneCancelled},
	MilestoneInProgress: {MilestoneSubmitted, MilestoneCancelled},
	MilestoneSubmitted:  {MilestoneApproved, MilestoneInProgress, MilestoneCancelled},
	// Approved work is only cancelled when a whole release or a dispute
	// resolution pays it through a different item.
	MilestoneApproved: {MilestonePaid, MilestoneCancelled},
}

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputePending:   {DisputeInReview, DisputeEscalated, DisputeResolved, DisputeCancelled},
	DisputeInReview:  {DisputeEscalated, DisputeResolved, DisputeCancelled},
	DisputeEscalated: {DisputeInReview, DisputeResolved, DisputeCancelled},
}

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutFailed},
	PayoutProcessing: {PayoutCompleted, PayoutFailed, PayoutPending},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionEscrow reports whether the escrow state machine permits from → to.
func CanTransitionEscrow(from, to EscrowStatus) bool {
	return allowed(escrowTransitions, from, to)
}

// CanTransitionMilestone reports whether the milestone sub-lifecycle permits from → to.
func CanTransitionMilestone(from, to MilestoneStatus) bool {
	return allowed(milestoneTransitions, from, to)
}

// CanTransitionDispute reports whether the dispute workflow permits from → to.
func CanTransitionDispute(from, to DisputeStatus) bool {
	return allowed(disputeTransitions, from, to)
}

// CanTransitionPayout reports whether a payout item may move from → to.
func CanTransitionPayout(from, to PayoutStatus) bool {
	return allowed(payoutTransitions, from, to)
}

func illegal[S ~string](kind string, from, to S) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, kind, from, to)
}
