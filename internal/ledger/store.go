package ledger

import (
	"context"
	"time"

	"github.com/trustwork/escrowd/internal/pagination"
)

// Store owns all durable state of the payment lifecycle.
type Store interface {
	// WithTx runs fn as one serializable unit of work. A non-nil return
	// from fn, or a cancelled ctx at commit time, rolls back every write fn
	// made. Notifications inserted by fn are delivered only after commit.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping reports whether the store can serve requests.
	Ping(ctx context.Context) error
}

// Notifier receives committed notifications.
type Notifier interface {
	Deliver(n *Notification)
}

// EscrowFilter narrows ListEscrows.
type EscrowFilter struct {
	PartyID string
	Status  EscrowStatus
	After   *pagination.Cursor // newest-first keyset position
	Limit   int
}

// PayoutItemFilter narrows ListPayoutItems.
type PayoutItemFilter struct {
	EscrowID    string
	MilestoneID string
	BatchID     string
	Statuses    []PayoutStatus
	Unbatched   bool
	Limit       int
}

func (f PayoutItemFilter) matches(it *PayoutItem) bool {
	if f.EscrowID != "" && it.EscrowID != f.EscrowID {
		return false
	}
	if f.MilestoneID != "" && it.MilestoneID != f.MilestoneID {
		return false
	}
	if f.BatchID != "" && it.BatchID != f.BatchID {
		return false
	}
	if f.Unbatched && it.BatchID != "" {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if it.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Tx is the set of ledger operations available inside a unit of work.
// Tx methods do no per-actor gating; callers gate with the access helpers.
type Tx interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	PutJob(ctx context.Context, j *Job) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	PutApplication(ctx context.Context, a *Application) error

	GetProviderTransaction(ctx context.Context, correlationID string) (*ProviderTransaction, error)
	// UpsertProviderTransaction inserts or updates by correlation id.
	UpsertProviderTransaction(ctx context.Context, pt *ProviderTransaction) (UpsertResult, error)

	// CreateEscrow inserts e with its milestones. ErrConflict if an escrow
	// already exists for e.CorrelationID.
	CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByCorrelation(ctx context.Context, correlationID string) (*Escrow, error)
	ListEscrows(ctx context.Context, f EscrowFilter) ([]*Escrow, error)
	// UpdateEscrow persists e. A status change must be allowed by the
	// escrow state machine, otherwise ErrIllegalTransition and nothing is written.
	UpdateEscrow(ctx context.Context, e *Escrow) error

	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	// UpdateMilestone persists m, enforcing the milestone transition table
	// and a non-decreasing revision counter.
	UpdateMilestone(ctx context.Context, m *Milestone) error

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// FindActiveDispute returns the active dispute raised by raisedBy on
	// escrowID, or ErrNotFound.
	FindActiveDispute(ctx context.Context, escrowID, raisedBy string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error

	InsertNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	ListNotifications(ctx context.Context, recipients []string, limit int) ([]*Notification, error)
	UpdateNotification(ctx context.Context, n *Notification) error

	// ListReleasable returns approved, unpaid milestones of held escrows
	// that are due as of asOf and have no live payout item.
	ListReleasable(ctx context.Context, asOf time.Time) ([]Releasable, error)
	// AppendPayoutItem inserts a pending item and returns its id.
	AppendPayoutItem(ctx context.Context, it *PayoutItem) (string, error)
	GetPayoutItem(ctx context.Context, id string) (*PayoutItem, error)
	ListPayoutItems(ctx context.Context, f PayoutItemFilter) ([]*PayoutItem, error)
	// UpdatePayoutItem persists a non-terminal item change (claim, detach).
	UpdatePayoutItem(ctx context.Context, it *PayoutItem) error
	// MarkPayoutItem records a terminal result. Marking an item with the
	// terminal status it already has is a no-op.
	MarkPayoutItem(ctx context.Context, id string, res PayoutResult) (*PayoutItem, error)
	// RecordPayoutBatch inserts b and assigns itemIDs to it, returning the batch id.
	RecordPayoutBatch(ctx context.Context, b *PayoutBatch, itemIDs []string) (string, error)
	GetPayoutBatch(ctx context.Context, id string) (*PayoutBatch, error)
	UpdatePayoutBatch(ctx context.Context, b *PayoutBatch) error
	// ListOpenBatches returns batches not yet in a terminal status, oldest first.
	ListOpenBatches(ctx context.Context) ([]*PayoutBatch, error)

	GetPrimaryBankAccount(ctx context.Context, freelancerID string) (*BankAccount, error)
	// PutBankAccount upserts a. ErrConflict if it would give the freelancer
	// a second primary verified account.
	PutBankAccount(ctx context.Context, a *BankAccount) error

	InsertDeadLetter(ctx context.Context, d *DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]*DeadLetter, error)
	UpdateDeadLetter(ctx context.Context, d *DeadLetter) error
}

// selectReleasable walks an escrow's milestones in index order and returns
// the approved prefix that is due and not already covered by a live item.
func selectReleasable(e *Escrow, ms []*Milestone, live map[string]bool, asOf time.Time) []Releasable {
	var out []Releasable
	for _, m := range ms {
		switch m.Status {
		case MilestonePaid, MilestoneCancelled:
			continue
		case MilestoneApproved:
			if m.DueDate != nil && m.DueDate.After(asOf) {
				return out
			}
			if !live[m.ID] {
				out = append(out, Releasable{Escrow: e, Milestone: m, Siblings: ms})
			}
		default:
			return out
		}
	}
	return out
}

// liveItemStatuses are the item states that block a second item for the same milestone.
var liveItemStatuses = []PayoutStatus{PayoutPending, PayoutProcessing, PayoutCompleted}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 500 {
		return 500
	}
	return limit
}
