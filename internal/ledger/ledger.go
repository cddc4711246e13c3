// Package ledger owns the durable state of the escrow payment lifecycle:
// escrows, milestones, provider transactions, payout batches and items,
// disputes, notifications and webhook dead letters.
//
// All cross-row changes run inside Store.WithTx. Every read exposed to
// callers outside the core goes through Ledger and takes an explicit Actor;
// the store itself never decides who may see a row.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/trustwork/escrowd/internal/pagination"
)

// EscrowView is an escrow together with its milestones, its current
// dispute (if any) and the payout items emitted for it.
type EscrowView struct {
	*Escrow
	Milestones []*Milestone  `json:"milestones"`
	Dispute    *Dispute      `json:"dispute,omitempty"`
	Payouts    []*PayoutItem `json:"payouts,omitempty"`
}

// Ledger exposes actor-gated reads over a Store.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// GetEscrow returns the escrow with its milestones and current dispute.
// ErrNotFound if it does not exist, ErrForbidden if actor is not a party
// or an operator.
func (l *Ledger) GetEscrow(ctx context.Context, actor Actor, id string) (*EscrowView, error) {
	var view *EscrowView
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		view, err = LoadEscrowView(ctx, tx, actor, id)
		return err
	})
	return view, err
}

// LoadEscrowView is GetEscrow inside an existing unit of work.
func LoadEscrowView(ctx context.Context, tx Tx, actor Actor, id string) (*EscrowView, error) {
	e, err := tx.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := RequireEscrowRead(actor, e); err != nil {
		return nil, err
	}

	view := &EscrowView{Escrow: e}
	if view.Milestones, err = tx.ListMilestones(ctx, id); err != nil {
		return nil, err
	}
	if e.DisputeID != "" {
		if view.Dispute, err = tx.GetDispute(ctx, e.DisputeID); err != nil {
			return nil, fmt.Errorf("load dispute of escrow %s: %w", id, err)
		}
	}
	if view.Payouts, err = tx.ListPayoutItems(ctx, PayoutItemFilter{EscrowID: id}); err != nil {
		return nil, err
	}
	return view, nil
}

const maxPageSize = 200

// EscrowQuery selects one page of ListEscrows.
type EscrowQuery struct {
	Status EscrowStatus
	Cursor string // NextCursor of the previous page
	Limit  int
}

// EscrowPage is one newest-first page of escrows.
type EscrowPage struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// ListEscrows returns escrows the actor is party to; privileged actors see all.
func (l *Ledger) ListEscrows(ctx context.Context, actor Actor, q EscrowQuery) (*EscrowPage, error) {
	after, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	limit := min(clampLimit(q.Limit, 50), maxPageSize)
	f := EscrowFilter{Status: q.Status, After: after, Limit: limit + 1}
	if !actor.Privileged() {
		if actor.ID == "" {
			return nil, fmt.Errorf("%w: anonymous actor", ErrForbidden)
		}
		f.PartyID = actor.ID
	}

	var out []*Escrow
	err = l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListEscrows(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	page := &EscrowPage{}
	page.Escrows, page.NextCursor, page.HasMore = pagination.ComputePage(out, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, nil
}

// GetDispute returns a dispute if actor may read its escrow.
func (l *Ledger) GetDispute(ctx context.Context, actor Actor, id string) (*Dispute, error) {
	var d *Dispute
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if d, err = tx.GetDispute(ctx, id); err != nil {
			return err
		}
		e, err := tx.GetEscrow(ctx, d.EscrowID)
		if err != nil {
			return err
		}
		return RequireEscrowRead(actor, e)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func inboxOf(actor Actor) []string {
	if actor.Role == RoleOperator {
		return []string{actor.ID, OperatorsRecipient}
	}
	return []string{actor.ID}
}

// ListNotifications returns the actor's inbox, newest first.
func (l *Ledger) ListNotifications(ctx context.Context, actor Actor, limit int) ([]*Notification, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: anonymous actor", ErrForbidden)
	}
	var out []*Notification
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListNotifications(ctx, inboxOf(actor), limit)
		return err
	})
	return out, err
}

// MarkNotificationRead sets the read flag on a notification the actor owns.
func (l *Ledger) MarkNotificationRead(ctx context.Context, actor Actor, id string) (*Notification, error) {
	var n *Notification
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if n, err = tx.GetNotification(ctx, id); err != nil {
			return err
		}
		if !CanReadNotification(actor, n) {
			return fmt.Errorf("%w: notification %s belongs to another actor", ErrForbidden, id)
		}
		if n.Read {
			return nil
		}
		n.Read = true
		return tx.UpdateNotification(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Notify inserts a notification in the current unit of work. Empty
// recipients are skipped so callers need not check optional parties.
func Notify(ctx context.Context, tx Tx, n Notification) error {
	if n.RecipientID == "" {
		return nil
	}
	return tx.InsertNotification(ctx, &n)
}
