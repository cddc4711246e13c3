package ledger

import (
	"context"
	"fmt"
)

// Role classifies the actor behind a request.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleOperator   Role = "operator"
	RoleSystem     Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleFreelancer, RoleOperator, RoleSystem:
		return true
	}
	return false
}

// OperatorsRecipient addresses notifications to the operator pool.
const OperatorsRecipient = "operators"

// Actor is the explicit requester identity every gated operation takes.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is the identity used by the reconciler and the payout worker.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Privileged reports whether the actor bypasses per-row gating.
func (a Actor) Privileged() bool {
	return a.Role == RoleOperator || a.Role == RoleSystem
}

func (a Actor) String() string {
	return string(a.Role) + ":" + a.ID
}

// CanReadEscrow reports whether a may see e and its milestones.
func CanReadEscrow(a Actor, e *Escrow) bool {
	return a.Privileged() || e.IsParty(a.ID)
}

// CanReadNotification reports whether a owns n.
func CanReadNotification(a Actor, n *Notification) bool {
	if n.RecipientID == OperatorsRecipient {
		return a.Role == RoleOperator
	}
	return a.Role == RoleSystem || n.RecipientID == a.ID
}

// RequireEscrowRead returns ErrForbidden unless a may read e.
func RequireEscrowRead(a Actor, e *Escrow) error {
	if !CanReadEscrow(a, e) {
		return fmt.Errorf("%w: %s may not access escrow %s", ErrForbidden, a, e.ID)
	}
	return nil
}

type actorKey struct{}

// WithActor stores the requester identity in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the requester identity stored in ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
