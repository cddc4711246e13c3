package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the lifecycle state of an escrow record.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowHeld      EscrowStatus = "held"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowCancelled EscrowStatus = "cancelled"
)

// ReleaseReason records which of the three release paths populated ReleasedAt.
type ReleaseReason string

const (
	ReleaseByClient     ReleaseReason = "client_release"
	ReleaseByMilestones ReleaseReason = "milestones_paid"
	ReleaseByResolution ReleaseReason = "dispute_resolution"
)

// MilestoneStatus is the sub-lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestonePaid       MilestoneStatus = "paid"
	MilestoneCancelled  MilestoneStatus = "cancelled"
)

// PaymentStatus is the payment state reported by the provider.
type PaymentStatus string

const (
	PaymentComplete  PaymentStatus = "complete"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPending   PaymentStatus = "pending"
	PaymentCancelled PaymentStatus = "cancelled"
)

// BatchStatus is the state of a payout batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the batch may no longer change.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchFailed
}

// PayoutStatus is the state of a single payout item.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// IsTerminal reports whether the item may no longer change.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutCompleted || s == PayoutFailed
}

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputePending   DisputeStatus = "pending"
	DisputeInReview  DisputeStatus = "in_review"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeEscalated DisputeStatus = "escalated"
	DisputeCancelled DisputeStatus = "cancelled"
)

// IsActive reports whether the dispute still freezes its escrow.
func (s DisputeStatus) IsActive() bool {
	return s == DisputePending || s == DisputeInReview || s == DisputeEscalated
}

// Decision is an operator's resolution of a dispute.
type Decision string

const (
	DecisionFavorFreelancer Decision = "favor_freelancer"
	DecisionFavorClient     Decision = "favor_client"
	DecisionSplit           Decision = "split"
	DecisionNoFault         Decision = "no_fault"
	DecisionMutual          Decision = "mutual"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionFavorFreelancer, DecisionFavorClient, DecisionSplit, DecisionNoFault, DecisionMutual:
		return true
	}
	return false
}

// Escrow holds platform-held funds for one job between one client and one freelancer.
type Escrow struct {
	ID                string          `json:"id"`
	JobID             string          `json:"jobId"`
	ClientID          string          `json:"clientId"`
	FreelancerID      string          `json:"freelancerId"`
	ApplicationID     string          `json:"applicationId,omitempty"`
	CorrelationID     string          `json:"correlationId"`
	ProviderPaymentID string          `json:"providerPaymentId,omitempty"`
	Gross             decimal.Decimal `json:"gross"`
	Fee               decimal.Decimal `json:"fee"`
	Net               decimal.Decimal `json:"net"`
	Status            EscrowStatus    `json:"status"`
	DisputeID         string          `json:"disputeId,omitempty"`
	PlanFlagged       bool            `json:"planFlagged"`
	ReleaseReason     ReleaseReason   `json:"releaseReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	HeldAt            *time.Time      `json:"heldAt,omitempty"`
	ReleasedAt        *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time      `json:"refundedAt,omitempty"`
	CancelledAt       *time.Time      `json:"cancelledAt,omitempty"`
}

// IsParty reports whether actorID is the escrow's client or freelancer.
func (e *Escrow) IsParty(actorID string) bool {
	return actorID != "" && (actorID == e.ClientID || actorID == e.FreelancerID)
}

// Counterparty returns the other side of the escrow from actorID.
func (e *Escrow) Counterparty(actorID string) string {
	if actorID == e.ClientID {
		return e.FreelancerID
	}
	return e.ClientID
}

// Milestone is a scheduled partial-release point within an escrow.
type Milestone struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrowId"`
	Index       int             `json:"index"`
	Description string          `json:"description"`
	Percentage  decimal.Decimal `json:"percentage"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Status      MilestoneStatus `json:"status"`
	ArtifactRef string          `json:"artifactRef,omitempty"`
	Revisions   int             `json:"revisions"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	SubmittedAt *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt  *time.Time      `json:"approvedAt,omitempty"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
}

// ProviderTransaction is the provider's view of one checkout, keyed by the
// platform correlation id.
type ProviderTransaction struct {
	CorrelationID     string            `json:"correlationId"`
	ProviderPaymentID string            `json:"providerPaymentId,omitempty"`
	Status            PaymentStatus     `json:"status"`
	Gross             decimal.Decimal   `json:"gross"`
	Fee               decimal.Decimal   `json:"fee"`
	Net               decimal.Decimal   `json:"net"`
	JobID             string            `json:"jobId,omitempty"`
	FreelancerID      string            `json:"freelancerId,omitempty"`
	ApplicationID     string            `json:"applicationId,omitempty"`
	Raw               map[string]string `json:"raw,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// UpsertResult describes what an UpsertProviderTransaction call changed.
type UpsertResult struct {
	Created        bool
	PreviousStatus PaymentStatus
}

// StatusChanged reports whether the upsert moved the payment status.
func (r UpsertResult) StatusChanged(now PaymentStatus) bool {
	return r.Created || r.PreviousStatus != now
}

// PayoutBatch is the artifact of one payout worker run.
type PayoutBatch struct {
	ID          string          `json:"id"`
	BatchDate   time.Time       `json:"batchDate"`
	Count       int             `json:"count"`
	Gross       decimal.Decimal `json:"gross"`
	Fee         decimal.Decimal `json:"fee"`
	Status      BatchStatus     `json:"status"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PayoutItem is one outbound transfer to a freelancer's bank account.
type PayoutItem struct {
	ID           string          `json:"id"`
	BatchID      string          `json:"batchId,omitempty"`
	EscrowID     string          `json:"escrowId"`
	MilestoneID  string          `json:"milestoneId,omitempty"`
	JobID        string          `json:"jobId"`
	FreelancerID string          `json:"freelancerId"`
	Amount       decimal.Decimal `json:"amount"`
	Status       PayoutStatus    `json:"status"`
	ProviderRef  string          `json:"providerRef,omitempty"`
	Error        string          `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// PayoutResult is the terminal outcome recorded on an item.
type PayoutResult struct {
	Status      PayoutStatus
	ProviderRef string
	Error       string
}

// BankAccount is a freelancer's payout destination.
type BankAccount struct {
	ID            string `json:"id"`
	FreelancerID  string `json:"freelancerId"`
	BankName      string `json:"bankName"`
	HolderName    string `json:"holderName"`
	AccountNumber string `json:"accountNumber"`
	BranchCode    string `json:"branchCode"`
	AccountType   string `json:"accountType"`
	Verified      bool   `json:"verified"`
	Primary       bool   `json:"primary"`
}

// Dispute is a claim that freezes the normal release path of an escrow.
type Dispute struct {
	ID          string              `json:"id"`
	EscrowID    string              `json:"escrowId"`
	RaisedBy    string              `json:"raisedBy"`
	CounterID   string              `json:"counterId"`
	Reason      string              `json:"reason"`
	Description string              `json:"description,omitempty"`
	Evidence    []string            `json:"evidence"`
	Status      DisputeStatus       `json:"status"`
	PriorStatus EscrowStatus        `json:"priorStatus"`
	Decision    Decision            `json:"decision,omitempty"`
	Adjustment  decimal.NullDecimal `json:"adjustment"`
	ResolvedBy  string              `json:"resolvedBy,omitempty"`
	Notes       string              `json:"notes,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	ResolvedAt  *time.Time          `json:"resolvedAt,omitempty"`
}

// Notification is a per-actor inbox entry.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	EntityType  string    `json:"entityType,omitempty"`
	EntityID    string    `json:"entityId,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Job is the marketplace job an escrow pays for. Only the fields the
// payment lifecycle reads or writes are modelled.
type Job struct {
	ID            string      `json:"id"`
	ClientID      string      `json:"clientId"`
	Title         string      `json:"title"`
	Status        string      `json:"status"`
	PaymentStatus string      `json:"paymentStatus"`
	FreelancerID  string      `json:"freelancerId,omitempty"`
	Plan          []PlanEntry `json:"plan,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Job states written by the reconciler.
const (
	JobInProgress = "in_progress"
	JobPaid       = "paid"
)

// PlanEntry is one milestone of a job's plan.
type PlanEntry struct {
	Description string          `json:"description"`
	Percentage  decimal.Decimal `json:"percentage"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
}

// Application is a freelancer's application to a job.
type Application struct {
	ID           string    `json:"id"`
	JobID        string    `json:"jobId"`
	FreelancerID string    `json:"freelancerId"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ApplicationAccepted is the application state written on payment.
const ApplicationAccepted = "accepted"

// DeadLetter is a signature-valid webhook delivery whose processing failed.
type DeadLetter struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	PaymentStatus PaymentStatus     `json:"paymentStatus"`
	Fields        map[string]string `json:"fields"`
	Error         string            `json:"error"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	ResolvedAt    *time.Time        `json:"resolvedAt,omitempty"`
}

// Releasable is an approved, unpaid milestone that is due for payout.
type Releasable struct {
	Escrow    *Escrow
	Milestone *Milestone
	// Siblings are all milestones of the escrow in index order, needed to
	// compute the remainder share of the final milestone.
	Siblings []*Milestone
}
