package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/trustwork/escrowd/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Units of work are serialized by one lock and run against a copy of the
// state that replaces the live state only on commit.
type MemoryStore struct {
	mu       sync.Mutex
	state    *memState
	notifier Notifier
	now      func() time.Time
}

type memState struct {
	jobs         map[string]Job
	applications map[string]Application
	providerTxs  map[string]ProviderTransaction
	escrows      map[string]Escrow
	milestones   map[string]Milestone
	disputes     map[string]Dispute
	notes        map[string]Notification
	items        map[string]PayoutItem
	batches      map[string]PayoutBatch
	accounts     map[string]BankAccount
	deadLetters  map[string]DeadLetter
}

func newMemState() *memState {
	return &memState{
		jobs:         make(map[string]Job),
		applications: make(map[string]Application),
		providerTxs:  make(map[string]ProviderTransaction),
		escrows:      make(map[string]Escrow),
		milestones:   make(map[string]Milestone),
		disputes:     make(map[string]Dispute),
		notes:        make(map[string]Notification),
		items:        make(map[string]PayoutItem),
		batches:      make(map[string]PayoutBatch),
		accounts:     make(map[string]BankAccount),
		deadLetters:  make(map[string]DeadLetter),
	}
}

// clone copies the maps. Reference fields inside values are copied on
// every write, so sharing them between copies is safe.
func (s *memState) clone() *memState {
	return &memState{
		jobs:         maps.Clone(s.jobs),
		applications: maps.Clone(s.applications),
		providerTxs:  maps.Clone(s.providerTxs),
		escrows:      maps.Clone(s.escrows),
		milestones:   maps.Clone(s.milestones),
		disputes:     maps.Clone(s.disputes),
		notes:        maps.Clone(s.notes),
		items:        maps.Clone(s.items),
		batches:      maps.Clone(s.batches),
		accounts:     maps.Clone(s.accounts),
		deadLetters:  maps.Clone(s.deadLetters),
	}
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier sets the sink for committed notifications.
func (m *MemoryStore) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// SetClock overrides the store clock. Used by tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	tx := &memTx{st: m.state.clone(), now: m.now}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = tx.st
	notifier := m.notifier
	m.mu.Unlock()

	if notifier != nil {
		for _, n := range tx.pending {
			notifier.Deliver(n)
		}
	}
	return nil
}

type memTx struct {
	st      *memState
	now     func() time.Time
	pending []*Notification
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// --- jobs & applications ---

func (t *memTx) GetJob(_ context.Context, id string) (*Job, error) {
	j, ok := t.st.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	j.Plan = slices.Clone(j.Plan)
	return &j, nil
}

func (t *memTx) PutJob(_ context.Context, j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id required", ErrInvalidInput)
	}
	cp := *j
	cp.Plan = slices.Clone(j.Plan)
	cp.UpdatedAt = t.now()
	t.st.jobs[j.ID] = cp
	j.UpdatedAt = cp.UpdatedAt
	return nil
}

func (t *memTx) GetApplication(_ context.Context, id string) (*Application, error) {
	a, ok := t.st.applications[id]
	if !ok {
		return nil, notFound("application", id)
	}
	return &a, nil
}

func (t *memTx) PutApplication(_ context.Context, a *Application) error {
	if a.ID == "" {
		return fmt.Errorf("%w: application id required", ErrInvalidInput)
	}
	cp := *a
	cp.UpdatedAt = t.now()
	t.st.applications[a.ID] = cp
	a.UpdatedAt = cp.UpdatedAt
	return nil
}

// --- provider transactions ---

func (t *memTx) GetProviderTransaction(_ context.Context, correlationID string) (*ProviderTransaction, error) {
	pt, ok := t.st.providerTxs[correlationID]
	if !ok {
		return nil, notFound("provider transaction", correlationID)
	}
	pt.Raw = maps.Clone(pt.Raw)
	return &pt, nil
}

func (t *memTx) UpsertProviderTransaction(_ context.Context, pt *ProviderTransaction) (UpsertResult, error) {
	if pt.CorrelationID == "" {
		return UpsertResult{}, fmt.Errorf("%w: correlation id required", ErrInvalidInput)
	}
	now := t.now()
	cp := *pt
	cp.Raw = maps.Clone(pt.Raw)
	cp.UpdatedAt = now

	prev, exists := t.st.providerTxs[pt.CorrelationID]
	if exists {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	t.st.providerTxs[pt.CorrelationID] = cp
	pt.CreatedAt, pt.UpdatedAt = cp.CreatedAt, cp.UpdatedAt

	if !exists {
		return UpsertResult{Created: true}, nil
	}
	return UpsertResult{PreviousStatus: prev.Status}, nil
}

// --- escrows & milestones ---

func (t *memTx) CreateEscrow(_ context.Context, e *Escrow, milestones []*Milestone) error {
	for _, existing := range t.st.escrows {
		if existing.CorrelationID == e.CorrelationID {
			return fmt.Errorf("%w: escrow exists for correlation id %s", ErrConflict, e.CorrelationID)
		}
	}
	now := t.now()
	if e.ID == "" {
		e.ID = idgen.New()
	}
	e.CreatedAt, e.UpdatedAt = now, now
	t.st.escrows[e.ID] = *e

	for _, ms := range milestones {
		if ms.ID == "" {
			ms.ID = idgen.New()
		}
		ms.EscrowID = e.ID
		ms.CreatedAt, ms.UpdatedAt = now, now
		t.st.milestones[ms.ID] = *ms
	}
	return nil
}

func (t *memTx) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	e, ok := t.st.escrows[id]
	if !ok {
		return nil, notFound("escrow", id)
	}
	return &e, nil
}

func (t *memTx) GetEscrowByCorrelation(_ context.Context, correlationID string) (*Escrow, error) {
	for _, e := range t.st.escrows {
		if e.CorrelationID == correlationID {
			return &e, nil
		}
	}
	return nil, notFound("escrow for correlation id", correlationID)
}

func (t *memTx) ListEscrows(_ context.Context, f EscrowFilter) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range t.st.escrows {
		if f.PartyID != "" && !e.IsParty(f.PartyID) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.After.Admits(e.CreatedAt, e.ID) {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := clampLimit(f.Limit, 50); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) UpdateEscrow(_ context.Context, e *Escrow) error {
	stored, ok := t.st.escrows[e.ID]
	if !ok {
		return notFound("escrow", e.ID)
	}
	if stored.Status != e.Status && !CanTransitionEscrow(stored.Status, e.Status) {
		return illegal("escrow", stored.Status, e.Status)
	}
	if !stored.Net.Equal(e.Net) || !stored.Fee.Equal(e.Fee) || !stored.Gross.Equal(e.Gross) {
		return fmt.Errorf("%w: escrow amounts are fixed once held", ErrInvalidInput)
	}
	e.UpdatedAt = t.now()
	t.st.escrows[e.ID] = *e
	return nil
}

func (t *memTx) GetMilestone(_ context.Context, id string) (*Milestone, error) {
	ms, ok := t.st.milestones[id]
	if !ok {
		return nil, notFound("milestone", id)
	}
	return &ms, nil
}

func (t *memTx) ListMilestones(_ context.Context, escrowID string) ([]*Milestone, error) {
	var out []*Milestone
	for _, ms := range t.st.milestones {
		if ms.EscrowID == escrowID {
			out = append(out, &ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (t *memTx) UpdateMilestone(_ context.Context, ms *Milestone) error {
	stored, ok := t.st.milestones[ms.ID]
	if !ok {
		return notFound("milestone", ms.ID)
	}
	if stored.Status != ms.Status && !CanTransitionMilestone(stored.Status, ms.Status) {
		return illegal("milestone", stored.Status, ms.Status)
	}
	if ms.Revisions < stored.Revisions {
		return fmt.Errorf("%w: revision counter cannot decrease", ErrInvalidInput)
	}
	ms.UpdatedAt = t.now()
	t.st.milestones[ms.ID] = *ms
	return nil
}

// --- disputes ---

func (t *memTx) CreateDispute(_ context.Context, d *Dispute) error {
	if _, err := t.FindActiveDispute(context.Background(), d.EscrowID, d.RaisedBy); err == nil {
		return fmt.Errorf("%w: active dispute exists for escrow %s", ErrConflict, d.EscrowID)
	}
	now := t.now()
	if d.ID == "" {
		d.ID = idgen.New()
	}
	d.CreatedAt, d.UpdatedAt = now, now
	cp := *d
	cp.Evidence = slices.Clone(d.Evidence)
	t.st.disputes[d.ID] = cp
	return nil
}

func (t *memTx) GetDispute(_ context.Context, id string) (*Dispute, error) {
	d, ok := t.st.disputes[id]
	if !ok {
		return nil, notFound("dispute", id)
	}
	d.Evidence = slices.Clone(d.Evidence)
	return &d, nil
}

func (t *memTx) FindActiveDispute(_ context.Context, escrowID, raisedBy string) (*Dispute, error) {
	for _, d := range t.st.disputes {
		if d.EscrowID == escrowID && d.RaisedBy == raisedBy && d.Status.IsActive() {
			d.Evidence = slices.Clone(d.Evidence)
			return &d, nil
		}
	}
	return nil, notFound("active dispute on escrow", escrowID)
}

func (t *memTx) UpdateDispute(_ context.Context, d *Dispute) error {
	stored, ok := t.st.disputes[d.ID]
	if !ok {
		return notFound("dispute", d.ID)
	}
	if stored.Status != d.Status && !CanTransitionDispute(stored.Status, d.Status) {
		return illegal("dispute", stored.Status, d.Status)
	}
	d.UpdatedAt = t.now()
	cp := *d
	cp.Evidence = slices.Clone(d.Evidence)
	t.st.disputes[d.ID] = cp
	return nil
}

// --- notifications ---

func (t *memTx) InsertNotification(_ context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = idgen.New()
	}
	n.CreatedAt = t.now()
	t.st.notes[n.ID] = *n
	cp := *n
	t.pending = append(t.pending, &cp)
	return nil
}

func (t *memTx) GetNotification(_ context.Context, id string) (*Notification, error) {
	n, ok := t.st.notes[id]
	if !ok {
		return nil, notFound("notification", id)
	}
	return &n, nil
}

func (t *memTx) ListNotifications(_ context.Context, recipients []string, limit int) ([]*Notification, error) {
	var out []*Notification
	for _, n := range t.st.notes {
		if slices.Contains(recipients, n.RecipientID) {
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit, 50); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) UpdateNotification(_ context.Context, n *Notification) error {
	if _, ok := t.st.notes[n.ID]; !ok {
		return notFound("notification", n.ID)
	}
	t.st.notes[n.ID] = *n
	return nil
}

// --- payouts ---

func (t *memTx) ListReleasable(ctx context.Context, asOf time.Time) ([]Releasable, error) {
	live := make(map[string]bool)
	for _, it := range t.st.items {
		if it.MilestoneID != "" && slices.Contains(liveItemStatuses, it.Status) {
			live[it.MilestoneID] = true
		}
	}

	var escrows []Escrow
	for _, e := range t.st.escrows {
		if e.Status == EscrowHeld && !e.PlanFlagged {
			escrows = append(escrows, e)
		}
	}
	sort.Slice(escrows, func(i, j int) bool { return escrows[i].CreatedAt.Before(escrows[j].CreatedAt) })

	var out []Releasable
	for i := range escrows {
		ms, err := t.ListMilestones(ctx, escrows[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, selectReleasable(&escrows[i], ms, live, asOf)...)
	}
	return out, nil
}

func (t *memTx) AppendPayoutItem(_ context.Context, it *PayoutItem) (string, error) {
	e, ok := t.st.escrows[it.EscrowID]
	if !ok {
		return "", notFound("escrow", it.EscrowID)
	}
	if e.Status == EscrowDisputed || e.Status == EscrowRefunded || e.Status == EscrowCancelled {
		return "", fmt.Errorf("%w: cannot emit payout for %s escrow", ErrIllegalTransition, e.Status)
	}
	if !it.Amount.IsPositive() {
		return "", fmt.Errorf("%w: payout amount must be positive", ErrInvalidInput)
	}
	now := t.now()
	if it.ID == "" {
		it.ID = idgen.New()
	}
	it.Status = PayoutPending
	it.CreatedAt, it.UpdatedAt = now, now
	t.st.items[it.ID] = *it
	return it.ID, nil
}

func (t *memTx) GetPayoutItem(_ context.Context, id string) (*PayoutItem, error) {
	it, ok := t.st.items[id]
	if !ok {
		return nil, notFound("payout item", id)
	}
	return &it, nil
}

func (t *memTx) ListPayoutItems(_ context.Context, f PayoutItemFilter) ([]*PayoutItem, error) {
	var out []*PayoutItem
	for _, it := range t.st.items {
		if f.matches(&it) {
			out = append(out, &it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) UpdatePayoutItem(_ context.Context, it *PayoutItem) error {
	stored, ok := t.st.items[it.ID]
	if !ok {
		return notFound("payout item", it.ID)
	}
	if stored.Status.IsTerminal() {
		return illegal("payout item", stored.Status, it.Status)
	}
	if stored.Status != it.Status && !CanTransitionPayout(stored.Status, it.Status) {
		return illegal("payout item", stored.Status, it.Status)
	}
	it.UpdatedAt = t.now()
	t.st.items[it.ID] = *it
	return nil
}

func (t *memTx) MarkPayoutItem(_ context.Context, id string, res PayoutResult) (*PayoutItem, error) {
	if !res.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal payout status", ErrInvalidInput, res.Status)
	}
	if res.Status == PayoutCompleted && res.ProviderRef == "" {
		return nil, fmt.Errorf("%w: completed payout needs a provider reference", ErrInvalidInput)
	}
	it, ok := t.st.items[id]
	if !ok {
		return nil, notFound("payout item", id)
	}
	if it.Status == res.Status {
		return &it, nil
	}
	if !CanTransitionPayout(it.Status, res.Status) {
		return nil, illegal("payout item", it.Status, res.Status)
	}
	it.Status = res.Status
	it.ProviderRef = res.ProviderRef
	it.Error = res.Error
	it.UpdatedAt = t.now()
	t.st.items[id] = it
	return &it, nil
}

func (t *memTx) RecordPayoutBatch(_ context.Context, b *PayoutBatch, itemIDs []string) (string, error) {
	now := t.now()
	if b.ID == "" {
		b.ID = idgen.BatchID(now)
	}
	if _, exists := t.st.batches[b.ID]; exists {
		return "", fmt.Errorf("%w: batch %s exists", ErrConflict, b.ID)
	}
	for _, id := range itemIDs {
		it, ok := t.st.items[id]
		if !ok {
			return "", notFound("payout item", id)
		}
		if it.Status.IsTerminal() {
			return "", illegal("payout item", it.Status, it.Status)
		}
		it.BatchID = b.ID
		it.UpdatedAt = now
		t.st.items[id] = it
	}
	b.Count = len(itemIDs)
	b.CreatedAt = now
	t.st.batches[b.ID] = *b
	return b.ID, nil
}

func (t *memTx) GetPayoutBatch(_ context.Context, id string) (*PayoutBatch, error) {
	b, ok := t.st.batches[id]
	if !ok {
		return nil, notFound("payout batch", id)
	}
	return &b, nil
}

func (t *memTx) UpdatePayoutBatch(_ context.Context, b *PayoutBatch) error {
	stored, ok := t.st.batches[b.ID]
	if !ok {
		return notFound("payout batch", b.ID)
	}
	if stored.Status.IsTerminal() {
		return illegal("payout batch", stored.Status, b.Status)
	}
	t.st.batches[b.ID] = *b
	return nil
}

func (t *memTx) ListOpenBatches(_ context.Context) ([]*PayoutBatch, error) {
	var out []*PayoutBatch
	for _, b := range t.st.batches {
		if !b.Status.IsTerminal() {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- bank accounts ---

func (t *memTx) GetPrimaryBankAccount(_ context.Context, freelancerID string) (*BankAccount, error) {
	for _, a := range t.st.accounts {
		if a.FreelancerID == freelancerID && a.Primary && a.Verified {
			return &a, nil
		}
	}
	return nil, notFound("verified bank account for", freelancerID)
}

func (t *memTx) PutBankAccount(_ context.Context, a *BankAccount) error {
	if a.ID == "" {
		a.ID = idgen.New()
	}
	if a.Primary && a.Verified {
		for _, other := range t.st.accounts {
			if other.ID != a.ID && other.FreelancerID == a.FreelancerID && other.Primary && other.Verified {
				return fmt.Errorf("%w: freelancer %s already has a primary verified account", ErrConflict, a.FreelancerID)
			}
		}
	}
	t.st.accounts[a.ID] = *a
	return nil
}

// --- dead letters ---

func (t *memTx) InsertDeadLetter(_ context.Context, d *DeadLetter) error {
	now := t.now()
	if d.ID == "" {
		d.ID = idgen.New()
	}
	d.CreatedAt, d.UpdatedAt = now, now
	cp := *d
	cp.Fields = maps.Clone(d.Fields)
	t.st.deadLetters[d.ID] = cp
	return nil
}

func (t *memTx) GetDeadLetter(_ context.Context, id string) (*DeadLetter, error) {
	d, ok := t.st.deadLetters[id]
	if !ok {
		return nil, notFound("dead letter", id)
	}
	d.Fields = maps.Clone(d.Fields)
	return &d, nil
}

func (t *memTx) ListDeadLetters(_ context.Context, unresolvedOnly bool, limit int) ([]*DeadLetter, error) {
	var out []*DeadLetter
	for _, d := range t.st.deadLetters {
		if unresolvedOnly && d.ResolvedAt != nil {
			continue
		}
		d.Fields = maps.Clone(d.Fields)
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = clampLimit(limit, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) UpdateDeadLetter(_ context.Context, d *DeadLetter) error {
	if _, ok := t.st.deadLetters[d.ID]; !ok {
		return notFound("dead letter", d.ID)
	}
	d.UpdatedAt = t.now()
	cp := *d
	cp.Fields = maps.Clone(d.Fields)
	t.st.deadLetters[d.ID] = cp
	return nil
}
