package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/trustwork/escrowd/internal/idgen"
	"github.com/trustwork/escrowd/internal/retry"
)

// PostgresStore implements Store with PostgreSQL. Every unit of work runs
// at SERIALIZABLE isolation and is retried on serialization failures.
type PostgresStore struct {
	db          *sql.DB
	notifier    Notifier
	maxAttempts int
	baseDelay   time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxAttempts: 3, baseDelay: 25 * time.Millisecond}
}

// SetNotifier sets the sink for committed notifications.
func (p *PostgresStore) SetNotifier(n Notifier) {
	p.notifier = n
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return nil
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var committed []*Notification
	err := retry.Do(ctx, p.maxAttempts, p.baseDelay, func() error {
		pending, err := p.runTx(ctx, fn)
		if err == nil {
			committed = pending
			return nil
		}
		if isTransient(err) {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return err
	}

	if p.notifier != nil {
		for _, n := range committed {
			p.notifier.Deliver(n)
		}
	}
	return nil
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) ([]*Notification, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	ptx := &pgTx{tx: tx}
	if err := fn(ptx); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ptx.pending, nil
}

// isTransient reports serialization failures, deadlocks and lost connections.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type pgTx struct {
	tx      *sql.Tx
	pending []*Notification
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func noRows(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	return err
}

// --- jobs & applications ---

func (t *pgTx) GetJob(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var plan []byte
	var freelancer sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, client_id, title, status, payment_status, freelancer_id, plan, updated_at
		FROM jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.ClientID, &j.Title, &j.Status, &j.PaymentStatus, &freelancer, &plan, &j.UpdatedAt)
	if err != nil {
		return nil, noRows(err, "job", id)
	}
	j.FreelancerID = freelancer.String
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &j.Plan); err != nil {
			return nil, fmt.Errorf("decode plan of job %s: %w", id, err)
		}
	}
	return j, nil
}

func (t *pgTx) PutJob(ctx context.Context, j *Job) error {
	plan := j.Plan
	if plan == nil {
		plan = []PlanEntry{}
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO jobs (id, client_id, title, status, payment_status, freelancer_id, plan, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id, title = EXCLUDED.title, status = EXCLUDED.status,
			payment_status = EXCLUDED.payment_status, freelancer_id = EXCLUDED.freelancer_id,
			plan = EXCLUDED.plan, updated_at = NOW()
		RETURNING updated_at
	`, j.ID, j.ClientID, j.Title, j.Status, j.PaymentStatus, nullStr(j.FreelancerID), string(raw)).Scan(&j.UpdatedAt)
}

func (t *pgTx) GetApplication(ctx context.Context, id string) (*Application, error) {
	a := &Application{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, job_id, freelancer_id, status, updated_at FROM job_applications WHERE id = $1
	`, id).Scan(&a.ID, &a.JobID, &a.FreelancerID, &a.Status, &a.UpdatedAt)
	if err != nil {
		return nil, noRows(err, "application", id)
	}
	return a, nil
}

func (t *pgTx) PutApplication(ctx context.Context, a *Application) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO job_applications (id, job_id, freelancer_id, status, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		RETURNING updated_at
	`, a.ID, a.JobID, a.FreelancerID, a.Status).Scan(&a.UpdatedAt)
}

// --- provider transactions ---

func (t *pgTx) GetProviderTransaction(ctx context.Context, correlationID string) (*ProviderTransaction, error) {
	pt := &ProviderTransaction{}
	var providerID, jobID, freelancerID, applicationID sql.NullString
	var raw []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT correlation_id, provider_payment_id, status, amount_gross, amount_fee, amount_net,
		       job_id, freelancer_id, application_id, raw, created_at, updated_at
		FROM provider_transactions WHERE correlation_id = $1
	`, correlationID).Scan(&pt.CorrelationID, &providerID, &pt.Status, &pt.Gross, &pt.Fee, &pt.Net,
		&jobID, &freelancerID, &applicationID, &raw, &pt.CreatedAt, &pt.UpdatedAt)
	if err != nil {
		return nil, noRows(err, "provider transaction", correlationID)
	}
	pt.ProviderPaymentID = providerID.String
	pt.JobID, pt.FreelancerID, pt.ApplicationID = jobID.String, freelancerID.String, applicationID.String
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pt.Raw); err != nil {
			return nil, fmt.Errorf("decode raw payload of %s: %w", correlationID, err)
		}
	}
	return pt, nil
}

func (t *pgTx) UpsertProviderTransaction(ctx context.Context, pt *ProviderTransaction) (UpsertResult, error) {
	var res UpsertResult
	var prev string
	err := t.tx.QueryRowContext(ctx,
		`SELECT status FROM provider_transactions WHERE correlation_id = $1`, pt.CorrelationID).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res.Created = true
	case err != nil:
		return res, err
	default:
		res.PreviousStatus = PaymentStatus(prev)
	}

	raw, err := json.Marshal(pt.Raw)
	if err != nil {
		return res, err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO provider_transactions (
			correlation_id, provider_payment_id, status, amount_gross, amount_fee, amount_net,
			job_id, freelancer_id, application_id, raw, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (correlation_id) DO UPDATE SET
			provider_payment_id = EXCLUDED.provider_payment_id,
			status = EXCLUDED.status,
			amount_gross = EXCLUDED.amount_gross,
			amount_fee = EXCLUDED.amount_fee,
			amount_net = EXCLUDED.amount_net,
			job_id = EXCLUDED.job_id,
			freelancer_id = EXCLUDED.freelancer_id,
			application_id = EXCLUDED.application_id,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, pt.CorrelationID, nullStr(pt.ProviderPaymentID), string(pt.Status), pt.Gross, pt.Fee, pt.Net,
		nullStr(pt.JobID), nullStr(pt.FreelancerID), nullStr(pt.ApplicationID), string(raw),
	).Scan(&pt.CreatedAt, &pt.UpdatedAt)
	return res, err
}

// --- escrows & milestones ---

const escrowColumns = `id, job_id, client_id, freelancer_id, COALESCE(application_id, ''), correlation_id,
	COALESCE(provider_payment_id, ''), gross, fee, net, status, COALESCE(dispute_id, ''), plan_flagged,
	COALESCE(release_reason, ''), created_at, updated_at, held_at, released_at, refunded_at, cancelled_at`

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var held, released, refunded, cancelled sql.NullTime
	err := row.Scan(&e.ID, &e.JobID, &e.ClientID, &e.FreelancerID, &e.ApplicationID, &e.CorrelationID,
		&e.ProviderPaymentID, &e.Gross, &e.Fee, &e.Net, &e.Status, &e.DisputeID, &e.PlanFlagged,
		&e.ReleaseReason, &e.CreatedAt, &e.UpdatedAt, &held, &released, &refunded, &cancelled)
	if err != nil {
		return nil, err
	}
	e.HeldAt, e.ReleasedAt = timePtr(held), timePtr(released)
	e.RefundedAt, e.CancelledAt = timePtr(refunded), timePtr(cancelled)
	return e, nil
}

func (t *pgTx) CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	if e.ID == "" {
		e.ID = idgen.New()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO escrows (
			id, job_id, client_id, freelancer_id, application_id, correlation_id, provider_payment_id,
			gross, fee, net, status, plan_flagged, held_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING created_at, updated_at
	`, e.ID, e.JobID, e.ClientID, e.FreelancerID, nullStr(e.ApplicationID), e.CorrelationID,
		nullStr(e.ProviderPaymentID), e.Gross, e.Fee, e.Net, string(e.Status), e.PlanFlagged, e.HeldAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: escrow exists for correlation id %s", ErrConflict, e.CorrelationID)
		}
		return err
	}

	for _, ms := range milestones {
		if ms.ID == "" {
			ms.ID = idgen.New()
		}
		ms.EscrowID = e.ID
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO milestones (id, escrow_id, idx, description, percentage, due_date, status, revisions, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			RETURNING created_at, updated_at
		`, ms.ID, ms.EscrowID, ms.Index, ms.Description, ms.Percentage, ms.DueDate, string(ms.Status), ms.Revisions,
		).Scan(&ms.CreatedAt, &ms.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert milestone %d: %w", ms.Index, err)
		}
	}
	return nil
}

func (t *pgTx) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "escrow", id)
	}
	return e, nil
}

func (t *pgTx) GetEscrowByCorrelation(ctx context.Context, correlationID string) (*Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE correlation_id = $1`, correlationID))
	if err != nil {
		return nil, noRows(err, "escrow for correlation id", correlationID)
	}
	return e, nil
}

func (t *pgTx) ListEscrows(ctx context.Context, f EscrowFilter) ([]*Escrow, error) {
	var where []string
	var args []any
	if f.PartyID != "" {
		args = append(args, f.PartyID)
		where = append(where, fmt.Sprintf("(client_id = $%d OR freelancer_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit, 50))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	var stored Escrow
	err := t.tx.QueryRowContext(ctx,
		`SELECT status, gross, fee, net FROM escrows WHERE id = $1`, e.ID,
	).Scan(&stored.Status, &stored.Gross, &stored.Fee, &stored.Net)
	if err != nil {
		return noRows(err, "escrow", e.ID)
	}
	if stored.Status != e.Status && !CanTransitionEscrow(stored.Status, e.Status) {
		return illegal("escrow", stored.Status, e.Status)
	}
	if !stored.Net.Equal(e.Net) || !stored.Fee.Equal(e.Fee) || !stored.Gross.Equal(e.Gross) {
		return fmt.Errorf("%w: escrow amounts are fixed once held", ErrInvalidInput)
	}

	return t.tx.QueryRowContext(ctx, `
		UPDATE escrows SET
			status = $2, dispute_id = $3, plan_flagged = $4, release_reason = $5,
			held_at = $6, released_at = $7, refunded_at = $8, cancelled_at = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, e.ID, string(e.Status), nullStr(e.DisputeID), e.PlanFlagged, nullStr(string(e.ReleaseReason)),
		e.HeldAt, e.ReleasedAt, e.RefundedAt, e.CancelledAt,
	).Scan(&e.UpdatedAt)
}

const milestoneColumns = `id, escrow_id, idx, description, percentage, due_date, status,
	COALESCE(artifact_ref, ''), revisions, created_at, updated_at, submitted_at, approved_at, paid_at`

func scanMilestone(row rowScanner) (*Milestone, error) {
	ms := &Milestone{}
	var due, submitted, approved, paid sql.NullTime
	err := row.Scan(&ms.ID, &ms.EscrowID, &ms.Index, &ms.Description, &ms.Percentage, &due, &ms.Status,
		&ms.ArtifactRef, &ms.Revisions, &ms.CreatedAt, &ms.UpdatedAt, &submitted, &approved, &paid)
	if err != nil {
		return nil, err
	}
	ms.DueDate = timePtr(due)
	ms.SubmittedAt, ms.ApprovedAt, ms.PaidAt = timePtr(submitted), timePtr(approved), timePtr(paid)
	return ms, nil
}

func (t *pgTx) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	ms, err := scanMilestone(t.tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "milestone", id)
	}
	return ms, nil
}

func (t *pgTx) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id = $1 ORDER BY idx`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Milestone
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateMilestone(ctx context.Context, ms *Milestone) error {
	var status MilestoneStatus
	var revisions int
	err := t.tx.QueryRowContext(ctx,
		`SELECT status, revisions FROM milestones WHERE id = $1`, ms.ID).Scan(&status, &revisions)
	if err != nil {
		return noRows(err, "milestone", ms.ID)
	}
	if status != ms.Status && !CanTransitionMilestone(status, ms.Status) {
		return illegal("milestone", status, ms.Status)
	}
	if ms.Revisions < revisions {
		return fmt.Errorf("%w: revision counter cannot decrease", ErrInvalidInput)
	}

	return t.tx.QueryRowContext(ctx, `
		UPDATE milestones SET
			description = $2, percentage = $3, due_date = $4, status = $5, artifact_ref = $6,
			revisions = $7, submitted_at = $8, approved_at = $9, paid_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, ms.ID, ms.Description, ms.Percentage, ms.DueDate, string(ms.Status), nullStr(ms.ArtifactRef),
		ms.Revisions, ms.SubmittedAt, ms.ApprovedAt, ms.PaidAt,
	).Scan(&ms.UpdatedAt)
}

// --- disputes ---

const disputeColumns = `id, escrow_id, raised_by, counter_id, reason, COALESCE(description, ''), evidence,
	status, prior_status, COALESCE(decision, ''), adjustment, COALESCE(resolved_by, ''), COALESCE(notes, ''),
	created_at, updated_at, resolved_at`

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var resolved sql.NullTime
	err := row.Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.CounterID, &d.Reason, &d.Description,
		pq.Array(&d.Evidence), &d.Status, &d.PriorStatus, &d.Decision, &d.Adjustment, &d.ResolvedBy,
		&d.Notes, &d.CreatedAt, &d.UpdatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	d.ResolvedAt = timePtr(resolved)
	return d, nil
}

func (t *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	if d.ID == "" {
		d.ID = idgen.New()
	}
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO disputes (id, escrow_id, raised_by, counter_id, reason, description, evidence, status, prior_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`, d.ID, d.EscrowID, d.RaisedBy, d.CounterID, d.Reason, nullStr(d.Description), pq.Array(evidence),
		string(d.Status), string(d.PriorStatus),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: active dispute exists for escrow %s", ErrConflict, d.EscrowID)
	}
	return err
}

func (t *pgTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "dispute", id)
	}
	return d, nil
}

func (t *pgTx) FindActiveDispute(ctx context.Context, escrowID, raisedBy string) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND raised_by = $2 AND status IN ('pending', 'in_review', 'escalated')
	`, escrowID, raisedBy))
	if err != nil {
		return nil, noRows(err, "active dispute on escrow", escrowID)
	}
	return d, nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	var status DisputeStatus
	if err := t.tx.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1`, d.ID).Scan(&status); err != nil {
		return noRows(err, "dispute", d.ID)
	}
	if status != d.Status && !CanTransitionDispute(status, d.Status) {
		return illegal("dispute", status, d.Status)
	}
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return t.tx.QueryRowContext(ctx, `
		UPDATE disputes SET
			evidence = $2, status = $3, decision = $4, adjustment = $5, resolved_by = $6, notes = $7,
			resolved_at = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, d.ID, pq.Array(evidence), string(d.Status), nullStr(string(d.Decision)), d.Adjustment,
		nullStr(d.ResolvedBy), nullStr(d.Notes), d.ResolvedAt,
	).Scan(&d.UpdatedAt)
}

// --- notifications ---

const notificationColumns = `id, recipient_id, kind, title, body, COALESCE(entity_type, ''),
	COALESCE(entity_id, ''), read, created_at`

func scanNotification(row rowScanner) (*Notification, error) {
	n := &Notification{}
	err := row.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Title, &n.Body, &n.EntityType, &n.EntityID, &n.Read, &n.CreatedAt)
	return n, err
}

func (t *pgTx) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = idgen.New()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, title, body, entity_type, entity_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NOW())
		RETURNING created_at
	`, n.ID, n.RecipientID, n.Kind, n.Title, n.Body, nullStr(n.EntityType), nullStr(n.EntityID)).Scan(&n.CreatedAt)
	if err != nil {
		return err
	}
	cp := *n
	t.pending = append(t.pending, &cp)
	return nil
}

func (t *pgTx) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(t.tx.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "notification", id)
	}
	return n, nil
}

func (t *pgTx) ListNotifications(ctx context.Context, recipients []string, limit int) ([]*Notification, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE recipient_id = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, pq.Array(recipients), clampLimit(limit, 50))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateNotification(ctx context.Context, n *Notification) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE notifications SET read = $2 WHERE id = $1`, n.ID, n.Read)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notFound("notification", n.ID)
	}
	return nil
}

// --- payouts ---

func (t *pgTx) ListReleasable(ctx context.Context, asOf time.Time) ([]Releasable, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT e.id FROM escrows e
		WHERE e.status = 'held' AND NOT e.plan_flagged
		  AND EXISTS (SELECT 1 FROM milestones m WHERE m.escrow_id = e.id AND m.status = 'approved')
		ORDER BY e.created_at
	`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	statuses := make([]string, len(liveItemStatuses))
	for i, s := range liveItemStatuses {
		statuses[i] = string(s)
	}

	var out []Releasable
	for _, id := range ids {
		e, err := t.GetEscrow(ctx, id)
		if err != nil {
			return nil, err
		}
		ms, err := t.ListMilestones(ctx, id)
		if err != nil {
			return nil, err
		}
		live, err := t.liveMilestones(ctx, id, statuses)
		if err != nil {
			return nil, err
		}
		out = append(out, selectReleasable(e, ms, live, asOf)...)
	}
	return out, nil
}

func (t *pgTx) liveMilestones(ctx context.Context, escrowID string, statuses []string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT milestone_id FROM payout_items
		WHERE escrow_id = $1 AND milestone_id IS NOT NULL AND status = ANY($2)
	`, escrowID, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	live := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		live[id] = true
	}
	return live, rows.Err()
}

func (t *pgTx) AppendPayoutItem(ctx context.Context, it *PayoutItem) (string, error) {
	var status EscrowStatus
	if err := t.tx.QueryRowContext(ctx, `SELECT status FROM escrows WHERE id = $1`, it.EscrowID).Scan(&status); err != nil {
		return "", noRows(err, "escrow", it.EscrowID)
	}
	if status == EscrowDisputed || status == EscrowRefunded || status == EscrowCancelled {
		return "", fmt.Errorf("%w: cannot emit payout for %s escrow", ErrIllegalTransition, status)
	}
	if !it.Amount.IsPositive() {
		return "", fmt.Errorf("%w: payout amount must be positive", ErrInvalidInput)
	}
	if it.ID == "" {
		it.ID = idgen.New()
	}
	it.Status = PayoutPending
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO payout_items (id, escrow_id, milestone_id, job_id, freelancer_id, amount, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`, it.ID, it.EscrowID, nullStr(it.MilestoneID), it.JobID, it.FreelancerID, it.Amount, string(it.Status),
	).Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return "", err
	}
	return it.ID, nil
}

const payoutItemColumns = `id, COALESCE(batch_id, ''), escrow_id, COALESCE(milestone_id, ''), job_id, freelancer_id,
	amount, status, COALESCE(provider_ref, ''), COALESCE(error, ''), attempts, created_at, updated_at`

func scanPayoutItem(row rowScanner) (*PayoutItem, error) {
	it := &PayoutItem{}
	err := row.Scan(&it.ID, &it.BatchID, &it.EscrowID, &it.MilestoneID, &it.JobID, &it.FreelancerID,
		&it.Amount, &it.Status, &it.ProviderRef, &it.Error, &it.Attempts, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (t *pgTx) GetPayoutItem(ctx context.Context, id string) (*PayoutItem, error) {
	it, err := scanPayoutItem(t.tx.QueryRowContext(ctx, `SELECT `+payoutItemColumns+` FROM payout_items WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "payout item", id)
	}
	return it, nil
}

func (t *pgTx) ListPayoutItems(ctx context.Context, f PayoutItemFilter) ([]*PayoutItem, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EscrowID != "" {
		add("escrow_id = $%d", f.EscrowID)
	}
	if f.MilestoneID != "" {
		add("milestone_id = $%d", f.MilestoneID)
	}
	if f.BatchID != "" {
		add("batch_id = $%d", f.BatchID)
	}
	if f.Unbatched {
		where = append(where, "batch_id IS NULL")
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(ss))
	}

	query := `SELECT ` + payoutItemColumns + ` FROM payout_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PayoutItem
	for rows.Next() {
		it, err := scanPayoutItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdatePayoutItem(ctx context.Context, it *PayoutItem) error {
	var status PayoutStatus
	if err := t.tx.QueryRowContext(ctx, `SELECT status FROM payout_items WHERE id = $1`, it.ID).Scan(&status); err != nil {
		return noRows(err, "payout item", it.ID)
	}
	if status.IsTerminal() || (status != it.Status && !CanTransitionPayout(status, it.Status)) {
		return illegal("payout item", status, it.Status)
	}
	return t.tx.QueryRowContext(ctx, `
		UPDATE payout_items SET batch_id = $2, status = $3, error = $4, attempts = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, it.ID, nullStr(it.BatchID), string(it.Status), nullStr(it.Error), it.Attempts).Scan(&it.UpdatedAt)
}

func (t *pgTx) MarkPayoutItem(ctx context.Context, id string, res PayoutResult) (*PayoutItem, error) {
	if !res.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal payout status", ErrInvalidInput, res.Status)
	}
	if res.Status == PayoutCompleted && res.ProviderRef == "" {
		return nil, fmt.Errorf("%w: completed payout needs a provider reference", ErrInvalidInput)
	}
	it, err := t.GetPayoutItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status == res.Status {
		return it, nil
	}
	if !CanTransitionPayout(it.Status, res.Status) {
		return nil, illegal("payout item", it.Status, res.Status)
	}
	it.Status, it.ProviderRef, it.Error = res.Status, res.ProviderRef, res.Error
	err = t.tx.QueryRowContext(ctx, `
		UPDATE payout_items SET status = $2, provider_ref = $3, error = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, id, string(it.Status), nullStr(it.ProviderRef), nullStr(it.Error)).Scan(&it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (t *pgTx) RecordPayoutBatch(ctx context.Context, b *PayoutBatch, itemIDs []string) (string, error) {
	if b.ID == "" {
		b.ID = idgen.BatchID(time.Now())
	}
	b.Count = len(itemIDs)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO payout_batches (id, batch_date, item_count, amount_gross, amount_fee, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, b.ID, b.BatchDate, b.Count, b.Gross, b.Fee, string(b.Status)).Scan(&b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: batch %s exists", ErrConflict, b.ID)
		}
		return "", err
	}
	if len(itemIDs) == 0 {
		return b.ID, nil
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE payout_items SET batch_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status IN ('pending', 'processing')
	`, b.ID, pq.Array(itemIDs))
	if err != nil {
		return "", err
	}
	if affected, _ := res.RowsAffected(); int(affected) != len(itemIDs) {
		return "", fmt.Errorf("%w: %d of %d items are no longer open", ErrIllegalTransition, len(itemIDs)-int(affected), len(itemIDs))
	}
	return b.ID, nil
}

const batchColumns = `id, batch_date, item_count, amount_gross, amount_fee, status, processed_at, COALESCE(error, ''), created_at`

func scanBatch(row rowScanner) (*PayoutBatch, error) {
	b := &PayoutBatch{}
	var processed sql.NullTime
	if err := row.Scan(&b.ID, &b.BatchDate, &b.Count, &b.Gross, &b.Fee, &b.Status, &processed, &b.Error, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.ProcessedAt = timePtr(processed)
	return b, nil
}

func (t *pgTx) GetPayoutBatch(ctx context.Context, id string) (*PayoutBatch, error) {
	b, err := scanBatch(t.tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "payout batch", id)
	}
	return b, nil
}

func (t *pgTx) UpdatePayoutBatch(ctx context.Context, b *PayoutBatch) error {
	var status BatchStatus
	if err := t.tx.QueryRowContext(ctx, `SELECT status FROM payout_batches WHERE id = $1`, b.ID).Scan(&status); err != nil {
		return noRows(err, "payout batch", b.ID)
	}
	if status.IsTerminal() {
		return illegal("payout batch", status, b.Status)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE payout_batches SET item_count = $2, amount_gross = $3, amount_fee = $4, status = $5,
			processed_at = $6, error = $7
		WHERE id = $1
	`, b.ID, b.Count, b.Gross, b.Fee, string(b.Status), b.ProcessedAt, nullStr(b.Error))
	return err
}

func (t *pgTx) ListOpenBatches(ctx context.Context) ([]*PayoutBatch, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM payout_batches
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- bank accounts ---

func (t *pgTx) GetPrimaryBankAccount(ctx context.Context, freelancerID string) (*BankAccount, error) {
	a := &BankAccount{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, freelancer_id, bank_name, holder_name, account_number, branch_code, account_type, verified, is_primary
		FROM freelancer_bank_accounts
		WHERE freelancer_id = $1 AND is_primary AND verified
	`, freelancerID).Scan(&a.ID, &a.FreelancerID, &a.BankName, &a.HolderName, &a.AccountNumber,
		&a.BranchCode, &a.AccountType, &a.Verified, &a.Primary)
	if err != nil {
		return nil, noRows(err, "verified bank account for", freelancerID)
	}
	return a, nil
}

func (t *pgTx) PutBankAccount(ctx context.Context, a *BankAccount) error {
	if a.ID == "" {
		a.ID = idgen.New()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO freelancer_bank_accounts (id, freelancer_id, bank_name, holder_name, account_number, branch_code, account_type, verified, is_primary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			bank_name = EXCLUDED.bank_name, holder_name = EXCLUDED.holder_name,
			account_number = EXCLUDED.account_number, branch_code = EXCLUDED.branch_code,
			account_type = EXCLUDED.account_type, verified = EXCLUDED.verified, is_primary = EXCLUDED.is_primary
	`, a.ID, a.FreelancerID, a.BankName, a.HolderName, a.AccountNumber, a.BranchCode, a.AccountType, a.Verified, a.Primary)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: freelancer %s already has a primary verified account", ErrConflict, a.FreelancerID)
	}
	return err
}

// --- dead letters ---

const deadLetterColumns = `id, correlation_id, payment_status, fields, error, attempts, created_at, updated_at, resolved_at`

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	d := &DeadLetter{}
	var fields []byte
	var resolved sql.NullTime
	err := row.Scan(&d.ID, &d.CorrelationID, &d.PaymentStatus, &fields, &d.Error, &d.Attempts,
		&d.CreatedAt, &d.UpdatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	d.ResolvedAt = timePtr(resolved)
	if err := json.Unmarshal(fields, &d.Fields); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", d.ID, err)
	}
	return d, nil
}

func (t *pgTx) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	if d.ID == "" {
		d.ID = idgen.New()
	}
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO webhook_dead_letters (id, correlation_id, payment_status, fields, error, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`, d.ID, d.CorrelationID, string(d.PaymentStatus), string(fields), d.Error, d.Attempts).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (t *pgTx) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	d, err := scanDeadLetter(t.tx.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM webhook_dead_letters WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "dead letter", id)
	}
	return d, nil
}

func (t *pgTx) ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]*DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM webhook_dead_letters`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := t.tx.QueryContext(ctx, query, clampLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateDeadLetter(ctx context.Context, d *DeadLetter) error {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE webhook_dead_letters SET error = $2, attempts = $3, resolved_at = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, d.ID, d.Error, d.Attempts, d.ResolvedAt).Scan(&d.UpdatedAt)
	return noRows(err, "dead letter", d.ID)
}
