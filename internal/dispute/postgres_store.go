package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/PlayraLive/h-ai-sub005/internal/settlement"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index
// on contract_id enforces one active dispute per contract; evidence lives
// in dispute_evidence and is only ever inserted.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const uniqueViolation = "23505"

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	adminCall, pending, err := marshalNested(d)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if d.Version == 0 {
		d.Version = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, job_id, contract_id, initiator_id, initiator_type,
			reason, description, status, arbitrator_id, resolution,
			client_amount, freelancer_amount, blockchain_tx_hash, resolved_by,
			admin_call, pending_settlement, version,
			created_at, updated_at, resolved_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11::NUMERIC(30,6), $12::NUMERIC(30,6), $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21
		)`,
		d.ID, d.JobID, d.ContractID, d.InitiatorID, string(d.InitiatorType),
		d.Reason, d.Description, string(d.Status), nullString(d.ArbitratorID), nullString(string(d.Resolution)),
		nullString(d.ClientAmount), nullString(d.FreelancerAmount), nullString(d.BlockchainTxHash), nullString(d.ResolvedBy),
		adminCall, pending, d.Version,
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.CancelledAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateDispute
		}
		return err
	}
	if err := insertEvidence(ctx, tx, d.ID, d.Evidence); err != nil {
		return err
	}
	return tx.Commit()
}

const disputeColumns = `id, job_id, contract_id, initiator_id, initiator_type,
		       reason, description, status, arbitrator_id, resolution,
		       client_amount, freelancer_amount, blockchain_tx_hash, resolved_by,
		       admin_call, pending_settlement, version,
		       created_at, updated_at, resolved_at, cancelled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadEvidence(ctx, p.db, []*Dispute{d}); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	adminCall, pending, err := marshalNested(d)
	if err != nil {
		return err
	}

	var version int64
	err = p.db.QueryRowContext(ctx, `
		UPDATE disputes SET
			status = $1, arbitrator_id = $2, resolution = $3,
			client_amount = $4::NUMERIC(30,6), freelancer_amount = $5::NUMERIC(30,6),
			blockchain_tx_hash = $6, resolved_by = $7,
			admin_call = $8, pending_settlement = $9,
			updated_at = $10, resolved_at = $11, cancelled_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14
		RETURNING version`,
		string(d.Status), nullString(d.ArbitratorID), nullString(string(d.Resolution)),
		nullString(d.ClientAmount), nullString(d.FreelancerAmount),
		nullString(d.BlockchainTxHash), nullString(d.ResolvedBy),
		adminCall, pending,
		d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.CancelledAt),
		d.ID, d.Version,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	d.Version = version
	return nil
}

// AppendEvidence locks the dispute row, so appends to one dispute are
// serialized against the evidence limit and a concurrent resolve or cancel
// either sees the new evidence or blocks it.
func (p *PostgresStore) AppendEvidence(ctx context.Context, disputeID string, items ...Evidence) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1 FOR UPDATE`, disputeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return err
	}
	if Status(status).IsTerminal() {
		return ErrDisputeClosed
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispute_evidence WHERE dispute_id = $1`, disputeID).Scan(&count); err != nil {
		return err
	}
	if count+len(items) > MaxEvidenceTotal {
		return ErrEvidenceLimit
	}
	if err := insertEvidence(ctx, tx, disputeID, items); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetActiveByContract(ctx context.Context, contractID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE contract_id = $1 AND status IN ('pending', 'in_review', 'admin_review')`, contractID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadEvidence(ctx, p.db, []*Dispute{d}); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string, limit int, opts ...ListOption) ([]*Dispute, error) {
	return p.listPage(ctx, "contract_id", contractID, limit, applyListOpts(opts))
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string, limit int, opts ...ListOption) ([]*Dispute, error) {
	return p.listPage(ctx, "job_id", jobID, limit, applyListOpts(opts))
}

func (p *PostgresStore) ListAwaitingConfirmation(ctx context.Context, limit int) ([]*Dispute, error) {
	return p.query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE pending_settlement IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
}

func (p *PostgresStore) ListOpenAdminCalls(ctx context.Context, limit int) ([]*Dispute, error) {
	return p.query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'admin_review' AND admin_call->>'status' <> 'resolved'
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
}

// listPage filters by an indexed column and pages by (created_at, id).
func (p *PostgresStore) listPage(ctx context.Context, column, value string, limit int, o listOpts) ([]*Dispute, error) {
	var b strings.Builder
	args := []interface{}{value}
	fmt.Fprintf(&b, `SELECT %s FROM disputes WHERE %s = $1`, disputeColumns, column)
	if o.cursor != nil {
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
		b.WriteString(` AND (created_at, id) > ($2, $3)`)
	}
	args = append(args, limit)
	fmt.Fprintf(&b, ` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))
	return p.query(ctx, b.String(), args...)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadEvidence(ctx, p.db, result); err != nil {
		return nil, err
	}
	return result, nil
}

func insertEvidence(ctx context.Context, tx *sql.Tx, disputeID string, items []Evidence) error {
	for _, e := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_evidence (id, dispute_id, submitted_by, content, submitted_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, disputeID, e.SubmittedBy, e.Content, e.SubmittedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// loadEvidence fills the evidence of every dispute in one query.
func loadEvidence(ctx context.Context, q querier, disputes []*Dispute) error {
	if len(disputes) == 0 {
		return nil
	}
	ids := make([]string, len(disputes))
	byID := make(map[string]*Dispute, len(disputes))
	for i, d := range disputes {
		ids[i] = d.ID
		byID[d.ID] = d
	}

	rows, err := q.QueryContext(ctx, `
		SELECT dispute_id, id, submitted_by, content, submitted_at
		FROM dispute_evidence
		WHERE dispute_id = ANY($1)
		ORDER BY dispute_id, seq ASC`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var disputeID string
		var e Evidence
		if err := rows.Scan(&disputeID, &e.ID, &e.SubmittedBy, &e.Content, &e.SubmittedAt); err != nil {
			return err
		}
		if d := byID[disputeID]; d != nil {
			d.Evidence = append(d.Evidence, e)
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		initiatorType, status                             string
		arbitratorID, resolution                          sql.NullString
		clientAmount, freelancerAmount, txHash, resolvedBy sql.NullString
		adminCall, pending                                []byte
		resolvedAt, cancelledAt                           sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &d.JobID, &d.ContractID, &d.InitiatorID, &initiatorType,
		&d.Reason, &d.Description, &status, &arbitratorID, &resolution,
		&clientAmount, &freelancerAmount, &txHash, &resolvedBy,
		&adminCall, &pending, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	d.InitiatorType = InitiatorType(initiatorType)
	d.Status = Status(status)
	d.ArbitratorID = arbitratorID.String
	d.Resolution = settlement.Outcome(resolution.String)
	d.ClientAmount = clientAmount.String
	d.FreelancerAmount = freelancerAmount.String
	d.BlockchainTxHash = txHash.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if cancelledAt.Valid {
		d.CancelledAt = &cancelledAt.Time
	}
	if len(adminCall) > 0 {
		d.AdminCall = &AdminCall{}
		if err := json.Unmarshal(adminCall, d.AdminCall); err != nil {
			return nil, fmt.Errorf("decode admin_call of %s: %w", d.ID, err)
		}
	}
	if len(pending) > 0 {
		d.PendingSettlement = &PendingSettlement{}
		if err := json.Unmarshal(pending, d.PendingSettlement); err != nil {
			return nil, fmt.Errorf("decode pending_settlement of %s: %w", d.ID, err)
		}
	}
	return d, nil
}

func marshalNested(d *Dispute) (adminCall, pending interface{}, err error) {
	if d.AdminCall != nil {
		b, err := json.Marshal(d.AdminCall)
		if err != nil {
			return nil, nil, err
		}
		adminCall = string(b)
	}
	if d.PendingSettlement != nil {
		b, err := json.Marshal(d.PendingSettlement)
		if err != nil {
			return nil, nil, err
		}
		pending = string(b)
	}
	return adminCall, pending, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
