package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL. The event log lives
// in escrow_events and is written in the same transaction as the record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if r.Version == 0 {
		r.Version = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_records (
			contract_id, job_id, client_address, freelancer_address, token,
			amount, platform_fee, milestone_count, completed_milestones, completed_indexes,
			status, pre_dispute_status, released_at, release_tx_hash,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(30,6), $7::NUMERIC(30,6), $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		r.ContractID, r.JobID, r.ClientAddress, r.FreelancerAddress, r.Token,
		r.Amount, r.PlatformFee, r.MilestoneCount, r.CompletedMilestones, pq.Array(toInt64s(r.CompletedIndexes)),
		string(r.Status), nullString(string(r.PreDisputeStatus)), nullTime(r.ReleasedAt), nullString(r.ReleaseTxHash),
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateContract
		}
		return err
	}
	if err := insertEvents(ctx, tx, r.ContractID, r.Events); err != nil {
		return err
	}
	return tx.Commit()
}

const recordColumns = `contract_id, job_id, client_address, freelancer_address, token,
		       amount, platform_fee, milestone_count, completed_milestones, completed_indexes,
		       status, pre_dispute_status, released_at, release_tx_hash,
		       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, contractID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrow_records WHERE contract_id = $1`, contractID)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadEvents(ctx, []*Record{r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Update(ctx context.Context, r *Record, newEvents ...Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_records SET
			completed_milestones = $1, completed_indexes = $2, status = $3,
			pre_dispute_status = $4, released_at = $5, release_tx_hash = $6,
			updated_at = $7, version = version + 1
		WHERE contract_id = $8 AND version = $9`,
		r.CompletedMilestones, pq.Array(toInt64s(r.CompletedIndexes)), string(r.Status),
		nullString(string(r.PreDisputeStatus)), nullTime(r.ReleasedAt), nullString(r.ReleaseTxHash),
		r.UpdatedAt, r.ContractID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_records WHERE contract_id = $1)`, r.ContractID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrVersionConflict
	}

	if err := insertEvents(ctx, tx, r.ContractID, newEvents); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrVersionConflict
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_records
		WHERE job_id = $1
		ORDER BY created_at ASC, contract_id ASC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanWithEvents(ctx, rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_records
		WHERE status = $1
		ORDER BY updated_at ASC, contract_id ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanWithEvents(ctx, rows)
}

func (p *PostgresStore) scanWithEvents(ctx context.Context, rows *sql.Rows) ([]*Record, error) {
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadEvents(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// loadEvents fills the event logs of records with a single query.
func (p *PostgresStore) loadEvents(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]*Record, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		r.Events = []Event{}
		byID[r.ContractID] = r
		ids = append(ids, r.ContractID)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT contract_id, seq, type, tx_hash, data, created_at
		FROM escrow_events
		WHERE contract_id = ANY($1)
		ORDER BY contract_id, seq`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			contractID string
			e          Event
			eventType  string
			txHash     sql.NullString
			data       []byte
		)
		if err := rows.Scan(&contractID, &e.Seq, &eventType, &txHash, &data, &e.CreatedAt); err != nil {
			return err
		}
		e.Type = EventType(eventType)
		e.TxHash = txHash.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return fmt.Errorf("decode event %s/%d: %w", contractID, e.Seq, err)
			}
			if len(e.Data) == 0 {
				e.Data = nil
			}
		}
		if r, ok := byID[contractID]; ok {
			r.Events = append(r.Events, e)
		}
	}
	return rows.Err()
}

func insertEvents(ctx context.Context, tx *sql.Tx, contractID string, events []Event) error {
	for _, e := range events {
		data := []byte("{}")
		if len(e.Data) > 0 {
			var err error
			if data, err = json.Marshal(e.Data); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_events (contract_id, seq, type, tx_hash, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			contractID, e.Seq, string(e.Type), nullString(e.TxHash), data, e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		status           string
		preDisputeStatus sql.NullString
		releasedAt       sql.NullTime
		releaseTxHash    sql.NullString
		indexes          []int64
	)

	err := s.Scan(
		&r.ContractID, &r.JobID, &r.ClientAddress, &r.FreelancerAddress, &r.Token,
		&r.Amount, &r.PlatformFee, &r.MilestoneCount, &r.CompletedMilestones, pq.Array(&indexes),
		&status, &preDisputeStatus, &releasedAt, &releaseTxHash,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.PreDisputeStatus = Status(preDisputeStatus.String)
	r.ReleaseTxHash = releaseTxHash.String
	if releasedAt.Valid {
		t := releasedAt.Time
		r.ReleasedAt = &t
	}
	r.CompletedIndexes = make([]int, len(indexes))
	for i, v := range indexes {
		r.CompletedIndexes[i] = int(v)
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func toInt64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
