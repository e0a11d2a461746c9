package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists settlements in PostgreSQL. A partial unique index
// on contract_id enforces a single live settlement per contract.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	uniqueViolation = "23505"
	livePerContract = "idx_settlements_live_contract"
)

func (p *PostgresStore) Create(ctx context.Context, s *Settlement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (
			key, contract_id, dispute_id, kind, resolution,
			client_amount, freelancer_amount, status, tx_hash,
			attempts, last_error, created_at, updated_at, confirmed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(30,6), $7::NUMERIC(30,6), $8, $9,
			$10, $11, $12, $13, $14
		)`,
		s.Key, s.ContractID, nullString(s.DisputeID), string(s.Kind), string(s.Resolution),
		s.ClientAmount, s.FreelancerAmount, string(s.Status), nullString(s.TxHash),
		s.Attempts, nullString(s.LastError), s.CreatedAt, s.UpdatedAt, nullTime(s.ConfirmedAt),
	)
	return mapUniqueViolation(err, ErrDuplicateKey)
}

const settlementColumns = `key, contract_id, dispute_id, kind, resolution,
		       client_amount, freelancer_amount, status, tx_hash,
		       attempts, last_error, created_at, updated_at, confirmed_at`

func (p *PostgresStore) Get(ctx context.Context, key string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE key = $1`, key)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Settlement) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			status = $1, tx_hash = $2, attempts = $3, last_error = $4,
			updated_at = $5, confirmed_at = $6
		WHERE key = $7`,
		string(s.Status), nullString(s.TxHash), s.Attempts, nullString(s.LastError),
		s.UpdatedAt, nullTime(s.ConfirmedAt), s.Key,
	)
	if err != nil {
		return mapUniqueViolation(err, ErrDuplicateKey)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (p *PostgresStore) GetLive(ctx context.Context, contractID string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE contract_id = $1 AND status IN ('submitting', 'pending_confirmation', 'confirmed')`, contractID)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementNotFound
	}
	return s, err
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE contract_id = $1
		ORDER BY created_at ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSettlements(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSettlements(rows)
}

// mapUniqueViolation distinguishes the live-per-contract index from a
// duplicate primary key.
func mapUniqueViolation(err, onKey error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	if pqErr.Constraint == livePerContract {
		return ErrSettlementInFlight
	}
	return onKey
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(sc scanner) (*Settlement, error) {
	s := &Settlement{}
	var (
		disputeID   sql.NullString
		kind        string
		resolution  string
		status      string
		txHash      sql.NullString
		lastError   sql.NullString
		confirmedAt sql.NullTime
	)
	err := sc.Scan(
		&s.Key, &s.ContractID, &disputeID, &kind, &resolution,
		&s.ClientAmount, &s.FreelancerAmount, &status, &txHash,
		&s.Attempts, &lastError, &s.CreatedAt, &s.UpdatedAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}
	s.DisputeID = disputeID.String
	s.Kind = Kind(kind)
	s.Resolution = Outcome(resolution)
	s.Status = Status(status)
	s.TxHash = txHash.String
	s.LastError = lastError.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		s.ConfirmedAt = &t
	}
	return s, nil
}

func scanSettlements(rows *sql.Rows) ([]*Settlement, error) {
	var result []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
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

var _ Store = (*PostgresStore)(nil)
