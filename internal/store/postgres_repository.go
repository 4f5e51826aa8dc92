/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. All SQL is inline; monetary columns are NUMERIC(30,8) and the
 * free-form compliance context lives in jsonb columns.
 *
 * @notes
 * - The reference and external_reference columns carry unique indexes; a
 *   23505 maps to ErrDuplicateReference (regenerate and retry) or
 *   ErrDuplicateExternalReference (return the recorded row) depending on
 *   which constraint fired.
 * - ApplyStatusTransition is the compare-and-swap write the concurrency
 *   contract requires: the UPDATE matches on both id and the expected prior
 *   status, and the lifecycle event row is inserted inside the same
 *   database transaction, so a transition and its event are one unit.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/domain"
)

const uniqueViolationCode = "23505"

const transactionColumns = `
	id, reference, external_reference, type, source, status, user_id, wallet_id,
	counterparty, amount, fee, net_amount, currency, to_currency, exchange_rate,
	metadata, risk_score, risk_level, risk_factors, is_suspicious, requires_review,
	reviewed_by, reviewed_at, review_notes, reservation_id, failure_reason,
	created_at, updated_at, completed_at, failed_at`

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateTransaction persists a new transaction in pending state.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	counterparty, err := marshalNullable(tx.Counterparty)
	if err != nil {
		return fmt.Errorf("marshal counterparty: %w", err)
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	factors, err := json.Marshal(tx.ComplianceFlags.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}

	query := `
		INSERT INTO transactions (
			id, reference, external_reference, type, source, status, user_id, wallet_id,
			counterparty, amount, fee, net_amount, currency, to_currency, exchange_rate,
			metadata, risk_score, risk_level, risk_factors, is_suspicious, requires_review,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21,
			NOW(), NOW()
		)
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		tx.ID, tx.Reference, tx.ExternalReference, tx.Type, tx.Source, tx.Status, tx.UserID, tx.WalletID,
		counterparty, tx.Amount, tx.Fee, tx.NetAmount, tx.Currency, tx.ToCurrency, tx.ExchangeRate,
		metadata, tx.ComplianceFlags.RiskScore, tx.ComplianceFlags.RiskLevel, factors,
		tx.ComplianceFlags.IsSuspicious, tx.ComplianceFlags.RequiresReview,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			// Two unique indexes can raise 23505 here: the generated
			// reference (regenerate and retry) and the provider-supplied
			// external reference (the request already landed once).
			if strings.Contains(pgErr.ConstraintName, "external_reference") {
				return ErrDuplicateExternalReference
			}
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindTransactionByID retrieves one transaction by its opaque id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE id = $1`
	return r.scanTransaction(r.db.QueryRow(ctx, query, id))
}

// FindTransactionByReference retrieves one transaction by its reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return r.scanTransaction(r.db.QueryRow(ctx, query, reference))
}

// FindTransactionByExternalReference retrieves one transaction by the
// provider-supplied reference used for provider-side idempotency.
func (r *PostgresRepository) FindTransactionByExternalReference(ctx context.Context, externalRef string) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE external_reference = $1`
	return r.scanTransaction(r.db.QueryRow(ctx, query, externalRef))
}

// ApplyStatusTransition performs the conditional status write and appends
// the lifecycle event, atomically.
func (r *PostgresRepository) ApplyStatusTransition(ctx context.Context, params StatusTransitionParams) (*domain.Transaction, error) {
	dbTx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var reviewer, notes *string
	var reviewedAt *time.Time
	if params.Review != nil {
		now := time.Now().UTC()
		reviewer = &params.Review.Reviewer
		notes = params.Review.Notes
		reviewedAt = &now
	}

	query := `
		UPDATE transactions SET
			status = $3,
			updated_at = NOW(),
			completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END,
			failed_at = CASE WHEN $3 = 'failed' THEN NOW() ELSE failed_at END,
			failure_reason = COALESCE($4, failure_reason),
			reservation_id = CASE WHEN $6 THEN NULL ELSE COALESCE($5, reservation_id) END,
			reviewed_by = COALESCE($7, reviewed_by),
			reviewed_at = COALESCE($8, reviewed_at),
			review_notes = COALESCE($9, review_notes)
		WHERE id = $1 AND status = $2
		RETURNING` + transactionColumns

	updated, err := r.scanTransaction(dbTx.QueryRow(ctx, query,
		params.TransactionID, params.FromStatus, params.ToStatus,
		params.FailureReason, params.ReservationID, params.ClearReservation,
		reviewer, reviewedAt, notes,
	))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// Distinguish a vanished row from a concurrent move.
			var current domain.TransactionStatus
			probeErr := r.db.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, params.TransactionID).Scan(&current)
			if probeErr == nil {
				return nil, ErrStatusConflict
			}
			if errors.Is(probeErr, pgx.ErrNoRows) {
				return nil, ErrTransactionNotFound
			}
			return nil, probeErr
		}
		return nil, err
	}

	eventQuery := `
		INSERT INTO lifecycle_events (event_id, transaction_id, reference, from_status, to_status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = dbTx.Exec(ctx, eventQuery,
		uuid.New(), updated.ID, updated.Reference, params.FromStatus, params.ToStatus, updated.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("append lifecycle event: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

// UpdateComplianceFlags writes the risk verdict onto a transaction.
func (r *PostgresRepository) UpdateComplianceFlags(ctx context.Context, id uuid.UUID, flags domain.ComplianceFlags) error {
	factors, err := json.Marshal(flags.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}
	query := `
		UPDATE transactions SET
			risk_score = $2, risk_level = $3, risk_factors = $4,
			is_suspicious = $5, requires_review = $6, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, flags.RiskScore, flags.RiskLevel, factors, flags.IsSuspicious, flags.RequiresReview)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// AttachReservation records the ledger hold for a processing transaction.
// The status guard keeps a late attach from resurrecting a reservation on
// a transaction that already resolved.
func (r *PostgresRepository) AttachReservation(ctx context.Context, id uuid.UUID, reservationID uuid.UUID) error {
	query := `UPDATE transactions SET reservation_id = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`
	tag, err := r.db.Exec(ctx, query, id, reservationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// VelocityWindow aggregates the trailing window in one read so concurrent
// sibling transactions cannot be undercounted between two queries.
func (r *PostgresRepository) VelocityWindow(ctx context.Context, userID uuid.UUID, since time.Time) (int, decimal.Decimal, error) {
	var (
		count int
		sum   decimal.Decimal
	)
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1 AND created_at >= $2`
	if err := r.db.QueryRow(ctx, query, userID, since).Scan(&count, &sum); err != nil {
		return 0, decimal.Zero, err
	}
	return count, sum, nil
}

// GetUserRiskProfile loads the per-user risk state.
func (r *PostgresRepository) GetUserRiskProfile(ctx context.Context, userID uuid.UUID) (*domain.UserRiskProfile, error) {
	var (
		profile    domain.UserRiskProfile
		factorsRaw []byte
	)
	query := `
		SELECT user_id, status, geo_country,
		       daily_deposit_limit, daily_withdrawal_limit,
		       monthly_deposit_limit, monthly_withdrawal_limit, max_transaction_limit,
		       risk_score, risk_level, risk_factors, risk_updated_at,
		       created_at, updated_at
		FROM user_risk_profiles
		WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.UserID, &profile.Status, &profile.GeoCountry,
		&profile.Limits.DailyDeposit, &profile.Limits.DailyWithdrawal,
		&profile.Limits.MonthlyDeposit, &profile.Limits.MonthlyWithdrawal, &profile.Limits.MaxTransaction,
		&profile.RiskScore.Score, &profile.RiskScore.Level, &factorsRaw, &profile.RiskScore.LastUpdated,
		&profile.CreatedAt, &profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if len(factorsRaw) > 0 {
		if err := json.Unmarshal(factorsRaw, &profile.RiskScore.Factors); err != nil {
			return nil, fmt.Errorf("unmarshal risk factors: %w", err)
		}
	}
	return &profile, nil
}

// SaveUserRiskScore persists a recomputed user-level score.
func (r *PostgresRepository) SaveUserRiskScore(ctx context.Context, userID uuid.UUID, score domain.RiskScore) error {
	factors, err := json.Marshal(score.Factors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}
	query := `
		UPDATE user_risk_profiles SET
			risk_score = $2, risk_level = $3, risk_factors = $4,
			risk_updated_at = $5, updated_at = NOW()
		WHERE user_id = $1`
	tag, err := r.db.Exec(ctx, query, userID, score.Score, score.Level, factors, score.LastUpdated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListLifecycleEvents returns the ordered event stream for one transaction.
func (r *PostgresRepository) ListLifecycleEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.LifecycleEvent, error) {
	query := `
		SELECT event_id, transaction_id, reference, from_status, to_status, occurred_at
		FROM lifecycle_events
		WHERE transaction_id = $1
		ORDER BY occurred_at ASC, event_id ASC`
	rows, err := r.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LifecycleEvent
	for rows.Next() {
		var ev domain.LifecycleEvent
		if err := rows.Scan(&ev.EventID, &ev.TransactionID, &ev.Reference, &ev.FromStatus, &ev.ToStatus, &ev.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx              domain.Transaction
		counterpartyRaw []byte
		metadataRaw     []byte
		factorsRaw      []byte
	)
	err := row.Scan(
		&tx.ID, &tx.Reference, &tx.ExternalReference, &tx.Type, &tx.Source, &tx.Status, &tx.UserID, &tx.WalletID,
		&counterpartyRaw, &tx.Amount, &tx.Fee, &tx.NetAmount, &tx.Currency, &tx.ToCurrency, &tx.ExchangeRate,
		&metadataRaw, &tx.ComplianceFlags.RiskScore, &tx.ComplianceFlags.RiskLevel, &factorsRaw,
		&tx.ComplianceFlags.IsSuspicious, &tx.ComplianceFlags.RequiresReview,
		&tx.ComplianceFlags.ReviewedBy, &tx.ComplianceFlags.ReviewedAt, &tx.ComplianceFlags.ReviewNotes,
		&tx.ReservationID, &tx.FailureReason,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt, &tx.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if len(counterpartyRaw) > 0 {
		tx.Counterparty = &domain.Counterparty{}
		if err := json.Unmarshal(counterpartyRaw, tx.Counterparty); err != nil {
			return nil, fmt.Errorf("unmarshal counterparty: %w", err)
		}
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(factorsRaw) > 0 {
		if err := json.Unmarshal(factorsRaw, &tx.ComplianceFlags.RiskFactors); err != nil {
			return nil, fmt.Errorf("unmarshal risk factors: %w", err)
		}
	}
	return &tx, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch typed := v.(type) {
	case *domain.Counterparty:
		if typed == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
