/**
 * @description
 * This file defines the `Repository` interface, the persistence contract the
 * lifecycle core depends on. The core only requires that persisted state
 * durably and atomically reflects committed transitions; everything else
 * (schema, indexing, migrations) belongs to the database layer.
 *
 * The one non-negotiable behavior is the conditional status write:
 * ApplyStatusTransition must atomically compare the expected prior status
 * and fail visibly with ErrStatusConflict, never silently overwrite, when
 * the row has moved underneath the caller.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/domain"
)

var (
	ErrTransactionNotFound        = errors.New("transaction not found")
	ErrUserNotFound               = errors.New("user risk profile not found")
	ErrDuplicateReference         = errors.New("duplicate transaction reference")
	ErrDuplicateExternalReference = errors.New("duplicate external reference")
	ErrStatusConflict             = errors.New("transaction status changed concurrently")
)

// StatusTransitionParams describes one guarded status write. FromStatus is
// the status the row must still hold for the write to apply.
type StatusTransitionParams struct {
	TransactionID uuid.UUID
	FromStatus    domain.TransactionStatus
	ToStatus      domain.TransactionStatus

	// FailureReason must be set when ToStatus is failed; it also records
	// the rejection reason when a review cancels the transaction.
	FailureReason *string

	// ReservationID attaches a ledger reservation when entering
	// processing; ClearReservation detaches it on release.
	ReservationID    *uuid.UUID
	ClearReservation bool

	// Review carries the manual-review audit trail when the transition
	// resolves a hold. Written in the same atomic statement as the
	// status change so a concurrent resolver cannot half-apply.
	Review *ReviewResolution
}

// ReviewResolution is the audit trail stamped when a hold is resolved.
type ReviewResolution struct {
	Reviewer string
	Notes    *string
}

// Repository is the persistence contract of the lifecycle core.
type Repository interface {
	// CreateTransaction persists a new transaction. A reference collision
	// surfaces as ErrDuplicateReference so the caller can regenerate; a
	// colliding external reference surfaces as
	// ErrDuplicateExternalReference so the caller can return the
	// already-persisted row instead of retrying.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error

	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionByExternalReference(ctx context.Context, externalRef string) (*domain.Transaction, error)

	// ApplyStatusTransition performs the guarded status write, stamps
	// completed_at/failed_at on the corresponding terminal edges, and
	// appends the lifecycle event record in the same database
	// transaction. Returns ErrStatusConflict when the row no longer holds
	// FromStatus, ErrTransactionNotFound when the id is unknown.
	ApplyStatusTransition(ctx context.Context, params StatusTransitionParams) (*domain.Transaction, error)

	// UpdateComplianceFlags writes the risk engine's verdict onto the
	// transaction without touching status.
	UpdateComplianceFlags(ctx context.Context, id uuid.UUID, flags domain.ComplianceFlags) error

	// AttachReservation records the ledger reservation held for a
	// transaction that just entered processing.
	AttachReservation(ctx context.Context, id uuid.UUID, reservationID uuid.UUID) error

	// VelocityWindow aggregates count and amount of the user's
	// transactions created at or after `since`, in a single consistent
	// read. Cancelled and failed transactions still count: velocity
	// measures attempts, not settled value.
	VelocityWindow(ctx context.Context, userID uuid.UUID, since time.Time) (count int, sum decimal.Decimal, err error)

	GetUserRiskProfile(ctx context.Context, userID uuid.UUID) (*domain.UserRiskProfile, error)

	// SaveUserRiskScore persists a recomputed user score. Level is stored
	// as handed in; the caller derives it via domain.LevelForScore.
	SaveUserRiskScore(ctx context.Context, userID uuid.UUID, score domain.RiskScore) error

	// ListLifecycleEvents returns the ordered event stream for one
	// transaction, oldest first.
	ListLifecycleEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.LifecycleEvent, error)
}
