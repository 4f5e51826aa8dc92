/**
 * @description
 * This package defines the contract the lifecycle core consumes from the
 * wallet ledger. The ledger owns reservation lifecycle and wallet balance
 * mutation exclusively; the core only calls reserve/commit/release exactly
 * once per matching lifecycle edge and treats an insufficient-funds decline
 * as a normal outcome, not a fault.
 *
 * The concrete implementation lives with the wallet service; the core never
 * implements balance storage.
 */

package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned by Reserve when the wallet cannot cover
// the requested hold. The lifecycle manager routes it to a failed terminal
// state rather than surfacing it as a fault.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Gateway is the wallet ledger contract consumed by the lifecycle manager.
//
// Commit and Release are idempotent: re-invoking either with the same
// reservation id is a no-op. Implementations must serialize balance
// mutation per wallet; the core guarantees it never issues concurrent
// calls for the same transaction.
type Gateway interface {
	// Reserve places a hold on wallet funds pending settlement. One
	// reservation maps to at most one transaction.
	Reserve(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, currency string) (uuid.UUID, error)

	// Commit moves held funds to settled.
	Commit(ctx context.Context, reservationID uuid.UUID) error

	// Release returns held funds to the wallet.
	Release(ctx context.Context, reservationID uuid.UUID) error

	// ApplyCredit credits a wallet directly, used by deposit-type
	// transactions which skip the reservation phase.
	ApplyCredit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, currency string) error

	// ApplyReversal books the compensating entry for a completed
	// transaction that a post-completion compliance action reversed.
	ApplyReversal(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, currency string) error
}
