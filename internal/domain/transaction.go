/**
 * @description
 * This file defines the core domain models for the transaction lifecycle core.
 * The `Transaction` struct is the central ledger record for any money movement,
 * and this file also owns the status state machine table that governs how a
 * transaction may move from creation to a terminal outcome.
 *
 * @notes
 * - Amounts are `decimal.Decimal` values normalized to 8 fractional digits,
 *   which keeps fiat and crypto legs on the same fixed-point representation
 *   and avoids floating-point inaccuracies with financial data.
 * - The transition table is pure data. The lifecycle manager in internal/app
 *   is the only component that applies transitions; everything else may only
 *   ask whether a transition is legal.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountPrecision is the fixed-point scale used for every monetary field.
const AmountPrecision = 8

// TransactionType classifies the kind of value movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
	TypeSwap       TransactionType = "swap"
	TypeBridge     TransactionType = "bridge"
	TypeConversion TransactionType = "conversion"
)

// TransactionSource identifies the channel the funds move through.
type TransactionSource string

const (
	SourceBankTransfer TransactionSource = "bank_transfer"
	SourceCard         TransactionSource = "card"
	SourceCrypto       TransactionSource = "crypto"
	SourceMobileMoney  TransactionSource = "mobile_money"
	SourceInternal     TransactionSource = "internal"
)

// TransactionStatus is one point in the lifecycle state machine.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusOnHold     TransactionStatus = "on_hold"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusReversed   TransactionStatus = "reversed"
)

// legalTransitions is the full set of edges the lifecycle manager may apply.
// Any (from, to) pair not present here is an invalid transition.
var legalTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusOnHold, StatusCancelled},
	StatusOnHold:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusReversed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is a terminal settlement outcome.
// completed may still be reversed by a compliance action, but settlement
// callbacks treat it as final.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

// ValidStatus reports whether the string names a known lifecycle status.
func ValidStatus(s TransactionStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusOnHold, StatusCompleted, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

// ComplianceFlags is the risk engine's verdict attached to a transaction,
// plus the manual-review audit trail once a hold has been resolved.
type ComplianceFlags struct {
	RiskScore      int        `json:"risk_score"`
	RiskLevel      RiskLevel  `json:"risk_level"`
	RiskFactors    []string   `json:"risk_factors,omitempty"`
	IsSuspicious   bool       `json:"is_suspicious"`
	RequiresReview bool       `json:"requires_review"`
	ReviewedBy     *string    `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes    *string    `json:"review_notes,omitempty"`
}

// Metadata carries free-form contextual data captured at creation time:
// client IP, device, geolocation, blockchain proof fields and any payload
// the upstream provider attached. The compliance check block is filled by
// the external AML/sanctions collaborator before the core is invoked.
type Metadata struct {
	IPAddress       string            `json:"ip_address,omitempty"`
	DeviceID        string            `json:"device_id,omitempty"`
	GeoCountry      string            `json:"geo_country,omitempty"`
	BlockchainTxID  string            `json:"blockchain_tx_id,omitempty"`
	ProviderPayload map[string]string `json:"provider_payload,omitempty"`
	ComplianceCheck *ComplianceCheck  `json:"compliance_check,omitempty"`
}

// ComplianceCheck is the externally supplied AML/sanctions signal.
type ComplianceCheck struct {
	SanctionsHit bool    `json:"sanctions_hit"`
	AMLScore     float64 `json:"aml_score"`
	Provider     string  `json:"provider,omitempty"`
}

// Counterparty holds the destination addressing for a transaction. Which
// fields are set depends on the source channel: wallet addresses for crypto,
// bank fields for bank transfers.
type Counterparty struct {
	FromAddress   string `json:"from_address,omitempty"`
	ToAddress     string `json:"to_address,omitempty"`
	BankAccount   string `json:"bank_account,omitempty"`
	RoutingNumber string `json:"routing_number,omitempty"`
	SwiftCode     string `json:"swift_code,omitempty"`
}

// Transaction is the central record of a value movement. Reference is unique
// and immutable after creation; NetAmount is always recomputed as
// amount - fee whenever either changes.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	Reference         string            `json:"reference"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	Type              TransactionType   `json:"type"`
	Source            TransactionSource `json:"source"`
	Status            TransactionStatus `json:"status"`
	UserID            uuid.UUID         `json:"user_id"`
	WalletID          *uuid.UUID        `json:"wallet_id,omitempty"`
	Counterparty      *Counterparty     `json:"counterparty,omitempty"`
	Amount            decimal.Decimal   `json:"amount"`
	Fee               decimal.Decimal   `json:"fee"`
	NetAmount         decimal.Decimal   `json:"net_amount"`
	Currency          string            `json:"currency"`
	ToCurrency        *string           `json:"to_currency,omitempty"`
	ExchangeRate      *decimal.Decimal  `json:"exchange_rate,omitempty"`
	Metadata          Metadata          `json:"metadata"`
	ComplianceFlags   ComplianceFlags   `json:"compliance_flags"`
	ReservationID     *uuid.UUID        `json:"reservation_id,omitempty"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
}

// Recalculate normalizes the monetary fields to the fixed scale and derives
// NetAmount. Call it after any change to Amount or Fee, and before persisting.
func (t *Transaction) Recalculate() {
	t.Amount = t.Amount.Round(AmountPrecision)
	t.Fee = t.Fee.Round(AmountPrecision)
	t.NetAmount = t.Amount.Sub(t.Fee)
}

// RequiresReservation reports whether the transaction carries a debit leg
// against the wallet ledger: funds must be reserved when it enters
// processing and committed or released on the matching terminal edge.
// Conversions are a same-wallet exchange and carry no hold; deposits credit
// directly on completion.
func (t *Transaction) RequiresReservation() bool {
	switch t.Type {
	case TypeWithdrawal, TypeTransfer, TypeSwap, TypeBridge:
		return true
	}
	return false
}
