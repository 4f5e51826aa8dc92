/**
 * @description
 * This file contains the transaction lifecycle manager. The `Service` struct
 * exclusively owns status transitions: it stamps references, runs the risk
 * engine synchronously on creation, applies the resulting policy
 * (allow / hold / reject), drives the wallet ledger on the matching edges,
 * and emits a lifecycle event for every committed status change.
 *
 * Key invariants enforced here:
 * - A transition is applied through a conditional write that checks the
 *   expected prior status; a concurrent move surfaces as a conflict, never
 *   a silent overwrite.
 * - Completion is idempotent: completing an already-completed transaction
 *   is a no-op so at-least-once settlement callbacks are harmless.
 * - Ledger declines (insufficient funds) are a normal outcome routed to a
 *   failed terminal state, not a fault.
 * - Event delivery is fire-and-forget; a broker outage never rolls back a
 *   committed transition.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/domain"
	"github.com/flowpay/transaction-core/internal/ledger"
	"github.com/flowpay/transaction-core/internal/refgen"
	"github.com/flowpay/transaction-core/internal/risk"
	"github.com/flowpay/transaction-core/internal/store"
)

const (
	FailureReasonInsufficientFunds = "insufficient_funds"
	FailureReasonLedgerUnavailable = "ledger_unavailable"
	FailureReasonReviewRejected    = "review_rejected"
	FailureReasonReservationLost   = "reservation_attach_failed"
)

// Publisher is the broker surface the manager emits lifecycle events to.
type Publisher interface {
	PublishLifecycleEvent(ctx context.Context, event domain.LifecycleEvent) error
}

// VelocityRecorder feeds created transactions into the fast velocity
// counters the risk engine reads. Optional; nil skips recording.
type VelocityRecorder interface {
	Record(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
}

// Options holds the manager's tunables. Zero values fall back to defaults.
type Options struct {
	ReferenceAttempts int
	RiskEvalTimeout   time.Duration
	LedgerTimeout     time.Duration
	LedgerAttempts    int
}

func (o Options) withDefaults() Options {
	if o.ReferenceAttempts <= 0 {
		o.ReferenceAttempts = 5
	}
	if o.RiskEvalTimeout <= 0 {
		o.RiskEvalTimeout = 3 * time.Second
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = 5 * time.Second
	}
	if o.LedgerAttempts <= 0 {
		o.LedgerAttempts = 3
	}
	return o
}

// Service is the transaction lifecycle manager.
type Service struct {
	repo      store.Repository
	engine    *risk.Engine
	gateway   ledger.Gateway
	publisher Publisher
	refs      *refgen.Generator
	opts      Options
	velocity  VelocityRecorder

	locks keyedMutex
}

// NewService creates a new lifecycle manager instance.
func NewService(repo store.Repository, engine *risk.Engine, gateway ledger.Gateway, publisher Publisher, refs *refgen.Generator, opts Options) *Service {
	return &Service{
		repo:      repo,
		engine:    engine,
		gateway:   gateway,
		publisher: publisher,
		refs:      refs,
		opts:      opts.withDefaults(),
	}
}

// SetVelocityRecorder attaches the fast velocity counters. Call before the
// service starts taking requests.
func (s *Service) SetVelocityRecorder(recorder VelocityRecorder) {
	s.velocity = recorder
}

// CreateTransactionRequest is the input to CreateTransaction.
type CreateTransactionRequest struct {
	UserID            uuid.UUID                `json:"user_id"`
	WalletID          *uuid.UUID               `json:"wallet_id,omitempty"`
	Type              domain.TransactionType   `json:"type"`
	Source            domain.TransactionSource `json:"source"`
	Amount            decimal.Decimal          `json:"amount"`
	Fee               decimal.Decimal          `json:"fee"`
	Currency          string                   `json:"currency"`
	ToCurrency        *string                  `json:"to_currency,omitempty"`
	ExchangeRate      *decimal.Decimal         `json:"exchange_rate,omitempty"`
	ExternalReference *string                  `json:"external_reference,omitempty"`
	Counterparty      *domain.Counterparty     `json:"counterparty,omitempty"`
	Metadata          domain.Metadata          `json:"metadata"`
}

// TransitionContext carries per-transition input for TransitionTransaction.
type TransitionContext struct {
	FailureReason string `json:"failure_reason,omitempty"`
}

// CreateTransaction validates the request, stamps a unique reference,
// persists the transaction in pending state, and runs the first risk
// evaluation synchronously. The returned transaction is always past its
// first evaluation: either moved on to processing (with a ledger
// reservation for debit legs), placed on hold for review, or already failed
// on a ledger decline.
func (s *Service) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*domain.Transaction, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	profile, err := s.repo.GetUserRiskProfile(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, validationErr("user_id", "unknown user")
		}
		return nil, fmt.Errorf("load risk profile: %w", err)
	}
	if !profile.Status.CanTransact() {
		return nil, validationErr("user_id", fmt.Sprintf("user status %s cannot originate transactions", profile.Status))
	}

	// Provider-side idempotency: a retried upstream request with the same
	// external reference returns the already-recorded transaction.
	if req.ExternalReference != nil {
		existing, err := s.repo.FindTransactionByExternalReference(ctx, *req.ExternalReference)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, fmt.Errorf("external reference lookup: %w", err)
		}
	}

	tx := &domain.Transaction{
		ID:                uuid.New(),
		ExternalReference: req.ExternalReference,
		Type:              req.Type,
		Source:            req.Source,
		Status:            domain.StatusPending,
		UserID:            req.UserID,
		WalletID:          req.WalletID,
		Counterparty:      req.Counterparty,
		Amount:            req.Amount,
		Fee:               req.Fee,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
		ToCurrency:        req.ToCurrency,
		ExchangeRate:      req.ExchangeRate,
		Metadata:          req.Metadata,
	}
	tx.Recalculate()

	if err := s.persistWithFreshReference(ctx, tx); err != nil {
		// A concurrent retry of the same upstream request can win the
		// insert between the idempotency lookup and ours; return the row
		// that landed instead of reporting a failure.
		if errors.Is(err, store.ErrDuplicateExternalReference) && req.ExternalReference != nil {
			existing, findErr := s.repo.FindTransactionByExternalReference(ctx, *req.ExternalReference)
			if findErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	assessment := s.evaluate(ctx, tx, profile)
	tx.ComplianceFlags.RiskScore = assessment.Score
	tx.ComplianceFlags.RiskLevel = assessment.Level
	tx.ComplianceFlags.RiskFactors = assessment.Factors
	tx.ComplianceFlags.IsSuspicious = assessment.IsSuspicious
	tx.ComplianceFlags.RequiresReview = assessment.RequiresReview
	if err := s.repo.UpdateComplianceFlags(ctx, tx.ID, tx.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("persist compliance flags: %w", err)
	}

	// Recorded after evaluation: the engine projects the in-flight amount
	// onto the windows itself, so counting it beforehand would double it.
	if s.velocity != nil {
		if err := s.velocity.Record(ctx, tx.UserID, tx.Amount); err != nil {
			log.Printf("level=warn component=lifecycle msg=\"velocity record failed\" user_id=%s err=%v", tx.UserID, err)
		}
	}

	if assessment.Level == domain.RiskLevelHigh || assessment.Level == domain.RiskLevelCritical {
		if err := s.UpdateUserRiskScore(ctx, tx.UserID, assessment.Score, assessment.Factors); err != nil {
			log.Printf("level=warn component=lifecycle msg=\"user risk score update failed\" user_id=%s err=%v", tx.UserID, err)
		}
	}

	if assessment.RequiresReview {
		return s.applyTransition(ctx, tx.ID, domain.StatusPending, domain.StatusOnHold, store.StatusTransitionParams{})
	}
	return s.advanceToProcessing(ctx, tx.ID, domain.StatusPending)
}

// GetTransaction returns one transaction by id.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// FindByReference returns one transaction by its generated reference.
func (s *Service) FindByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return s.repo.FindTransactionByReference(ctx, reference)
}

// FindByExternalReference returns the transaction recorded under a
// provider-side reference.
func (s *Service) FindByExternalReference(ctx context.Context, externalRef string) (*domain.Transaction, error) {
	return s.repo.FindTransactionByExternalReference(ctx, externalRef)
}

// ListLifecycleEvents returns the ordered event stream for one transaction.
func (s *Service) ListLifecycleEvents(ctx context.Context, id uuid.UUID) ([]domain.LifecycleEvent, error) {
	return s.repo.ListLifecycleEvents(ctx, id)
}

// TransitionTransaction drives one explicit lifecycle edge. Illegal edges
// return ErrInvalidTransition and leave the transaction unchanged.
// Completing an already-completed transaction is an idempotent no-op.
func (s *Service) TransitionTransaction(ctx context.Context, id uuid.UUID, target domain.TransactionStatus, tc TransitionContext) (*domain.Transaction, error) {
	if !domain.ValidStatus(target) {
		return nil, validationErr("status", fmt.Sprintf("unknown status %q", target))
	}

	unlock := s.locks.lock(id)
	defer unlock()

	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if target == domain.StatusCompleted && tx.Status == domain.StatusCompleted {
		return tx, nil
	}
	if !domain.CanTransition(tx.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, target)
	}

	switch target {
	case domain.StatusProcessing:
		return s.advanceToProcessingLocked(ctx, tx)
	case domain.StatusCompleted:
		return s.completeLocked(ctx, tx)
	case domain.StatusFailed:
		if strings.TrimSpace(tc.FailureReason) == "" {
			return nil, validationErr("failure_reason", "entering failed requires a non-empty reason")
		}
		return s.failLocked(ctx, tx, tc.FailureReason)
	case domain.StatusCancelled:
		return s.applyTransition(ctx, tx.ID, tx.Status, domain.StatusCancelled, store.StatusTransitionParams{})
	case domain.StatusReversed:
		return s.reverseLocked(ctx, tx)
	case domain.StatusOnHold:
		return s.applyTransition(ctx, tx.ID, tx.Status, domain.StatusOnHold, store.StatusTransitionParams{})
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, target)
	}
}

// ResolveReview resolves a manual compliance hold. Exactly one resolver
// wins; a racing or late resolution receives ErrReviewAlreadyResolved.
func (s *Service) ResolveReview(ctx context.Context, id uuid.UUID, reviewer string, approve bool, notes string) (*domain.Transaction, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, validationErr("reviewer", "reviewer is required")
	}

	unlock := s.locks.lock(id)
	defer unlock()

	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusOnHold {
		return nil, ErrReviewAlreadyResolved
	}

	review := &store.ReviewResolution{Reviewer: reviewer}
	if strings.TrimSpace(notes) != "" {
		review.Notes = &notes
	}

	if !approve {
		updated, err := s.applyTransition(ctx, tx.ID, domain.StatusOnHold, domain.StatusCancelled, store.StatusTransitionParams{
			FailureReason: strptr(FailureReasonReviewRejected),
			Review:        review,
		})
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, ErrReviewAlreadyResolved
		}
		return updated, err
	}

	updated, err := s.applyTransition(ctx, tx.ID, domain.StatusOnHold, domain.StatusProcessing, store.StatusTransitionParams{Review: review})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, ErrReviewAlreadyResolved
	}
	if err != nil {
		return nil, err
	}
	return s.reserveFundsLocked(ctx, updated)
}

// EvaluateUser recomputes the user-level risk score from the user's
// trailing activity and persists it. Exposed for periodic re-scoring by an
// external scheduler and invoked inline after high/critical evaluations.
func (s *Service) EvaluateUser(ctx context.Context, userID uuid.UUID) (*domain.UserRiskProfile, error) {
	profile, err := s.repo.GetUserRiskProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	count24h, sum24h, err := s.repo.VelocityWindow(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("24h velocity window: %w", err)
	}
	_, sum30d, err := s.repo.VelocityWindow(ctx, userID, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("30d velocity window: %w", err)
	}

	score, factors := userScore(profile, count24h, sum24h, sum30d)
	return profile, s.saveUserScore(ctx, profile, score, factors, now)
}

// UpdateUserRiskScore recomputes the user's risk banding from a fresh
// score, using the same thresholds as transaction-level scores.
func (s *Service) UpdateUserRiskScore(ctx context.Context, userID uuid.UUID, score int, factors []string) error {
	profile, err := s.repo.GetUserRiskProfile(ctx, userID)
	if err != nil {
		return err
	}
	return s.saveUserScore(ctx, profile, score, factors, time.Now().UTC())
}

func (s *Service) saveUserScore(ctx context.Context, profile *domain.UserRiskProfile, score int, factors []string, now time.Time) error {
	profile.ApplyScore(score, factors, now)
	if err := s.repo.SaveUserRiskScore(ctx, profile.UserID, profile.RiskScore); err != nil {
		return fmt.Errorf("save user risk score: %w", err)
	}
	return nil
}

// ----------------- transition internals -----------------

func (s *Service) advanceToProcessing(ctx context.Context, id uuid.UUID, from domain.TransactionStatus) (*domain.Transaction, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	updated, err := s.applyTransition(ctx, id, from, domain.StatusProcessing, store.StatusTransitionParams{})
	if err != nil {
		return nil, err
	}
	return s.reserveFundsLocked(ctx, updated)
}

func (s *Service) advanceToProcessingLocked(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	updated, err := s.applyTransition(ctx, tx.ID, tx.Status, domain.StatusProcessing, store.StatusTransitionParams{})
	if err != nil {
		return nil, err
	}
	return s.reserveFundsLocked(ctx, updated)
}

// reserveFundsLocked places the ledger hold for debit-type transactions
// that just entered processing. An insufficient-funds decline is a normal
// outcome: the transaction is routed to failed with no reservation held.
func (s *Service) reserveFundsLocked(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if !tx.RequiresReservation() {
		return tx, nil
	}

	var reservationID uuid.UUID
	err := s.callLedger(ctx, func(callCtx context.Context) error {
		var reserveErr error
		reservationID, reserveErr = s.gateway.Reserve(callCtx, *tx.WalletID, tx.Amount, tx.Currency)
		return reserveErr
	})
	if err != nil {
		reason := FailureReasonLedgerUnavailable
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			reason = FailureReasonInsufficientFunds
		}
		return s.applyTransition(ctx, tx.ID, domain.StatusProcessing, domain.StatusFailed, store.StatusTransitionParams{
			FailureReason: strptr(reason),
		})
	}

	if err := s.repo.AttachReservation(ctx, tx.ID, reservationID); err != nil {
		// The hold exists but could not be recorded; release it so the
		// wallet is not left encumbered by an orphaned reservation, and
		// fail the transaction so an unbacked debit can never settle.
		releaseCtx, cancel := context.WithTimeout(context.Background(), s.opts.LedgerTimeout)
		defer cancel()
		if relErr := s.gateway.Release(releaseCtx, reservationID); relErr != nil {
			log.Printf("level=error component=lifecycle msg=\"orphaned reservation release failed\" transaction_id=%s reservation_id=%s err=%v", tx.ID, reservationID, relErr)
		}
		log.Printf("level=error component=lifecycle msg=\"reservation attach failed\" transaction_id=%s reservation_id=%s err=%v", tx.ID, reservationID, err)
		return s.applyTransition(ctx, tx.ID, domain.StatusProcessing, domain.StatusFailed, store.StatusTransitionParams{
			FailureReason: strptr(FailureReasonReservationLost),
		})
	}
	tx.ReservationID = &reservationID
	return tx, nil
}

// completeLocked settles the ledger leg first and only then commits the
// completed status: if the ledger call fails, the status change is not
// applied and the settlement callback can retry.
func (s *Service) completeLocked(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.RequiresReservation() && tx.ReservationID == nil {
		// A debit without a recorded reservation must never settle: there
		// is no ledger hold to commit, so completing it would move money
		// that was never encumbered.
		return nil, fmt.Errorf("complete transaction %s: debit holds no ledger reservation", tx.ID)
	}

	switch {
	case tx.RequiresReservation() && tx.ReservationID != nil:
		if err := s.callLedger(ctx, func(callCtx context.Context) error {
			return s.gateway.Commit(callCtx, *tx.ReservationID)
		}); err != nil {
			return nil, fmt.Errorf("commit reservation: %w", err)
		}
	case tx.Type == domain.TypeDeposit && tx.WalletID != nil:
		if err := s.callLedger(ctx, func(callCtx context.Context) error {
			return s.gateway.ApplyCredit(callCtx, *tx.WalletID, tx.NetAmount, tx.Currency)
		}); err != nil {
			return nil, fmt.Errorf("apply deposit credit: %w", err)
		}
	}

	updated, err := s.applyTransition(ctx, tx.ID, domain.StatusProcessing, domain.StatusCompleted, store.StatusTransitionParams{})
	if errors.Is(err, store.ErrStatusConflict) {
		// At-least-once settlement delivery: if another delivery already
		// completed the transaction, report that result unchanged.
		current, findErr := s.repo.FindTransactionByID(ctx, tx.ID)
		if findErr == nil && current.Status == domain.StatusCompleted {
			return current, nil
		}
		return nil, err
	}
	return updated, err
}

func (s *Service) failLocked(ctx context.Context, tx *domain.Transaction, reason string) (*domain.Transaction, error) {
	params := store.StatusTransitionParams{FailureReason: &reason}
	if tx.ReservationID != nil {
		if err := s.callLedger(ctx, func(callCtx context.Context) error {
			return s.gateway.Release(callCtx, *tx.ReservationID)
		}); err != nil {
			return nil, fmt.Errorf("release reservation: %w", err)
		}
		params.ClearReservation = true
	}
	return s.applyTransition(ctx, tx.ID, tx.Status, domain.StatusFailed, params)
}

func (s *Service) reverseLocked(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if err := s.callLedger(ctx, func(callCtx context.Context) error {
		return s.gateway.ApplyReversal(callCtx, tx.ID, tx.Amount, tx.Currency)
	}); err != nil {
		return nil, fmt.Errorf("apply reversal: %w", err)
	}
	return s.applyTransition(ctx, tx.ID, domain.StatusCompleted, domain.StatusReversed, store.StatusTransitionParams{})
}

// applyTransition validates the edge, performs the conditional write, and
// emits the lifecycle event. It is the single funnel every status change
// goes through.
func (s *Service) applyTransition(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus, params store.StatusTransitionParams) (*domain.Transaction, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	params.TransactionID = id
	params.FromStatus = from
	params.ToStatus = to

	updated, err := s.repo.ApplyStatusTransition(ctx, params)
	if err != nil {
		return nil, err
	}

	s.emit(domain.LifecycleEvent{
		EventID:       uuid.New(),
		TransactionID: updated.ID,
		Reference:     updated.Reference,
		FromStatus:    from,
		ToStatus:      to,
		OccurredAt:    updated.UpdatedAt,
	})
	return updated, nil
}

// emit publishes a lifecycle event. Delivery failures never roll back the
// committed transition; consumers de-duplicate on (transaction id, status).
func (s *Service) emit(event domain.LifecycleEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.PublishLifecycleEvent(ctx, event); err != nil {
		log.Printf("level=warn component=lifecycle msg=\"event publish failed\" transaction_id=%s to_status=%s err=%v", event.TransactionID, event.ToStatus, err)
	}
}

// evaluate runs the risk engine under its timeout. A timeout or
// cancellation fails safe toward manual review instead of silently letting
// the transaction through.
func (s *Service) evaluate(ctx context.Context, tx *domain.Transaction, profile *domain.UserRiskProfile) risk.Assessment {
	evalCtx, cancel := context.WithTimeout(ctx, s.opts.RiskEvalTimeout)
	defer cancel()

	assessment, err := s.engine.Evaluate(evalCtx, tx, profile)
	if err != nil {
		log.Printf("level=warn component=lifecycle msg=\"risk evaluation timed out; holding for review\" transaction_id=%s err=%v", tx.ID, err)
		return risk.Assessment{
			Score:          tx.ComplianceFlags.RiskScore,
			Level:          domain.LevelForScore(tx.ComplianceFlags.RiskScore),
			Factors:        []string{"risk_evaluation_timeout"},
			RequiresReview: true,
		}
	}
	return assessment
}

func (s *Service) persistWithFreshReference(ctx context.Context, tx *domain.Transaction) error {
	for attempt := 0; attempt < s.opts.ReferenceAttempts; attempt++ {
		tx.Reference = s.refs.Generate()
		err := s.repo.CreateTransaction(ctx, tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateReference) {
			return fmt.Errorf("persist transaction: %w", err)
		}
	}
	return ErrReferenceExhausted
}

// callLedger bounds every gateway call with a timeout and retries transient
// failures. An insufficient-funds decline is final and never retried.
func (s *Service) callLedger(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.opts.LedgerAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.LedgerTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("ledger call failed after %d attempts: %w", s.opts.LedgerAttempts, lastErr)
}

func validateCreateRequest(req CreateTransactionRequest) error {
	if req.UserID == uuid.Nil {
		return validationErr("user_id", "user id is required")
	}
	if !req.Amount.IsPositive() {
		return validationErr("amount", "amount must be greater than zero")
	}
	if req.Fee.IsNegative() {
		return validationErr("fee", "fee cannot be negative")
	}
	if req.Fee.GreaterThan(req.Amount) {
		return validationErr("fee", "fee cannot exceed amount")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return validationErr("currency", "currency is required")
	}
	switch req.Type {
	case domain.TypeWithdrawal, domain.TypeTransfer, domain.TypeSwap, domain.TypeBridge:
		// Debit legs need a source wallet to reserve against.
		if req.WalletID == nil {
			return validationErr("wallet_id", fmt.Sprintf("%s requires a source wallet", req.Type))
		}
	case domain.TypeDeposit:
	case domain.TypeConversion:
		if req.ToCurrency == nil || strings.TrimSpace(*req.ToCurrency) == "" {
			return validationErr("to_currency", "conversion requires a target currency")
		}
		if req.ExchangeRate == nil || !req.ExchangeRate.IsPositive() {
			return validationErr("exchange_rate", "conversion requires a positive exchange rate")
		}
	default:
		return validationErr("type", fmt.Sprintf("unknown transaction type %q", req.Type))
	}
	switch req.Source {
	case domain.SourceBankTransfer, domain.SourceCard, domain.SourceCrypto, domain.SourceMobileMoney, domain.SourceInternal:
	default:
		return validationErr("source", fmt.Sprintf("unknown transaction source %q", req.Source))
	}
	return nil
}

func strptr(s string) *string { return &s }

// keyedMutex serializes in-process work per transaction id. The database's
// conditional status write remains the cross-process guarantee; this only
// keeps one process from racing itself into conflict errors.
type keyedMutex struct {
	mu sync.Map
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	v, _ := k.mu.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// userScore derives a user-level score from trailing activity against the
// user's configured ceilings. Zero-valued limits are skipped.
func userScore(profile *domain.UserRiskProfile, count24h int, sum24h, sum30d decimal.Decimal) (int, []string) {
	score := 0
	var factors []string

	daily := profile.Limits.DailyWithdrawal
	if daily.IsPositive() {
		ratio, _ := sum24h.Div(daily).Float64()
		if ratio > 1 {
			ratio = 1
		}
		score += int(ratio * 40)
		if ratio >= 0.8 {
			factors = append(factors, "daily_utilization")
		}
	}

	monthly := profile.Limits.MonthlyWithdrawal
	if monthly.IsPositive() {
		ratio, _ := sum30d.Div(monthly).Float64()
		if ratio > 1 {
			ratio = 1
		}
		score += int(ratio * 30)
		if ratio >= 0.8 {
			factors = append(factors, "monthly_utilization")
		}
	}

	switch {
	case count24h >= 20:
		score += 15
		factors = append(factors, "velocity_24h_high")
	case count24h >= 10:
		score += 8
		factors = append(factors, "velocity_24h_elevated")
	}

	return score, factors
}
