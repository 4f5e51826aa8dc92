package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/domain"
	"github.com/flowpay/transaction-core/internal/ledger"
	"github.com/flowpay/transaction-core/internal/refgen"
	"github.com/flowpay/transaction-core/internal/risk"
	"github.com/flowpay/transaction-core/internal/store"
)

// memRepo is an in-memory Repository with the same guarded-write semantics
// as the Postgres implementation, so the lifecycle tests exercise the real
// conflict paths.
type memRepo struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]*domain.Transaction
	profiles     map[uuid.UUID]*domain.UserRiskProfile
	events       map[uuid.UUID][]domain.LifecycleEvent
	scores       map[uuid.UUID]domain.RiskScore

	createErr   error
	createCalls int

	attachErrOnce error
	hideExtRef    bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		transactions: make(map[uuid.UUID]*domain.Transaction),
		profiles:     make(map[uuid.UUID]*domain.UserRiskProfile),
		events:       make(map[uuid.UUID][]domain.LifecycleEvent),
		scores:       make(map[uuid.UUID]domain.RiskScore),
	}
}

func (r *memRepo) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.transactions {
		if existing.Reference == tx.Reference {
			return store.ErrDuplicateReference
		}
		if tx.ExternalReference != nil && existing.ExternalReference != nil && *existing.ExternalReference == *tx.ExternalReference {
			return store.ErrDuplicateExternalReference
		}
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	clone := *tx
	r.transactions[tx.ID] = &clone
	return nil
}

func (r *memRepo) FindTransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	clone := *tx
	return &clone, nil
}

func (r *memRepo) FindTransactionByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.transactions {
		if tx.Reference == reference {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) FindTransactionByExternalReference(_ context.Context, externalRef string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hideExtRef {
		// Simulates a concurrent writer landing the row between the
		// idempotency lookup and the insert.
		r.hideExtRef = false
		return nil, store.ErrTransactionNotFound
	}
	for _, tx := range r.transactions {
		if tx.ExternalReference != nil && *tx.ExternalReference == externalRef {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) ApplyStatusTransition(_ context.Context, params store.StatusTransitionParams) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[params.TransactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if tx.Status != params.FromStatus {
		return nil, store.ErrStatusConflict
	}
	now := time.Now().UTC()
	tx.Status = params.ToStatus
	tx.UpdatedAt = now
	if params.FailureReason != nil {
		tx.FailureReason = params.FailureReason
	}
	if params.ReservationID != nil {
		tx.ReservationID = params.ReservationID
	}
	if params.ClearReservation {
		tx.ReservationID = nil
	}
	if params.Review != nil {
		tx.ComplianceFlags.ReviewedBy = &params.Review.Reviewer
		tx.ComplianceFlags.ReviewedAt = &now
		tx.ComplianceFlags.ReviewNotes = params.Review.Notes
	}
	switch params.ToStatus {
	case domain.StatusCompleted:
		tx.CompletedAt = &now
	case domain.StatusFailed:
		tx.FailedAt = &now
	}
	r.events[tx.ID] = append(r.events[tx.ID], domain.LifecycleEvent{
		EventID:       uuid.New(),
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		FromStatus:    params.FromStatus,
		ToStatus:      params.ToStatus,
		OccurredAt:    now,
	})
	clone := *tx
	return &clone, nil
}

func (r *memRepo) UpdateComplianceFlags(_ context.Context, id uuid.UUID, flags domain.ComplianceFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[id]
	if !ok {
		return store.ErrTransactionNotFound
	}
	tx.ComplianceFlags = flags
	return nil
}

func (r *memRepo) AttachReservation(_ context.Context, id uuid.UUID, reservationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErrOnce != nil {
		err := r.attachErrOnce
		r.attachErrOnce = nil
		return err
	}
	tx, ok := r.transactions[id]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if tx.Status != domain.StatusProcessing {
		return store.ErrStatusConflict
	}
	tx.ReservationID = &reservationID
	return nil
}

func (r *memRepo) VelocityWindow(_ context.Context, userID uuid.UUID, since time.Time) (int, decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	sum := decimal.Zero
	for _, tx := range r.transactions {
		if tx.UserID == userID && !tx.CreatedAt.Before(since) {
			count++
			sum = sum.Add(tx.Amount)
		}
	}
	return count, sum, nil
}

func (r *memRepo) GetUserRiskProfile(_ context.Context, userID uuid.UUID) (*domain.UserRiskProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.profiles[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	clone := *profile
	return &clone, nil
}

func (r *memRepo) SaveUserRiskScore(_ context.Context, userID uuid.UUID, score domain.RiskScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[userID]; !ok {
		return store.ErrUserNotFound
	}
	r.scores[userID] = score
	r.profiles[userID].RiskScore = score
	return nil
}

func (r *memRepo) ListLifecycleEvents(_ context.Context, transactionID uuid.UUID) ([]domain.LifecycleEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), r.events[transactionID]...), nil
}

// ledgerStub records gateway calls and plays back configured outcomes.
type ledgerStub struct {
	mu         sync.Mutex
	reserveErr error
	commitErr  error

	reserves  int
	commits   int
	releases  int
	credits   int
	reversals int

	lastReservation uuid.UUID
	lastCreditAmt   decimal.Decimal
}

func (l *ledgerStub) Reserve(_ context.Context, _ uuid.UUID, _ decimal.Decimal, _ string) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserves++
	if l.reserveErr != nil {
		return uuid.Nil, l.reserveErr
	}
	l.lastReservation = uuid.New()
	return l.lastReservation, nil
}

func (l *ledgerStub) Commit(_ context.Context, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits++
	return l.commitErr
}

func (l *ledgerStub) Release(_ context.Context, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *ledgerStub) ApplyCredit(_ context.Context, _ uuid.UUID, amount decimal.Decimal, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits++
	l.lastCreditAmt = amount
	return nil
}

func (l *ledgerStub) ApplyReversal(_ context.Context, _ uuid.UUID, _ decimal.Decimal, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversals++
	return nil
}

type publisherStub struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *publisherStub) PublishLifecycleEvent(_ context.Context, event domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *publisherStub) published() []domain.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), p.events...)
}

type fixture struct {
	service   *Service
	repo      *memRepo
	gateway   *ledgerStub
	publisher *publisherStub
	userID    uuid.UUID
	walletID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	gateway := &ledgerStub{}
	publisher := &publisherStub{}

	engine := risk.NewEngine(nil, risk.Config{
		SuspiciousThreshold: 60,
		ReviewCeiling:       decimal.NewFromInt(10000),
	})
	engine.SetSampler(func() float64 { return 0.99 })

	userID := uuid.New()
	walletID := uuid.New()
	repo.profiles[userID] = &domain.UserRiskProfile{
		UserID: userID,
		Status: domain.UserStatusActive,
		Limits: domain.TransactionLimits{
			DailyDeposit:      decimal.NewFromInt(20000),
			DailyWithdrawal:   decimal.NewFromInt(5000),
			MonthlyDeposit:    decimal.NewFromInt(200000),
			MonthlyWithdrawal: decimal.NewFromInt(50000),
			MaxTransaction:    decimal.NewFromInt(10000),
		},
		GeoCountry: "NL",
	}

	service := NewService(repo, engine, gateway, publisher, refgen.New(), Options{})
	return &fixture{
		service:   service,
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		userID:    userID,
		walletID:  walletID,
	}
}

func (f *fixture) withdrawalRequest(amount, fee string) CreateTransactionRequest {
	return CreateTransactionRequest{
		UserID:   f.userID,
		WalletID: &f.walletID,
		Type:     domain.TypeWithdrawal,
		Source:   domain.SourceBankTransfer,
		Amount:   decimal.RequireFromString(amount),
		Fee:      decimal.RequireFromString(fee),
		Currency: "usd",
	}
}

func TestCreateTransactionHappyPathReservesAndProcesses(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "2"))
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusProcessing {
		t.Fatalf("expected status processing, got %s", tx.Status)
	}
	if !tx.NetAmount.Equal(decimal.RequireFromString("98")) {
		t.Errorf("expected net amount 98, got %s", tx.NetAmount)
	}
	if tx.Currency != "USD" {
		t.Errorf("expected normalized currency USD, got %q", tx.Currency)
	}
	if tx.Reference == "" {
		t.Error("expected a generated reference")
	}
	if f.gateway.reserves != 1 {
		t.Errorf("expected 1 ledger reserve, got %d", f.gateway.reserves)
	}
	if tx.ReservationID == nil {
		t.Fatal("expected a reservation attached to the transaction")
	}

	events := f.publisher.published()
	if len(events) != 1 || events[0].ToStatus != domain.StatusProcessing {
		t.Fatalf("expected one pending->processing event, got %+v", events)
	}
}

func TestCreateTransactionDepositSkipsReservation(t *testing.T) {
	f := newFixture(t)

	req := f.withdrawalRequest("250", "0")
	req.Type = domain.TypeDeposit
	tx, err := f.service.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusProcessing {
		t.Fatalf("expected status processing, got %s", tx.Status)
	}
	if f.gateway.reserves != 0 {
		t.Errorf("deposit must not place a ledger reservation, got %d reserves", f.gateway.reserves)
	}
}

func TestCreateTransactionHoldsHighRiskAmount(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("50000", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusOnHold {
		t.Fatalf("expected status on_hold, got %s", tx.Status)
	}

	stored, err := f.service.GetTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !stored.ComplianceFlags.RequiresReview {
		t.Error("expected requires_review to be set")
	}
	if !stored.ComplianceFlags.IsSuspicious {
		t.Error("expected suspicious flag for an amount far over the max")
	}
	if !hasFactor(stored.ComplianceFlags.RiskFactors, "max_transaction_exceeded") {
		t.Errorf("expected max_transaction_exceeded factor, got %v", stored.ComplianceFlags.RiskFactors)
	}
	if f.gateway.reserves != 0 {
		t.Errorf("held transaction must not reserve funds, got %d reserves", f.gateway.reserves)
	}
	// High/critical evaluations fold into the user-level score.
	if f.repo.scores[f.userID].Score == 0 {
		t.Error("expected user risk score to be updated after a high-risk evaluation")
	}
}

func TestCreateTransactionExternalReferenceIdempotent(t *testing.T) {
	f := newFixture(t)

	ref := "prov-123"
	req := f.withdrawalRequest("100", "0")
	req.ExternalReference = &ref

	first, err := f.service.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.service.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same transaction back, got %s and %s", first.ID, second.ID)
	}
	if f.gateway.reserves != 1 {
		t.Errorf("retried request must not reserve twice, got %d reserves", f.gateway.reserves)
	}
}

func TestCreateTransactionExternalReferenceRaceReturnsExistingRow(t *testing.T) {
	f := newFixture(t)

	ref := "prov-456"
	req := f.withdrawalRequest("100", "0")
	req.ExternalReference = &ref

	first, err := f.service.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// The retried request misses the idempotency lookup but loses the
	// insert to the row already on disk.
	f.repo.hideExtRef = true
	second, err := f.service.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("racing create must surface the recorded row, got %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the recorded transaction back, got %s and %s", first.ID, second.ID)
	}
	if f.gateway.reserves != 1 {
		t.Errorf("racing request must not reserve twice, got %d reserves", f.gateway.reserves)
	}
}

func TestCreateTransactionReferenceExhaustion(t *testing.T) {
	f := newFixture(t)
	f.repo.createErr = store.ErrDuplicateReference

	_, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if !errors.Is(err, ErrReferenceExhausted) {
		t.Fatalf("expected ErrReferenceExhausted, got %v", err)
	}
	if f.repo.createCalls != 5 {
		t.Errorf("expected 5 bounded attempts, got %d", f.repo.createCalls)
	}
}

func TestCreateTransactionRejectsBlockedUser(t *testing.T) {
	f := newFixture(t)
	f.repo.profiles[f.userID].Status = domain.UserStatusBlocked

	_, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if !IsValidationError(err) {
		t.Fatalf("expected a validation error for a blocked user, got %v", err)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*CreateTransactionRequest)
	}{
		{"zero amount", func(r *CreateTransactionRequest) { r.Amount = decimal.Zero }},
		{"negative fee", func(r *CreateTransactionRequest) { r.Fee = decimal.RequireFromString("-1") }},
		{"fee over amount", func(r *CreateTransactionRequest) { r.Fee = decimal.RequireFromString("101") }},
		{"missing currency", func(r *CreateTransactionRequest) { r.Currency = " " }},
		{"withdrawal without wallet", func(r *CreateTransactionRequest) { r.WalletID = nil }},
		{"unknown type", func(r *CreateTransactionRequest) { r.Type = "loan" }},
		{"unknown source", func(r *CreateTransactionRequest) { r.Source = "carrier_pigeon" }},
		{"conversion without target", func(r *CreateTransactionRequest) { r.Type = domain.TypeConversion }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.withdrawalRequest("100", "0")
			tc.mutate(&req)
			if _, err := f.service.CreateTransaction(context.Background(), req); !IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestInsufficientFundsFailsTransaction(t *testing.T) {
	f := newFixture(t)
	f.gateway.reserveErr = ledger.ErrInsufficientFunds

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", tx.Status)
	}
	if tx.FailureReason == nil || *tx.FailureReason != FailureReasonInsufficientFunds {
		t.Fatalf("expected failure reason %q, got %v", FailureReasonInsufficientFunds, tx.FailureReason)
	}
	if tx.ReservationID != nil {
		t.Error("declined transaction must hold no reservation")
	}
	// A decline is final: the ledger must not have been retried.
	if f.gateway.reserves != 1 {
		t.Errorf("expected exactly 1 reserve attempt, got %d", f.gateway.reserves)
	}
}

func TestLedgerOutageFailsAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.gateway.reserveErr = errors.New("ledger unreachable")

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", tx.Status)
	}
	if tx.FailureReason == nil || *tx.FailureReason != FailureReasonLedgerUnavailable {
		t.Fatalf("expected failure reason %q, got %v", FailureReasonLedgerUnavailable, tx.FailureReason)
	}
	if f.gateway.reserves != 3 {
		t.Errorf("expected 3 bounded reserve attempts, got %d", f.gateway.reserves)
	}
}

func TestAttachReservationFailureFailsTransaction(t *testing.T) {
	f := newFixture(t)
	f.repo.attachErrOnce = errors.New("connection reset")

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("expected status failed when the reservation cannot be recorded, got %s", tx.Status)
	}
	if tx.FailureReason == nil || *tx.FailureReason != FailureReasonReservationLost {
		t.Fatalf("expected failure reason %q, got %v", FailureReasonReservationLost, tx.FailureReason)
	}
	if f.gateway.releases != 1 {
		t.Errorf("expected the orphaned hold released, got %d releases", f.gateway.releases)
	}

	// A later settlement callback must not settle the unbacked debit.
	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a failed transaction, got %v", err)
	}
	if f.gateway.commits != 0 {
		t.Errorf("unbacked debit must never commit, got %d commits", f.gateway.commits)
	}
}

func TestCompleteRefusesDebitWithoutReservation(t *testing.T) {
	f := newFixture(t)

	// A processing withdrawal with no recorded reservation, as left behind
	// by a crash between the status write and the reservation attach.
	tx := &domain.Transaction{
		ID:       uuid.New(),
		Type:     domain.TypeWithdrawal,
		Source:   domain.SourceBankTransfer,
		Status:   domain.StatusProcessing,
		UserID:   f.userID,
		WalletID: &f.walletID,
		Amount:   decimal.NewFromInt(100),
		Currency: "USD",
	}
	tx.Recalculate()
	f.repo.transactions[tx.ID] = tx

	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{}); err == nil {
		t.Fatal("expected completion to be refused without a ledger reservation")
	}
	if f.gateway.commits != 0 {
		t.Errorf("expected no ledger commits, got %d", f.gateway.commits)
	}
	stored, _ := f.service.GetTransaction(context.Background(), tx.ID)
	if stored.Status != domain.StatusProcessing {
		t.Errorf("expected transaction left in processing, got %s", stored.Status)
	}
}

func TestCompleteCommitsReservation(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "2"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	completed, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{})
	if err != nil {
		t.Fatalf("TransitionTransaction: %v", err)
	}
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("expected status completed, got %s", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completed_at to be stamped")
	}
	if f.gateway.commits != 1 {
		t.Errorf("expected exactly 1 ledger commit, got %d", f.gateway.commits)
	}
	if f.gateway.releases != 0 {
		t.Errorf("completed transaction must not release, got %d releases", f.gateway.releases)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{}); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	again, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{})
	if err != nil {
		t.Fatalf("repeated completion must be a no-op, got %v", err)
	}
	if again.Status != domain.StatusCompleted {
		t.Fatalf("expected status completed, got %s", again.Status)
	}
	if f.gateway.commits != 1 {
		t.Errorf("repeated completion must not commit twice, got %d commits", f.gateway.commits)
	}
}

func TestCompleteDepositAppliesNetCredit(t *testing.T) {
	f := newFixture(t)

	req := f.withdrawalRequest("100", "1.5")
	req.Type = domain.TypeDeposit
	tx, err := f.service.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{}); err != nil {
		t.Fatalf("TransitionTransaction: %v", err)
	}
	if f.gateway.credits != 1 {
		t.Fatalf("expected 1 deposit credit, got %d", f.gateway.credits)
	}
	if !f.gateway.lastCreditAmt.Equal(decimal.RequireFromString("98.5")) {
		t.Errorf("expected net credit 98.5, got %s", f.gateway.lastCreditAmt)
	}
}

func TestFailReleasesReservation(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	failed, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusFailed, TransitionContext{FailureReason: "provider_rejected"})
	if err != nil {
		t.Fatalf("TransitionTransaction: %v", err)
	}
	if failed.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", failed.Status)
	}
	if failed.ReservationID != nil {
		t.Error("expected reservation cleared on failure")
	}
	if f.gateway.releases != 1 {
		t.Errorf("expected 1 ledger release, got %d", f.gateway.releases)
	}
}

func TestFailRequiresReason(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusFailed, TransitionContext{}); !IsValidationError(err) {
		t.Fatalf("expected validation error for empty failure reason, got %v", err)
	}
}

func TestReverseAppliesLedgerReversal(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reversed, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusReversed, TransitionContext{})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversed.Status != domain.StatusReversed {
		t.Fatalf("expected status reversed, got %s", reversed.Status)
	}
	if f.gateway.reversals != 1 {
		t.Errorf("expected 1 ledger reversal, got %d", f.gateway.reversals)
	}
}

func TestInvalidTransitionLeavesTransactionUnchanged(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusPending, TransitionContext{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, err := f.service.GetTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if stored.Status != domain.StatusProcessing {
		t.Errorf("expected transaction unchanged in processing, got %s", stored.Status)
	}
}

func TestResolveReviewApproveReservesAndProcesses(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("50000", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if tx.Status != domain.StatusOnHold {
		t.Fatalf("fixture expected on_hold, got %s", tx.Status)
	}

	resolved, err := f.service.ResolveReview(context.Background(), tx.ID, "compliance-officer", true, "documents verified")
	if err != nil {
		t.Fatalf("ResolveReview: %v", err)
	}
	if resolved.Status != domain.StatusProcessing {
		t.Fatalf("expected status processing after approval, got %s", resolved.Status)
	}
	if f.gateway.reserves != 1 {
		t.Errorf("expected reservation placed after approval, got %d reserves", f.gateway.reserves)
	}

	stored, _ := f.service.GetTransaction(context.Background(), tx.ID)
	if stored.ComplianceFlags.ReviewedBy == nil || *stored.ComplianceFlags.ReviewedBy != "compliance-officer" {
		t.Errorf("expected reviewer recorded, got %v", stored.ComplianceFlags.ReviewedBy)
	}
}

func TestResolveReviewRejectCancels(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("50000", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	resolved, err := f.service.ResolveReview(context.Background(), tx.ID, "compliance-officer", false, "source of funds unclear")
	if err != nil {
		t.Fatalf("ResolveReview: %v", err)
	}
	if resolved.Status != domain.StatusCancelled {
		t.Fatalf("expected status cancelled after rejection, got %s", resolved.Status)
	}
	if resolved.FailureReason == nil || *resolved.FailureReason != FailureReasonReviewRejected {
		t.Errorf("expected failure reason %q recorded on rejection, got %v", FailureReasonReviewRejected, resolved.FailureReason)
	}
	if f.gateway.reserves != 0 {
		t.Errorf("rejected transaction must not reserve funds, got %d reserves", f.gateway.reserves)
	}
}

func TestResolveReviewSecondResolverLoses(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("50000", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	if _, err := f.service.ResolveReview(context.Background(), tx.ID, "first-reviewer", true, ""); err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	if _, err := f.service.ResolveReview(context.Background(), tx.ID, "second-reviewer", false, ""); !errors.Is(err, ErrReviewAlreadyResolved) {
		t.Fatalf("expected ErrReviewAlreadyResolved, got %v", err)
	}

	stored, _ := f.service.GetTransaction(context.Background(), tx.ID)
	if *stored.ComplianceFlags.ReviewedBy != "first-reviewer" {
		t.Errorf("expected first reviewer to win, got %s", *stored.ComplianceFlags.ReviewedBy)
	}
}

func TestResolveReviewConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("50000", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	const resolvers = 8
	var wg sync.WaitGroup
	errs := make([]error, resolvers)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.ResolveReview(context.Background(), tx.ID, "reviewer", true, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrReviewAlreadyResolved):
		default:
			t.Fatalf("unexpected resolution error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning resolution, got %d", wins)
	}
	if f.gateway.reserves != 1 {
		t.Fatalf("expected exactly one reservation, got %d", f.gateway.reserves)
	}
}

func TestRiskEvaluationTimeoutHoldsTransaction(t *testing.T) {
	f := newFixture(t)

	engine := risk.NewEngine(blockingVelocity{}, risk.Config{SuspiciousThreshold: 60})
	f.service = NewService(f.repo, engine, f.gateway, f.publisher, refgen.New(), Options{
		RiskEvalTimeout: 25 * time.Millisecond,
	})

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction returned error: %v", err)
	}
	if tx.Status != domain.StatusOnHold {
		t.Fatalf("expected on_hold after evaluation timeout, got %s", tx.Status)
	}

	stored, _ := f.service.GetTransaction(context.Background(), tx.ID)
	if !hasFactor(stored.ComplianceFlags.RiskFactors, "risk_evaluation_timeout") {
		t.Errorf("expected risk_evaluation_timeout factor, got %v", stored.ComplianceFlags.RiskFactors)
	}
}

func TestLifecycleEventStreamOrdered(t *testing.T) {
	f := newFixture(t)

	tx, err := f.service.CreateTransaction(context.Background(), f.withdrawalRequest("100", "0"))
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if _, err := f.service.TransitionTransaction(context.Background(), tx.ID, domain.StatusCompleted, TransitionContext{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := f.service.ListLifecycleEvents(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("ListLifecycleEvents: %v", err)
	}
	want := []domain.TransactionStatus{domain.StatusProcessing, domain.StatusCompleted}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, event := range events {
		if event.ToStatus != want[i] {
			t.Errorf("event %d: expected to_status %s, got %s", i, want[i], event.ToStatus)
		}
	}
}

// blockingVelocity parks until the evaluation context expires, simulating a
// stalled velocity backend.
type blockingVelocity struct{}

func (blockingVelocity) VelocityStats(ctx context.Context, _ uuid.UUID) (risk.VelocityStats, error) {
	<-ctx.Done()
	return risk.VelocityStats{}, ctx.Err()
}

func hasFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
