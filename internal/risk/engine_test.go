package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/domain"
)

type velocityStub struct {
	stats VelocityStats
	err   error
}

func (v *velocityStub) VelocityStats(ctx context.Context, userID uuid.UUID) (VelocityStats, error) {
	if v.err != nil {
		return VelocityStats{}, v.err
	}
	return v.stats, nil
}

func neverSample() float64 { return 1 }

func newTestEngine(velocity VelocityReader) *Engine {
	e := NewEngine(velocity, Config{
		SuspiciousThreshold: 60,
		ReviewCeiling:       decimal.RequireFromString("10000"),
		SamplingRate:        0,
	})
	e.SetSampler(neverSample)
	return e
}

func cleanProfile() *domain.UserRiskProfile {
	return &domain.UserRiskProfile{
		UserID: uuid.New(),
		Status: domain.UserStatusActive,
		Limits: domain.TransactionLimits{
			DailyWithdrawal:   decimal.RequireFromString("5000"),
			MonthlyWithdrawal: decimal.RequireFromString("50000"),
			DailyDeposit:      decimal.RequireFromString("5000"),
			MonthlyDeposit:    decimal.RequireFromString("50000"),
			MaxTransaction:    decimal.RequireFromString("10000"),
		},
		GeoCountry: "NL",
	}
}

func withdrawal(amount string) *domain.Transaction {
	tx := &domain.Transaction{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Type:     domain.TypeWithdrawal,
		Source:   domain.SourceBankTransfer,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
	}
	tx.Recalculate()
	return tx
}

func TestEvaluate_CleanTransactionScoresLow(t *testing.T) {
	engine := newTestEngine(&velocityStub{})
	tx := withdrawal("100")
	tx.Metadata.GeoCountry = "NL"

	assessment, err := engine.Evaluate(context.Background(), tx, cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assessment.Level != domain.RiskLevelLow {
		t.Fatalf("expected low level, got %s (score %d, factors %v)", assessment.Level, assessment.Score, assessment.Factors)
	}
	if assessment.IsSuspicious || assessment.RequiresReview {
		t.Fatalf("expected clean pass, got suspicious=%v review=%v", assessment.IsSuspicious, assessment.RequiresReview)
	}
}

func TestEvaluate_OverMaxTransactionRequiresReview(t *testing.T) {
	engine := newTestEngine(&velocityStub{})
	tx := withdrawal("50000")

	assessment, err := engine.Evaluate(context.Background(), tx, cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !assessment.RequiresReview {
		t.Fatal("expected a 5x over-limit withdrawal to require review")
	}
	if !containsFactor(assessment.Factors, "max_transaction_exceeded") {
		t.Fatalf("expected max_transaction_exceeded factor, got %v", assessment.Factors)
	}
	if assessment.Score < domain.MediumScoreThreshold {
		t.Fatalf("expected at least medium score, got %d", assessment.Score)
	}
}

func TestEvaluate_SanctionsHitIsCritical(t *testing.T) {
	engine := newTestEngine(&velocityStub{})
	tx := withdrawal("9500")
	tx.Metadata.ComplianceCheck = &domain.ComplianceCheck{SanctionsHit: true, AMLScore: 0.9}

	assessment, err := engine.Evaluate(context.Background(), tx, cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assessment.Level != domain.RiskLevelCritical {
		t.Fatalf("expected critical level on sanctions hit, got %s (score %d)", assessment.Level, assessment.Score)
	}
	if !assessment.IsSuspicious || !assessment.RequiresReview {
		t.Fatal("sanctions hit must be suspicious and reviewed")
	}
	if !containsFactor(assessment.Factors, "sanctions_hit") || !containsFactor(assessment.Factors, "aml_signal") {
		t.Fatalf("expected sanctions and aml factors, got %v", assessment.Factors)
	}
}

func TestEvaluate_VelocityAndGeoStack(t *testing.T) {
	velocity := &velocityStub{stats: VelocityStats{
		Count24h: 25,
		Sum24h:   decimal.RequireFromString("4900"),
		Count30d: 80,
		Sum30d:   decimal.RequireFromString("49000"),
	}}
	engine := newTestEngine(velocity)

	tx := withdrawal("500")
	tx.Source = domain.SourceCrypto
	tx.Metadata.GeoCountry = "PA"

	assessment, err := engine.Evaluate(context.Background(), tx, cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"daily_limit_exceeded", "monthly_limit_pressure", "velocity_24h_high", "geo_mismatch"} {
		if !containsFactor(assessment.Factors, want) {
			t.Errorf("expected factor %s, got %v", want, assessment.Factors)
		}
	}
	if assessment.Level != domain.RiskLevelHigh && assessment.Level != domain.RiskLevelCritical {
		t.Fatalf("expected stacked factors to reach at least high, got %s (score %d)", assessment.Level, assessment.Score)
	}
	if !assessment.IsSuspicious {
		t.Fatal("stacked factors above the suspicious threshold must flag")
	}
}

func TestEvaluate_ScoreClampedTo100(t *testing.T) {
	velocity := &velocityStub{stats: VelocityStats{
		Count24h: 50,
		Sum24h:   decimal.RequireFromString("100000"),
		Sum30d:   decimal.RequireFromString("1000000"),
	}}
	engine := newTestEngine(velocity)

	tx := withdrawal("999999")
	tx.Source = domain.SourceCrypto
	tx.Type = domain.TypeBridge
	tx.Metadata.GeoCountry = "XX"
	tx.Metadata.ComplianceCheck = &domain.ComplianceCheck{SanctionsHit: true, AMLScore: 1}

	assessment, err := engine.Evaluate(context.Background(), tx, cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assessment.Score != 100 {
		t.Fatalf("expected clamped score of 100, got %d", assessment.Score)
	}
	if assessment.Level != domain.RiskLevelCritical {
		t.Fatalf("expected critical, got %s", assessment.Level)
	}
}

func TestEvaluate_LevelAlwaysMatchesScore(t *testing.T) {
	engine := newTestEngine(&velocityStub{})
	profile := cleanProfile()

	for _, amount := range []string{"10", "4500", "9900", "50000", "250000"} {
		assessment, err := engine.Evaluate(context.Background(), withdrawal(amount), profile)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if assessment.Level != domain.LevelForScore(assessment.Score) {
			t.Fatalf("level %s inconsistent with score %d", assessment.Level, assessment.Score)
		}
	}
}

func TestEvaluate_VelocityOutageDegrades(t *testing.T) {
	engine := newTestEngine(&velocityStub{err: errors.New("redis: connection refused")})
	tx := withdrawal("100")
	tx.Metadata.GeoCountry = "NL"

	assessment, err := engine.Evaluate(context.Background(), tx, cleanProfile())
	if err != nil {
		t.Fatalf("velocity outage must not fail evaluation: %v", err)
	}
	if !containsFactor(assessment.Factors, "velocity_unavailable") {
		t.Fatalf("expected velocity_unavailable factor, got %v", assessment.Factors)
	}
}

func TestEvaluate_ContextTimeoutFailsEvaluation(t *testing.T) {
	engine := newTestEngine(&velocityStub{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := engine.Evaluate(ctx, withdrawal("100"), cleanProfile())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestEvaluate_AuditSampling(t *testing.T) {
	engine := NewEngine(&velocityStub{}, Config{
		SuspiciousThreshold: 60,
		SamplingRate:        0.02,
	})

	engine.SetSampler(func() float64 { return 0.01 })
	assessment, err := engine.Evaluate(context.Background(), withdrawal("100"), cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !assessment.RequiresReview {
		t.Fatal("sampled transaction must require review")
	}
	if assessment.IsSuspicious {
		t.Fatal("audit sampling must not mark the transaction suspicious")
	}

	engine.SetSampler(func() float64 { return 0.99 })
	assessment, err = engine.Evaluate(context.Background(), withdrawal("100"), cleanProfile())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assessment.RequiresReview {
		t.Fatal("unsampled clean transaction must not require review")
	}
}

func containsFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
