/**
 * @description
 * This package implements the risk and compliance scoring engine. Every
 * transaction is evaluated against additive, bounded factors: size relative
 * to the user's limits, trailing-window velocity, source channel weight,
 * geolocation mismatch, and the externally supplied sanctions/AML signal.
 * The final score is clamped to [0,100] and banded with the same thresholds
 * used for user-level scores.
 *
 * The engine only reads transaction and user data and produces an
 * assessment; it never changes a transaction's status. The lifecycle
 * manager reads RequiresReview to decide pending -> processing versus
 * pending -> on_hold.
 */

package risk

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/domain"
)

// Factor weights. Each input contributes a bounded amount so no single
// signal short of a sanctions hit can saturate the score on its own.
const (
	weightMaxTransactionExceeded = 40
	weightMaxTransactionNear     = 20
	weightDailyLimitExceeded     = 20
	weightDailyLimitPressure     = 10
	weightMonthlyLimitExceeded   = 15
	weightMonthlyLimitPressure   = 8
	weightVelocityHigh           = 15
	weightVelocityElevated       = 8
	weightGeoMismatch            = 10
	weightSanctionsHit           = 60
	weightAMLSignal              = 25

	velocityElevatedCount24h = 10
	velocityHighCount24h     = 20
	limitPressureRatio       = 0.8
	amlSignalThreshold       = 0.7
)

// sourceWeights ranks channels by inherent risk; crypto and bridge legs
// weigh the most, internal book transfers the least.
var sourceWeights = map[domain.TransactionSource]int{
	domain.SourceCrypto:       12,
	domain.SourceMobileMoney:  6,
	domain.SourceCard:         4,
	domain.SourceBankTransfer: 2,
	domain.SourceInternal:     0,
}

var typeWeights = map[domain.TransactionType]int{
	domain.TypeBridge: 12,
	domain.TypeSwap:   8,
}

// Assessment is the engine's verdict on a single transaction.
type Assessment struct {
	Score          int              `json:"score"`
	Level          domain.RiskLevel `json:"level"`
	Factors        []string         `json:"factors,omitempty"`
	IsSuspicious   bool             `json:"is_suspicious"`
	RequiresReview bool             `json:"requires_review"`
}

// VelocityStats is a consistent snapshot of the user's trailing transaction
// windows. Both windows must be read atomically relative to concurrent
// sibling transactions for the same user.
type VelocityStats struct {
	Count24h int
	Sum24h   decimal.Decimal
	Count30d int
	Sum30d   decimal.Decimal
}

// VelocityReader supplies trailing-window velocity for a user.
type VelocityReader interface {
	VelocityStats(ctx context.Context, userID uuid.UUID) (VelocityStats, error)
}

// Config holds the engine's tunables.
type Config struct {
	// SuspiciousThreshold marks a transaction suspicious at or above this
	// score. The default of 60 flags high and critical bands.
	SuspiciousThreshold int

	// ReviewCeiling forces manual review for any transaction at or above
	// this amount regardless of score. Zero disables the ceiling.
	ReviewCeiling decimal.Decimal

	// SamplingRate sends a random fraction of otherwise-clean transactions
	// to review for audit coverage. Range [0,1].
	SamplingRate float64
}

// Engine scores transactions and users against risk policy.
type Engine struct {
	velocity VelocityReader
	cfg      Config

	mu     sync.Mutex
	sample func() float64
}

// NewEngine constructs an Engine. velocity may be nil, in which case the
// velocity factors are skipped (degraded mode).
func NewEngine(velocity VelocityReader, cfg Config) *Engine {
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = domain.HighScoreThreshold
	}

	var seed [8]byte
	_, _ = rand.Read(seed[:])
	rng := mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))

	return &Engine{
		velocity: velocity,
		cfg:      cfg,
		sample:   rng.Float64,
	}
}

// SetSampler overrides the audit-sampling source, for tests.
func (e *Engine) SetSampler(sample func() float64) {
	if sample == nil {
		return
	}
	e.mu.Lock()
	e.sample = sample
	e.mu.Unlock()
}

// Evaluate scores one transaction against the user's risk profile. It
// returns an error only when the context expires or is cancelled; the
// caller fails safe toward manual review in that case.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, profile *domain.UserRiskProfile) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, fmt.Errorf("risk evaluation aborted: %w", err)
	}

	score := 0
	var factors []string

	score, factors = e.scoreAmount(tx, profile, score, factors)

	stats, velErr := e.readVelocity(ctx, tx.UserID)
	if velErr != nil {
		if ctx.Err() != nil {
			return Assessment{}, fmt.Errorf("risk evaluation aborted: %w", ctx.Err())
		}
		// Velocity source outage is not a reason to block the pipeline;
		// the remaining factors still apply.
		factors = append(factors, "velocity_unavailable")
	} else {
		score, factors = e.scoreVelocity(tx, profile, stats, score, factors)
	}

	score, factors = e.scoreChannel(tx, score, factors)
	score, factors = e.scoreGeo(tx, profile, score, factors)
	score, factors = e.scoreComplianceSignal(tx, score, factors)

	if score > 100 {
		score = 100
	}

	assessment := Assessment{
		Score:        score,
		Level:        domain.LevelForScore(score),
		Factors:      factors,
		IsSuspicious: score >= e.cfg.SuspiciousThreshold,
	}

	assessment.RequiresReview = assessment.IsSuspicious ||
		e.exceedsReviewCeiling(tx.Amount) ||
		e.sampledForAudit()

	return assessment, nil
}

func (e *Engine) readVelocity(ctx context.Context, userID uuid.UUID) (VelocityStats, error) {
	if e.velocity == nil {
		return VelocityStats{}, nil
	}
	return e.velocity.VelocityStats(ctx, userID)
}

func (e *Engine) scoreAmount(tx *domain.Transaction, profile *domain.UserRiskProfile, score int, factors []string) (int, []string) {
	maxTx := profile.Limits.MaxTransaction
	if maxTx.IsPositive() {
		ratio, _ := tx.Amount.Div(maxTx).Float64()
		switch {
		case ratio >= 1:
			score += weightMaxTransactionExceeded
			factors = append(factors, "max_transaction_exceeded")
		case ratio >= limitPressureRatio:
			score += weightMaxTransactionNear
			factors = append(factors, "amount_near_max_transaction")
		}
	}
	return score, factors
}

func (e *Engine) scoreVelocity(tx *domain.Transaction, profile *domain.UserRiskProfile, stats VelocityStats, score int, factors []string) (int, []string) {
	daily, monthly := limitsForType(tx.Type, profile.Limits)

	if daily.IsPositive() {
		projected := stats.Sum24h.Add(tx.Amount)
		ratio, _ := projected.Div(daily).Float64()
		switch {
		case ratio >= 1:
			score += weightDailyLimitExceeded
			factors = append(factors, "daily_limit_exceeded")
		case ratio >= limitPressureRatio:
			score += weightDailyLimitPressure
			factors = append(factors, "daily_limit_pressure")
		}
	}

	if monthly.IsPositive() {
		projected := stats.Sum30d.Add(tx.Amount)
		ratio, _ := projected.Div(monthly).Float64()
		switch {
		case ratio >= 1:
			score += weightMonthlyLimitExceeded
			factors = append(factors, "monthly_limit_exceeded")
		case ratio >= limitPressureRatio:
			score += weightMonthlyLimitPressure
			factors = append(factors, "monthly_limit_pressure")
		}
	}

	switch {
	case stats.Count24h >= velocityHighCount24h:
		score += weightVelocityHigh
		factors = append(factors, "velocity_24h_high")
	case stats.Count24h >= velocityElevatedCount24h:
		score += weightVelocityElevated
		factors = append(factors, "velocity_24h_elevated")
	}

	return score, factors
}

func (e *Engine) scoreChannel(tx *domain.Transaction, score int, factors []string) (int, []string) {
	channel := sourceWeights[tx.Source] + typeWeights[tx.Type]
	if channel > 15 {
		channel = 15
	}
	if channel > 0 {
		score += channel
		factors = append(factors, fmt.Sprintf("channel_%s_%s", tx.Source, tx.Type))
	}
	return score, factors
}

func (e *Engine) scoreGeo(tx *domain.Transaction, profile *domain.UserRiskProfile, score int, factors []string) (int, []string) {
	if tx.Metadata.GeoCountry != "" && profile.GeoCountry != "" && tx.Metadata.GeoCountry != profile.GeoCountry {
		score += weightGeoMismatch
		factors = append(factors, "geo_mismatch")
	}
	return score, factors
}

func (e *Engine) scoreComplianceSignal(tx *domain.Transaction, score int, factors []string) (int, []string) {
	check := tx.Metadata.ComplianceCheck
	if check == nil {
		return score, factors
	}
	if check.SanctionsHit {
		score += weightSanctionsHit
		factors = append(factors, "sanctions_hit")
	}
	if check.AMLScore >= amlSignalThreshold {
		score += weightAMLSignal
		factors = append(factors, "aml_signal")
	}
	return score, factors
}

func (e *Engine) exceedsReviewCeiling(amount decimal.Decimal) bool {
	return e.cfg.ReviewCeiling.IsPositive() && amount.GreaterThanOrEqual(e.cfg.ReviewCeiling)
}

func (e *Engine) sampledForAudit() bool {
	if e.cfg.SamplingRate <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sample() < e.cfg.SamplingRate
}

// limitsForType selects the daily/monthly ceilings matching the
// transaction's direction: deposits score against deposit limits,
// everything that moves value out scores against withdrawal limits.
func limitsForType(typ domain.TransactionType, limits domain.TransactionLimits) (daily, monthly decimal.Decimal) {
	if typ == domain.TypeDeposit {
		return limits.DailyDeposit, limits.MonthlyDeposit
	}
	return limits.DailyWithdrawal, limits.MonthlyWithdrawal
}
