package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskLevel is the discretized banding derived from a numeric risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Level thresholds. The same bands apply to transaction-level and
// user-level scores.
const (
	CriticalScoreThreshold = 80
	HighScoreThreshold     = 60
	MediumScoreThreshold   = 40
)

// LevelForScore maps a 0-100 score onto its risk level. It is the only
// place the banding is computed; a level is never set independently of it.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= CriticalScoreThreshold:
		return RiskLevelCritical
	case score >= HighScoreThreshold:
		return RiskLevelHigh
	case score >= MediumScoreThreshold:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// UserStatus gates whether a user may originate new transactions.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusBlocked   UserStatus = "blocked"
	UserStatusPending   UserStatus = "pending"
)

// CanTransact reports whether the user may originate a new transaction.
func (s UserStatus) CanTransact() bool {
	return s == UserStatusActive || s == UserStatusPending
}

// TransactionLimits holds the per-user ceilings the risk engine scores
// against. Zero values mean the limit is not configured and is skipped.
type TransactionLimits struct {
	DailyDeposit      decimal.Decimal `json:"daily_deposit"`
	DailyWithdrawal   decimal.Decimal `json:"daily_withdrawal"`
	MonthlyDeposit    decimal.Decimal `json:"monthly_deposit"`
	MonthlyWithdrawal decimal.Decimal `json:"monthly_withdrawal"`
	MaxTransaction    decimal.Decimal `json:"max_transaction"`
}

// RiskScore is the per-user aggregate risk state. Level is always the
// deterministic banding of Score.
type RiskScore struct {
	Score       int       `json:"score"`
	Level       RiskLevel `json:"level"`
	Factors     []string  `json:"factors,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// UserRiskProfile is the per-user state the engine and the lifecycle
// manager consult and update.
type UserRiskProfile struct {
	UserID     uuid.UUID         `json:"user_id"`
	Status     UserStatus        `json:"status"`
	Limits     TransactionLimits `json:"limits"`
	RiskScore  RiskScore         `json:"risk_score"`
	GeoCountry string            `json:"geo_country,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ApplyScore recomputes the profile's risk banding from a fresh score and
// stamps the update time.
func (p *UserRiskProfile) ApplyScore(score int, factors []string, now time.Time) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	p.RiskScore = RiskScore{
		Score:       score,
		Level:       LevelForScore(score),
		Factors:     factors,
		LastUpdated: now,
	}
	p.UpdatedAt = now
}
