package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanTransition_LegalEdges(t *testing.T) {
	legal := []struct{ from, to TransactionStatus }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusOnHold},
		{StatusPending, StatusCancelled},
		{StatusOnHold, StatusProcessing},
		{StatusOnHold, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusCompleted, StatusReversed},
	}
	for _, edge := range legal {
		if !CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s to be legal", edge.from, edge.to)
		}
	}
}

func TestCanTransition_RejectsEverythingElse(t *testing.T) {
	all := []TransactionStatus{
		StatusPending, StatusProcessing, StatusOnHold,
		StatusCompleted, StatusFailed, StatusCancelled, StatusReversed,
	}
	legalCount := 0
	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				legalCount++
			}
		}
	}
	if legalCount != 8 {
		t.Fatalf("expected exactly 8 legal edges, got %d", legalCount)
	}

	// Spot-check the edges that most resemble bugs.
	if CanTransition(StatusProcessing, StatusCancelled) {
		t.Error("cancellation after processing must resolve via failed, not a direct cancel")
	}
	if CanTransition(StatusFailed, StatusProcessing) {
		t.Error("failed is terminal")
	}
	if CanTransition(StatusCompleted, StatusCompleted) {
		t.Error("self transition must not be in the table; idempotence is handled by the manager")
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TransactionStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusReversed} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []TransactionStatus{StatusPending, StatusProcessing, StatusOnHold} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestRecalculate_NetAmount(t *testing.T) {
	tx := Transaction{
		Amount: decimal.RequireFromString("100"),
		Fee:    decimal.RequireFromString("2"),
	}
	tx.Recalculate()
	if !tx.NetAmount.Equal(decimal.RequireFromString("98")) {
		t.Fatalf("expected net 98, got %s", tx.NetAmount)
	}

	// Fee update always re-derives the net amount.
	tx.Fee = decimal.RequireFromString("3.5")
	tx.Recalculate()
	if !tx.NetAmount.Equal(decimal.RequireFromString("96.5")) {
		t.Fatalf("expected net 96.5 after fee update, got %s", tx.NetAmount)
	}
}

func TestRecalculate_RoundsToEightPlaces(t *testing.T) {
	tx := Transaction{
		Amount: decimal.RequireFromString("0.123456789999"),
		Fee:    decimal.Zero,
	}
	tx.Recalculate()
	if got := tx.Amount.String(); got != "0.12345679" {
		t.Fatalf("expected amount rounded to 8 places, got %s", got)
	}
}

func TestRequiresReservation(t *testing.T) {
	debit := []TransactionType{TypeWithdrawal, TypeTransfer, TypeSwap, TypeBridge}
	for _, typ := range debit {
		tx := Transaction{Type: typ}
		if !tx.RequiresReservation() {
			t.Errorf("expected %s to require a reservation", typ)
		}
	}
	for _, typ := range []TransactionType{TypeDeposit, TypeConversion} {
		tx := Transaction{Type: typ}
		if tx.RequiresReservation() {
			t.Errorf("expected %s to skip reservation", typ)
		}
	}
}

func TestLevelForScore_Thresholds(t *testing.T) {
	cases := []struct {
		score int
		level RiskLevel
	}{
		{0, RiskLevelLow},
		{39, RiskLevelLow},
		{40, RiskLevelMedium},
		{59, RiskLevelMedium},
		{60, RiskLevelHigh},
		{79, RiskLevelHigh},
		{80, RiskLevelCritical},
		{100, RiskLevelCritical},
	}
	for _, c := range cases {
		if got := LevelForScore(c.score); got != c.level {
			t.Errorf("score %d: expected %s, got %s", c.score, c.level, got)
		}
	}
}

func TestApplyScore_ClampsAndBands(t *testing.T) {
	profile := UserRiskProfile{}
	now := time.Now().UTC()

	profile.ApplyScore(130, []string{"velocity"}, now)
	if profile.RiskScore.Score != 100 || profile.RiskScore.Level != RiskLevelCritical {
		t.Fatalf("expected clamped critical score, got %d/%s", profile.RiskScore.Score, profile.RiskScore.Level)
	}
	if !profile.RiskScore.LastUpdated.Equal(now) {
		t.Fatal("expected last updated stamp")
	}

	profile.ApplyScore(-5, nil, now)
	if profile.RiskScore.Score != 0 || profile.RiskScore.Level != RiskLevelLow {
		t.Fatalf("expected clamped low score, got %d/%s", profile.RiskScore.Score, profile.RiskScore.Level)
	}
}

func TestUserStatusGating(t *testing.T) {
	if !UserStatusActive.CanTransact() || !UserStatusPending.CanTransact() {
		t.Error("active and pending users may originate transactions")
	}
	if UserStatusBlocked.CanTransact() || UserStatusSuspended.CanTransact() {
		t.Error("blocked and suspended users must be gated")
	}
}
