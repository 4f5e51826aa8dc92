/**
 * @description
 * This file contains the settlement status consumer. Settlement providers
 * publish status events for the transfers they carry; this consumer maps
 * them onto lifecycle transitions and drives them through the lifecycle
 * manager, so the ledger legs (commit on completion, release on failure)
 * run exactly as they do for API-driven transitions.
 *
 * Delivery is at-least-once. The consumer acknowledges malformed payloads
 * and events for unknown or already-settled transactions (replays), and
 * only rejects for requeue on transient processing errors.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/flowpay/transaction-core/internal/domain"
	"github.com/flowpay/transaction-core/internal/store"
)

const settlementHandleTimeout = 15 * time.Second

// SettlementConsumer applies provider settlement callbacks to transactions.
type SettlementConsumer struct {
	service *Service
}

func NewSettlementConsumer(service *Service) *SettlementConsumer {
	return &SettlementConsumer{service: service}
}

// HandleMessage processes one delivery. The returned bool is the ack
// decision: true acknowledges, false rejects for requeue.
func (c *SettlementConsumer) HandleMessage(body []byte) bool {
	var event domain.SettlementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=settlement-consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}

	if strings.TrimSpace(event.ExternalReference) == "" {
		log.Printf("level=warn component=settlement-consumer msg=\"missing external reference; dropping\" status=%q", event.Status)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), settlementHandleTimeout)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("level=error component=settlement-consumer msg=\"processing failed; requeueing\" external_reference=%s err=%v", event.ExternalReference, err)
		return false
	}
	return true
}

func (c *SettlementConsumer) processEvent(ctx context.Context, event domain.SettlementStatusEvent) error {
	tx, err := c.service.repo.FindTransactionByExternalReference(ctx, event.ExternalReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=settlement-consumer msg=\"no transaction for external reference; dropping\" external_reference=%s", event.ExternalReference)
			return nil
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	target, ok := normalizeSettlementStatus(event.Status)
	if !ok {
		log.Printf("level=warn component=settlement-consumer msg=\"unrecognized settlement status; dropping\" external_reference=%s status=%q", event.ExternalReference, event.Status)
		return nil
	}

	switch target {
	case domain.StatusCompleted:
		return c.applySettlement(ctx, tx, domain.StatusCompleted, TransitionContext{})
	case domain.StatusFailed:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "provider_failed"
		}
		return c.applySettlement(ctx, tx, domain.StatusFailed, TransitionContext{FailureReason: reason})
	default:
		// Intermediate provider states carry no lifecycle edge: the core
		// already moved the transaction to processing on creation, and a
		// held transaction only leaves on_hold through review.
		return nil
	}
}

func (c *SettlementConsumer) applySettlement(ctx context.Context, tx *domain.Transaction, target domain.TransactionStatus, tc TransitionContext) error {
	_, err := c.service.TransitionTransaction(ctx, tx.ID, target, tc)
	if err == nil {
		return nil
	}
	// A stale replay races a transaction that already settled; the edge is
	// no longer legal and the delivery must not be requeued.
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrStatusConflict) {
		log.Printf("level=info component=settlement-consumer msg=\"stale settlement event; dropping\" transaction_id=%s current=%s target=%s", tx.ID, tx.Status, target)
		return nil
	}
	return err
}

// normalizeSettlementStatus maps the provider's status vocabulary onto the
// lifecycle statuses. Unknown words are reported, not guessed at.
func normalizeSettlementStatus(status string) (domain.TransactionStatus, bool) {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "completed", "successful", "success", "settled":
		return domain.StatusCompleted, true
	case "failed", "failure", "rejected", "declined":
		return domain.StatusFailed, true
	case "initiated", "pending", "processing", "in_progress":
		return domain.StatusProcessing, true
	default:
		return "", false
	}
}
