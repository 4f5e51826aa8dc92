package domain

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleEvent records one status change of a transaction. Events form an
// ordered-per-transaction stream delivered at least once to notification and
// audit consumers; consumers de-duplicate on (TransactionID, ToStatus).
type LifecycleEvent struct {
	EventID       uuid.UUID         `json:"event_id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Reference     string            `json:"reference"`
	FromStatus    TransactionStatus `json:"from_status"`
	ToStatus      TransactionStatus `json:"to_status"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// SettlementStatusEvent is the payload settlement providers publish when a
// transfer they carry reaches a new state on their side. The external
// reference is the provider's identifier recorded at creation time.
type SettlementStatusEvent struct {
	ExternalReference string    `json:"external_reference"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	OccurredAt        time.Time `json:"occurred_at,omitempty"`
}
