/**
 * @description
 * This file contains the HTTP handlers for the transaction core's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowpay/transaction-core/internal/app"
	"github.com/flowpay/transaction-core/internal/domain"
	"github.com/flowpay/transaction-core/internal/store"
)

// TransactionHandlers holds the application service that handlers will use.
type TransactionHandlers struct {
	service *app.Service
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(service *app.Service) *TransactionHandlers {
	return &TransactionHandlers{service: service}
}

type transitionRequest struct {
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

type userRiskResponse struct {
	UserID    string           `json:"user_id"`
	Score     int              `json:"score"`
	Level     domain.RiskLevel `json:"level"`
	Factors   []string         `json:"factors,omitempty"`
	UpdatedAt string           `json:"updated_at"`
}

// CreateTransactionHandler handles POST /transactions.
func (h *TransactionHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req app.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.CreateTransaction(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

// GetTransactionHandler handles GET /transactions/{id}.
func (h *TransactionHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// GetTransactionByReferenceHandler handles GET /transactions/reference/{reference}.
func (h *TransactionHandlers) GetTransactionByReferenceHandler(w http.ResponseWriter, r *http.Request) {
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		h.writeError(w, http.StatusBadRequest, "Reference is required")
		return
	}
	tx, err := h.service.FindByReference(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// ListLifecycleEventsHandler handles GET /transactions/{id}/events.
func (h *TransactionHandlers) ListLifecycleEventsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	events, err := h.service.ListLifecycleEvents(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// TransitionTransactionHandler handles POST /transactions/{id}/transition.
// Internal-only: settlement operators and sibling services drive explicit
// lifecycle edges through it.
func (h *TransactionHandlers) TransitionTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.TransitionTransaction(r.Context(), id, domain.TransactionStatus(req.Status), app.TransitionContext{
		FailureReason: req.FailureReason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// ResolveReviewHandler handles POST /transactions/{id}/review. The reviewer
// identity is the authenticated subject, not client-supplied.
func (h *TransactionHandlers) ResolveReviewHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	reviewer, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get reviewer from context")
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.ResolveReview(r.Context(), id, reviewer, req.Approve, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// EvaluateUserRiskHandler handles POST /users/{id}/risk-evaluation. It
// recomputes the user's aggregate score from trailing activity.
func (h *TransactionHandlers) EvaluateUserRiskHandler(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	userID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return
	}

	profile, err := h.service.EvaluateUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, userRiskResponse{
		UserID:    profile.UserID.String(),
		Score:     profile.RiskScore.Score,
		Level:     profile.RiskScore.Level,
		Factors:   profile.RiskScore.Factors,
		UpdatedAt: profile.RiskScore.LastUpdated.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (h *TransactionHandlers) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service-layer errors onto HTTP statuses.
func (h *TransactionHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case app.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, app.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrReviewAlreadyResolved):
		h.writeError(w, http.StatusConflict, "Review already resolved")
	case errors.Is(err, store.ErrStatusConflict):
		h.writeError(w, http.StatusConflict, "Transaction changed concurrently; retry")
	case errors.Is(err, app.ErrReferenceExhausted):
		h.writeError(w, http.StatusServiceUnavailable, "Could not allocate a transaction reference")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" path=%s err=%v", r.URL.Path, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *TransactionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
