package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veilbox/veilbox/internal/abuse"
	"github.com/veilbox/veilbox/internal/admission"
	"github.com/veilbox/veilbox/internal/feedback"
	"github.com/veilbox/veilbox/internal/models"
	"github.com/veilbox/veilbox/internal/web/middleware"
)

// APIHandler serves the public feedback API.
type APIHandler struct {
	feedback *feedback.Service
	abuse    *abuse.Service
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(feedbackService *feedback.Service, abuseService *abuse.Service) *APIHandler {
	return &APIHandler{
		feedback: feedbackService,
		abuse:    abuseService,
	}
}

type submitRequest struct {
	Recipient   string `json:"recipient"`
	Message     string `json:"message"`
	SenderEmail string `json:"sender_email,omitempty"`
	Gotcha      string `json:"_gotcha,omitempty"`
}

type submitResponse struct {
	ID          string `json:"id"`
	SenderToken string `json:"sender_token"`
}

type errorResponse struct {
	Reason  string `json:"reason"`
	Limiter string `json:"limiter,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleSubmit accepts a feedback submission.
//
// Expected JSON fields:
//
//	recipient     (required, email address)
//	message       (required)
//	sender_email  (optional)
//	_gotcha       (honeypot -- if filled in, silently accept)
func (h *APIHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: "invalid JSON body"})
		return
	}

	// Honeypot: if the hidden field is filled, silently accept.
	if req.Gotcha != "" {
		writeJSON(w, http.StatusAccepted, submitResponse{ID: fakeID(), SenderToken: ""})
		return
	}

	if admission.LooksAutomated(req.Message) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Reason: "bot_suspected"})
		return
	}

	receipt, err := h.feedback.Submit(r.Context(), feedback.SubmitParams{
		RecipientEmail: req.Recipient,
		Text:           req.Message,
		SenderEmail:    req.SenderEmail,
		VisitorToken:   middleware.VisitorFromContext(r.Context()),
		NetworkAddress: middleware.ClientIP(r),
	})
	if err != nil {
		var admissionErr *feedback.AdmissionError
		switch {
		case errors.As(err, &admissionErr):
			writeAdmissionDenied(w, admissionErr.Decision)
		case errors.Is(err, feedback.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: err.Error()})
		default:
			slog.Error("failed to submit feedback", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:          receipt.ItemID.String(),
		SenderToken: receipt.SenderToken,
	})
}

// writeAdmissionDenied maps a deny decision to a response that names the
// limiter that fired but never the counter values behind it.
func writeAdmissionDenied(w http.ResponseWriter, decision *admission.Decision) {
	switch decision.Reason {
	case admission.ReasonBlocked:
		writeJSON(w, http.StatusForbidden, errorResponse{Reason: admission.ReasonBlocked})
	case admission.ReasonServiceUnavailable:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Reason: admission.ReasonServiceUnavailable})
	default:
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Reason:  admission.ReasonRateLimited,
			Limiter: decision.Limiter,
		})
	}
}

type itemResponse struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	Role            string `json:"role"`
	ImprovedText    string `json:"improved_text,omitempty"`
	RejectReason    string `json:"reject_reason,omitempty"`
	BlockedCategory string `json:"blocked_category,omitempty"`
	ReplyText       string `json:"reply_text,omitempty"`
	Responded       bool   `json:"responded"`
}

// HandleGet returns the state of an item as visible to the presented
// token's role.
func (h *APIHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.feedback.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Reason: "access_denied"})
		return
	}

	writeJSON(w, http.StatusOK, itemResponse{
		ID:              view.ItemID.String(),
		State:           string(view.State),
		Role:            string(view.Role),
		ImprovedText:    view.ImprovedText,
		RejectReason:    view.RejectReason,
		BlockedCategory: view.BlockedCategory,
		ReplyText:       view.ReplyText,
		Responded:       view.Responded,
	})
}

type okResponse struct {
	OK bool `json:"ok"`
}

// HandleApprove accepts the improved text verbatim and triggers delivery.
func (h *APIHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	err := h.feedback.Approve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, errorResponse{Reason: "access_denied"})
		case errors.Is(err, feedback.ErrInvalidState):
			writeJSON(w, http.StatusConflict, errorResponse{Reason: "invalid_state"})
		case errors.Is(err, feedback.ErrDeliveryFailed):
			// Approval stuck; delivery will be retried in the background.
			writeJSON(w, http.StatusAccepted, okResponse{OK: true})
		default:
			slog.Error("failed to approve feedback", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
		}
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type textRequest struct {
	Message string `json:"message"`
}

// HandleEdit replaces the text of an item awaiting approval and re-runs
// the content pipeline on it.
func (h *APIHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: "invalid JSON body"})
		return
	}

	err := h.feedback.Edit(r.Context(), chi.URLParam(r, "token"), req.Message)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, errorResponse{Reason: "access_denied"})
		case errors.Is(err, feedback.ErrInvalidState):
			writeJSON(w, http.StatusConflict, errorResponse{Reason: "invalid_state"})
		case errors.Is(err, feedback.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: err.Error()})
		default:
			slog.Error("failed to edit feedback", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
		}
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleRetry re-runs the pipeline after it was unavailable.
func (h *APIHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	err := h.feedback.Retry(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, errorResponse{Reason: "access_denied"})
		case errors.Is(err, feedback.ErrInvalidState):
			writeJSON(w, http.StatusConflict, errorResponse{Reason: "invalid_state"})
		default:
			slog.Error("failed to retry feedback processing", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, okResponse{OK: true})
}

// HandleRespond records the recipient's one-time reply.
func (h *APIHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: "invalid JSON body"})
		return
	}

	err := h.feedback.Respond(r.Context(), chi.URLParam(r, "token"), req.Message)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, errorResponse{Reason: "access_denied"})
		case errors.Is(err, feedback.ErrAlreadyResponded):
			writeJSON(w, http.StatusConflict, errorResponse{Reason: "already_responded"})
		case errors.Is(err, feedback.ErrInvalidState):
			writeJSON(w, http.StatusConflict, errorResponse{Reason: "invalid_state"})
		case errors.Is(err, feedback.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: err.Error()})
		default:
			slog.Error("failed to record reply", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
		}
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type reportRequest struct {
	Global   bool `json:"global,omitempty"`
	TTLHours int  `json:"ttl_hours,omitempty"`
}

type reportResponse struct {
	OK    bool   `json:"ok"`
	Level string `json:"level"`
}

// HandleReport files an abuse report for a delivered item. Idempotent per
// item: repeat reports return the original outcome.
func (h *APIHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "invalid_request", Error: "invalid JSON body"})
			return
		}
	}

	item, err := h.feedback.ResolveForRole(r.Context(), chi.URLParam(r, "token"), models.RoleRecipient)
	if err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Reason: "access_denied"})
		return
	}
	if item.State != models.StateDelivered {
		writeJSON(w, http.StatusConflict, errorResponse{Reason: "invalid_state"})
		return
	}

	report, err := h.abuse.Report(r.Context(), item, item.RecipientEmail, abuse.ReportParams{
		Global: req.Global,
		TTL:    time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		slog.Error("failed to file abuse report", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
		return
	}

	writeJSON(w, http.StatusOK, reportResponse{OK: true, Level: string(report.Level)})
}

// fakeID gives honeypot submissions a plausible-looking receipt so bots
// cannot tell they were caught.
func fakeID() string {
	return uuid.NewString()
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
