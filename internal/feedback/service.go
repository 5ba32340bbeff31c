// Package feedback drives a submission from creation through delivery or
// rejection. It owns the state machine; admission, content evaluation, and
// delivery are collaborators invoked at the right transitions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veilbox/veilbox/internal/admission"
	"github.com/veilbox/veilbox/internal/dispatch"
	"github.com/veilbox/veilbox/internal/models"
	"github.com/veilbox/veilbox/internal/pipeline"
	"github.com/veilbox/veilbox/internal/store"
	"github.com/veilbox/veilbox/internal/vault"
)

// Sentinel errors returned by Service methods.
var (
	ErrAccessDenied     = vault.ErrAccessDenied
	ErrAlreadyResponded = errors.New("item already has a response")
	ErrInvalidState     = errors.New("operation not valid in current state")
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// AdmissionError carries the admission decision behind a denial.
type AdmissionError struct {
	Decision *admission.Decision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Decision.Reason)
}

// Admitter gates submissions; satisfied by admission.Controller.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Decision, error)
}

// Evaluator is the content pipeline; satisfied by pipeline.Pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, text string) (*pipeline.Outcome, error)
}

const maxTextLength = 10000

// Service orchestrates the feedback lifecycle.
type Service struct {
	items      store.FeedbackStore
	events     store.EventStore
	vault      *vault.Vault
	admitter   Admitter
	evaluator  Evaluator
	dispatcher dispatch.Dispatcher
	baseURL    string
}

func NewService(items store.FeedbackStore, events store.EventStore, v *vault.Vault, admitter Admitter, evaluator Evaluator, dispatcher dispatch.Dispatcher, baseURL string) *Service {
	return &Service{
		items:      items,
		events:     events,
		vault:      v,
		admitter:   admitter,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		baseURL:    baseURL,
	}
}

// SubmitParams is one submission attempt. VisitorToken is empty when the
// client presented no visitor cookie.
type SubmitParams struct {
	RecipientEmail string
	Text           string
	SenderEmail    string
	VisitorToken   string
	NetworkAddress string
}

// Receipt is returned to the submitting client. The sender token is the
// only handle the sender ever gets on the item.
type Receipt struct {
	ItemID      uuid.UUID
	SenderToken string
}

// Submit gates the attempt through admission, persists the item, and
// starts content processing in the background. A denied attempt is not
// persisted and returns an *AdmissionError.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*Receipt, error) {
	recipient := strings.TrimSpace(params.RecipientEmail)
	text := strings.TrimSpace(params.Text)
	if recipient == "" || !strings.Contains(recipient, "@") {
		return nil, fmt.Errorf("%w: recipient address", ErrInvalidInput)
	}
	if text == "" || len(text) > maxTextLength {
		return nil, fmt.Errorf("%w: message text", ErrInvalidInput)
	}

	fingerprint := s.vault.FallbackFingerprint(params.NetworkAddress)
	hasFingerprint := false
	if params.VisitorToken != "" {
		fingerprint = s.vault.Fingerprint(params.VisitorToken)
		hasFingerprint = true
	}
	recipientHash := s.vault.HashRecipient(recipient)

	decision, err := s.admitter.Admit(ctx, admission.Request{
		Fingerprint:    fingerprint,
		HasFingerprint: hasFingerprint,
		RecipientHash:  recipientHash,
		NetworkAddress: params.NetworkAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("admitting submission: %w", err)
	}
	if !decision.Allowed {
		slog.InfoContext(ctx, "submission denied",
			"reason", decision.Reason,
			"limiter", decision.Limiter,
		)
		return nil, &AdmissionError{Decision: decision}
	}

	var encryptedSender string
	if params.SenderEmail != "" {
		encryptedSender, err = s.vault.EncryptAddress(strings.TrimSpace(params.SenderEmail))
		if err != nil {
			return nil, fmt.Errorf("encrypting sender identity: %w", err)
		}
	}

	item := &models.FeedbackItem{
		State:           models.StateAdmitted,
		Fingerprint:     fingerprint,
		RecipientHash:   recipientHash,
		RecipientEmail:  recipient,
		EncryptedSender: encryptedSender,
		RawText:         text,
	}
	item, err = s.items.CreateItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("creating feedback item: %w", err)
	}
	s.appendEvent(ctx, item.ID, models.StateDraft, models.StateAdmitted, "")

	senderToken, err := s.vault.IssueToken(ctx, item.ID, models.RoleSender)
	if err != nil {
		return nil, fmt.Errorf("issuing sender token: %w", err)
	}

	// The pipeline round-trip is the dominant latency source; run it off
	// the request. The caller polls via the sender token.
	go s.process(context.WithoutCancel(ctx), item.ID)

	return &Receipt{ItemID: item.PublicID, SenderToken: senderToken}, nil
}

// process moves an admitted item through the content pipeline.
func (s *Service) process(ctx context.Context, itemID int64) {
	if err := s.items.Transition(ctx, itemID, models.StateAdmitted, models.StateProcessing, store.ItemUpdate{}); err != nil {
		slog.ErrorContext(ctx, "failed to enter processing", "item_id", itemID, "error", err)
		return
	}
	s.appendEvent(ctx, itemID, models.StateAdmitted, models.StateProcessing, "")

	item, err := s.items.GetItemByID(ctx, itemID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load item for processing", "item_id", itemID, "error", err)
		return
	}
	s.runPipeline(ctx, item)
}

// runPipeline evaluates an item already in StateProcessing and applies the
// resulting transition.
func (s *Service) runPipeline(ctx context.Context, item *models.FeedbackItem) {
	outcome, err := s.evaluator.Evaluate(ctx, item.RawText)
	if err != nil {
		// Unavailability is not the sender's fault: return the item to
		// admitted for a caller-driven retry instead of rejecting.
		if transErr := s.items.Transition(ctx, item.ID, models.StateProcessing, models.StateAdmitted, store.ItemUpdate{}); transErr != nil {
			slog.ErrorContext(ctx, "failed to revert unprocessable item", "item_id", item.ID, "error", transErr)
			return
		}
		s.appendEvent(ctx, item.ID, models.StateProcessing, models.StateAdmitted, "pipeline_unavailable")
		return
	}

	if outcome.Blocked {
		reason := models.ReasonContentBlocked
		update := store.ItemUpdate{
			RejectReason:    &reason,
			BlockedCategory: &outcome.BlockedCategory,
		}
		if err := s.items.Transition(ctx, item.ID, models.StateProcessing, models.StateRejected, update); err != nil {
			slog.ErrorContext(ctx, "failed to reject item", "item_id", item.ID, "error", err)
			return
		}
		s.appendEvent(ctx, item.ID, models.StateProcessing, models.StateRejected, models.ReasonContentBlocked)
		return
	}

	update := store.ItemUpdate{ImprovedText: &outcome.ImprovedText}
	if err := s.items.Transition(ctx, item.ID, models.StateProcessing, models.StateAwaitingApproval, update); err != nil {
		slog.ErrorContext(ctx, "failed to store improved text", "item_id", item.ID, "error", err)
		return
	}
	s.appendEvent(ctx, item.ID, models.StateProcessing, models.StateAwaitingApproval, "")
}

// Retry re-runs the pipeline for an item stranded in admitted after the
// pipeline was unavailable. Admission is not re-run; the attempt was
// already gated.
func (s *Service) Retry(ctx context.Context, senderToken string) error {
	item, err := s.resolveItem(ctx, senderToken, models.RoleSender)
	if err != nil {
		return err
	}
	if item.State != models.StateAdmitted {
		return ErrInvalidState
	}
	s.process(ctx, item.ID)
	return nil
}

// Edit replaces the raw text of an item awaiting approval and re-runs the
// pipeline on it.
func (s *Service) Edit(ctx context.Context, senderToken, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" || len(newText) > maxTextLength {
		return fmt.Errorf("%w: message text", ErrInvalidInput)
	}

	item, err := s.resolveItem(ctx, senderToken, models.RoleSender)
	if err != nil {
		return err
	}

	update := store.ItemUpdate{RawText: &newText}
	if err := s.items.Transition(ctx, item.ID, models.StateAwaitingApproval, models.StateProcessing, update); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrInvalidState
		}
		return fmt.Errorf("re-entering processing: %w", err)
	}
	s.appendEvent(ctx, item.ID, models.StateAwaitingApproval, models.StateProcessing, "edited")

	item.RawText = newText
	s.runPipeline(ctx, item)
	return nil
}

// Approve accepts the improved text verbatim and hands the item to the
// dispatcher. A failed dispatch leaves the item approved; redelivery is
// the retention worker's job, not a retry loop here.
func (s *Service) Approve(ctx context.Context, senderToken string) error {
	item, err := s.resolveItem(ctx, senderToken, models.RoleSender)
	if err != nil {
		return err
	}

	if err := s.items.Transition(ctx, item.ID, models.StateAwaitingApproval, models.StateApproved, store.ItemUpdate{}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrInvalidState
		}
		return fmt.Errorf("approving item: %w", err)
	}
	s.appendEvent(ctx, item.ID, models.StateAwaitingApproval, models.StateApproved, "")
	item.State = models.StateApproved

	return s.Deliver(ctx, item)
}

// Deliver dispatches an approved item to its recipient and, on transport
// success, finalizes the state machine. Exported for the redelivery
// worker.
func (s *Service) Deliver(ctx context.Context, item *models.FeedbackItem) error {
	if item.State != models.StateApproved {
		return ErrInvalidState
	}

	recipientToken, err := s.vault.IssueToken(ctx, item.ID, models.RoleRecipient)
	if err != nil {
		return fmt.Errorf("issuing recipient token: %w", err)
	}

	body := dispatch.FeedbackDeliveryBody(item.ImprovedText, s.accessURL(recipientToken))
	_, err = s.dispatcher.Deliver(ctx, dispatch.Delivery{
		To:      item.RecipientEmail,
		Subject: "You received anonymous feedback",
		Body:    body,
	})
	if err != nil {
		attempt := item.DeliveryAttempts + 1
		if recErr := s.items.RecordDeliveryFailure(ctx, item.ID, attempt, err.Error()); recErr != nil {
			slog.ErrorContext(ctx, "failed to record delivery failure", "item_id", item.ID, "error", recErr)
		}
		slog.WarnContext(ctx, "delivery failed, item stays approved",
			"item_id", item.PublicID,
			"attempt", attempt,
		)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	if err := s.items.Transition(ctx, item.ID, models.StateApproved, models.StateDelivered, store.ItemUpdate{}); err != nil {
		return fmt.Errorf("finalizing delivery: %w", err)
	}
	s.appendEvent(ctx, item.ID, models.StateApproved, models.StateDelivered, "")

	s.confirmToSender(ctx, item)
	return nil
}

// confirmToSender emails a delivery confirmation when the sender
// volunteered an address. The address is decrypted only here, at compose
// time, and the mail is fire-and-forget.
func (s *Service) confirmToSender(ctx context.Context, item *models.FeedbackItem) {
	if item.EncryptedSender == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		senderEmail, err := s.vault.DecryptAddress(item.EncryptedSender)
		if err != nil {
			slog.Error("failed to decrypt sender identity for confirmation", "item_id", item.PublicID, "error", err)
			return
		}
		token, err := s.vault.IssueToken(ctx, item.ID, models.RoleSender)
		if err != nil {
			slog.Error("failed to issue sender link token", "item_id", item.PublicID, "error", err)
			return
		}
		_, err = s.dispatcher.Deliver(ctx, dispatch.Delivery{
			To:      senderEmail,
			Subject: "Your feedback was delivered",
			Body:    dispatch.SenderConfirmationBody(s.accessURL(token)),
		})
		if err != nil {
			slog.Error("failed to send sender confirmation", "item_id", item.PublicID, "error", err)
		}
	}()
}

// View is the role-appropriate projection of an item.
type View struct {
	ItemID          uuid.UUID
	State           models.State
	Role            models.Role
	ImprovedText    string
	RejectReason    string
	BlockedCategory string
	ReplyText       string
	Responded       bool
}

// Get returns the item state as visible to the presented token's role.
// The raw submitted text is never exposed to the recipient.
func (s *Service) Get(ctx context.Context, token string) (*View, error) {
	itemID, role, err := s.vault.Resolve(ctx, token)
	if err != nil {
		return nil, ErrAccessDenied
	}
	item, err := s.items.GetItemByID(ctx, itemID)
	if err != nil {
		return nil, ErrAccessDenied
	}

	view := &View{
		ItemID:    item.PublicID,
		State:     item.State,
		Role:      role,
		Responded: item.RespondedAt != nil,
	}

	switch role {
	case models.RoleSender:
		view.ImprovedText = item.ImprovedText
		view.RejectReason = item.RejectReason
		view.BlockedCategory = item.BlockedCategory
		view.ReplyText = item.ReplyText
	case models.RoleRecipient:
		// Recipients see only what was delivered.
		if item.State == models.StateDelivered {
			view.ImprovedText = item.ImprovedText
		}
	}
	return view, nil
}

// Respond records the recipient's one-time reply and forwards it to the
// sender when an address was volunteered. A second reply attempt returns
// ErrAlreadyResponded.
func (s *Service) Respond(ctx context.Context, recipientToken, replyText string) error {
	replyText = strings.TrimSpace(replyText)
	if replyText == "" || len(replyText) > maxTextLength {
		return fmt.Errorf("%w: reply text", ErrInvalidInput)
	}

	item, err := s.resolveItem(ctx, recipientToken, models.RoleRecipient)
	if err != nil {
		return err
	}
	if item.State != models.StateDelivered {
		return ErrInvalidState
	}

	if err := s.items.SetReply(ctx, item.ID, replyText, time.Now()); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrAlreadyResponded
		}
		return fmt.Errorf("recording reply: %w", err)
	}
	s.appendEvent(ctx, item.ID, models.StateDelivered, models.StateDelivered, "responded")

	if item.EncryptedSender != "" {
		go func() {
			senderEmail, err := s.vault.DecryptAddress(item.EncryptedSender)
			if err != nil {
				slog.Error("failed to decrypt sender identity for reply", "item_id", item.PublicID, "error", err)
				return
			}
			bg := context.WithoutCancel(ctx)
			_, err = s.dispatcher.Deliver(bg, dispatch.Delivery{
				To:      senderEmail,
				Subject: "You received a reply to your feedback",
				Body:    dispatch.ReplyForwardBody(replyText),
			})
			if err != nil {
				slog.Error("failed to forward reply", "item_id", item.PublicID, "error", err)
			}
		}()
	}
	return nil
}

// ResolveForRole resolves a token, loads its item, and checks the role.
// Exported for handlers that need the item itself (abuse reporting).
func (s *Service) ResolveForRole(ctx context.Context, token string, role models.Role) (*models.FeedbackItem, error) {
	return s.resolveItem(ctx, token, role)
}

func (s *Service) resolveItem(ctx context.Context, token string, role models.Role) (*models.FeedbackItem, error) {
	itemID, tokenRole, err := s.vault.Resolve(ctx, token)
	if err != nil {
		return nil, ErrAccessDenied
	}
	if tokenRole != role {
		return nil, ErrAccessDenied
	}
	item, err := s.items.GetItemByID(ctx, itemID)
	if err != nil {
		return nil, ErrAccessDenied
	}
	return item, nil
}

func (s *Service) accessURL(token string) string {
	return s.baseURL + "/feedback/" + token
}

// appendEvent records an audit event; failures are logged, never fatal to
// the transition that already happened.
func (s *Service) appendEvent(ctx context.Context, itemID int64, from, to models.State, reason string) {
	if err := s.events.AppendEvent(ctx, itemID, from, to, reason); err != nil {
		slog.ErrorContext(ctx, "failed to append audit event",
			"item_id", itemID,
			"from", from,
			"to", to,
			"error", err,
		)
	}
}
