package feedback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veilbox/veilbox/internal/admission"
	"github.com/veilbox/veilbox/internal/dispatch"
	"github.com/veilbox/veilbox/internal/models"
	"github.com/veilbox/veilbox/internal/pipeline"
	"github.com/veilbox/veilbox/internal/store"
	"github.com/veilbox/veilbox/internal/vault"
)

// --- In-memory stores ---

type memFeedbackStore struct {
	mu     sync.Mutex
	items  map[int64]*models.FeedbackItem
	nextID int64
}

func newMemFeedbackStore() *memFeedbackStore {
	return &memFeedbackStore{items: make(map[int64]*models.FeedbackItem), nextID: 1}
}

func (m *memFeedbackStore) CreateItem(_ context.Context, item *models.FeedbackItem) (*models.FeedbackItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *item
	clone.ID = m.nextID
	clone.PublicID = uuid.New()
	clone.CreatedAt = time.Now()
	m.nextID++
	m.items[clone.ID] = &clone
	result := clone
	return &result, nil
}

func (m *memFeedbackStore) GetItemByID(_ context.Context, id int64) (*models.FeedbackItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *item
	return &clone, nil
}

func (m *memFeedbackStore) GetItemByPublicID(_ context.Context, publicID uuid.UUID) (*models.FeedbackItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.PublicID == publicID {
			clone := *item
			return &clone, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *memFeedbackStore) Transition(_ context.Context, itemID int64, from, to models.State, update store.ItemUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok || item.State != from {
		return store.ErrInvalidTransition
	}
	item.State = to
	if update.RawText != nil {
		item.RawText = *update.RawText
	}
	if update.ImprovedText != nil {
		item.ImprovedText = *update.ImprovedText
	}
	if update.RejectReason != nil {
		item.RejectReason = *update.RejectReason
	}
	if update.BlockedCategory != nil {
		item.BlockedCategory = *update.BlockedCategory
	}
	return nil
}

func (m *memFeedbackStore) SetReply(_ context.Context, itemID int64, reply string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok || item.RespondedAt != nil {
		return store.ErrInvalidTransition
	}
	item.ReplyText = reply
	item.RespondedAt = &at
	return nil
}

func (m *memFeedbackStore) RecordDeliveryFailure(_ context.Context, itemID int64, attempt int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return errors.New("not found")
	}
	item.DeliveryAttempts = attempt
	item.LastDeliveryError = lastError
	return nil
}

func (m *memFeedbackStore) ListUndelivered(_ context.Context, _ time.Time, _ int) ([]models.FeedbackItem, error) {
	return nil, nil
}

func (m *memFeedbackStore) RedactExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *memFeedbackStore) PurgeSenderIdentities(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *memFeedbackStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type memEventStore struct {
	mu     sync.Mutex
	events []models.FeedbackEvent
}

func (m *memEventStore) AppendEvent(_ context.Context, itemID int64, from, to models.State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, models.FeedbackEvent{
		ItemID:    itemID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *memEventStore) ListEventsByItemID(_ context.Context, itemID int64) ([]models.FeedbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FeedbackEvent
	for _, e := range m.events {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEventStore) hasReason(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Reason == reason {
			return true
		}
	}
	return false
}

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.AccessToken
	nextID int64
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]*models.AccessToken), nextID: 1}
}

func (m *memTokenStore) CreateToken(_ context.Context, itemID int64, tokenHash string, role models.Role) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &models.AccessToken{ID: m.nextID, ItemID: itemID, TokenHash: tokenHash, Role: role, CreatedAt: time.Now()}
	m.nextID++
	m.tokens[tokenHash] = t
	return t, nil
}

func (m *memTokenStore) GetTokenByHash(_ context.Context, tokenHash string) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func (m *memTokenStore) RevokeToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[tokenHash]; ok {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

// --- Collaborator mocks ---

type mockAdmitter struct {
	decision *admission.Decision
}

func (m *mockAdmitter) Admit(_ context.Context, _ admission.Request) (*admission.Decision, error) {
	if m.decision != nil {
		return m.decision, nil
	}
	return &admission.Decision{Allowed: true}, nil
}

type mockEvaluator struct {
	mu      sync.Mutex
	outcome *pipeline.Outcome
	err     error
	calls   int
}

func (m *mockEvaluator) Evaluate(_ context.Context, _ string) (*pipeline.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.outcome != nil {
		return m.outcome, nil
	}
	return &pipeline.Outcome{ImprovedText: "improved"}, nil
}

func (m *mockEvaluator) set(outcome *pipeline.Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome = outcome
	m.err = err
}

type mockDispatcher struct {
	mu         sync.Mutex
	deliveries []dispatch.Delivery
	err        error
}

func (m *mockDispatcher) Deliver(_ context.Context, d dispatch.Delivery) (*dispatch.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.deliveries = append(m.deliveries, d)
	return &dispatch.Receipt{ID: uuid.New()}, nil
}

func (m *mockDispatcher) sent() []dispatch.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dispatch.Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}

func (m *mockDispatcher) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// --- Harness ---

type harness struct {
	service    *Service
	items      *memFeedbackStore
	events     *memEventStore
	admitter   *mockAdmitter
	evaluator  *mockEvaluator
	dispatcher *mockDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	items := newMemFeedbackStore()
	events := &memEventStore{}
	admitter := &mockAdmitter{}
	evaluator := &mockEvaluator{}
	dispatcher := &mockDispatcher{}

	v, err := vault.New(bytes.Repeat([]byte{0x42}, 32), newMemTokenStore())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	svc := NewService(items, events, v, admitter, evaluator, dispatcher, "https://feedback.example")
	return &harness{
		service:    svc,
		items:      items,
		events:     events,
		admitter:   admitter,
		evaluator:  evaluator,
		dispatcher: dispatcher,
	}
}

func validParams() SubmitParams {
	return SubmitParams{
		RecipientEmail: "recipient@example.com",
		Text:           "your talk ran long and lost the room halfway through",
		VisitorToken:   "visitor-1",
		NetworkAddress: "203.0.113.9",
	}
}

// waitForState polls until processing lands the item in want. Processing
// runs off the request goroutine, so tests synchronize on the outcome.
func (h *harness) waitForState(t *testing.T, itemID int64, want models.State) *models.FeedbackItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		item, err := h.items.GetItemByID(context.Background(), itemID)
		if err == nil && item.State == want {
			return item
		}
		time.Sleep(5 * time.Millisecond)
	}
	item, _ := h.items.GetItemByID(context.Background(), itemID)
	t.Fatalf("item never reached %s, stuck in %s", want, item.State)
	return nil
}

func (h *harness) itemIDFor(t *testing.T, receipt *Receipt) int64 {
	t.Helper()
	item, err := h.items.GetItemByPublicID(context.Background(), receipt.ItemID)
	if err != nil {
		t.Fatalf("receipt references unknown item: %v", err)
	}
	return item.ID
}

// --- Tests ---

func TestSubmit_HappyPathToAwaitingApproval(t *testing.T) {
	h := newHarness(t)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.SenderToken == "" {
		t.Fatal("expected a sender token")
	}

	item := h.waitForState(t, h.itemIDFor(t, receipt), models.StateAwaitingApproval)
	if item.ImprovedText != "improved" {
		t.Errorf("expected improved text, got %q", item.ImprovedText)
	}
	if item.Fingerprint == "visitor-1" {
		t.Error("raw visitor token stored as fingerprint")
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t)

	cases := []SubmitParams{
		{RecipientEmail: "", Text: "hello"},
		{RecipientEmail: "not-an-address", Text: "hello"},
		{RecipientEmail: "a@example.com", Text: ""},
		{RecipientEmail: "a@example.com", Text: string(bytes.Repeat([]byte{'x'}, maxTextLength+1))},
	}
	for _, params := range cases {
		if _, err := h.service.Submit(context.Background(), params); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("params %+v: expected ErrInvalidInput, got %v", params, err)
		}
	}
	if h.items.count() != 0 {
		t.Error("invalid submissions must not be persisted")
	}
}

func TestSubmit_AdmissionDeniedNotPersisted(t *testing.T) {
	h := newHarness(t)
	h.admitter.decision = &admission.Decision{
		Allowed: false,
		Reason:  admission.ReasonRateLimited,
		Limiter: admission.LimiterPair,
	}

	_, err := h.service.Submit(context.Background(), validParams())
	var admissionErr *AdmissionError
	if !errors.As(err, &admissionErr) {
		t.Fatalf("expected *AdmissionError, got %v", err)
	}
	if admissionErr.Decision.Limiter != admission.LimiterPair {
		t.Errorf("decision lost in transit: %+v", admissionErr.Decision)
	}
	if h.items.count() != 0 {
		t.Error("denied submissions must leave no trace")
	}
}

func TestSubmit_SenderIdentityIsEncrypted(t *testing.T) {
	h := newHarness(t)

	params := validParams()
	params.SenderEmail = "sender@example.com"
	receipt, err := h.service.Submit(context.Background(), params)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	item := h.waitForState(t, h.itemIDFor(t, receipt), models.StateAwaitingApproval)
	if item.EncryptedSender == "" {
		t.Fatal("sender identity was dropped")
	}
	if item.EncryptedSender == "sender@example.com" {
		t.Error("sender identity stored in plaintext")
	}
}

func TestSubmit_ContentBlockedRejects(t *testing.T) {
	h := newHarness(t)
	h.evaluator.set(&pipeline.Outcome{
		Blocked:         true,
		BlockedCategory: "threat",
		BlockedReason:   "threatens the recipient",
	}, nil)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	item := h.waitForState(t, h.itemIDFor(t, receipt), models.StateRejected)
	if item.RejectReason != models.ReasonContentBlocked {
		t.Errorf("expected content_blocked, got %q", item.RejectReason)
	}
	if item.BlockedCategory != "threat" {
		t.Errorf("expected category threat, got %q", item.BlockedCategory)
	}
	if len(h.dispatcher.sent()) != 0 {
		t.Error("rejected items must never be dispatched")
	}
}

func TestSubmit_PipelineUnavailableRevertsToAdmitted(t *testing.T) {
	h := newHarness(t)
	h.evaluator.set(nil, pipeline.ErrUnavailable)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	itemID := h.itemIDFor(t, receipt)
	// The item passes through processing and comes back to admitted.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if h.events.hasReason("pipeline_unavailable") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pipeline_unavailable event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	item := h.waitForState(t, itemID, models.StateAdmitted)

	// A retry after recovery completes the run.
	h.evaluator.set(&pipeline.Outcome{ImprovedText: "improved"}, nil)
	if err := h.service.Retry(context.Background(), receipt.SenderToken); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.waitForState(t, item.ID, models.StateAwaitingApproval)
}

func TestRetry_OnlyFromAdmitted(t *testing.T) {
	h := newHarness(t)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitForState(t, h.itemIDFor(t, receipt), models.StateAwaitingApproval)

	if err := h.service.Retry(context.Background(), receipt.SenderToken); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestEdit_ReplacesTextAndReRunsPipeline(t *testing.T) {
	h := newHarness(t)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)

	h.evaluator.set(&pipeline.Outcome{ImprovedText: "improved v2"}, nil)
	if err := h.service.Edit(context.Background(), receipt.SenderToken, "a softer version of the same point"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	item := h.waitForState(t, itemID, models.StateAwaitingApproval)
	if item.RawText != "a softer version of the same point" {
		t.Errorf("raw text not replaced: %q", item.RawText)
	}
	if item.ImprovedText != "improved v2" {
		t.Errorf("pipeline did not re-run: %q", item.ImprovedText)
	}
	if !h.events.hasReason("edited") {
		t.Error("edit event not recorded")
	}
}

func TestEdit_InvalidOutsideAwaitingApproval(t *testing.T) {
	h := newHarness(t)
	h.evaluator.set(nil, pipeline.ErrUnavailable)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitForState(t, h.itemIDFor(t, receipt), models.StateAdmitted)

	if err := h.service.Edit(context.Background(), receipt.SenderToken, "new text"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestApprove_DeliversAndFinalizes(t *testing.T) {
	h := newHarness(t)

	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)

	if err := h.service.Approve(context.Background(), receipt.SenderToken); err != nil {
		t.Fatalf("approve: %v", err)
	}

	item := h.waitForState(t, itemID, models.StateDelivered)
	if !item.State.Terminal() {
		t.Error("delivered should be terminal")
	}

	sent := h.dispatcher.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sent))
	}
	if sent[0].To != "recipient@example.com" {
		t.Errorf("delivered to %q", sent[0].To)
	}
}

func TestApprove_DispatchFailureStaysApproved(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)

	h.dispatcher.setErr(errors.New("smtp: connection refused"))
	if err := h.service.Approve(context.Background(), receipt.SenderToken); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	item, _ := h.items.GetItemByID(context.Background(), itemID)
	if item.State != models.StateApproved {
		t.Errorf("failed dispatch must leave the item approved, got %s", item.State)
	}
	if item.DeliveryAttempts != 1 {
		t.Errorf("expected one recorded attempt, got %d", item.DeliveryAttempts)
	}

	// A later redelivery succeeds and finalizes.
	h.dispatcher.setErr(nil)
	if err := h.service.Deliver(context.Background(), item); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	h.waitForState(t, itemID, models.StateDelivered)
}

func TestApprove_RecipientTokenWrongRole(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)
	if err := h.service.Approve(context.Background(), receipt.SenderToken); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.waitForState(t, itemID, models.StateDelivered)

	recipientToken := tokenFromDelivery(t, h.dispatcher.sent()[0].Body)
	if err := h.service.Approve(context.Background(), recipientToken); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("recipient token must not drive sender operations, got %v", err)
	}
}

func TestGet_RoleScopedViews(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)

	view, err := h.service.Get(context.Background(), receipt.SenderToken)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Role != models.RoleSender || view.ImprovedText != "improved" {
		t.Errorf("sender view wrong: %+v", view)
	}

	if err := h.service.Approve(context.Background(), receipt.SenderToken); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.waitForState(t, itemID, models.StateDelivered)

	recipientToken := tokenFromDelivery(t, h.dispatcher.sent()[0].Body)
	view, err = h.service.Get(context.Background(), recipientToken)
	if err != nil {
		t.Fatalf("get as recipient: %v", err)
	}
	if view.Role != models.RoleRecipient {
		t.Errorf("expected recipient role, got %q", view.Role)
	}
	if view.ImprovedText != "improved" {
		t.Error("recipient should see the delivered text")
	}
}

func TestGet_BadToken(t *testing.T) {
	h := newHarness(t)
	if _, err := h.service.Get(context.Background(), "nonsense"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestRespond_OneTimeOnly(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)
	if err := h.service.Approve(context.Background(), receipt.SenderToken); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.waitForState(t, itemID, models.StateDelivered)

	recipientToken := tokenFromDelivery(t, h.dispatcher.sent()[0].Body)
	if err := h.service.Respond(context.Background(), recipientToken, "thanks, noted"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := h.service.Respond(context.Background(), recipientToken, "one more thing"); !errors.Is(err, ErrAlreadyResponded) {
		t.Errorf("expected ErrAlreadyResponded, got %v", err)
	}

	item, _ := h.items.GetItemByID(context.Background(), itemID)
	if item.ReplyText != "thanks, noted" {
		t.Errorf("first reply overwritten: %q", item.ReplyText)
	}
}

func TestRespond_SenderTokenDenied(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.service.Submit(context.Background(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := h.itemIDFor(t, receipt)
	h.waitForState(t, itemID, models.StateAwaitingApproval)

	if err := h.service.Respond(context.Background(), receipt.SenderToken, "hi"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

// tokenFromDelivery pulls the access token out of the delivery body's link.
func tokenFromDelivery(t *testing.T, body string) string {
	t.Helper()
	const marker = "https://feedback.example/feedback/"
	idx := bytes.Index([]byte(body), []byte(marker))
	if idx < 0 {
		t.Fatalf("no access link in delivery body: %s", body)
	}
	rest := body[idx+len(marker):]
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return rest[:i]
	}
	return rest
}
