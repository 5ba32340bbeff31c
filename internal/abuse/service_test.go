package abuse

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veilbox/veilbox/internal/models"
)

// --- Mocks ---

type mockAbuseStore struct {
	mu         sync.Mutex
	reports    map[int64]*models.AbuseReport
	directives []models.BlockDirective
	nextID     int64
}

func newMockAbuseStore() *mockAbuseStore {
	return &mockAbuseStore{reports: make(map[int64]*models.AbuseReport), nextID: 1}
}

func (m *mockAbuseStore) CreateReport(_ context.Context, report *models.AbuseReport) (*models.AbuseReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *report
	clone.ID = m.nextID
	clone.CreatedAt = time.Now()
	m.nextID++
	m.reports[clone.ItemID] = &clone
	result := clone
	return &result, nil
}

func (m *mockAbuseStore) GetReportByItemID(_ context.Context, itemID int64) (*models.AbuseReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[itemID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *report
	return &clone, nil
}

func (m *mockAbuseStore) CreateBlockDirective(_ context.Context, directive *models.BlockDirective) (*models.BlockDirective, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *directive
	clone.ID = m.nextID
	clone.CreatedAt = time.Now()
	m.nextID++
	m.directives = append(m.directives, clone)
	result := clone
	return &result, nil
}

func (m *mockAbuseStore) GetBlockDirectives(_ context.Context, fingerprint, recipientHash string) ([]models.BlockDirective, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BlockDirective
	for _, d := range m.directives {
		if d.RecipientHash != recipientHash {
			continue
		}
		if d.Level == models.BlockGlobal || d.Fingerprint == fingerprint {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockAbuseStore) DeleteExpiredDirectives(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.BlockDirective
	var dropped int64
	for _, d := range m.directives {
		if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
			dropped++
			continue
		}
		kept = append(kept, d)
	}
	m.directives = kept
	return dropped, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	level models.BlockLevel
}

func (n *recordingNotifier) NotifyReportFiled(_ context.Context, recipientEmail string, level models.BlockLevel) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recipientEmail)
	n.level = level
	return nil
}

func deliveredItem() *models.FeedbackItem {
	return &models.FeedbackItem{
		ID:            42,
		PublicID:      uuid.New(),
		State:         models.StateDelivered,
		Fingerprint:   "fp-sender",
		RecipientHash: "rh-recipient",
	}
}

// --- Tests ---

func TestReport_SenderSpecificByDefault(t *testing.T) {
	store := newMockAbuseStore()
	svc := NewService(store, &NoopNotifier{})

	report, err := svc.Report(context.Background(), deliveredItem(), "", ReportParams{})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Level != models.BlockSenderSpecific {
		t.Errorf("expected sender_specific, got %q", report.Level)
	}

	directive, err := svc.CheckBlock(context.Background(), "fp-sender", "rh-recipient")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if directive.Level != models.BlockSenderSpecific {
		t.Errorf("expected an active sender_specific directive, got %q", directive.Level)
	}

	// A different sender to the same recipient is unaffected.
	directive, err = svc.CheckBlock(context.Background(), "fp-other", "rh-recipient")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if directive.Level != models.BlockNone {
		t.Errorf("sender_specific directive leaked to another sender: %q", directive.Level)
	}
}

func TestReport_GlobalBlocksEveryone(t *testing.T) {
	store := newMockAbuseStore()
	svc := NewService(store, &NoopNotifier{})

	_, err := svc.Report(context.Background(), deliveredItem(), "", ReportParams{Global: true})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	for _, fp := range []string{"fp-sender", "fp-other", ""} {
		directive, err := svc.CheckBlock(context.Background(), fp, "rh-recipient")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if directive.Level != models.BlockGlobal {
			t.Errorf("fingerprint %q: expected global block, got %q", fp, directive.Level)
		}
	}

	// Other recipients stay reachable.
	directive, err := svc.CheckBlock(context.Background(), "fp-sender", "rh-other")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if directive.Level != models.BlockNone {
		t.Error("global directive leaked to another recipient")
	}
}

func TestReport_IdempotentPerItem(t *testing.T) {
	store := newMockAbuseStore()
	svc := NewService(store, &NoopNotifier{})
	item := deliveredItem()

	first, err := svc.Report(context.Background(), item, "", ReportParams{})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	second, err := svc.Report(context.Background(), item, "", ReportParams{Global: true})
	if err != nil {
		t.Fatalf("repeat report: %v", err)
	}
	if second.ID != first.ID {
		t.Error("repeat report created a new record")
	}
	if second.Level != first.Level {
		t.Error("repeat report escalated the original")
	}
	if len(store.directives) != 1 {
		t.Errorf("expected one directive, got %d", len(store.directives))
	}
}

func TestReport_TemporaryDirectiveExpires(t *testing.T) {
	store := newMockAbuseStore()
	svc := NewService(store, &NoopNotifier{})

	_, err := svc.Report(context.Background(), deliveredItem(), "", ReportParams{TTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	time.Sleep(time.Millisecond)

	directive, err := svc.CheckBlock(context.Background(), "fp-sender", "rh-recipient")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if directive.Level != models.BlockNone {
		t.Errorf("expired directive still blocks: %q", directive.Level)
	}
}

func TestCheckBlock_GlobalOutranksSenderSpecific(t *testing.T) {
	store := newMockAbuseStore()
	svc := NewService(store, &NoopNotifier{})

	specific := deliveredItem()
	if _, err := svc.Report(context.Background(), specific, "", ReportParams{}); err != nil {
		t.Fatalf("report: %v", err)
	}
	global := deliveredItem()
	global.ID = 43
	if _, err := svc.Report(context.Background(), global, "", ReportParams{Global: true}); err != nil {
		t.Fatalf("report: %v", err)
	}

	directive, err := svc.CheckBlock(context.Background(), "fp-sender", "rh-recipient")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if directive.Level != models.BlockGlobal {
		t.Errorf("expected the global directive to win, got %q", directive.Level)
	}
}

func TestReport_SendsConfirmation(t *testing.T) {
	store := newMockAbuseStore()
	notifier := &recordingNotifier{}
	svc := NewService(store, notifier)

	_, err := svc.Report(context.Background(), deliveredItem(), "recipient@example.com", ReportParams{})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	// The confirmation is fire-and-forget; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		notifier.mu.Lock()
		sent := len(notifier.sent)
		notifier.mu.Unlock()
		if sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("confirmation never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if notifier.sent[0] != "recipient@example.com" {
		t.Errorf("confirmation sent to %q", notifier.sent[0])
	}
}
