// Package abuse is the post-delivery control plane: recipients file
// reports against delivered items, and the resulting block directives are
// consulted by admission on every future submission attempt. Directives
// are forward-only — they never affect an item that already reached the
// recipient.
package abuse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilbox/veilbox/internal/models"
	"github.com/veilbox/veilbox/internal/store"
)

var ErrItemNotFound = errors.New("feedback item not found")

// ReportParams selects the blast radius of a report. The default is the
// narrowest: block only this sender fingerprint for this recipient. Global
// requires explicit escalation; a TTL makes any directive temporary.
type ReportParams struct {
	Global bool
	TTL    time.Duration
}

// Notifier sends the confirmation notice after a report is filed.
type Notifier interface {
	NotifyReportFiled(ctx context.Context, recipientEmail string, level models.BlockLevel) error
}

// NoopNotifier is a Notifier that does nothing.
type NoopNotifier struct{}

func (n *NoopNotifier) NotifyReportFiled(_ context.Context, _ string, _ models.BlockLevel) error {
	return nil
}

// Service provides report filing and block lookups.
type Service struct {
	reports  store.AbuseStore
	notifier Notifier
}

func NewService(reports store.AbuseStore, notifier Notifier) *Service {
	return &Service{
		reports:  reports,
		notifier: notifier,
	}
}

// Report files an abuse report for a delivered item and installs the
// matching block directive. Filing is idempotent per item: a repeat call
// returns the existing report unchanged.
func (s *Service) Report(ctx context.Context, item *models.FeedbackItem, recipientEmail string, params ReportParams) (*models.AbuseReport, error) {
	if existing, err := s.reports.GetReportByItemID(ctx, item.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up existing report: %w", err)
	}

	level := models.BlockSenderSpecific
	fingerprint := item.Fingerprint
	if params.Global {
		level = models.BlockGlobal
		fingerprint = ""
	}

	var expiresAt *time.Time
	if params.TTL > 0 {
		t := time.Now().Add(params.TTL)
		expiresAt = &t
	}

	report := &models.AbuseReport{
		ItemID:        item.ID,
		RecipientHash: item.RecipientHash,
		Level:         level,
		ExpiresAt:     expiresAt,
	}
	report, err := s.reports.CreateReport(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("creating abuse report: %w", err)
	}

	directive := &models.BlockDirective{
		Level:         level,
		Fingerprint:   fingerprint,
		RecipientHash: item.RecipientHash,
		ExpiresAt:     expiresAt,
	}
	if _, err := s.reports.CreateBlockDirective(ctx, directive); err != nil {
		return nil, fmt.Errorf("creating block directive: %w", err)
	}

	slog.InfoContext(ctx, "abuse report filed",
		"item_id", item.PublicID,
		"level", level,
		"temporary", expiresAt != nil,
	)

	// Fire-and-forget confirmation; log any error.
	if recipientEmail != "" {
		go func() {
			if notifyErr := s.notifier.NotifyReportFiled(context.WithoutCancel(ctx), recipientEmail, level); notifyErr != nil {
				slog.Error("failed to send report confirmation", "item_id", item.PublicID, "error", notifyErr)
			}
		}()
	}

	return report, nil
}

// CheckBlock returns the strongest active directive for the pair, or a
// BlockNone directive when nothing applies. Expired directives read as
// none.
func (s *Service) CheckBlock(ctx context.Context, fingerprint, recipientHash string) (*models.BlockDirective, error) {
	directives, err := s.reports.GetBlockDirectives(ctx, fingerprint, recipientHash)
	if err != nil {
		return nil, fmt.Errorf("looking up block directives: %w", err)
	}

	now := time.Now()
	var match *models.BlockDirective
	for i := range directives {
		d := &directives[i]
		if !d.Active(now) {
			continue
		}
		// Global outranks sender-specific.
		if match == nil || d.Level == models.BlockGlobal {
			match = d
		}
	}
	if match == nil {
		return &models.BlockDirective{Level: models.BlockNone}, nil
	}
	return match, nil
}
