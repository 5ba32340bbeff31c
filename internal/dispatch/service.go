// Package dispatch hands finalized messages to the mail transport. It is a
// pure adapter: the state machine treats it as opaque and performs no
// retries of its own. Raw recipient addresses pass through here and are
// never logged.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veilbox/veilbox/internal/models"
)

// Delivery is one outbound message.
type Delivery struct {
	To      string
	Subject string
	Body    string
}

// Receipt acknowledges that the transport accepted a delivery.
type Receipt struct {
	ID uuid.UUID
}

// Dispatcher accepts a finalized message for transport.
type Dispatcher interface {
	Deliver(ctx context.Context, d Delivery) (*Receipt, error)
}

// Service is the SMTP-backed Dispatcher.
type Service struct {
	client *SMTPClient
}

func NewService(client *SMTPClient) *Service {
	return &Service{client: client}
}

func (s *Service) Deliver(ctx context.Context, d Delivery) (*Receipt, error) {
	if err := s.client.Send(d.To, d.Subject, d.Body); err != nil {
		return nil, fmt.Errorf("dispatch: transport error: %w", err)
	}
	receipt := &Receipt{ID: uuid.New()}
	slog.InfoContext(ctx, "message dispatched", "receipt_id", receipt.ID)
	return receipt, nil
}

// NoopDispatcher accepts every delivery without sending anything. Used
// when SMTP is not configured.
type NoopDispatcher struct{}

func (n *NoopDispatcher) Deliver(_ context.Context, _ Delivery) (*Receipt, error) {
	return &Receipt{ID: uuid.New()}, nil
}

// NotifyReportFiled sends the abuse-report confirmation notice. This
// satisfies the abuse.Notifier interface.
func (s *Service) NotifyReportFiled(ctx context.Context, recipientEmail string, level models.BlockLevel) error {
	body := ReportConfirmationBody(level)
	if _, err := s.Deliver(ctx, Delivery{
		To:      recipientEmail,
		Subject: "Your report has been received",
		Body:    body,
	}); err != nil {
		return fmt.Errorf("dispatch: report confirmation: %w", err)
	}
	return nil
}
