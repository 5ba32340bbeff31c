// Package retention runs the relay's background sweeps: purging encrypted
// sender identities past their window, redacting expired items, dropping
// expired block directives, and re-dispatching approved items whose
// delivery failed. The state machine itself never retries; this worker is
// the external job mechanism it defers to.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/veilbox/veilbox/internal/feedback"
	"github.com/veilbox/veilbox/internal/store"
)

type WorkerOptions struct {
	SweepInterval     time.Duration
	ItemRetention     time.Duration
	IdentityRetention time.Duration
	RedeliveryDelay   time.Duration
	RedeliveryBatch   int
	MaxDeliveryTries  int
}

type Worker struct {
	items             store.FeedbackStore
	abuse             store.AbuseStore
	delivery          *feedback.Service
	sweepInterval     time.Duration
	itemRetention     time.Duration
	identityRetention time.Duration
	redeliveryDelay   time.Duration
	redeliveryBatch   int
	maxDeliveryTries  int
}

func NewWorker(items store.FeedbackStore, abuse store.AbuseStore, delivery *feedback.Service, opts WorkerOptions) *Worker {
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 10 * time.Minute
	}
	itemRetention := opts.ItemRetention
	if itemRetention <= 0 {
		itemRetention = 90 * 24 * time.Hour
	}
	identityRetention := opts.IdentityRetention
	if identityRetention <= 0 || identityRetention > itemRetention {
		// An identity never outlives its item.
		identityRetention = itemRetention
	}
	redeliveryDelay := opts.RedeliveryDelay
	if redeliveryDelay <= 0 {
		redeliveryDelay = 5 * time.Minute
	}
	batch := opts.RedeliveryBatch
	if batch <= 0 {
		batch = 20
	}
	maxTries := opts.MaxDeliveryTries
	if maxTries <= 0 {
		maxTries = 10
	}

	return &Worker{
		items:             items,
		abuse:             abuse,
		delivery:          delivery,
		sweepInterval:     sweep,
		itemRetention:     itemRetention,
		identityRetention: identityRetention,
		redeliveryDelay:   redeliveryDelay,
		redeliveryBatch:   batch,
		maxDeliveryTries:  maxTries,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	now := time.Now()

	purged, err := w.items.PurgeSenderIdentities(ctx, now.Add(-w.identityRetention))
	if err != nil {
		slog.Error("failed to purge sender identities", "error", err)
	} else if purged > 0 {
		slog.Info("purged sender identities", "count", purged)
	}

	redacted, err := w.items.RedactExpired(ctx, now.Add(-w.itemRetention))
	if err != nil {
		slog.Error("failed to redact expired items", "error", err)
	} else if redacted > 0 {
		slog.Info("redacted expired items", "count", redacted)
	}

	dropped, err := w.abuse.DeleteExpiredDirectives(ctx, now)
	if err != nil {
		slog.Error("failed to delete expired block directives", "error", err)
	} else if dropped > 0 {
		slog.Info("deleted expired block directives", "count", dropped)
	}

	w.redeliver(ctx, now)
}

// redeliver retries approved items whose dispatch failed, oldest first.
func (w *Worker) redeliver(ctx context.Context, now time.Time) {
	items, err := w.items.ListUndelivered(ctx, now.Add(-w.redeliveryDelay), w.redeliveryBatch)
	if err != nil {
		slog.Error("failed to list undelivered items", "error", err)
		return
	}

	for i := range items {
		item := &items[i]
		if item.DeliveryAttempts >= w.maxDeliveryTries {
			continue
		}
		if err := w.delivery.Deliver(ctx, item); err != nil {
			slog.Warn("redelivery attempt failed",
				"item_id", item.PublicID,
				"attempts", item.DeliveryAttempts+1,
			)
			continue
		}
		slog.Info("redelivery succeeded", "item_id", item.PublicID)
	}
}
