package postgres

import (
	"context"
	"database/sql"

	"github.com/veilbox/veilbox/internal/models"
)

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) AppendEvent(ctx context.Context, itemID int64, from, to models.State, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_events (item_id, from_state, to_state, reason)
		 VALUES ($1, $2, $3, $4)`,
		itemID, from, to, reason,
	)
	return err
}

func (s *EventStore) ListEventsByItemID(ctx context.Context, itemID int64) ([]models.FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, from_state, to_state, reason, created_at
		 FROM feedback_events WHERE item_id = $1 ORDER BY id ASC`,
		itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.FeedbackEvent
	for rows.Next() {
		var e models.FeedbackEvent
		if err := rows.Scan(&e.ID, &e.ItemID, &e.FromState, &e.ToState, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
