package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veilbox/veilbox/internal/models"
	"github.com/veilbox/veilbox/internal/store"
)

type FeedbackStore struct {
	db *sql.DB
}

func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

const itemColumns = `id, public_id, state, fingerprint, recipient_hash, recipient_email,
	encrypted_sender, raw_text, improved_text, reject_reason, blocked_category,
	reply_text, responded_at, delivery_attempts, last_delivery_error, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*models.FeedbackItem, error) {
	var item models.FeedbackItem
	err := row.Scan(
		&item.ID, &item.PublicID, &item.State, &item.Fingerprint, &item.RecipientHash,
		&item.RecipientEmail, &item.EncryptedSender, &item.RawText, &item.ImprovedText,
		&item.RejectReason, &item.BlockedCategory, &item.ReplyText, &item.RespondedAt,
		&item.DeliveryAttempts, &item.LastDeliveryError, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *FeedbackStore) CreateItem(ctx context.Context, item *models.FeedbackItem) (*models.FeedbackItem, error) {
	if item.PublicID == uuid.Nil {
		item.PublicID = uuid.New()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO feedback_items
			(public_id, state, fingerprint, recipient_hash, recipient_email, encrypted_sender, raw_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		item.PublicID, item.State, item.Fingerprint, item.RecipientHash,
		item.RecipientEmail, item.EncryptedSender, item.RawText,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *FeedbackStore) GetItemByID(ctx context.Context, id int64) (*models.FeedbackItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM feedback_items WHERE id = $1`, id)
	return scanItem(row)
}

func (s *FeedbackStore) GetItemByPublicID(ctx context.Context, publicID uuid.UUID) (*models.FeedbackItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM feedback_items WHERE public_id = $1`, publicID)
	return scanItem(row)
}

// Transition updates the item state iff it is currently in the expected
// state. The WHERE guard is what makes terminal states final and the state
// machine race-safe under concurrent requests.
func (s *FeedbackStore) Transition(ctx context.Context, itemID int64, from, to models.State, update store.ItemUpdate) error {
	sets := []string{"state = $1", "updated_at = NOW()"}
	args := []any{to}
	n := 2

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}
	if update.RawText != nil {
		add("raw_text", *update.RawText)
	}
	if update.ImprovedText != nil {
		add("improved_text", *update.ImprovedText)
	}
	if update.RejectReason != nil {
		add("reject_reason", *update.RejectReason)
	}
	if update.BlockedCategory != nil {
		add("blocked_category", *update.BlockedCategory)
	}

	args = append(args, itemID, from)
	query := fmt.Sprintf(
		`UPDATE feedback_items SET %s WHERE id = $%d AND state = $%d`,
		strings.Join(sets, ", "), n, n+1,
	)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidTransition
	}
	return nil
}

// SetReply records the one-time recipient reply. The WHERE guard makes the
// reply write-once: a second call affects zero rows.
func (s *FeedbackStore) SetReply(ctx context.Context, itemID int64, reply string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_items SET reply_text = $1, responded_at = $2, updated_at = NOW()
		 WHERE id = $3 AND responded_at IS NULL`,
		reply, at, itemID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidTransition
	}
	return nil
}

func (s *FeedbackStore) RecordDeliveryFailure(ctx context.Context, itemID int64, attempt int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feedback_items
		 SET delivery_attempts = $1, last_delivery_error = $2, updated_at = NOW()
		 WHERE id = $3`,
		attempt, lastError, itemID,
	)
	return err
}

func (s *FeedbackStore) ListUndelivered(ctx context.Context, olderThan time.Time, limit int) ([]models.FeedbackItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM feedback_items
		 WHERE state = $1 AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		models.StateApproved, olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.FeedbackItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// RedactExpired empties the text and address columns of terminal items
// older than the cutoff, keeping the row itself for the audit trail.
func (s *FeedbackStore) RedactExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_items
		 SET raw_text = '', improved_text = '', reply_text = '',
		     recipient_email = '', encrypted_sender = '', updated_at = NOW()
		 WHERE state IN ($1, $2) AND created_at < $3
		   AND (raw_text <> '' OR improved_text <> '' OR reply_text <> '' OR encrypted_sender <> '')`,
		models.StateDelivered, models.StateRejected, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeSenderIdentities drops encrypted sender addresses past their
// retention window regardless of item state.
func (s *FeedbackStore) PurgeSenderIdentities(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_items SET encrypted_sender = '', updated_at = NOW()
		 WHERE encrypted_sender <> '' AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
