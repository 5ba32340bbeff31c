package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/veilbox/veilbox/internal/models"
)

type AbuseStore struct {
	db *sql.DB
}

func NewAbuseStore(db *sql.DB) *AbuseStore {
	return &AbuseStore{db: db}
}

func (s *AbuseStore) CreateReport(ctx context.Context, report *models.AbuseReport) (*models.AbuseReport, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO abuse_reports (item_id, recipient_hash, level, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		report.ItemID, report.RecipientHash, report.Level, report.ExpiresAt,
	).Scan(&report.ID, &report.CreatedAt)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *AbuseStore) GetReportByItemID(ctx context.Context, itemID int64) (*models.AbuseReport, error) {
	var r models.AbuseReport
	err := s.db.QueryRowContext(ctx,
		`SELECT id, item_id, recipient_hash, level, expires_at, created_at
		 FROM abuse_reports WHERE item_id = $1`,
		itemID,
	).Scan(&r.ID, &r.ItemID, &r.RecipientHash, &r.Level, &r.ExpiresAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *AbuseStore) CreateBlockDirective(ctx context.Context, directive *models.BlockDirective) (*models.BlockDirective, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO block_directives (level, fingerprint, recipient_hash, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		directive.Level, directive.Fingerprint, directive.RecipientHash, directive.ExpiresAt,
	).Scan(&directive.ID, &directive.CreatedAt)
	if err != nil {
		return nil, err
	}
	return directive, nil
}

func (s *AbuseStore) GetBlockDirectives(ctx context.Context, fingerprint, recipientHash string) ([]models.BlockDirective, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, fingerprint, recipient_hash, expires_at, created_at
		 FROM block_directives
		 WHERE recipient_hash = $1 AND (fingerprint = $2 OR level = $3)`,
		recipientHash, fingerprint, models.BlockGlobal,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var directives []models.BlockDirective
	for rows.Next() {
		var d models.BlockDirective
		if err := rows.Scan(&d.ID, &d.Level, &d.Fingerprint, &d.RecipientHash, &d.ExpiresAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		directives = append(directives, d)
	}
	return directives, rows.Err()
}

func (s *AbuseStore) DeleteExpiredDirectives(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM block_directives WHERE expires_at IS NOT NULL AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
