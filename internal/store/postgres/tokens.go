package postgres

import (
	"context"
	"database/sql"

	"github.com/veilbox/veilbox/internal/models"
)

type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) CreateToken(ctx context.Context, itemID int64, tokenHash string, role models.Role) (*models.AccessToken, error) {
	token := &models.AccessToken{
		ItemID:    itemID,
		TokenHash: tokenHash,
		Role:      role,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO access_tokens (item_id, token_hash, role)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		itemID, tokenHash, role,
	).Scan(&token.ID, &token.CreatedAt)
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (s *TokenStore) GetTokenByHash(ctx context.Context, tokenHash string) (*models.AccessToken, error) {
	var t models.AccessToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, item_id, token_hash, role, revoked_at, created_at
		 FROM access_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&t.ID, &t.ItemID, &t.TokenHash, &t.Role, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TokenStore) RevokeToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET revoked_at = NOW()
		 WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash,
	)
	return err
}
