package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/veilbox/veilbox/internal/models"
)

// ErrInvalidTransition is returned when a state update finds the item in a
// different state than the transition expects. The database guard
// (WHERE state = expected) is what enforces one-way edges.
var ErrInvalidTransition = errors.New("invalid state transition")

type FeedbackStore interface {
	CreateItem(ctx context.Context, item *models.FeedbackItem) (*models.FeedbackItem, error)
	GetItemByID(ctx context.Context, id int64) (*models.FeedbackItem, error)
	GetItemByPublicID(ctx context.Context, publicID uuid.UUID) (*models.FeedbackItem, error)
	// Transition moves an item from one state to another, updating the
	// given columns atomically. It returns ErrInvalidTransition when the
	// item is not in the expected state.
	Transition(ctx context.Context, itemID int64, from, to models.State, update ItemUpdate) error
	SetReply(ctx context.Context, itemID int64, reply string, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, itemID int64, attempt int, lastError string) error
	ListUndelivered(ctx context.Context, olderThan time.Time, limit int) ([]models.FeedbackItem, error)
	RedactExpired(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeSenderIdentities(ctx context.Context, cutoff time.Time) (int64, error)
}

// ItemUpdate carries the optional column updates applied with a transition.
type ItemUpdate struct {
	RawText         *string
	ImprovedText    *string
	RejectReason    *string
	BlockedCategory *string
}

type EventStore interface {
	AppendEvent(ctx context.Context, itemID int64, from, to models.State, reason string) error
	ListEventsByItemID(ctx context.Context, itemID int64) ([]models.FeedbackEvent, error)
}

type TokenStore interface {
	CreateToken(ctx context.Context, itemID int64, tokenHash string, role models.Role) (*models.AccessToken, error)
	GetTokenByHash(ctx context.Context, tokenHash string) (*models.AccessToken, error)
	RevokeToken(ctx context.Context, tokenHash string) error
}

type AbuseStore interface {
	CreateReport(ctx context.Context, report *models.AbuseReport) (*models.AbuseReport, error)
	GetReportByItemID(ctx context.Context, itemID int64) (*models.AbuseReport, error)
	CreateBlockDirective(ctx context.Context, directive *models.BlockDirective) (*models.BlockDirective, error)
	// GetBlockDirectives returns every directive matching the pair: the
	// sender-specific one for (fingerprint, recipientHash) and any global
	// one for recipientHash. Expiry is the caller's concern.
	GetBlockDirectives(ctx context.Context, fingerprint, recipientHash string) ([]models.BlockDirective, error)
	DeleteExpiredDirectives(ctx context.Context, now time.Time) (int64, error)
}
