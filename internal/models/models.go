package models

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a FeedbackItem. Transitions are one-way
// except the awaiting_approval <-> processing edit loop.
type State string

const (
	StateDraft            State = "draft"
	StateAdmitted         State = "admitted"
	StateProcessing       State = "processing"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateDelivered        State = "delivered"
	StateRejected         State = "rejected"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateRejected
}

// RejectReason values recorded when an item enters StateRejected.
const (
	ReasonContentBlocked = "content_blocked"
)

// FeedbackItem is the central entity: one item per submission attempt.
// RecipientEmail is held in the clear only until the retention sweep
// redacts it; the sender address only in encrypted form.
type FeedbackItem struct {
	ID                int64
	PublicID          uuid.UUID
	State             State
	Fingerprint       string
	RecipientHash     string
	RecipientEmail    string // redacted by the retention sweep, never logged
	EncryptedSender   string // empty when the sender stayed anonymous
	RawText           string
	ImprovedText      string
	RejectReason      string
	BlockedCategory   string
	ReplyText         string
	RespondedAt       *time.Time
	DeliveryAttempts  int
	LastDeliveryError string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FeedbackEvent is one audit record per state transition (or notable
// non-transition, e.g. pipeline_unavailable).
type FeedbackEvent struct {
	ID        int64
	ItemID    int64
	FromState State
	ToState   State
	Reason    string
	CreatedAt time.Time
}

// Role distinguishes the two capability-token audiences for an item.
type Role string

const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
)

// AccessToken is the stored form of an opaque access token. Only the
// SHA-256 digest of the token is persisted.
type AccessToken struct {
	ID        int64
	ItemID    int64
	TokenHash string
	Role      Role
	RevokedAt *time.Time
	CreatedAt time.Time
}

// BlockLevel is the scope of a block directive.
type BlockLevel string

const (
	BlockNone           BlockLevel = "none"
	BlockSenderSpecific BlockLevel = "sender_specific"
	BlockGlobal         BlockLevel = "global"
)

// BlockDirective is a forward-only suppression rule consulted at admission
// time. A nil ExpiresAt means the directive does not expire.
type BlockDirective struct {
	ID            int64
	Level         BlockLevel
	Fingerprint   string // empty for global directives
	RecipientHash string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// Active reports whether the directive should still suppress submissions.
func (d *BlockDirective) Active(now time.Time) bool {
	if d == nil || d.Level == BlockNone {
		return false
	}
	if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
		return false
	}
	return true
}

// AbuseReport links a delivered item to the block directive it produced.
type AbuseReport struct {
	ID            int64
	ItemID        int64
	RecipientHash string
	Level         BlockLevel
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}
