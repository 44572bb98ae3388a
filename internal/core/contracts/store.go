package contracts

import (
	"context"
	"time"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

// ReceiptStore is the durable boundary for read tracking. Upserts are
// explicitly idempotent at the store level; callers never infer
// idempotence from unique-constraint error codes.
type ReceiptStore interface {
	// UpsertReceipt writes the receipt keyed by (message_id, user_id),
	// updating read_at and device_id on conflict.
	UpsertReceipt(ctx context.Context, r *domain.ReadReceipt) error
	// UpsertReceipts writes one chunk of receipts in a single store
	// call. Used by bulk marking so chunking is visible at the store
	// boundary.
	UpsertReceipts(ctx context.Context, rs []domain.ReadReceipt) error
	// MarkConversationRead atomically marks all (or the given subset of)
	// unread messages from other participants as read and advances the
	// per-(conversation, user) watermark. Returns the number of
	// receipts created.
	MarkConversationRead(ctx context.Context, convID, userID, userName string, messageIDs []string) (int64, error)
	// GetMessageReceipts returns all receipts for a message, one per
	// user, ordered by read_at ascending.
	GetMessageReceipts(ctx context.Context, messageID string) ([]domain.ReadReceipt, error)
	// GetConversationReadStatus reads the store-side aggregate. O(1)
	// per call; this is the path behind unread badges.
	GetConversationReadStatus(ctx context.Context, convID, userID string) (*domain.ConversationReadStatus, error)
}

// PresenceStore persists the single current presence row per user.
// Rows are upserted on every heartbeat/activity and downgraded by the
// sweep, never deleted.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p *domain.UserPresence) error
	GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error)
	// ListStale returns users in one of the given statuses whose
	// last_active_at is older than the cutoff. Feeds the downgrade sweep.
	ListStale(ctx context.Context, cutoff time.Time, statuses []domain.PresenceStatus) ([]domain.UserPresence, error)
	GetOnlineStats(ctx context.Context) (*domain.OnlineStats, error)
}
