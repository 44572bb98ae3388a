package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

type ReceiptStore struct {
	db *sql.DB
}

func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// UpsertReceipt writes the receipt keyed by (message_id, user_id).
// A conflict refreshes read_at/device_id; the aggregate is only
// decremented when a brand-new receipt row appeared.
func (r *ReceiptStore) UpsertReceipt(ctx context.Context, rc *domain.ReadReceipt) error {
	if rc.MessageID == "" {
		return domain.ErrInvalidMessageID
	}
	if rc.UserID == "" {
		return domain.ErrInvalidUserID
	}
	exec := GetExecutor(ctx, r.db)
	row := exec.QueryRowContext(ctx, `
		INSERT INTO read_receipts (message_id, conversation_id, user_id, user_name, read_at, device_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET read_at = EXCLUDED.read_at,
		    device_id = EXCLUDED.device_id
		RETURNING (xmax = 0) AS inserted
	`, rc.MessageID, rc.ConversationID, rc.UserID, rc.UserName, rc.ReadAt, rc.DeviceID)
	var inserted bool
	if err := row.Scan(&inserted); err != nil {
		return err
	}
	if !inserted {
		// Re-marking an already-read message: the unread total is
		// unchanged.
		return nil
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO conversation_read_status (conversation_id, user_id, last_read_at, unread_count)
		VALUES ($1, $2, $3, (
			SELECT count(*) FROM messages m
			WHERE m.conversation_id = $1
			  AND m.sender_id <> $2
			  AND NOT EXISTS (
				SELECT 1 FROM read_receipts rr
				WHERE rr.message_id = m.id AND rr.user_id = $2
			  )
		))
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET last_read_at = GREATEST(conversation_read_status.last_read_at, EXCLUDED.last_read_at),
		    unread_count = GREATEST(conversation_read_status.unread_count - 1, 0)
	`, rc.ConversationID, rc.UserID, rc.ReadAt)
	return err
}

// UpsertReceipts writes one chunk in a single multi-row statement and
// recomputes the aggregate once.
func (r *ReceiptStore) UpsertReceipts(ctx context.Context, rcs []domain.ReadReceipt) error {
	if len(rcs) == 0 {
		return nil
	}
	messageIDs := make([]string, len(rcs))
	convIDs := make([]string, len(rcs))
	userIDs := make([]string, len(rcs))
	userNames := make([]string, len(rcs))
	readAts := make([]time.Time, len(rcs))
	deviceIDs := make([]string, len(rcs))
	for i, rc := range rcs {
		if rc.MessageID == "" {
			return domain.ErrInvalidMessageID
		}
		if rc.UserID == "" {
			return domain.ErrInvalidUserID
		}
		messageIDs[i] = rc.MessageID
		convIDs[i] = rc.ConversationID
		userIDs[i] = rc.UserID
		userNames[i] = rc.UserName
		readAts[i] = rc.ReadAt
		deviceIDs[i] = rc.DeviceID
	}
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO read_receipts (message_id, conversation_id, user_id, user_name, read_at, device_id)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::timestamptz[], $6::text[])
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET read_at = EXCLUDED.read_at,
		    device_id = EXCLUDED.device_id
	`, messageIDs, convIDs, userIDs, userNames, readAts, deviceIDs)
	if err != nil {
		return err
	}
	return r.refreshReadStatus(ctx, rcs[0].ConversationID, rcs[0].UserID, rcs[0].ReadAt)
}

// MarkConversationRead inserts receipts for every unread message from
// other participants (optionally restricted to messageIDs) and zeroes
// the watermark aggregate, all in one transaction.
func (r *ReceiptStore) MarkConversationRead(
	ctx context.Context,
	convID, userID, userName string,
	messageIDs []string,
) (int64, error) {
	if convID == "" {
		return 0, domain.ErrInvalidConversationID
	}
	if userID == "" {
		return 0, domain.ErrInvalidUserID
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var subset []string
	if len(messageIDs) > 0 {
		subset = messageIDs
	}
	var count int64
	err = tx.QueryRowContext(ctx, `
		WITH unread AS (
			SELECT m.id FROM messages m
			WHERE m.conversation_id = $1
			  AND m.sender_id <> $2
			  AND ($4::text[] IS NULL OR m.id = ANY($4))
			  AND NOT EXISTS (
				SELECT 1 FROM read_receipts rr
				WHERE rr.message_id = m.id AND rr.user_id = $2
			  )
		), ins AS (
			INSERT INTO read_receipts (message_id, conversation_id, user_id, user_name, read_at)
			SELECT id, $1, $2, $3, now() FROM unread
			ON CONFLICT (message_id, user_id) DO NOTHING
			RETURNING 1
		)
		SELECT count(*) FROM ins
	`, convID, userID, userName, subset).Scan(&count)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_read_status (conversation_id, user_id, last_read_at, unread_count)
		VALUES ($1, $2, now(), 0)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET last_read_at = now(),
		    unread_count = 0
	`, convID, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *ReceiptStore) GetMessageReceipts(ctx context.Context, messageID string) ([]domain.ReadReceipt, error) {
	if messageID == "" {
		return nil, domain.ErrInvalidMessageID
	}
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT message_id, conversation_id, user_id, user_name, read_at, COALESCE(device_id, '')
		FROM read_receipts
		WHERE message_id = $1
		ORDER BY read_at ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var receipts []domain.ReadReceipt
	for rows.Next() {
		var rc domain.ReadReceipt
		if err := rows.Scan(&rc.MessageID, &rc.ConversationID, &rc.UserID, &rc.UserName, &rc.ReadAt, &rc.DeviceID); err != nil {
			return nil, err
		}
		receipts = append(receipts, rc)
	}
	return receipts, rows.Err()
}

func (r *ReceiptStore) GetConversationReadStatus(ctx context.Context, convID, userID string) (*domain.ConversationReadStatus, error) {
	if convID == "" {
		return nil, domain.ErrInvalidConversationID
	}
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	exec := GetExecutor(ctx, r.db)
	status := domain.ConversationReadStatus{ConversationID: convID, UserID: userID}
	err := exec.QueryRowContext(ctx, `
		SELECT last_read_at, unread_count
		FROM conversation_read_status
		WHERE conversation_id = $1 AND user_id = $2
	`, convID, userID).Scan(&status.LastReadAt, &status.UnreadCount)
	if err == nil {
		return &status, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	// No watermark row yet: everything from other participants is unread.
	err = exec.QueryRowContext(ctx, `
		SELECT count(*) FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND NOT EXISTS (
			SELECT 1 FROM read_receipts rr
			WHERE rr.message_id = m.id AND rr.user_id = $2
		  )
	`, convID, userID).Scan(&status.UnreadCount)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// refreshReadStatus recomputes the watermark aggregate from scratch.
func (r *ReceiptStore) refreshReadStatus(ctx context.Context, convID, userID string, readAt any) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO conversation_read_status (conversation_id, user_id, last_read_at, unread_count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET last_read_at = GREATEST(conversation_read_status.last_read_at, EXCLUDED.last_read_at)
	`, convID, userID, readAt)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, `
		UPDATE conversation_read_status
		SET unread_count = (
			SELECT count(*) FROM messages m
			WHERE m.conversation_id = $1
			  AND m.sender_id <> $2
			  AND NOT EXISTS (
				SELECT 1 FROM read_receipts rr
				WHERE rr.message_id = m.id AND rr.user_id = $2
			  )
		)
		WHERE conversation_id = $1 AND user_id = $2
	`, convID, userID)
	return err
}
