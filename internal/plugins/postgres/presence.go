package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

type PresenceStore struct {
	db *sql.DB
}

func NewPresenceStore(db *sql.DB) *PresenceStore {
	return &PresenceStore{db: db}
}

func (s *PresenceStore) UpsertPresence(ctx context.Context, p *domain.UserPresence) error {
	if p.UserID == "" {
		return domain.ErrInvalidUserID
	}
	prayingFor, err := json.Marshal(p.PrayingFor)
	if err != nil {
		return err
	}
	exec := GetExecutor(ctx, s.db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, user_name, status, custom_status, praying_for, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET user_name = COALESCE(NULLIF(EXCLUDED.user_name, ''), user_presence.user_name),
		    status = EXCLUDED.status,
		    custom_status = EXCLUDED.custom_status,
		    praying_for = EXCLUDED.praying_for,
		    last_active_at = EXCLUDED.last_active_at
	`, p.UserID, p.UserName, string(p.Status), p.CustomStatus, string(prayingFor), p.LastActiveAt)
	return err
}

func (s *PresenceStore) GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error) {
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	exec := GetExecutor(ctx, s.db)
	row := exec.QueryRowContext(ctx, `
		SELECT user_id, user_name, status, COALESCE(custom_status, ''), praying_for, last_active_at
		FROM user_presence
		WHERE user_id = $1
	`, userID)
	p, err := scanPresence(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPresenceNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PresenceStore) ListStale(
	ctx context.Context,
	cutoff time.Time,
	statuses []domain.PresenceStatus,
) ([]domain.UserPresence, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}
	exec := GetExecutor(ctx, s.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT user_id, user_name, status, COALESCE(custom_status, ''), praying_for, last_active_at
		FROM user_presence
		WHERE last_active_at < $1
		  AND status = ANY($2::text[])
	`, cutoff, states)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserPresence
	for rows.Next() {
		p, err := scanPresence(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PresenceStore) GetOnlineStats(ctx context.Context) (*domain.OnlineStats, error) {
	exec := GetExecutor(ctx, s.db)
	stats := domain.OnlineStats{}
	err := exec.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE status = 'online'),
		       count(*) FILTER (WHERE status = 'praying'),
		       count(*) FILTER (WHERE status = 'away')
		FROM user_presence
	`).Scan(&stats.Online, &stats.Praying, &stats.Away)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func scanPresence(scan func(...any) error) (*domain.UserPresence, error) {
	var p domain.UserPresence
	var status string
	var prayingFor []byte
	if err := scan(&p.UserID, &p.UserName, &status, &p.CustomStatus, &prayingFor, &p.LastActiveAt); err != nil {
		return nil, err
	}
	p.Status = domain.PresenceStatus(status)
	if len(prayingFor) > 0 {
		if err := json.Unmarshal(prayingFor, &p.PrayingFor); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
