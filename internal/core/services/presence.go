package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/contracts"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

// PresenceConfig carries the heartbeat cadence and the staleness
// thresholds driving the downgrade sweep.
type PresenceConfig struct {
	HeartbeatInterval time.Duration
	// AwayThreshold tolerates one missed heartbeat: a user only goes
	// away after sustained silence, never on a single hiccup.
	AwayThreshold    time.Duration
	OfflineThreshold time.Duration
	StatsRefresh     time.Duration
}

// PresenceService keeps near-real-time availability per user. The
// durable row is authoritative; the in-memory cache serves point reads
// and is mutated only by this service. Status is re-derived from the
// most recent activity, last-write-wins across devices.
type PresenceService struct {
	log     *slog.Logger
	clock   clock.Clock
	store   contracts.PresenceStore
	channel contracts.Broadcaster
	cfg     PresenceConfig

	mu        sync.RWMutex
	cache     map[string]domain.UserPresence
	stats     domain.OnlineStats
	observers *observerSet[domain.UserPresence]
}

func NewPresenceService(
	log *slog.Logger,
	clk clock.Clock,
	store contracts.PresenceStore,
	channel contracts.Broadcaster,
	cfg PresenceConfig,
) *PresenceService {
	return &PresenceService{
		log:       log,
		clock:     clk,
		store:     store,
		channel:   channel,
		cfg:       cfg,
		cache:     make(map[string]domain.UserPresence),
		observers: newObserverSet[domain.UserPresence](),
	}
}

// UpdatePresence upserts the current state and timestamp and fans out
// to subscribers scoped to the affected user. Writes older than the
// cached state are ignored: cross-device races are expected and only
// the most recent status matters.
func (s *PresenceService) UpdatePresence(
	ctx context.Context,
	userID string,
	status domain.PresenceStatus,
	customStatus string,
	prayingFor []string,
) error {
	ctx, span := tracer.Start(ctx, "PresenceService.UpdatePresence", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("status", string(status)),
	))
	defer span.End()
	if userID == "" {
		return domain.ErrInvalidUserID
	}
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}

	now := s.clock.Now()
	s.mu.RLock()
	prev, known := s.cache[userID]
	s.mu.RUnlock()
	if known && prev.LastActiveAt.After(now) {
		// A fresher write already landed; drop the stale one.
		return nil
	}

	p := domain.UserPresence{
		UserID:       userID,
		UserName:     prev.UserName,
		Status:       status,
		CustomStatus: customStatus,
		PrayingFor:   prayingFor,
		LastActiveAt: now,
	}
	if err := s.store.UpsertPresence(ctx, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "durable upsert failed")
		s.log.ErrorContext(ctx, "presence - update - upsert failed", "user_id", userID, "status", string(status), "err", err)
		return err
	}

	s.mu.Lock()
	s.cache[userID] = p
	s.mu.Unlock()

	s.publish(ctx, p)
	s.observers.notify(p)
	return nil
}

// Heartbeat refreshes the user's activity timestamp. A praying user
// stays praying; anyone else is (re)marked online.
func (s *PresenceService) Heartbeat(ctx context.Context, userID, userName string) error {
	if userID == "" {
		return domain.ErrInvalidUserID
	}
	s.mu.Lock()
	if userName != "" {
		p := s.cache[userID]
		p.UserID = userID
		p.UserName = userName
		s.cache[userID] = p
	}
	prev := s.cache[userID]
	s.mu.Unlock()

	status := domain.StatusOnline
	var prayingFor []string
	if prev.Status == domain.StatusPraying {
		status = domain.StatusPraying
		prayingFor = prev.PrayingFor
	}
	return s.UpdatePresence(ctx, userID, status, prev.CustomStatus, prayingFor)
}

// SetPrayingStatus tags the user as engaged with the given request ids.
// An empty set drops back to online.
func (s *PresenceService) SetPrayingStatus(ctx context.Context, userID string, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return s.UpdatePresence(ctx, userID, domain.StatusOnline, "", nil)
	}
	return s.UpdatePresence(ctx, userID, domain.StatusPraying, "", requestIDs)
}

// Disconnect marks the user offline immediately, skipping the grace
// window.
func (s *PresenceService) Disconnect(ctx context.Context, userID string) error {
	return s.UpdatePresence(ctx, userID, domain.StatusOffline, "", nil)
}

// GetPresence is a cache-first point read. Unknown users come back
// offline rather than as an error.
func (s *PresenceService) GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error) {
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	s.mu.RLock()
	p, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return &p, nil
	}

	stored, err := s.store.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrPresenceNotFound) {
			return &domain.UserPresence{UserID: userID, Status: domain.StatusOffline}, nil
		}
		return nil, err
	}
	s.mu.Lock()
	s.cache[userID] = *stored
	s.mu.Unlock()
	return stored, nil
}

// Subscribe filters the global presence stream to the requested users;
// an empty list subscribes to everyone. The disposer detaches the
// callback.
func (s *PresenceService) Subscribe(fn func(domain.UserPresence), userIDs []string) func() {
	if len(userIDs) == 0 {
		return s.observers.add(fn)
	}
	watch := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		watch[id] = struct{}{}
	}
	return s.observers.add(func(p domain.UserPresence) {
		if _, ok := watch[p.UserID]; ok {
			fn(p)
		}
	})
}

// GetOnlineStats serves the cached aggregate; RefreshStats repopulates
// it on a fixed interval so load stays bounded under scale.
func (s *PresenceService) GetOnlineStats(ctx context.Context) (domain.OnlineStats, error) {
	s.mu.RLock()
	stats := s.stats
	s.mu.RUnlock()
	if !stats.AsOf.IsZero() {
		return stats, nil
	}
	if err := s.RefreshStats(ctx); err != nil {
		return domain.OnlineStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

// RefreshStats recomputes the aggregate from the store.
func (s *PresenceService) RefreshStats(ctx context.Context) error {
	stats, err := s.store.GetOnlineStats(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "presence - refresh stats - aggregate query failed", "err", err)
		return err
	}
	stats.AsOf = s.clock.Now()
	s.mu.Lock()
	s.stats = *stats
	s.mu.Unlock()
	return nil
}

// HeartbeatInterval returns the cadence clients should beat at. Halved
// frequency under low battery.
func (s *PresenceService) HeartbeatInterval(lowBattery bool) time.Duration {
	if lowBattery {
		return 2 * s.cfg.HeartbeatInterval
	}
	return s.cfg.HeartbeatInterval
}

// SweepOnce downgrades stale users: silence past the away threshold
// parks them away, silence past the longer offline grace window takes
// them offline. LastActiveAt is preserved so away users keep aging
// toward offline.
func (s *PresenceService) SweepOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "PresenceService.SweepOnce")
	defer span.End()
	now := s.clock.Now()

	gone, err := s.store.ListStale(ctx, now.Add(-s.cfg.OfflineThreshold), []domain.PresenceStatus{
		domain.StatusOnline, domain.StatusPraying, domain.StatusAway,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, p := range gone {
		s.downgrade(ctx, p, domain.StatusOffline)
	}

	idle, err := s.store.ListStale(ctx, now.Add(-s.cfg.AwayThreshold), []domain.PresenceStatus{
		domain.StatusOnline, domain.StatusPraying,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, p := range idle {
		s.downgrade(ctx, p, domain.StatusAway)
	}
	if n := len(gone) + len(idle); n > 0 {
		s.log.InfoContext(ctx, "presence - sweep - downgraded stale users", "offline", len(gone), "away", len(idle))
	}
	return nil
}

func (s *PresenceService) downgrade(ctx context.Context, p domain.UserPresence, to domain.PresenceStatus) {
	p.Status = to
	if to == domain.StatusOffline {
		p.PrayingFor = nil
	}
	if err := s.store.UpsertPresence(ctx, &p); err != nil {
		s.log.WarnContext(ctx, "presence - sweep - downgrade write failed", "user_id", p.UserID, "to", string(to), "err", err)
		return
	}
	s.mu.Lock()
	s.cache[p.UserID] = p
	s.mu.Unlock()
	s.publish(ctx, p)
	s.observers.notify(p)
}

func (s *PresenceService) publish(ctx context.Context, p domain.UserPresence) {
	ev := domain.Event{
		Type:     domain.EventPresenceUpdate,
		Presence: &p,
		SentAt:   s.clock.Now(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		s.log.ErrorContext(ctx, "presence - publish - marshal failed", "user_id", p.UserID, "err", err)
		return
	}
	if err := s.channel.Publish(ctx, domain.PresenceTopic, raw); err != nil {
		s.log.WarnContext(ctx, "presence - publish - broadcast dropped", "user_id", p.UserID, "err", err)
	}
}

// ApplyRemote merges a presence event from the channel into the cache,
// last-write-wins by timestamp. The originating instance already
// persisted the row.
func (s *PresenceService) ApplyRemote(ctx context.Context, ev domain.Event) {
	if ev.Presence == nil {
		return
	}
	p := *ev.Presence
	s.mu.Lock()
	prev, known := s.cache[p.UserID]
	if known && prev.LastActiveAt.After(p.LastActiveAt) {
		s.mu.Unlock()
		return
	}
	s.cache[p.UserID] = p
	s.mu.Unlock()
	s.observers.notify(p)
}

// GetConversationRoster merges the presences of the given participants
// into a display-ready roster.
func (s *PresenceService) GetConversationRoster(ctx context.Context, userIDs []string) ([]domain.UserPresence, error) {
	roster := make([]domain.UserPresence, 0, len(userIDs))
	for _, id := range userIDs {
		p, err := s.GetPresence(ctx, id)
		if err != nil {
			return nil, err
		}
		roster = append(roster, *p)
	}
	return ActiveRoster(roster), nil
}

// ActiveRoster sorts presences PRAYING > ONLINE > AWAY and filters
// OFFLINE out of active views.
func ActiveRoster(presences []domain.UserPresence) []domain.UserPresence {
	out := make([]domain.UserPresence, 0, len(presences))
	for _, p := range presences {
		if p.Status != domain.StatusOffline {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Status.Rank() != out[j].Status.Rank() {
			return out[i].Status.Rank() < out[j].Status.Rank()
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}
