package services

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

func newPresenceFixture(t *testing.T) (*PresenceService, *fakePresenceStore, *fakeBroadcaster, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	store := newFakePresenceStore()
	channel := newFakeBroadcaster()
	svc := NewPresenceService(testLogger(), clk, store, channel, PresenceConfig{
		HeartbeatInterval: 30 * time.Second,
		AwayThreshold:     60 * time.Second,
		OfflineThreshold:  120 * time.Second,
		StatsRefresh:      30 * time.Second,
	})
	return svc, store, channel, clk
}

func TestHeartbeatMarksOnline(t *testing.T) {
	svc, store, channel, _ := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))

	p, err := svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnline, p.Status)
	require.Equal(t, "Ana", p.UserName)
	require.Equal(t, domain.StatusOnline, store.status("u1"), "the row is durable")
	require.Equal(t, 1, channel.publishCount(domain.PresenceTopic))
}

func TestHeartbeatPreservesPraying(t *testing.T) {
	svc, _, _, _ := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))
	require.NoError(t, svc.SetPrayingStatus(ctx, "u1", []string{"req-1", "req-2"}))
	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))

	p, err := svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPraying, p.Status, "a heartbeat never knocks a praying user back to online")
	require.Equal(t, []string{"req-1", "req-2"}, p.PrayingFor)
}

func TestSetPrayingStatusEmptyDropsToOnline(t *testing.T) {
	svc, _, _, _ := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPrayingStatus(ctx, "u1", []string{"req-1"}))
	require.NoError(t, svc.SetPrayingStatus(ctx, "u1", nil))

	p, err := svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnline, p.Status)
	require.Empty(t, p.PrayingFor)
}

func TestDisconnectSkipsGraceWindow(t *testing.T) {
	svc, store, _, _ := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))
	require.NoError(t, svc.Disconnect(ctx, "u1"))
	require.Equal(t, domain.StatusOffline, store.status("u1"))
}

func TestGetPresenceUnknownUserIsOffline(t *testing.T) {
	svc, _, _, _ := newPresenceFixture(t)

	p, err := svc.GetPresence(context.Background(), "ghost")
	require.NoError(t, err, "absence is not an error")
	require.Equal(t, domain.StatusOffline, p.Status)
	require.Equal(t, "ghost", p.UserID)
}

func TestUpdatePresenceValidation(t *testing.T) {
	svc, _, _, _ := newPresenceFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, svc.UpdatePresence(ctx, "", domain.StatusOnline, "", nil), domain.ErrInvalidUserID)
	require.ErrorIs(t, svc.UpdatePresence(ctx, "u1", "sleeping", "", nil), domain.ErrInvalidStatus)
}

func TestUpdatePresenceStoreFailureSurfaces(t *testing.T) {
	svc, store, _, _ := newPresenceFixture(t)
	store.failUpsert = true

	require.ErrorIs(t, svc.Heartbeat(context.Background(), "u1", "Ana"), errStoreDown)
}

func TestUpdatePresenceLastWriteWins(t *testing.T) {
	svc, _, _, clk := newPresenceFixture(t)
	ctx := context.Background()

	// A peer instance already saw fresher activity.
	svc.ApplyRemote(ctx, domain.Event{
		Type: domain.EventPresenceUpdate,
		Presence: &domain.UserPresence{
			UserID:       "u1",
			Status:       domain.StatusPraying,
			LastActiveAt: clk.Now().Add(time.Minute),
		},
	})

	require.NoError(t, svc.UpdatePresence(ctx, "u1", domain.StatusAway, "", nil))

	p, err := svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPraying, p.Status, "the stale write is dropped")
}

func TestApplyRemoteIgnoresOlderEvents(t *testing.T) {
	svc, _, _, clk := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))

	svc.ApplyRemote(ctx, domain.Event{
		Type: domain.EventPresenceUpdate,
		Presence: &domain.UserPresence{
			UserID:       "u1",
			Status:       domain.StatusOffline,
			LastActiveAt: clk.Now().Add(-time.Hour),
		},
	})

	p, err := svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOnline, p.Status)
}

func TestSubscribeFiltersToRequestedUsers(t *testing.T) {
	svc, _, _, _ := newPresenceFixture(t)
	ctx := context.Background()

	var watched, all []domain.UserPresence
	defer svc.Subscribe(func(p domain.UserPresence) { watched = append(watched, p) }, []string{"u1"})()
	defer svc.Subscribe(func(p domain.UserPresence) { all = append(all, p) }, nil)()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))
	require.NoError(t, svc.Heartbeat(ctx, "u2", "Ben"))

	require.Len(t, watched, 1)
	require.Equal(t, "u1", watched[0].UserID)
	require.Len(t, all, 2, "an empty filter subscribes to everyone")
}

func TestSweepDowngradesThroughAwayToOffline(t *testing.T) {
	svc, store, _, clk := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPrayingStatus(ctx, "u1", []string{"req-1"}))

	clk.Add(61 * time.Second)
	require.NoError(t, svc.SweepOnce(ctx))
	require.Equal(t, domain.StatusAway, store.status("u1"), "silence past the away threshold parks the user away")

	p, err := svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"req-1"}, p.PrayingFor, "away keeps the praying context")

	clk.Add(60 * time.Second)
	require.NoError(t, svc.SweepOnce(ctx))
	require.Equal(t, domain.StatusOffline, store.status("u1"), "aging continues from the original activity time")

	p, err = svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, p.PrayingFor, "offline clears the praying context")
}

func TestSweepDowngradesNotifySubscribers(t *testing.T) {
	svc, _, _, clk := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))

	var seen []domain.PresenceStatus
	release := svc.Subscribe(func(p domain.UserPresence) {
		seen = append(seen, p.Status)
	}, []string{"u1"})
	defer release()

	clk.Add(61 * time.Second)
	require.NoError(t, svc.SweepOnce(ctx))
	clk.Add(60 * time.Second)
	require.NoError(t, svc.SweepOnce(ctx))

	require.Equal(t, []domain.PresenceStatus{domain.StatusAway, domain.StatusOffline}, seen,
		"each sweep downgrade reaches live subscribers")
}

func TestSweepToleratesOneMissedHeartbeat(t *testing.T) {
	svc, store, _, clk := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))

	// One missed 30s heartbeat is inside the 60s window.
	clk.Add(45 * time.Second)
	require.NoError(t, svc.SweepOnce(ctx))
	require.Equal(t, domain.StatusOnline, store.status("u1"))
}

func TestHeartbeatIntervalDoublesOnLowBattery(t *testing.T) {
	svc, _, _, _ := newPresenceFixture(t)

	require.Equal(t, 30*time.Second, svc.HeartbeatInterval(false))
	require.Equal(t, 60*time.Second, svc.HeartbeatInterval(true))
}

func TestOnlineStatsAreCachedUntilRefresh(t *testing.T) {
	svc, _, _, clk := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Heartbeat(ctx, "u1", "Ana"))
	require.NoError(t, svc.SetPrayingStatus(ctx, "u2", []string{"req-1"}))

	stats, err := svc.GetOnlineStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Online)
	require.Equal(t, 1, stats.Praying)

	require.NoError(t, svc.Heartbeat(ctx, "u3", "Cy"))
	stats, err = svc.GetOnlineStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Online, "reads serve the cached aggregate")

	clk.Add(30 * time.Second)
	require.NoError(t, svc.RefreshStats(ctx))
	stats, err = svc.GetOnlineStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Online)
}

func TestActiveRosterOrdering(t *testing.T) {
	base := time.Unix(1000, 0)
	roster := ActiveRoster([]domain.UserPresence{
		{UserID: "away", Status: domain.StatusAway, LastActiveAt: base.Add(3 * time.Minute)},
		{UserID: "offline", Status: domain.StatusOffline, LastActiveAt: base.Add(9 * time.Minute)},
		{UserID: "online-old", Status: domain.StatusOnline, LastActiveAt: base},
		{UserID: "praying", Status: domain.StatusPraying, LastActiveAt: base.Add(time.Minute)},
		{UserID: "online-new", Status: domain.StatusOnline, LastActiveAt: base.Add(2 * time.Minute)},
	})

	ids := make([]string, len(roster))
	for i, p := range roster {
		ids[i] = p.UserID
	}
	require.Equal(t, []string{"praying", "online-new", "online-old", "away"}, ids)
}
