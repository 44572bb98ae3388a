package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

func newReceiptFixture(t *testing.T) (*ReceiptService, *fakeReceiptStore, *fakeBroadcaster, *fakeTxManager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	store := newFakeReceiptStore()
	channel := newFakeBroadcaster()
	tx := &fakeTxManager{}
	svc := NewReceiptService(testLogger(), clk, store, channel, tx, ReceiptConfig{
		Debounce:  500 * time.Millisecond,
		BatchSize: 2,
	})
	return svc, store, channel, tx, clk
}

func publishedEvents(t *testing.T, channel *fakeBroadcaster, convID string) []domain.Event {
	t.Helper()
	raw := channel.published[domain.ConversationTopic(convID)]
	out := make([]domain.Event, 0, len(raw))
	for _, b := range raw {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		out = append(out, ev)
	}
	return out
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	svc, store, _, _, _ := newReceiptFixture(t)
	ctx := context.Background()

	r1, err := svc.MarkMessageRead(ctx, "m1", "c1", "u1", "Ana", "phone")
	require.NoError(t, err)
	require.Equal(t, "m1", r1.MessageID)

	_, err = svc.MarkMessageRead(ctx, "m1", "c1", "u1", "Ana", "laptop")
	require.NoError(t, err)

	require.Equal(t, 1, store.receiptCount("m1"), "re-marking never creates a second receipt")

	receipts, err := svc.GetMessageReadReceipts(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, "laptop", receipts[0].DeviceID, "re-mark refreshes the existing receipt")
}

func TestMarkMessageReadDebouncesBroadcast(t *testing.T) {
	svc, _, channel, _, clk := newReceiptFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.MarkMessageRead(ctx, "m"+string(rune('0'+i)), "c1", "u1", "Ana", "")
		require.NoError(t, err)
	}
	require.Equal(t, 0, channel.publishCount(domain.ConversationTopic("c1")), "nothing leaves during the quiet period")

	clk.Add(500 * time.Millisecond)
	events := publishedEvents(t, channel, "c1")
	require.Len(t, events, 1, "burst collapses into one broadcast")
	require.Equal(t, domain.EventMessageRead, events[0].Type)
	require.Len(t, events[0].Receipts, 10)
}

func TestDebounceDeduplicatesReMarks(t *testing.T) {
	svc, _, channel, _, clk := newReceiptFixture(t)
	ctx := context.Background()

	_, err := svc.MarkMessageRead(ctx, "m1", "c1", "u1", "Ana", "")
	require.NoError(t, err)
	_, err = svc.MarkMessageRead(ctx, "m1", "c1", "u1", "Ana", "")
	require.NoError(t, err)

	clk.Add(500 * time.Millisecond)
	events := publishedEvents(t, channel, "c1")
	require.Len(t, events, 1)
	require.Len(t, events[0].Receipts, 1, "same (message, user) re-mark broadcasts once")
}

func TestMarkMessageReadStoreFailureSurfaces(t *testing.T) {
	svc, store, channel, _, clk := newReceiptFixture(t)
	store.failUpsert = true

	_, err := svc.MarkMessageRead(context.Background(), "m1", "c1", "u1", "Ana", "")
	require.ErrorIs(t, err, errStoreDown)

	clk.Add(time.Second)
	require.Equal(t, 0, channel.publishCount(domain.ConversationTopic("c1")), "a failed write never broadcasts")
}

func TestMarkConversationReadSubsumesPendingDebounce(t *testing.T) {
	svc, store, channel, _, clk := newReceiptFixture(t)
	ctx := context.Background()
	store.convReadCount = 5

	_, err := svc.MarkMessageRead(ctx, "m1", "c1", "u1", "Ana", "")
	require.NoError(t, err)

	count, err := svc.MarkConversationRead(ctx, "c1", "u1", "Ana")
	require.NoError(t, err)
	require.Equal(t, int64(5), count)

	clk.Add(time.Second)
	events := publishedEvents(t, channel, "c1")
	require.Len(t, events, 1, "the pending per-message flush is dropped")
	require.Equal(t, domain.EventConversationRead, events[0].Type)
	require.Equal(t, int64(5), events[0].Read.Count)

	status, err := svc.GetConversationReadStatus(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, 0, status.UnreadCount, "watermark advanced to zero unread")
}

func TestMarkConversationReadNotifiesSubscribers(t *testing.T) {
	svc, store, _, _, _ := newReceiptFixture(t)
	store.convReadCount = 2

	var got []domain.Event
	defer svc.Subscribe("c1", func(ev domain.Event) { got = append(got, ev) })()

	_, err := svc.MarkConversationRead(context.Background(), "c1", "u1", "Ana", "m1", "m2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, domain.EventConversationRead, got[0].Type)
	require.Equal(t, "u1", got[0].Read.UserID)
}

func TestBatchMarkChunksStoreCalls(t *testing.T) {
	svc, store, _, tx, _ := newReceiptFixture(t)

	outcomes := svc.BatchMarkMessagesRead(context.Background(), []string{"m1", "m2", "m3"}, "c1", "u1", "Ana")

	require.Equal(t, []int{2, 1}, store.batchSizes, "three ids split into chunks of the configured size")
	require.Equal(t, 2, tx.calls, "one transaction per chunk")
	require.Len(t, outcomes, 3)
	for id, out := range outcomes {
		require.NoError(t, out.Err, "outcome for %s", id)
		require.NotNil(t, out.Receipt)
		require.Equal(t, id, out.Receipt.MessageID)
	}
}

func TestBatchMarkChunkFailureIsIsolated(t *testing.T) {
	svc, store, _, _, _ := newReceiptFixture(t)
	store.failChunks = 1

	outcomes := svc.BatchMarkMessagesRead(context.Background(), []string{"m1", "m2", "m3"}, "c1", "u1", "Ana")

	require.Len(t, outcomes, 3)
	require.ErrorIs(t, outcomes["m1"].Err, errStoreDown)
	require.ErrorIs(t, outcomes["m2"].Err, errStoreDown)
	require.NoError(t, outcomes["m3"].Err, "the second chunk still lands")
	require.Equal(t, 1, store.receiptCount("m3"))
}

func TestBatchMarkValidation(t *testing.T) {
	svc, _, _, _, _ := newReceiptFixture(t)

	outcomes := svc.BatchMarkMessagesRead(context.Background(), []string{"m1"}, "", "u1", "Ana")
	require.ErrorIs(t, outcomes["m1"].Err, domain.ErrInvalidConversationID)

	outcomes = svc.BatchMarkMessagesRead(context.Background(), []string{"m1"}, "c1", "", "Ana")
	require.ErrorIs(t, outcomes["m1"].Err, domain.ErrInvalidUserID)
}

func TestGetMessageReadReceiptsReadsThrough(t *testing.T) {
	svc, store, _, _, _ := newReceiptFixture(t)
	ctx := context.Background()
	store.put(domain.ReadReceipt{MessageID: "m1", ConversationID: "c1", UserID: "u2", ReadAt: time.Unix(10, 0)})
	store.put(domain.ReadReceipt{MessageID: "m1", ConversationID: "c1", UserID: "u1", ReadAt: time.Unix(20, 0)})

	receipts, err := svc.GetMessageReadReceipts(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	require.Equal(t, "u2", receipts[0].UserID, "ordered by read time ascending")
	require.Equal(t, 1, svc.CachedReceiptCount(), "store rows are cached for the next read")
}

func TestResyncEmitsOnDrift(t *testing.T) {
	svc, store, _, _, _ := newReceiptFixture(t)
	ctx := context.Background()

	release := svc.WatchReadStatus("c1", "u1")
	defer release()

	var got []domain.Event
	defer svc.Subscribe("c1", func(ev domain.Event) { got = append(got, ev) })()

	store.setStatus(domain.ConversationReadStatus{ConversationID: "c1", UserID: "u1", UnreadCount: 3})
	require.NoError(t, svc.ResyncOnce(ctx))
	require.Len(t, got, 1, "first resync reconciles the optimistic state")
	require.Equal(t, domain.EventReadStatus, got[0].Type)
	require.Equal(t, 3, got[0].Status.UnreadCount)

	require.NoError(t, svc.ResyncOnce(ctx))
	require.Len(t, got, 1, "no event when the aggregate is unchanged")

	store.setStatus(domain.ConversationReadStatus{ConversationID: "c1", UserID: "u1", UnreadCount: 1})
	require.NoError(t, svc.ResyncOnce(ctx))
	require.Len(t, got, 2)
	require.Equal(t, 1, got[1].Status.UnreadCount)
}

func TestApplyRemoteCachesAndNotifies(t *testing.T) {
	svc, _, _, _, _ := newReceiptFixture(t)

	var got []domain.Event
	defer svc.Subscribe("c1", func(ev domain.Event) { got = append(got, ev) })()

	svc.ApplyRemote(context.Background(), domain.Event{
		Type:           domain.EventMessageRead,
		ConversationID: "c1",
		Receipts: []domain.ReadReceipt{
			{MessageID: "m1", ConversationID: "c1", UserID: "u2", ReadAt: time.Unix(30, 0)},
		},
	})
	require.Len(t, got, 1)

	receipts, err := svc.GetMessageReadReceipts(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, receipts, 1, "remote receipts serve local reads")
}
