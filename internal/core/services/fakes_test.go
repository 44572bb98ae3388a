package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/contracts"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

var errStoreDown = errors.New("store down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type statusKey struct {
	convID string
	userID string
}

// fakeReceiptStore keeps receipts in memory and records call shapes so
// tests can assert chunking and idempotence at the store boundary.
type fakeReceiptStore struct {
	mu            sync.Mutex
	receipts      map[string]map[string]domain.ReadReceipt // messageID -> userID
	statuses      map[statusKey]domain.ConversationReadStatus
	batchSizes    []int
	upsertCalls   int
	convReadCalls int
	convReadCount int64
	failUpsert    bool
	failChunks    int
}

func newFakeReceiptStore() *fakeReceiptStore {
	return &fakeReceiptStore{
		receipts: make(map[string]map[string]domain.ReadReceipt),
		statuses: make(map[statusKey]domain.ConversationReadStatus),
	}
}

func (f *fakeReceiptStore) put(r domain.ReadReceipt) {
	if f.receipts[r.MessageID] == nil {
		f.receipts[r.MessageID] = make(map[string]domain.ReadReceipt)
	}
	f.receipts[r.MessageID][r.UserID] = r
}

func (f *fakeReceiptStore) UpsertReceipt(ctx context.Context, r *domain.ReadReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.failUpsert {
		return errStoreDown
	}
	f.put(*r)
	return nil
}

func (f *fakeReceiptStore) UpsertReceipts(ctx context.Context, rs []domain.ReadReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSizes = append(f.batchSizes, len(rs))
	if f.failChunks > 0 {
		f.failChunks--
		return errStoreDown
	}
	for _, r := range rs {
		f.put(r)
	}
	return nil
}

func (f *fakeReceiptStore) MarkConversationRead(ctx context.Context, convID, userID, userName string, messageIDs []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convReadCalls++
	key := statusKey{convID: convID, userID: userID}
	st := f.statuses[key]
	st.ConversationID = convID
	st.UserID = userID
	st.UnreadCount = 0
	st.LastReadAt = time.Now()
	f.statuses[key] = st
	return f.convReadCount, nil
}

func (f *fakeReceiptStore) GetMessageReceipts(ctx context.Context, messageID string) ([]domain.ReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ReadReceipt, 0, len(f.receipts[messageID]))
	for _, r := range f.receipts[messageID] {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeReceiptStore) GetConversationReadStatus(ctx context.Context, convID, userID string) (*domain.ConversationReadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[statusKey{convID: convID, userID: userID}]
	if !ok {
		st = domain.ConversationReadStatus{ConversationID: convID, UserID: userID}
	}
	return &st, nil
}

func (f *fakeReceiptStore) setStatus(st domain.ConversationReadStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[statusKey{convID: st.ConversationID, userID: st.UserID}] = st
}

func (f *fakeReceiptStore) receiptCount(messageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts[messageID])
}

// fakePresenceStore mirrors the durable presence table, including the
// staleness listing the sweep relies on.
type fakePresenceStore struct {
	mu         sync.Mutex
	rows       map[string]domain.UserPresence
	failUpsert bool
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{rows: make(map[string]domain.UserPresence)}
}

func (f *fakePresenceStore) UpsertPresence(ctx context.Context, p *domain.UserPresence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return errStoreDown
	}
	f.rows[p.UserID] = *p
	return nil
}

func (f *fakePresenceStore) GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[userID]
	if !ok {
		return nil, domain.ErrPresenceNotFound
	}
	return &p, nil
}

func (f *fakePresenceStore) ListStale(ctx context.Context, cutoff time.Time, statuses []domain.PresenceStatus) ([]domain.UserPresence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[domain.PresenceStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []domain.UserPresence
	for _, p := range f.rows {
		if _, ok := want[p.Status]; ok && p.LastActiveAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePresenceStore) GetOnlineStats(ctx context.Context) (*domain.OnlineStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats domain.OnlineStats
	for _, p := range f.rows {
		switch p.Status {
		case domain.StatusOnline:
			stats.Online++
		case domain.StatusPraying:
			stats.Praying++
		case domain.StatusAway:
			stats.Away++
		}
	}
	return &stats, nil
}

func (f *fakePresenceStore) status(userID string) domain.PresenceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[userID].Status
}

// fakeBroadcaster records publishes per topic and lets tests inject
// inbound payloads to subscribed handlers.
type fakeBroadcaster struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string][]func(ctx context.Context, payload []byte)
	subs      []*fakeSubscription
	pingRTT   time.Duration
	pingErr   error
	pubErr    error
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		published: make(map[string][][]byte),
		handlers:  make(map[string][]func(ctx context.Context, payload []byte)),
	}
}

func (f *fakeBroadcaster) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeBroadcaster) Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte)) (contracts.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = append(f.handlers[topic], handler)
	sub := &fakeSubscription{topic: topic}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeBroadcaster) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingRTT, f.pingErr
}

// Deliver pushes a payload to every handler subscribed to topic, as if
// it arrived from a peer instance.
func (f *fakeBroadcaster) Deliver(ctx context.Context, topic string, payload []byte) {
	f.mu.Lock()
	handlers := append([]func(ctx context.Context, payload []byte){}, f.handlers[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ctx, payload)
	}
}

func (f *fakeBroadcaster) publishCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

func (f *fakeBroadcaster) openSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

type fakeSubscription struct {
	topic  string
	closed bool
}

func (s *fakeSubscription) Topic() string { return s.topic }
func (s *fakeSubscription) Close() error  { s.closed = true; return nil }

// fakeTxManager runs fn directly; the chunk boundary is what matters
// in tests, not transaction mechanics.
type fakeTxManager struct {
	calls int
}

func (f *fakeTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}
