package services

import (
	"context"
	"encoding/json"
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

// receiptCacheLimit bounds the per-message receipt cache. Receipts
// persist indefinitely in the store; the cache only serves hot reads
// and evicts oldest-inserted entries past the limit.
const receiptCacheLimit = 1024

// BatchOutcome is the per-message result of bulk read marking.
type BatchOutcome struct {
	Receipt *domain.ReadReceipt
	Err     error
}

// ReceiptConfig carries the tuning knobs for read tracking.
type ReceiptConfig struct {
	// Debounce is the quiet period collapsing rapid successive reads
	// in one conversation into a single message_read broadcast.
	Debounce time.Duration
	// BatchSize and BatchDelay shape bulk marking: fixed-size chunks
	// with a small pause between them so the store is never slammed.
	BatchSize  int
	BatchDelay time.Duration
}

// ReceiptService records read events durably and idempotently while
// keeping network chatter bounded. The store write is authoritative and
// its failure surfaces to the caller; the broadcast is an optimization
// whose failure is only logged.
type ReceiptService struct {
	log     *slog.Logger
	clock   clock.Clock
	store   contracts.ReceiptStore
	channel contracts.Broadcaster
	tx      contracts.TxManager
	timers  *TimerRegistry
	cfg     ReceiptConfig

	mu         sync.Mutex
	cache      map[string]map[string]domain.ReadReceipt // messageID → userID → receipt
	cacheOrder []string
	pending    map[string][]domain.ReadReceipt // convID → receipts awaiting flush
	observers  map[string]*observerSet[domain.Event]
	watched    map[watchKey]domain.ConversationReadStatus
}

type watchKey struct {
	convID string
	userID string
}

func NewReceiptService(
	log *slog.Logger,
	clk clock.Clock,
	store contracts.ReceiptStore,
	channel contracts.Broadcaster,
	tx contracts.TxManager,
	cfg ReceiptConfig,
) *ReceiptService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &ReceiptService{
		log:       log,
		clock:     clk,
		store:     store,
		channel:   channel,
		tx:        tx,
		timers:    NewTimerRegistry(clk),
		cfg:       cfg,
		cache:     make(map[string]map[string]domain.ReadReceipt),
		pending:   make(map[string][]domain.ReadReceipt),
		observers: make(map[string]*observerSet[domain.Event]),
		watched:   make(map[watchKey]domain.ConversationReadStatus),
	}
}

// MarkMessageRead upserts the receipt keyed by (messageID, userID).
// Re-marking the same message only refreshes ReadAt; the logical read
// count never changes. The broadcast is debounced per conversation.
func (s *ReceiptService) MarkMessageRead(
	ctx context.Context,
	messageID, convID, userID, userName, deviceID string,
) (*domain.ReadReceipt, error) {
	ctx, span := tracer.Start(ctx, "ReceiptService.MarkMessageRead", trace.WithAttributes(
		attribute.String("message_id", messageID),
		attribute.String("conv_id", convID),
		attribute.String("user_id", userID),
	))
	defer span.End()
	if messageID == "" {
		return nil, domain.ErrInvalidMessageID
	}
	if convID == "" {
		return nil, domain.ErrInvalidConversationID
	}
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}

	receipt := domain.ReadReceipt{
		MessageID:      messageID,
		ConversationID: convID,
		UserID:         userID,
		UserName:       userName,
		ReadAt:         s.clock.Now(),
		DeviceID:       deviceID,
	}
	if err := s.store.UpsertReceipt(ctx, &receipt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "durable write failed")
		s.log.ErrorContext(ctx, "receipts - mark read - upsert failed", "message_id", messageID, "user_id", userID, "err", err)
		return nil, err
	}

	s.cacheUpsert(receipt)

	s.mu.Lock()
	s.enqueueLocked(receipt)
	s.mu.Unlock()
	s.timers.Schedule(flushKey(convID), s.cfg.Debounce, func() {
		s.flushConversation(context.WithoutCancel(ctx), convID)
	})
	return &receipt, nil
}

// MarkConversationRead atomically marks the unread messages from other
// participants as read, returning the affected count, and emits exactly
// one conversation_read broadcast. Any pending per-message debounce for
// the conversation is subsumed and dropped.
func (s *ReceiptService) MarkConversationRead(
	ctx context.Context,
	convID, userID, userName string,
	messageIDs ...string,
) (int64, error) {
	ctx, span := tracer.Start(ctx, "ReceiptService.MarkConversationRead", trace.WithAttributes(
		attribute.String("conv_id", convID),
		attribute.String("user_id", userID),
		attribute.Int("subset", len(messageIDs)),
	))
	defer span.End()
	if convID == "" {
		return 0, domain.ErrInvalidConversationID
	}
	if userID == "" {
		return 0, domain.ErrInvalidUserID
	}

	count, err := s.store.MarkConversationRead(ctx, convID, userID, userName, messageIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk mark failed")
		s.log.ErrorContext(ctx, "receipts - mark conversation read - store failed", "conv_id", convID, "user_id", userID, "err", err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("affected", count))

	s.timers.Cancel(flushKey(convID))
	s.mu.Lock()
	delete(s.pending, convID)
	s.mu.Unlock()

	ev := domain.Event{
		Type:           domain.EventConversationRead,
		ConversationID: convID,
		Read: &domain.ConversationRead{
			ConversationID: convID,
			UserID:         userID,
			UserName:       userName,
			Count:          count,
			ReadAt:         s.clock.Now(),
		},
		SentAt: s.clock.Now(),
	}
	s.publish(ctx, ev)
	s.notifyConversation(convID, ev)
	s.log.InfoContext(ctx, "receipts - mark conversation read - success", "conv_id", convID, "user_id", userID, "affected", count)
	return count, nil
}

// GetMessageReadReceipts is a cache-first read-through. Receipts come
// back deduplicated by user, ordered by read time ascending.
func (s *ReceiptService) GetMessageReadReceipts(ctx context.Context, messageID string) ([]domain.ReadReceipt, error) {
	if messageID == "" {
		return nil, domain.ErrInvalidMessageID
	}
	s.mu.Lock()
	byUser, ok := s.cache[messageID]
	var cached []domain.ReadReceipt
	if ok {
		cached = make([]domain.ReadReceipt, 0, len(byUser))
		for _, r := range byUser {
			cached = append(cached, r)
		}
	}
	s.mu.Unlock()
	if ok {
		sortReceipts(cached)
		return cached, nil
	}

	receipts, err := s.store.GetMessageReceipts(ctx, messageID)
	if err != nil {
		s.log.ErrorContext(ctx, "receipts - get receipts - store read failed", "message_id", messageID, "err", err)
		return nil, err
	}
	for _, r := range receipts {
		s.cacheUpsert(r)
	}
	sortReceipts(receipts)
	return receipts, nil
}

// GetConversationReadStatus reads the store-side aggregate. Unread
// totals are never recomputed from the client cache, preventing
// cross-device drift.
func (s *ReceiptService) GetConversationReadStatus(ctx context.Context, convID, userID string) (*domain.ConversationReadStatus, error) {
	if convID == "" {
		return nil, domain.ErrInvalidConversationID
	}
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	return s.store.GetConversationReadStatus(ctx, convID, userID)
}

// BatchMarkMessagesRead marks messageIDs in fixed-size chunks with a
// small inter-chunk delay. A failing chunk does not abort the rest; the
// returned map holds one outcome per message id.
func (s *ReceiptService) BatchMarkMessagesRead(
	ctx context.Context,
	messageIDs []string,
	convID, userID, userName string,
) map[string]BatchOutcome {
	ctx, span := tracer.Start(ctx, "ReceiptService.BatchMarkMessagesRead", trace.WithAttributes(
		attribute.String("conv_id", convID),
		attribute.String("user_id", userID),
		attribute.Int("count", len(messageIDs)),
	))
	defer span.End()

	outcomes := make(map[string]BatchOutcome, len(messageIDs))
	if convID == "" || userID == "" {
		err := domain.ErrInvalidConversationID
		if convID != "" {
			err = domain.ErrInvalidUserID
		}
		for _, id := range messageIDs {
			outcomes[id] = BatchOutcome{Err: err}
		}
		return outcomes
	}

	for start := 0; start < len(messageIDs); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(messageIDs))
		chunkIDs := messageIDs[start:end]

		chunk := make([]domain.ReadReceipt, 0, len(chunkIDs))
		now := s.clock.Now()
		for _, id := range chunkIDs {
			if id == "" {
				outcomes[id] = BatchOutcome{Err: domain.ErrInvalidMessageID}
				continue
			}
			chunk = append(chunk, domain.ReadReceipt{
				MessageID:      id,
				ConversationID: convID,
				UserID:         userID,
				UserName:       userName,
				ReadAt:         now,
			})
		}

		err := s.tx.WithTx(ctx, func(txCtx context.Context) error {
			return s.store.UpsertReceipts(txCtx, chunk)
		})
		if err != nil {
			span.RecordError(err)
			s.log.ErrorContext(ctx, "receipts - batch mark - chunk failed", "conv_id", convID, "chunk_size", len(chunk), "err", err)
			for _, r := range chunk {
				outcomes[r.MessageID] = BatchOutcome{Err: err}
			}
		} else {
			s.mu.Lock()
			for i := range chunk {
				r := chunk[i]
				outcomes[r.MessageID] = BatchOutcome{Receipt: &r}
				s.enqueueLocked(r)
			}
			s.mu.Unlock()
			for _, r := range chunk {
				s.cacheUpsert(r)
			}
		}

		if end < len(messageIDs) && s.cfg.BatchDelay > 0 {
			select {
			case <-s.clock.After(s.cfg.BatchDelay):
			case <-ctx.Done():
				for _, id := range messageIDs[end:] {
					outcomes[id] = BatchOutcome{Err: ctx.Err()}
				}
				return outcomes
			}
		}
	}

	s.timers.Schedule(flushKey(convID), s.cfg.Debounce, func() {
		s.flushConversation(context.WithoutCancel(ctx), convID)
	})
	return outcomes
}

// Subscribe delivers both single-message and conversation-level read
// events for convID. The disposer detaches the callback.
func (s *ReceiptService) Subscribe(convID string, fn func(domain.Event)) func() {
	s.mu.Lock()
	set, ok := s.observers[convID]
	if !ok {
		set = newObserverSet[domain.Event]()
		s.observers[convID] = set
	}
	s.mu.Unlock()
	return set.add(fn)
}

// WatchReadStatus registers (convID, userID) for the periodic
// authoritative resync. The optimistic client-side unread count is
// never trusted on its own; ResyncOnce reconciles it against the store
// aggregate and emits a local read_status event on change.
func (s *ReceiptService) WatchReadStatus(convID, userID string) func() {
	key := watchKey{convID: convID, userID: userID}
	s.mu.Lock()
	if _, ok := s.watched[key]; !ok {
		s.watched[key] = domain.ConversationReadStatus{ConversationID: convID, UserID: userID, UnreadCount: -1}
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watched, key)
		s.mu.Unlock()
	}
}

// ResyncOnce re-reads the store aggregate for every watched
// (conversation, user) pair and notifies subscribers whose unread
// state drifted.
func (s *ReceiptService) ResyncOnce(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]watchKey, 0, len(s.watched))
	for k := range s.watched {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var lastErr error
	for _, k := range keys {
		status, err := s.store.GetConversationReadStatus(ctx, k.convID, k.userID)
		if err != nil {
			lastErr = err
			s.log.WarnContext(ctx, "receipts - resync - aggregate read failed", "conv_id", k.convID, "user_id", k.userID, "err", err)
			continue
		}
		s.mu.Lock()
		prev, watched := s.watched[k]
		changed := watched && (prev.UnreadCount != status.UnreadCount || !prev.LastReadAt.Equal(status.LastReadAt))
		if watched {
			s.watched[k] = *status
		}
		s.mu.Unlock()
		if changed {
			s.notifyConversation(k.convID, domain.Event{
				Type:           domain.EventReadStatus,
				ConversationID: k.convID,
				Status:         status,
				SentAt:         s.clock.Now(),
			})
		}
	}
	return lastErr
}

// ApplyRemote folds a read event from the broadcast channel into the
// local cache and fans it out to subscribers.
func (s *ReceiptService) ApplyRemote(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventMessageRead:
		for _, r := range ev.Receipts {
			s.cacheUpsert(r)
		}
	case domain.EventConversationRead:
		// Nothing cached per message; subscribers re-read the aggregate.
	default:
		return
	}
	s.notifyConversation(ev.ConversationID, ev)
}

// CachedReceiptCount is a test/inspection hook.
func (s *ReceiptService) CachedReceiptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// enqueueLocked replaces any pending entry for the same (message, user)
// so a re-mark inside one debounce window broadcasts once.
func (s *ReceiptService) enqueueLocked(r domain.ReadReceipt) {
	queue := s.pending[r.ConversationID]
	for i := range queue {
		if queue[i].MessageID == r.MessageID && queue[i].UserID == r.UserID {
			queue[i] = r
			return
		}
	}
	s.pending[r.ConversationID] = append(queue, r)
}

func (s *ReceiptService) flushConversation(ctx context.Context, convID string) {
	s.mu.Lock()
	receipts := s.pending[convID]
	delete(s.pending, convID)
	s.mu.Unlock()
	if len(receipts) == 0 {
		return
	}
	ev := domain.Event{
		Type:           domain.EventMessageRead,
		ConversationID: convID,
		Receipts:       receipts,
		SentAt:         s.clock.Now(),
	}
	s.publish(ctx, ev)
	s.notifyConversation(convID, ev)
}

func (s *ReceiptService) publish(ctx context.Context, ev domain.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		s.log.ErrorContext(ctx, "receipts - publish - marshal failed", "conv_id", ev.ConversationID, "err", err)
		return
	}
	if err := s.channel.Publish(ctx, domain.ConversationTopic(ev.ConversationID), raw); err != nil {
		// The durable write already succeeded; the broadcast is only
		// an optimization.
		s.log.WarnContext(ctx, "receipts - publish - broadcast dropped", "conv_id", ev.ConversationID, "type", string(ev.Type), "err", err)
	}
}

func (s *ReceiptService) notifyConversation(convID string, ev domain.Event) {
	s.mu.Lock()
	set := s.observers[convID]
	s.mu.Unlock()
	if set == nil {
		return
	}
	set.notify(ev)
}

func (s *ReceiptService) cacheUpsert(r domain.ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.cache[r.MessageID]
	if !ok {
		byUser = make(map[string]domain.ReadReceipt)
		s.cache[r.MessageID] = byUser
		s.cacheOrder = append(s.cacheOrder, r.MessageID)
		// Evict oldest-inserted messages past the limit. The store
		// keeps the audit trail; this only sheds memory.
		for len(s.cacheOrder) > receiptCacheLimit {
			evict := s.cacheOrder[0]
			s.cacheOrder = s.cacheOrder[1:]
			delete(s.cache, evict)
		}
	}
	byUser[r.UserID] = r
}

func sortReceipts(rs []domain.ReadReceipt) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ReadAt.Equal(rs[j].ReadAt) {
			return rs[i].UserID < rs[j].UserID
		}
		return rs[i].ReadAt.Before(rs[j].ReadAt)
	})
}

func flushKey(convID string) string {
	return "flush:" + convID
}
