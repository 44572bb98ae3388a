package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/contracts"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

var tracer = otel.Tracer("realtime-signals")

// health thresholds over the recent round-trip window.
const (
	healthExcellentRTT = 100 * time.Millisecond
	healthGoodRTT      = 400 * time.Millisecond
	rttWindow          = 8
)

type sessionState int

const (
	sessionActive sessionState = iota + 1
	sessionTornDown
)

type conversationSession struct {
	convID string
	refs   int
	state  sessionState
	sub    contracts.Subscription
}

// ConversationParams identifies the caller joining a conversation's
// real-time signals.
type ConversationParams struct {
	ConversationID string
	UserID         string
	UserName       string
	ParticipantIDs []string
}

// ConnectionHealth is the aggregate transport status reported to the
// UI layer. ObservedAt is zero until the first probe has run, so
// callers can tell a freshly started instance apart from a degraded
// broker.
type ConnectionHealth struct {
	Status         string    `json:"status"` // excellent | good | poor
	ActiveChannels int       `json:"active_channels"`
	LastRTTMillis  int64     `json:"last_rtt_ms"`
	ObservedAt     time.Time `json:"observed_at"`
}

// RealtimeManager is the composition point for a conversation's
// signals: it owns the channel subscription lifecycle (reference
// counted across callers) and routes inbound events to the owning
// service.
type RealtimeManager struct {
	log      *slog.Logger
	clock    clock.Clock
	channel  contracts.Broadcaster
	typing   *TypingService
	receipts *ReceiptService
	presence *PresenceService

	mu        sync.Mutex
	sessions  map[string]*conversationSession
	globalSub contracts.Subscription

	healthMu sync.Mutex
	rtts     []time.Duration
	lastRTT  time.Duration
	lastPing error
	probedAt time.Time
}

func NewRealtimeManager(
	log *slog.Logger,
	clk clock.Clock,
	channel contracts.Broadcaster,
	typing *TypingService,
	receipts *ReceiptService,
	presence *PresenceService,
) *RealtimeManager {
	return &RealtimeManager{
		log:      log,
		clock:    clk,
		channel:  channel,
		typing:   typing,
		receipts: receipts,
		presence: presence,
		sessions: make(map[string]*conversationSession),
	}
}

// Start subscribes the global presence topic. Stop releases it.
func (m *RealtimeManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalSub != nil {
		return nil
	}
	sub, err := m.channel.Subscribe(ctx, domain.PresenceTopic, m.dispatch)
	if err != nil {
		return err
	}
	m.globalSub = sub
	return nil
}

func (m *RealtimeManager) Stop() {
	m.mu.Lock()
	sub := m.globalSub
	m.globalSub = nil
	m.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// SetupConversation establishes the conversation's channel subscription
// exactly once, reference-counted across callers, and returns a bound
// handle. Setting up again after teardown creates a fresh session
// rather than reusing stale handles.
func (m *RealtimeManager) SetupConversation(ctx context.Context, params ConversationParams) (*ConversationHandle, error) {
	ctx, span := tracer.Start(ctx, "RealtimeManager.SetupConversation", trace.WithAttributes(
		attribute.String("conv_id", params.ConversationID),
		attribute.String("user_id", params.UserID),
	))
	defer span.End()
	if params.ConversationID == "" {
		return nil, domain.ErrInvalidConversationID
	}
	if params.UserID == "" {
		return nil, domain.ErrInvalidUserID
	}

	m.mu.Lock()
	sess, ok := m.sessions[params.ConversationID]
	if !ok || sess.state == sessionTornDown {
		sub, err := m.channel.Subscribe(ctx, domain.ConversationTopic(params.ConversationID), m.dispatch)
		if err != nil {
			m.mu.Unlock()
			span.RecordError(err)
			m.log.ErrorContext(ctx, "manager - setup - channel subscribe failed", "conv_id", params.ConversationID, "err", err)
			return nil, err
		}
		sess = &conversationSession{
			convID: params.ConversationID,
			state:  sessionActive,
			sub:    sub,
		}
		m.sessions[params.ConversationID] = sess
		m.log.InfoContext(ctx, "manager - setup - channel subscribed", "conv_id", params.ConversationID)
	}
	sess.refs++
	m.mu.Unlock()

	releaseWatch := m.receipts.WatchReadStatus(params.ConversationID, params.UserID)

	// Joining a conversation is activity; best effort only.
	if err := m.presence.Heartbeat(ctx, params.UserID, params.UserName); err != nil {
		m.log.WarnContext(ctx, "manager - setup - presence heartbeat failed", "user_id", params.UserID, "err", err)
	}

	return &ConversationHandle{
		manager:      m,
		params:       params,
		sess:         sess,
		releaseWatch: releaseWatch,
	}, nil
}

// GetConnectionHealth derives the aggregate status from recent
// round-trip observations.
func (m *RealtimeManager) GetConnectionHealth() ConnectionHealth {
	m.mu.Lock()
	active := len(m.sessions)
	if m.globalSub != nil {
		active++
	}
	m.mu.Unlock()

	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	health := ConnectionHealth{
		Status:         "poor",
		ActiveChannels: active,
		LastRTTMillis:  m.lastRTT.Milliseconds(),
		ObservedAt:     m.probedAt,
	}
	if m.lastPing != nil || len(m.rtts) == 0 {
		return health
	}
	var total time.Duration
	for _, rtt := range m.rtts {
		total += rtt
	}
	avg := total / time.Duration(len(m.rtts))
	switch {
	case avg <= healthExcellentRTT:
		health.Status = "excellent"
	case avg <= healthGoodRTT:
		health.Status = "good"
	}
	return health
}

// ProbeHealth samples one transport round-trip.
func (m *RealtimeManager) ProbeHealth(ctx context.Context) {
	rtt, err := m.channel.Ping(ctx)
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.lastPing = err
	m.probedAt = m.clock.Now()
	if err != nil {
		m.log.WarnContext(ctx, "manager - health probe - ping failed", "err", err)
		return
	}
	m.lastRTT = rtt
	m.rtts = append(m.rtts, rtt)
	if len(m.rtts) > rttWindow {
		m.rtts = m.rtts[1:]
	}
}

// ActiveSessions reports the number of live conversation sessions.
func (m *RealtimeManager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// dispatch routes an inbound channel payload to the owning service.
func (m *RealtimeManager) dispatch(ctx context.Context, payload []byte) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("manager - dispatch - malformed event", "err", err)
		return
	}
	switch ev.Type {
	case domain.EventTypingStart, domain.EventTypingStop:
		m.typing.ApplyRemote(ctx, ev)
	case domain.EventMessageRead, domain.EventConversationRead:
		m.receipts.ApplyRemote(ctx, ev)
	case domain.EventPresenceUpdate:
		m.presence.ApplyRemote(ctx, ev)
	default:
		m.log.Warn("manager - dispatch - unknown event type", "type", string(ev.Type))
	}
}

func (m *RealtimeManager) release(sess *conversationSession) {
	m.mu.Lock()
	sess.refs--
	var sub contracts.Subscription
	if sess.refs <= 0 && sess.state == sessionActive {
		sess.state = sessionTornDown
		sub = sess.sub
		delete(m.sessions, sess.convID)
	}
	m.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			m.log.Warn("manager - cleanup - unsubscribe failed", "conv_id", sess.convID, "err", err)
		} else {
			m.log.Info("manager - cleanup - channel released", "conv_id", sess.convID)
		}
	}
}

// ConversationHandle is the bound API returned by SetupConversation.
// All methods are no-ops returning ErrSessionTornDown once the
// session's subscription has been released.
type ConversationHandle struct {
	manager      *RealtimeManager
	params       ConversationParams
	sess         *conversationSession
	releaseWatch func()
	once         sync.Once
}

func (h *ConversationHandle) tornDown() bool {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()
	return h.sess.state == sessionTornDown
}

func (h *ConversationHandle) StartTyping(ctx context.Context, activity domain.TypingActivity) error {
	if h.tornDown() {
		return domain.ErrSessionTornDown
	}
	return h.manager.typing.StartTyping(ctx, h.params.ConversationID, h.params.UserID, h.params.UserName, activity)
}

func (h *ConversationHandle) StopTyping(ctx context.Context) error {
	if h.tornDown() {
		return domain.ErrSessionTornDown
	}
	return h.manager.typing.StopTyping(ctx, h.params.ConversationID, h.params.UserID)
}

func (h *ConversationHandle) MarkMessageRead(ctx context.Context, messageID, deviceID string) (*domain.ReadReceipt, error) {
	if h.tornDown() {
		return nil, domain.ErrSessionTornDown
	}
	return h.manager.receipts.MarkMessageRead(ctx, messageID, h.params.ConversationID, h.params.UserID, h.params.UserName, deviceID)
}

func (h *ConversationHandle) MarkConversationRead(ctx context.Context, messageIDs ...string) (int64, error) {
	if h.tornDown() {
		return 0, domain.ErrSessionTornDown
	}
	return h.manager.receipts.MarkConversationRead(ctx, h.params.ConversationID, h.params.UserID, h.params.UserName, messageIDs...)
}

func (h *ConversationHandle) SetPrayingStatus(ctx context.Context, requestIDs []string) error {
	if h.tornDown() {
		return domain.ErrSessionTornDown
	}
	return h.manager.presence.SetPrayingStatus(ctx, h.params.UserID, requestIDs)
}

// Cleanup decrements the session's reference count and releases the
// underlying subscription when it reaches zero. Safe to call multiple
// times.
func (h *ConversationHandle) Cleanup() {
	h.once.Do(func() {
		h.releaseWatch()
		h.manager.release(h.sess)
	})
}
