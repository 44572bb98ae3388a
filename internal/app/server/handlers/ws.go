package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/registry"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/server/ws"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/services"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/platform/logger"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/pkg/middleware"
)

type WSHandler struct {
	hub      *registry.Registry
	manager  *services.RealtimeManager
	typing   *services.TypingService
	receipts *services.ReceiptService
	presence *services.PresenceService

	mu    sync.Mutex
	feeds map[string]*convFeed
}

// convFeed is the shared outbound pipe for one conversation on this
// node: a single typing and receipt subscription fanning out through
// the hub, reference-counted across the conversation's connections.
type convFeed struct {
	refs int
	stop func()
}

func NewWSHandler(
	hub *registry.Registry,
	manager *services.RealtimeManager,
	typing *services.TypingService,
	receipts *services.ReceiptService,
	presence *services.PresenceService,
) *WSHandler {
	return &WSHandler{
		hub:      hub,
		manager:  manager,
		typing:   typing,
		receipts: receipts,
		presence: presence,
		feeds:    make(map[string]*convFeed),
	}
}

// acquireFeed opens the conversation's shared subscriptions on first
// use and bumps the reference count for later joiners.
func (s *WSHandler) acquireFeed(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[convID]
	if !ok {
		feed = &convFeed{stop: s.openFeed(convID)}
		s.feeds[convID] = feed
	}
	feed.refs++
}

func (s *WSHandler) releaseFeed(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[convID]
	if !ok {
		return
	}
	feed.refs--
	if feed.refs <= 0 {
		delete(s.feeds, convID)
		feed.stop()
	}
}

// openFeed subscribes the conversation's typing and receipt streams
// once; every change fans out to the hub's local connections on the
// conversation.
func (s *WSHandler) openFeed(convID string) func() {
	unsubTyping := s.typing.Subscribe(convID, func(states []domain.TypingState) {
		frame, err := json.Marshal(typingSnapshot{
			Type:   "typing_snapshot",
			States: states,
			Text:   services.TypingText(states),
		})
		if err != nil {
			return
		}
		s.hub.Fanout(context.Background(), convID, "", frame)
	})
	unsubReads := s.receipts.Subscribe(convID, func(ev domain.Event) {
		frame, err := json.Marshal(ev)
		if err != nil {
			return
		}
		s.hub.Fanout(context.Background(), convID, "", frame)
	})
	return func() {
		unsubTyping()
		unsubReads()
	}
}

// typingSnapshot is the outbound frame carrying the full composing list
// after every change.
type typingSnapshot struct {
	Type   string               `json:"type"` // "typing_snapshot"
	States []domain.TypingState `json:"states"`
	Text   string               `json:"text"`
}

func (s *WSHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	span := trace.SpanFromContext(r.Context())
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		log.ErrorContext(r.Context(), "ws handler - unauthorised missing user_id")
		http.Error(w, "Unauthorized: User ID missing", http.StatusUnauthorized)
		return
	}
	userName, _ := r.Context().Value(middleware.UserNameKey).(string)
	span.SetAttributes(attribute.String("user.id", userID))

	convID := r.URL.Query().Get("conv_id")
	if convID == "" {
		http.Error(w, "conv_id required", http.StatusBadRequest)
		return
	}
	participantIDs := splitCSV(r.URL.Query().Get("participants"))
	lowBattery := r.URL.Query().Get("low_battery") == "1"
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	sessionCtx := context.WithoutCancel(r.Context())
	ctx, cancel := context.WithCancel(sessionCtx)
	defer cancel()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 512,
		CheckOrigin: func(r *http.Request) bool {
			return true // tighten later
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(r.Context(), "ws handler - upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetCloseHandler(func(code int, text string) error {
		log.Info("ws handler - ws closed", "user_id", userID)
		cancel()
		return nil
	})
	socket := ws.NewWebSocket(ctx, conn)

	handle, err := s.manager.SetupConversation(ctx, services.ConversationParams{
		ConversationID: convID,
		UserID:         userID,
		UserName:       userName,
		ParticipantIDs: participantIDs,
	})
	if err != nil {
		log.ErrorContext(r.Context(), "ws handler - setup conversation failed", "conv_id", convID, "err", err)
		return
	}
	defer handle.Cleanup()

	_ = conn.WriteJSON(domain.HandshakeResponse{
		Type:           "handshake",
		ConversationID: convID,
		UserID:         userID,
	})
	span.SetAttributes(
		attribute.String("chat.conv_id", convID),
		attribute.Bool("chat.low_battery", lowBattery),
	)
	log.InfoContext(r.Context(), "ws handler - connection established", "conv_id", convID, "user_id", userID)

	client := ws.NewClient(ctx, socket, userID, convID)
	s.hub.Register(client)
	defer s.hub.Unregister(client)
	defer client.Close()

	// Conversation events reach the client through the hub's shared
	// feed; late joiners still need the current composing list once.
	s.acquireFeed(convID)
	defer s.releaseFeed(convID)
	states := s.typing.Snapshot(convID)
	if frame, err := json.Marshal(typingSnapshot{
		Type:   "typing_snapshot",
		States: states,
		Text:   services.TypingText(states),
	}); err == nil {
		_ = client.Send(ctx, frame)
	}

	unsubPresence := s.presence.Subscribe(func(p domain.UserPresence) {
		frame, err := json.Marshal(domain.Event{
			Type:     domain.EventPresenceUpdate,
			Presence: &p,
			SentAt:   time.Now(),
		})
		if err != nil {
			return
		}
		_ = client.Send(ctx, frame)
	}, participantIDs)
	defer unsubPresence()

	defer func() {
		if err := s.presence.Disconnect(context.WithoutCancel(ctx), userID); err != nil {
			log.Warn("ws handler - disconnect presence failed", "user_id", userID, "err", err)
		}
	}()

	go s.heartbeatLoop(ctx, log, userID, userName, lowBattery)

	socket.ReadLoop(func(data []byte) {
		s.handleCommand(ctx, log, client, handle, userID, userName, deviceID, data)
	})
}

// heartbeatLoop keeps the user's presence fresh for the lifetime of the
// connection. Low-battery clients beat at half frequency.
func (s *WSHandler) heartbeatLoop(ctx context.Context, log *slog.Logger, userID, userName string, lowBattery bool) {
	if err := s.presence.Heartbeat(ctx, userID, userName); err != nil {
		log.WarnContext(ctx, "ws handler - initial heartbeat failed", "user_id", userID, "err", err)
	}
	ticker := time.NewTicker(s.presence.HeartbeatInterval(lowBattery))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.presence.Heartbeat(ctx, userID, userName); err != nil {
				log.WarnContext(ctx, "ws handler - heartbeat failed", "user_id", userID, "err", err)
			}
		}
	}
}

func (s *WSHandler) handleCommand(
	ctx context.Context,
	log *slog.Logger,
	client *ws.RuntimeClient,
	handle *services.ConversationHandle,
	userID, userName, deviceID string,
	data []byte,
) {
	var cmd domain.ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn("ws handler - malformed command", "user_id", userID, "err", err)
		s.sendError(ctx, client, "bad_request", "malformed command")
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}

	var err error
	switch cmd.Action {
	case domain.ActionTypingStart:
		err = handle.StartTyping(ctx, cmd.Activity)
	case domain.ActionTypingStop:
		err = handle.StopTyping(ctx)
	case domain.ActionMarkRead:
		var rc *domain.ReadReceipt
		if rc, err = handle.MarkMessageRead(ctx, cmd.MessageID, cmd.DeviceID); err == nil {
			s.syncUserReads(ctx, userID, []string{rc.MessageID}, 1)
		}
	case domain.ActionMarkConversationRead:
		var marked int64
		if marked, err = handle.MarkConversationRead(ctx, cmd.MessageIDs...); err == nil {
			s.syncUserReads(ctx, userID, cmd.MessageIDs, marked)
		}
	case domain.ActionSetPraying:
		err = handle.SetPrayingStatus(ctx, cmd.RequestIDs)
	case domain.ActionHeartbeat:
		err = s.presence.Heartbeat(ctx, userID, userName)
	default:
		log.Warn("ws handler - unknown action", "action", cmd.Action, "user_id", userID)
		s.sendError(ctx, client, "unknown_action", "unknown action "+cmd.Action)
		return
	}
	if err != nil {
		log.ErrorContext(ctx, "ws handler - command failed", "action", cmd.Action, "user_id", userID, "err", err)
		s.sendError(ctx, client, "command_failed", cmd.Action+" failed")
	}
}

// readSync tells a user's other devices that reads were recorded here,
// so their unread badges converge without waiting on the debounced
// conversation broadcast.
type readSync struct {
	Type       string   `json:"type"` // "read_sync"
	MessageIDs []string `json:"message_ids,omitempty"`
	Marked     int64    `json:"marked"`
}

func (s *WSHandler) syncUserReads(ctx context.Context, userID string, messageIDs []string, marked int64) {
	frame, err := json.Marshal(readSync{Type: "read_sync", MessageIDs: messageIDs, Marked: marked})
	if err != nil {
		return
	}
	s.hub.SendTo(ctx, userID, frame)
}

func (s *WSHandler) sendError(ctx context.Context, client *ws.RuntimeClient, code, message string) {
	frame, err := json.Marshal(domain.ErrorMessage{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	_ = client.Send(ctx, frame)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
