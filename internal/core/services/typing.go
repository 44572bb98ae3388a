package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/contracts"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
)

// TypingService tracks who is composing in each conversation. The
// state is purely in-memory with per-(conversation, user) auto-expiry,
// so a crashed client can never leave a stuck indicator. Broadcast
// failures are logged and swallowed: there is no durable state to
// reconcile.
type TypingService struct {
	log     *slog.Logger
	clock   clock.Clock
	channel contracts.Broadcaster
	timers  *TimerRegistry
	timeout time.Duration

	mu        sync.RWMutex
	states    map[string]map[string]domain.TypingState // convID → userID → state
	observers map[string]*observerSet[[]domain.TypingState]
}

func NewTypingService(
	log *slog.Logger,
	clk clock.Clock,
	channel contracts.Broadcaster,
	timeout time.Duration,
) *TypingService {
	return &TypingService{
		log:       log,
		clock:     clk,
		channel:   channel,
		timers:    NewTimerRegistry(clk),
		timeout:   timeout,
		states:    make(map[string]map[string]domain.TypingState),
		observers: make(map[string]*observerSet[[]domain.TypingState]),
	}
}

// StartTyping upserts the composing state for (convID, userID),
// broadcasts typing_start and (re)arms the expiry timer. Calling it
// again before expiry extends the timer, last-write-wins.
func (s *TypingService) StartTyping(
	ctx context.Context,
	convID, userID, userName string,
	activity domain.TypingActivity,
) error {
	ctx, span := tracer.Start(ctx, "TypingService.StartTyping", trace.WithAttributes(
		attribute.String("conv_id", convID),
		attribute.String("user_id", userID),
	))
	defer span.End()
	if convID == "" {
		return domain.ErrInvalidConversationID
	}
	if userID == "" {
		return domain.ErrInvalidUserID
	}
	if activity == "" {
		activity = domain.ActivityTyping
	}

	now := s.clock.Now()
	state := domain.TypingState{
		ConversationID: convID,
		UserID:         userID,
		UserName:       userName,
		Activity:       activity,
		StartedAt:      now,
		ExpiresAt:      now.Add(s.timeout),
	}

	s.mu.Lock()
	if s.states[convID] == nil {
		s.states[convID] = make(map[string]domain.TypingState)
	}
	if prev, ok := s.states[convID][userID]; ok {
		state.StartedAt = prev.StartedAt
	}
	s.states[convID][userID] = state
	s.mu.Unlock()

	s.timers.Schedule(typingKey(convID, userID), s.timeout, func() {
		s.expire(convID, userID)
	})

	s.publish(ctx, domain.Event{
		Type:           domain.EventTypingStart,
		ConversationID: convID,
		Typing:         &state,
		SentAt:         now,
	})
	s.notifyConversation(convID)
	return nil
}

// StopTyping removes the state, cancels the expiry timer and
// broadcasts typing_stop. Stopping with no active state is a no-op.
func (s *TypingService) StopTyping(ctx context.Context, convID, userID string) error {
	if convID == "" {
		return domain.ErrInvalidConversationID
	}
	if userID == "" {
		return domain.ErrInvalidUserID
	}

	s.mu.Lock()
	state, ok := s.states[convID][userID]
	if ok {
		delete(s.states[convID], userID)
		if len(s.states[convID]) == 0 {
			delete(s.states, convID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.timers.Cancel(typingKey(convID, userID))
	s.publish(ctx, domain.Event{
		Type:           domain.EventTypingStop,
		ConversationID: convID,
		Typing:         &state,
		SentAt:         s.clock.Now(),
	})
	s.notifyConversation(convID)
	return nil
}

// Subscribe delivers the current list of non-expired states for convID
// immediately and on every change. The returned disposer detaches the
// callback.
func (s *TypingService) Subscribe(convID string, fn func([]domain.TypingState)) func() {
	s.mu.Lock()
	set, ok := s.observers[convID]
	if !ok {
		set = newObserverSet[[]domain.TypingState]()
		s.observers[convID] = set
	}
	s.mu.Unlock()
	release := set.add(fn)
	fn(s.Snapshot(convID))
	return release
}

// Snapshot returns the live states for convID, oldest first.
func (s *TypingService) Snapshot(convID string) []domain.TypingState {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TypingState, 0, len(s.states[convID]))
	for _, st := range s.states[convID] {
		if st.ExpiresAt.After(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ApplyRemote folds a typing event received from the broadcast channel
// into local state. Events we published ourselves loop back through
// here; the upsert is idempotent so the echo is harmless.
func (s *TypingService) ApplyRemote(ctx context.Context, ev domain.Event) {
	if ev.Typing == nil {
		return
	}
	st := *ev.Typing
	switch ev.Type {
	case domain.EventTypingStart:
		s.mu.Lock()
		if s.states[st.ConversationID] == nil {
			s.states[st.ConversationID] = make(map[string]domain.TypingState)
		}
		s.states[st.ConversationID][st.UserID] = st
		s.mu.Unlock()
		ttl := st.ExpiresAt.Sub(s.clock.Now())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		s.timers.Schedule(typingKey(st.ConversationID, st.UserID), ttl, func() {
			s.expire(st.ConversationID, st.UserID)
		})
	case domain.EventTypingStop:
		s.mu.Lock()
		delete(s.states[st.ConversationID], st.UserID)
		if len(s.states[st.ConversationID]) == 0 {
			delete(s.states, st.ConversationID)
		}
		s.mu.Unlock()
		s.timers.Cancel(typingKey(st.ConversationID, st.UserID))
	default:
		return
	}
	s.notifyConversation(st.ConversationID)
}

func (s *TypingService) expire(convID, userID string) {
	s.mu.Lock()
	_, ok := s.states[convID][userID]
	if ok {
		delete(s.states[convID], userID)
		if len(s.states[convID]) == 0 {
			delete(s.states, convID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Debug("typing - expire - indicator timed out", "conv_id", convID, "user_id", userID)
	s.notifyConversation(convID)
}

func (s *TypingService) notifyConversation(convID string) {
	s.mu.RLock()
	set := s.observers[convID]
	s.mu.RUnlock()
	if set == nil {
		return
	}
	set.notify(s.Snapshot(convID))
}

func (s *TypingService) publish(ctx context.Context, ev domain.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		s.log.ErrorContext(ctx, "typing - publish - marshal failed", "conv_id", ev.ConversationID, "err", err)
		return
	}
	if err := s.channel.Publish(ctx, domain.ConversationTopic(ev.ConversationID), raw); err != nil {
		// Best effort only. A lost typing event has no lasting consequence.
		s.log.WarnContext(ctx, "typing - publish - broadcast dropped", "conv_id", ev.ConversationID, "type", string(ev.Type), "err", err)
	}
}

func typingKey(convID, userID string) string {
	return "typing:" + convID + ":" + userID
}

// TypingText renders the indicator line for a set of composing users.
func TypingText(states []domain.TypingState) string {
	switch len(states) {
	case 0:
		return ""
	case 1:
		return states[0].UserName + " is typing…"
	case 2:
		return states[0].UserName + " and " + states[1].UserName + " are typing…"
	default:
		return fmt.Sprintf("%s and %d others are typing…", states[0].UserName, len(states)-1)
	}
}
