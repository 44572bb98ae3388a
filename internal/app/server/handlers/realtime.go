package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/domain"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/services"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/platform/logger"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/pkg/middleware"
)

// RealtimeHandler serves the read-side REST surface over the signal
// services: read aggregates, receipts, presence stats and health.
type RealtimeHandler struct {
	manager  *services.RealtimeManager
	receipts *services.ReceiptService
	presence *services.PresenceService
}

func NewRealtimeHandler(
	manager *services.RealtimeManager,
	receipts *services.ReceiptService,
	presence *services.PresenceService,
) *RealtimeHandler {
	return &RealtimeHandler{
		manager:  manager,
		receipts: receipts,
		presence: presence,
	}
}

// GetConversationReadStatus handles GET /conversations/{conv_id}/read-status.
func (h *RealtimeHandler) GetConversationReadStatus(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	userID, _ := r.Context().Value(middleware.UserIDKey).(string)
	convID := r.PathValue("conv_id")

	status, err := h.receipts.GetConversationReadStatus(r.Context(), convID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConversationID) || errors.Is(err, domain.ErrInvalidUserID) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.ErrorContext(r.Context(), "realtime handler - read status fetch failed", "conv_id", convID, "err", err)
		http.Error(w, "failed to load read status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetMessageReceipts handles GET /messages/{message_id}/receipts.
func (h *RealtimeHandler) GetMessageReceipts(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	messageID := r.PathValue("message_id")

	receipts, err := h.receipts.GetMessageReadReceipts(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidMessageID) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.ErrorContext(r.Context(), "realtime handler - receipts fetch failed", "message_id", messageID, "err", err)
		http.Error(w, "failed to load receipts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": messageID,
		"receipts":   receipts,
	})
}

// GetPresence handles GET /presence/{user_id}.
func (h *RealtimeHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	userID := r.PathValue("user_id")

	p, err := h.presence.GetPresence(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidUserID) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.ErrorContext(r.Context(), "realtime handler - presence fetch failed", "user_id", userID, "err", err)
		http.Error(w, "failed to load presence", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetOnlineStats handles GET /presence/stats.
func (h *RealtimeHandler) GetOnlineStats(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	stats, err := h.presence.GetOnlineStats(r.Context())
	if err != nil {
		log.ErrorContext(r.Context(), "realtime handler - online stats fetch failed", "err", err)
		http.Error(w, "failed to load online stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Healthz handles GET /healthz. Reports channel connectivity quality so
// load balancers can drain instances with a degraded broker link. A
// freshly started instance that has not probed yet stays serving
// instead of being drained before the first sample lands.
func (h *RealtimeHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	health := h.manager.GetConnectionHealth()
	code := http.StatusOK
	if health.Status == "poor" && !health.ObservedAt.IsZero() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context())
}
