package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/registry"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/app/server/handlers"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/services"
	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/pkg/middleware"
)

type Server struct {
	mux       *http.ServeMux
	srv       *http.Server
	log       *slog.Logger
	addr      string
	wsHandler *handlers.WSHandler
	rtHandler *handlers.RealtimeHandler
	tokenSvc  *services.TokenService
}

func NewServer(
	addr string,
	log *slog.Logger,
	tokenSvc *services.TokenService,
	manager *services.RealtimeManager,
	typing *services.TypingService,
	receipts *services.ReceiptService,
	presence *services.PresenceService,
	hub *registry.Registry,
) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		log:       log,
		addr:      addr,
		wsHandler: handlers.NewWSHandler(hub, manager, typing, receipts, presence),
		rtHandler: handlers.NewRealtimeHandler(manager, receipts, presence),
		tokenSvc:  tokenSvc,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	auth := middleware.AuthMiddleware(s.tokenSvc)
	logged := middleware.RequestLogger(s.log)
	traced := middleware.TracerMiddleware("realtime-signals")

	protect := func(h http.HandlerFunc) http.Handler {
		return traced(logged(auth(h)))
	}

	s.mux.HandleFunc("GET /healthz", s.rtHandler.Healthz)

	s.mux.Handle("/ws", protect(s.wsHandler.Handler))
	s.mux.Handle("GET /conversations/{conv_id}/read-status", protect(s.rtHandler.GetConversationReadStatus))
	s.mux.Handle("GET /messages/{message_id}/receipts", protect(s.rtHandler.GetMessageReceipts))
	s.mux.Handle("GET /presence/stats", protect(s.rtHandler.GetOnlineStats))
	s.mux.Handle("GET /presence/{user_id}", protect(s.rtHandler.GetPresence))
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived ws connections.
		IdleTimeout: 60 * time.Second,
	}

	s.log.Info("server - starting", "addr", s.addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
