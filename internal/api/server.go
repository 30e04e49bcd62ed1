// Package api exposes the inbound platform endpoints: the game-card
// channel's enveloped pushes and queries, and the general-trading
// channel's flat-form distill and query.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/engine"
	"github.com/web3guy0/jdbridge/internal/notify"
)

type Server struct {
	db       *database.Database
	engine   *engine.Engine
	notifier *notify.Notifier
	router   *mux.Router
}

func NewServer(db *database.Database, eng *engine.Engine, notifier *notify.Notifier) *Server {
	s := &Server{
		db:       db,
		engine:   eng,
		notifier: notifier,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	game := s.router.PathPrefix("/api/game").Subrouter()
	game.HandleFunc("/direct", s.logged("game_direct", s.handleGameDirect)).Methods(http.MethodPost)
	game.HandleFunc("/card", s.logged("game_card", s.handleGameCard)).Methods(http.MethodPost)
	game.HandleFunc("/query", s.handleGameQuery).Methods(http.MethodGet, http.MethodPost)
	game.HandleFunc("/card-query", s.handleGameCardQuery).Methods(http.MethodGet, http.MethodPost)

	general := s.router.PathPrefix("/api/general").Subrouter()
	general.HandleFunc("/distill", s.logged("general_distill", s.handleGeneralDistill)).Methods(http.MethodPost)
	general.HandleFunc("/query", s.handleGeneralQuery).Methods(http.MethodGet, http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler wraps the router with permissive CORS for the platform callers.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.router)
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("HTTP server listening")
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Write response failed")
	}
}
