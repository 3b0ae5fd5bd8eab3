// Package api exposes the discovery engine over HTTP: tenant management,
// inventory and want ingestion, loop queries, webhook registration, and a
// websocket feed of loop-change events.
package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"tradeloop-engine/internal/config"
	"tradeloop-engine/internal/engine"
	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/repository"
	"tradeloop-engine/internal/webhooks"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

type Server struct {
	engine     *engine.Engine
	hooks      *webhooks.Store
	repo       *repository.Repository // nil when persistence is disabled
	auth       *authMiddleware
	httpServer *http.Server
	hub        *hub

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

// NewServer wires the router. repo may be nil; the snapshot admin
// endpoints then report a conflict instead of persisting.
func NewServer(eng *engine.Engine, hooks *webhooks.Store, repo *repository.Repository, bus *eventbus.Bus, cfg *config.Config) *Server {
	r := mux.NewRouter()

	s := &Server{
		engine: eng,
		hooks:  hooks,
		repo:   repo,
		auth:   newAuthMiddleware(cfg.AdminSecret, eng),
		hub:    newHub(bus),
	}

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerAdminRoutes(r, s)
	registerTenantRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.APIPort),
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	go s.hub.run()
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
