package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/oaklatch/llamadash/internal/config"
	"github.com/oaklatch/llamadash/internal/core"
	"github.com/oaklatch/llamadash/internal/db"
	"github.com/oaklatch/llamadash/internal/events"
	"github.com/oaklatch/llamadash/internal/queue"
)

// Server holds every dependency the HTTP handlers need: the core
// composition point, the dashboard's own SQLite history, an optional
// scan-refresh notification bus, and the lifecycle broadcast hub.
type Server struct {
	cfg       *config.Config
	db        *db.DB
	queue     queue.Queue
	core      *core.Core
	broadcast *events.Broadcast
	log       logr.Logger
}

// NewRouter builds the HTTP router: the OpenAI-compatible completion
// surface under /v1, the dashboard management surface under /api, the
// lifecycle WebSocket feed at /ws, and an SPA static file fallback for
// everything else. Grounded on the teacher's router.go: same middleware
// stack and route-registration style, a fully replaced route tree.
func NewRouter(cfg *config.Config, database *db.DB, q queue.Queue, c *core.Core, broadcast *events.Broadcast, log logr.Logger) http.Handler {
	s := &Server{
		cfg:       cfg,
		db:        database,
		queue:     q,
		core:      c,
		broadcast: broadcast,
		log:       log.WithName("api"),
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	auth := bearerAuthMiddleware(cfg.BearerToken)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Get("/models", s.handleListModels)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Post("/scan", s.handleScan)
		r.Get("/scan/file", s.handleQuickScan)
		r.Get("/slots", s.handleListSlots)
		r.Post("/slots/{id}/load", s.handleLoadSlot)
		r.Post("/slots/{id}/unload", s.handleUnloadSlot)
		r.Post("/slots/{id}/touch", s.handleTouchSlot)
		r.Get("/health", s.handleHealth)
	})

	r.Get("/ws", s.handleWebSocket)

	r.Get("/*", s.handleSPA)

	return r
}

// handleSPA serves static files and falls back to index.html for SPA routing.
func (s *Server) handleSPA(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	fullPath := s.cfg.StaticDir + path
	info, err := http.Dir(s.cfg.StaticDir).Open(path)
	if err == nil {
		defer info.Close()
		stat, err := info.Stat()
		if err == nil && !stat.IsDir() {
			http.ServeFile(w, r, fullPath)
			return
		}
	}

	http.ServeFile(w, r, s.cfg.StaticDir+"/index.html")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
