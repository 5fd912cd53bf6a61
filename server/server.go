package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/longregen/metaspace/chat"
	"github.com/longregen/metaspace/config"
	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/fabric"
	"github.com/longregen/metaspace/handlers"
	"github.com/longregen/metaspace/media"
	"github.com/longregen/metaspace/store"
)

const ReadTimeout = 30 * time.Second

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
	store  *store.Store
}

// Deps carries the wired components the routes are built from.
type Deps struct {
	Store    *store.Store
	Router   *fabric.Router
	Chat     *chat.Pipeline
	Media    *media.Registry
	Messages *handlers.MessageHandler
	WS       *WSHandler
}

func NewServer(cfg *config.Config, d Deps) *Server {
	router := chi.NewRouter()

	router.Use(Recovery)
	router.Use(Logger)
	router.Use(CORS(cfg.Server.AllowedOrigins))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"fabric": d.Router.ConnectionStats(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"fabric": d.Router.ConnectionStats(),
		})
	})
	router.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Get("/ws/metaverse/space", d.WS.ServeHTTP)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(Auth)

		r.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
			var envelope handlers.Request
			if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			resp := d.Messages.Handle(req.Context(), UserIDFromContext(req.Context()), &envelope)
			writeJSON(w, http.StatusOK, resp)
		})

		r.Get("/messages/{messageID}", func(w http.ResponseWriter, req *http.Request) {
			msg, err := d.Chat.Lookup(req.Context(), chi.URLParam(req, "messageID"))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "message lookup failed"})
				return
			}
			writeJSON(w, http.StatusOK, msg)
		})

		r.Get("/chat/stats", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, d.Chat.Stats())
		})

		r.Get("/chat/dead-letters", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"messages": d.Chat.DeadLetters()})
		})

		r.Get("/spaces/{spaceID}/members", func(w http.ResponseWriter, req *http.Request) {
			members, err := d.Store.ListSpaceMembers(req.Context(), chi.URLParam(req, "spaceID"))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "members lookup failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"members": members})
		})

		r.Get("/spaces/{spaceID}/streams", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, d.Media.ActiveStreams(chi.URLParam(req, "spaceID")))
		})

		r.Get("/spaces/{spaceID}/presence", func(w http.ResponseWriter, req *http.Request) {
			b, ok := d.Router.LookupSpace(chi.URLParam(req, "spaceID"))
			if !ok {
				writeJSON(w, http.StatusOK, map[string]any{"users": map[string]any{}})
				return
			}
			users, positions, mapID := b.Snapshot()
			writeJSON(w, http.StatusOK, map[string]any{
				"map_id":    mapID,
				"users":     users,
				"positions": positions,
			})
		})
	})

	return &Server{
		cfg:    cfg,
		router: router,
		store:  d.Store,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: 0,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
