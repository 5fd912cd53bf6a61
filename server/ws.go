package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/longregen/metaspace/chat"
	"github.com/longregen/metaspace/config"
	"github.com/longregen/metaspace/fabric"
	"github.com/longregen/metaspace/media"
	"github.com/longregen/metaspace/metrics"
	"github.com/longregen/metaspace/store"
)

// WSHandler upgrades connections on the space channel and hands each one
// to its own parser. Parsers live on the application context, not the
// request context, so broadcast loops outlive the request that spawned
// them.
type WSHandler struct {
	appCtx   context.Context
	upgrader websocket.Upgrader
	router   *fabric.Router
	store    *store.Store
	chat     *chat.Pipeline
	media    *media.Registry
	logger   *slog.Logger
}

func NewWSHandler(appCtx context.Context, cfg config.ServerConfig, router *fabric.Router, st *store.Store, pipeline *chat.Pipeline, registry *media.Registry, logger *slog.Logger) *WSHandler {
	allowAll := len(cfg.AllowedOrigins) == 0 ||
		(len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*")

	return &WSHandler{
		appCtx: appCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return cfg.AllowEmptyOrigin
				}
				if allowAll {
					return true
				}
				for _, o := range cfg.AllowedOrigins {
					if o == origin {
						return true
					}
				}
				return false
			},
		},
		router: router,
		store:  st,
		chat:   pipeline,
		media:  registry,
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := fabric.NewWSConn(ws)
	h.logger.Info("ws: connection opened", "conn_id", conn.ID(), "remote", r.RemoteAddr)
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	parser := fabric.NewConnectionParser(conn, h.router, h.store, h.chat, h.media, h.logger)
	parser.Run(h.appCtx)
}
