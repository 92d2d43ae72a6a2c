// Package api serves the local control API a UI talks to: status, server
// list and selection, connect and disconnect, and a server-sent event
// stream of state changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

// Engine is the part of the session controller the API drives.
type Engine interface {
	Connect(ctx context.Context, id string) (core.Status, error)
	QuickConnect(ctx context.Context) (core.Status, error)
	Disconnect() (core.Status, error)
	SelectServer(id string) error
	CurrentStatus() core.Status
	Servers() []core.ServerEndpoint
	Subscribe(fn func(core.Event)) (unsubscribe func())
}

// Server holds the handlers.
type Server struct {
	engine Engine
	log    *logrus.Entry

	// background is the parent of connects that outlive their request.
	background context.Context
}

// NewRouter builds the API handler. Connects started without ?wait=true
// run under ctx.
func NewRouter(ctx context.Context, engine Engine) http.Handler {
	s := &Server{engine: engine, log: logging.WithComponent("api"), background: ctx}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		// The event stream is long-lived and stays outside the timeout.
		v1.Get("/events", s.handleEvents)

		v1.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(time.Minute))
			g.Get("/status", s.handleStatus)
			g.Get("/servers", s.handleServers)
			g.Post("/servers/{id}/select", s.handleSelect)
			g.Post("/connect", s.handleConnect)
			g.Post("/disconnect", s.handleDisconnect)
		})
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var te *core.TransportError
	switch {
	case errors.Is(err, core.ErrUnknownEndpoint):
		writeAPIError(w, r, http.StatusNotFound, "unknown_endpoint", err.Error())
	case errors.Is(err, core.ErrCancelled):
		writeAPIError(w, r, http.StatusConflict, "cancelled", err.Error())
	case errors.Is(err, core.ErrClosed):
		writeAPIError(w, r, http.StatusServiceUnavailable, "closed", err.Error())
	case errors.As(err, &te):
		writeAPIError(w, r, http.StatusBadGateway, "transport_error", te.Error())
	default:
		writeAPIError(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
