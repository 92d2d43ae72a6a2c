package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/irctrakz/vpnengine/pkg/core"
)

type connectRequest struct {
	EndpointID string `json:"endpoint_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurrentStatus())
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.engine.Servers()})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SelectServer(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.CurrentStatus())
}

// handleConnect starts a connect. An empty endpoint_id means quick connect.
// With ?wait=true the response carries the outcome, otherwise the connect
// runs in the background and the response is 202.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.EndpointID != "" && !s.known(req.EndpointID) {
		writeEngineError(w, r, &core.UnknownEndpointError{ID: req.EndpointID})
		return
	}

	connect := func(ctx context.Context) (core.Status, error) {
		if req.EndpointID == "" {
			return s.engine.QuickConnect(ctx)
		}
		return s.engine.Connect(ctx, req.EndpointID)
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		st, err := connect(r.Context())
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	go func() {
		if _, err := connect(s.background); err != nil {
			s.log.WithField("endpoint", req.EndpointID).Infof("background connect: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, s.engine.CurrentStatus())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Disconnect()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents streams state transitions as server-sent events. The first
// message is the current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	done := r.Context().Done()
	// left unblocks the listener once this handler returns for any reason.
	left := make(chan struct{})
	defer close(left)
	events := make(chan core.Event, 16)
	unsubscribe := s.engine.Subscribe(func(ev core.Event) {
		select {
		case events <- ev:
		case <-left:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "status", "", s.engine.CurrentStatus()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			if err := writeSSE(w, "state", strconv.FormatUint(ev.Seq, 10), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) known(id string) bool {
	for _, ep := range s.engine.Servers() {
		if ep.ID == id {
			return true
		}
	}
	return false
}
