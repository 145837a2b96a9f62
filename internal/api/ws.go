package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// wsWriteTimeout bounds a single event write; a client that cannot keep up
// within it is disconnected.
const wsWriteTimeout = 5 * time.Second

// handleWS upgrades the connection and streams bus events for the named
// channel ("owner" or a session id) until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}

	// Dashboards connect from other LAN origins, same as the REST API.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.bus.Subscribe(channel)
	defer cancel()

	s.metrics.WSSubscribers.Add(r.Context(), 1)
	defer s.metrics.WSSubscribers.Add(context.Background(), -1)

	// Reads are discarded; a read error is the disconnect signal.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(r.Context(), wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
