package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

// handleNotifications streams one JSON frame per terminal request. The
// subscription starts at upgrade time; earlier notifications are not
// replayed, clients reconcile missed ones through GET /v1/requests/{id}.
func (server *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, server.token) {
		writeJSONError(w, &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"})
		return
	}
	if server.bus == nil {
		writeJSONError(w, &apiError{Status: http.StatusServiceUnavailable, Message: "notifications unavailable"})
		return
	}

	// Subscribe before the upgrade completes: a client that submits work
	// right after the handshake must not miss the notification.
	notifications, unsubscribe := server.bus.Subscribe()
	defer unsubscribe()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	if server.logger != nil {
		server.logger.Debug("notification stream opened", map[string]string{"client": clientID})
	}

	// Reader goroutine: we never expect client frames, but reading is how
	// close frames and dead peers are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case notification, ok := <-notifications:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(notification); err != nil {
				if server.logger != nil {
					server.logger.Debug("notification stream closed", map[string]string{
						"client": clientID,
						"error":  err.Error(),
					})
				}
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleLogStream streams log entries as they are written.
func (server *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, server.token) {
		writeJSONError(w, &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"})
		return
	}
	if server.logger == nil {
		writeJSONError(w, &apiError{Status: http.StatusServiceUnavailable, Message: "logs unavailable"})
		return
	}
	entries, unsubscribe := server.logger.Subscribe()
	defer unsubscribe()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
