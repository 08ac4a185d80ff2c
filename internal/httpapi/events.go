package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/coldsend/internal/hub"
)

// handleEvents streams hub messages as server-sent events. Comment lines
// keep idle proxies from closing the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	sub, err := s.svc.Subscribe(hub.DefaultBuffer)
	if err != nil {
		slog.Warn("[HTTP] SSE subscribe failed", "error", err)
		return
	}
	defer sub.Close()
	slog.Info("[HTTP] SSE client connected", "client", sub.ID)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("[HTTP] SSE client disconnected", "client", sub.ID)
			return
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// handleWS streams hub messages over a websocket. Client frames are read
// only to notice the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Debug("[HTTP] websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, err := s.svc.Subscribe(hub.DefaultBuffer)
	if err != nil {
		slog.Warn("[HTTP] websocket subscribe failed", "error", err)
		return
	}
	defer sub.Close()
	slog.Info("[HTTP] websocket client connected", "client", sub.ID)

	pongWait := 2 * s.keepAlive
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	const writeWait = 10 * time.Second
	for {
		select {
		case <-closed:
			slog.Info("[HTTP] websocket client disconnected", "client", sub.ID)
			return
		case <-r.Context().Done():
			return
		case data, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
