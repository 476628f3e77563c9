package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsBufferSize   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a WebSocket client as JSON
// messages. The optional "source" query parameter is a comma-separated
// list of sources to keep. Slow clients miss events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var sources map[string]bool
	if q := r.URL.Query().Get("source"); q != "" {
		sources = make(map[string]bool)
		for _, src := range strings.Split(q, ",") {
			sources[strings.TrimSpace(src)] = true
		}
	}

	ch := s.cfg.Events.Subscribe(wsBufferSize)
	defer s.cfg.Events.Unsubscribe(ch)

	s.logger.Debug("event stream opened",
		"remote", r.RemoteAddr,
		"subscribers", s.cfg.Events.SubscriberCount(),
	)
	defer s.logger.Debug("event stream closed", "remote", r.RemoteAddr)

	// The read loop only services control frames and notices a close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if sources != nil && !sources[ev.Source] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
