package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lovelumine/rnaqueue"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ProgressFrame is one message on the progress stream.
type ProgressFrame struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// progressStream forwards the caller's progress topic over a WebSocket
// until either side goes away. Messages published before the upgrade are
// not replayed.
func (s *Server) progressStream(w http.ResponseWriter, r *http.Request, userID int64) {
	if s.opts.Subscriber == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, ErrorData{Message: "progress stream is disabled"})
		return
	}
	ctx := r.Context()
	messages, cancel, err := s.opts.Subscriber.Subscribe(ctx, userID)
	if err != nil {
		s.logger.Error("progress subscribe failed", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	// the reader only exists to notice closes and answer pings
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	topic := rnaqueue.Topic(userID)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	s.logger.Debug("progress stream opened", "user_id", userID)
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ProgressFrame{Topic: topic, Message: msg}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
