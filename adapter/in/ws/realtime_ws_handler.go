// Package ws serves the realtime protocol over WebSocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/core/service/realtime"
	"realtime_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	CheckOrigin    bool
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512 * 1024
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Handler upgrades HTTP requests on /ws and runs one session per socket.
type Handler struct {
	hub      *realtime.Hub
	resolver in.IdentityResolver
	cfg      Config
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
	log      zerolog.Logger
}

func NewHandler(hub *realtime.Hub, resolver in.IdentityResolver, cfg Config, log zerolog.Logger) *Handler {
	cfg.applyDefaults()
	h := &Handler{
		hub:      hub,
		resolver: resolver,
		cfg:      cfg,
		log:      log.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if !h.cfg.CheckOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// credential reads the bearer token from the Authorization header, falling
// back to the token query parameter for browsers.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolver.Resolve(r.Context(), credential(r))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	c, err := h.hub.Connect(ctx, p, domain.TransportWebSocket)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, apperr.AsAppError(err).Message)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	s := &session{handler: h, conn: conn, c: c, ctx: ctx, log: h.log.With().Str("connection_id", c.ID).Logger()}
	s.run()
}

// Wait blocks until every session has flushed and closed its socket, or ctx
// ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	handler *Handler
	conn    *websocket.Conn
	c       *realtime.Connection
	ctx     context.Context
	log     zerolog.Logger
}

func (s *session) run() {
	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop()
	}()

	reason := s.readLoop()
	s.handler.hub.Disconnect(s.ctx, s.c, reason)
	<-written
	if n := s.c.Discard(); n > 0 {
		s.log.Debug().Int("frames", n).Msg("discarded unwritten frames")
	}
	s.conn.Close()
}

func (s *session) readLoop() string {
	cfg := s.handler.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.handler.hub.Touch(s.c)
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return closeReason(err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		s.handler.hub.HandleFrame(s.ctx, s.c, data)
	}
}

func (s *session) writeLoop() {
	cfg := s.handler.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.c.Outbox():
			if err := s.write(frame); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.c.Close("write failed")
				s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				s.c.Close("ping failed")
				s.conn.Close()
				return
			}
		case <-s.c.Done():
			s.flush()
			code := websocket.CloseNormalClosure
			if s.c.CloseReason() == "shutdown" {
				code = websocket.CloseGoingAway
			}
			msg := websocket.FormatCloseMessage(code, s.c.CloseReason())
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteWait))
			// Unblocks the read loop if the peer never answers the close.
			_ = s.conn.SetReadDeadline(time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// flush writes frames still queued when the connection closed, such as the
// shutdown notice.
func (s *session) flush() {
	for {
		select {
		case frame := <-s.c.Outbox():
			if s.write(frame) != nil {
				return
			}
		default:
			return
		}
	}
}

// write sends one frame and reports the outcome to its ack.
func (s *session) write(frame realtime.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.cfg.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame.Data); err != nil {
		frame.Unsent()
		return err
	}
	frame.Written()
	return nil
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return "client closed"
		}
		if ce.Code == websocket.CloseMessageTooBig {
			return "message too large"
		}
		return "client closed abnormally"
	case errors.Is(err, websocket.ErrReadLimit):
		return "message too large"
	default:
		return "connection lost"
	}
}

func writeError(w http.ResponseWriter, err error) {
	appErr := apperr.AsAppError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}
