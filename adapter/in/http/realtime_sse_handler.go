package http

import (
	"bufio"
	"context"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/service/realtime"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// =============================================================================
// SSE Handler - one-way event stream backed by a hub connection
// =============================================================================

// SSEHandler handles Server-Sent Events connections.
type SSEHandler struct {
	hub       *realtime.Hub
	heartbeat time.Duration
	log       zerolog.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(hub *realtime.Hub, heartbeat time.Duration, log zerolog.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &SSEHandler{
		hub:       hub,
		heartbeat: heartbeat,
		log:       log.With().Str("handler", "sse").Logger(),
	}
}

// Register registers SSE routes behind mw.
func (h *SSEHandler) Register(router fiber.Router, mw ...fiber.Handler) {
	router.Get("/events", chain(mw, h.Stream)...)
}

// Stream registers the caller with the hub and relays its outbox as SSE.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	p, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	ctx := context.WithoutCancel(c.UserContext())
	conn, err := h.hub.Connect(ctx, p, domain.TransportSSE)
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		reason := "client gone"
		defer func() {
			h.hub.Disconnect(ctx, conn, reason)
			conn.Discard()
			h.log.Info().
				Str("connection_id", conn.ID).
				Str("user_id", p.UserID).
				Str("reason", reason).
				Msg("SSE client disconnected")
		}()

		for {
			select {
			case frame := <-conn.Outbox():
				if err := deliver(w, frame); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during write")
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during heartbeat")
					return
				}
				h.hub.Touch(conn)

			case <-conn.Done():
				reason = conn.CloseReason()
				for {
					select {
					case frame := <-conn.Outbox():
						if deliver(w, frame) != nil {
							return
						}
					default:
						return
					}
				}
			}
		}
	})

	return nil
}

// deliver writes frame and reports the outcome to its ack.
func deliver(w *bufio.Writer, frame realtime.Frame) error {
	if err := writeEvent(w, frame.Data); err != nil {
		frame.Unsent()
		return err
	}
	frame.Written()
	return nil
}

// writeEvent frames one encoded server frame as an SSE event named after it.
func writeEvent(w *bufio.Writer, frame []byte) error {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &head); err == nil && head.Event != "" {
		w.WriteString("event: ")
		w.WriteString(head.Event)
		w.WriteString("\n")
	}
	w.WriteString("data: ")
	w.Write(frame)
	w.WriteString("\n\n")
	return w.Flush()
}
