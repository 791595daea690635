package realtime

import (
	"context"
	"errors"
	"runtime/debug"

	"realtime_server/core/domain"
	"realtime_server/pkg/apperr"

	"github.com/goccy/go-json"
)

// HandleFrame runs one client command. Transports call it from the
// connection's single read goroutine, which keeps per-connection order.
// Errors are answered with an error frame; a panic closes only this
// connection.
func (h *Hub) HandleFrame(ctx context.Context, c *Connection, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().
				Interface("panic", rec).
				Str("connection_id", c.ID).
				Bytes("stack", debug.Stack()).
				Msg("command handler panicked")
			c.Close("internal error")
		}
	}()

	h.registry.Touch(c.ID)

	var f domain.ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		h.sendError(c, "", apperr.InvalidMessage("malformed frame"))
		return
	}

	if err := h.dispatch(ctx, c, &f); err != nil {
		if errors.Is(err, errConnectionClosed) {
			return
		}
		h.sendError(c, f.RequestID, err)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Connection, f *domain.ClientFrame) error {
	switch f.Event {
	case domain.EventSubscribe:
		req, err := decode[domain.SubscribeRequest](f.Data)
		if err != nil {
			return err
		}
		return h.router.Subscribe(ctx, c, req, f.RequestID)

	case domain.EventUnsubscribe:
		req, err := decode[domain.ChannelRequest](f.Data)
		if err != nil {
			return err
		}
		return h.router.Unsubscribe(ctx, c, req.Channel, f.RequestID)

	case domain.EventSendMessage:
		if !c.Allow() {
			return apperr.RateLimited("send_message")
		}
		req, err := decode[domain.SendMessageRequest](f.Data)
		if err != nil {
			return err
		}
		_, err = h.router.Publish(ctx, c, req)
		return err

	case domain.EventGetPresence:
		req, err := decode[domain.ChannelRequest](f.Data)
		if err != nil {
			return err
		}
		if err := h.directory.Authorize(c.Principal, req.Channel, nil); err != nil {
			return err
		}
		users, _ := h.router.Presence(req.Channel)
		if users == nil {
			users = []domain.PresenceEntry{}
		}
		now := h.clock.Now()
		c.Send(encodeReply(domain.EventPresence, domain.PresenceEvent{
			Channel:   req.Channel,
			Users:     users,
			Timestamp: now.UnixMilli(),
		}, f.RequestID, now))
		return nil

	case domain.EventTyping:
		if !c.Allow() {
			return apperr.RateLimited("typing")
		}
		req, err := decode[domain.TypingRequest](f.Data)
		if err != nil {
			return err
		}
		return h.router.Typing(ctx, c, req)

	case domain.EventPing:
		now := h.clock.Now()
		c.Send(encodeReply(domain.EventPong, domain.PongEvent{Timestamp: now.UnixMilli()}, f.RequestID, now))
		return nil

	default:
		return apperr.UnknownEvent(f.Event)
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, apperr.InvalidMessage("missing data")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, apperr.InvalidMessage("malformed data")
	}
	return v, nil
}

func (h *Hub) sendError(c *Connection, requestID string, err error) {
	ae := apperr.AsAppError(err)
	if ae.Code == apperr.CodeInternalError {
		h.log.Error().Err(err).Str("connection_id", c.ID).Msg("command failed")
	}
	code := apperr.WireCode(ae)
	h.metrics.CommandError(code)

	ev := domain.ErrorEvent{Code: code, Message: ae.Message}
	if ch, ok := ae.Details["channel"].(string); ok {
		ev.Channel = ch
	}
	c.Send(encodeReply(domain.EventError, ev, requestID, h.clock.Now()))
}
