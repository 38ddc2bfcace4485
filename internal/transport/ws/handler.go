// Package ws is the device socket endpoint. Each connection is authenticated
// once before it is accepted into the fan-out hub; after that one goroutine
// writes hub events and one reads client events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/delivery"
	"convcore/internal/domain"
	"convcore/internal/fanout"
	"convcore/internal/keydist"
	"convcore/internal/messages"
	"convcore/internal/observability/metrics"
	"convcore/internal/session"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*session.Session, error)
}

type Keys interface {
	Submit(ctx context.Context, sess *session.Session, conversationID uuid.UUID, sub keydist.Submission) (domain.Envelope, error)
	SubmitBatch(ctx context.Context, sess *session.Session, conversationID uuid.UUID, subs []keydist.Submission) ([]domain.Envelope, error)
	PendingForDevice(ctx context.Context, deviceID uuid.UUID) ([]domain.Envelope, error)
}

type Messages interface {
	Send(ctx context.Context, sess *session.Session, in messages.SendInput) (messages.SendResult, error)
	Ack(ctx context.Context, sess *session.Session, in messages.AckInput) (messages.AckResult, error)
	MarkSent(ctx context.Context, messageID, deviceID uuid.UUID) error
	Pending(ctx context.Context, sess *session.Session, limit int) ([]domain.Message, error)
}

type Config struct {
	WriteTimeout time.Duration
	// ReadLimit caps a single client frame in bytes.
	ReadLimit      int64
	ReplayLimit    int
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = messages.MaxPendingLimit
	}
	return c
}

type Deps struct {
	Auth     Authenticator
	Hub      *fanout.Hub
	Keys     Keys
	Messages Messages
}

type Handler struct {
	auth Authenticator
	hub  *fanout.Hub
	keys Keys
	msgs Messages
	cfg  Config
}

func NewHandler(d Deps, cfg Config) *Handler {
	return &Handler{auth: d.Auth, hub: d.Hub, keys: d.Keys, msgs: d.Messages, cfg: cfg.withDefaults()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, authErr := h.auth.Authenticate(r.Context(), r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		slog.Default().Warn("ws handshake failed", "error", err)
		return
	}
	defer conn.CloseNow()

	if authErr != nil {
		metrics.SocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Default().Info("ws rejected", "error", authErr, "remote", r.RemoteAddr)
		p := apperr.Public(authErr)
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.WriteTimeout)
		_ = wsjson.Write(ctx, conn, Outbound{Event: EventError, Error: &p})
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, string(p.Kind))
		return
	}
	metrics.SocketConnectionsTotal.WithLabelValues("accepted").Inc()
	conn.SetReadLimit(h.cfg.ReadLimit)

	logger := slog.Default().With(
		"connection_id", sess.ConnectionID(),
		"user_id", sess.UserID(),
		"device_id", sess.DeviceID(),
	)
	logger.Info("ws connected")

	sub, resumed := h.hub.Attach(sess.UserID(), sess.DeviceID(), sess.ConnectionID())
	defer h.hub.Detach(sub)

	// A frame written before the last disconnect may never have been
	// processed, so storage is replayed even when a queue was resumed.
	replay, err := h.replay(r.Context(), sess)
	if err != nil {
		logger.Error("ws replay failed", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	sub.Prepend(replay)
	logger.Debug("ws replay", "events", len(replay), "resumed", resumed)

	c := &connection{h: h, conn: conn, sess: sess, sub: sub, logger: logger}
	err = c.run(r.Context())

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("ws closed", "error", err)
		return
	}
	logger.Info("ws closed")
}

// replay rebuilds what a device missed from storage: its live envelopes and
// the messages it has not acknowledged.
func (h *Handler) replay(ctx context.Context, sess *session.Session) ([]fanout.Event, error) {
	envs, err := h.keys.PendingForDevice(ctx, sess.DeviceID())
	if err != nil {
		return nil, err
	}
	msgs, err := h.msgs.Pending(ctx, sess, h.cfg.ReplayLimit)
	if err != nil {
		return nil, err
	}
	out := make([]fanout.Event, 0, len(envs)+len(msgs))
	for _, e := range envs {
		out = append(out, fanout.Event{Name: fanout.EventKeyEnvelopePush, Data: keydist.PushFor(e)})
	}
	for _, m := range msgs {
		out = append(out, fanout.Event{Name: fanout.EventMessagePush, Data: messages.PushFor(m)})
	}
	return out, nil
}

type connection struct {
	h      *Handler
	conn   *websocket.Conn
	sess   *session.Session
	sub    *fanout.Subscription
	logger *slog.Logger
}

func (c *connection) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.readLoop(ctx) })
	return g.Wait()
}

func (c *connection) writeLoop(ctx context.Context) error {
	for {
		ev, err := c.sub.Next(ctx)
		switch {
		case errors.Is(err, fanout.ErrDeviceRevoked):
			_ = c.conn.Close(websocket.StatusPolicyViolation, "device revoked")
			return err
		case errors.Is(err, fanout.ErrSlowConsumer):
			_ = c.conn.Close(websocket.StatusTryAgainLater, "slow consumer")
			return err
		case err != nil:
			return err
		}
		if err := c.write(ctx, Outbound{Event: ev.Name, Seq: ev.Seq, Data: ev.Data}); err != nil {
			return err
		}
		if ev.Name != fanout.EventMessagePush {
			continue
		}
		push, ok := ev.Data.(messages.MessagePush)
		if !ok {
			continue
		}
		// The frame is on the wire; a failure here only delays Sent until the
		// device acknowledges.
		if err := c.h.msgs.MarkSent(ctx, push.ID, c.sess.DeviceID()); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("mark sent failed", "message_id", push.ID, "error", err)
		}
	}
}

func (c *connection) readLoop(ctx context.Context) error {
	for {
		typ, raw, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var in Inbound
		if typ != websocket.MessageText || json.Unmarshal(raw, &in) != nil {
			p := apperr.Public(apperr.Invalid("frame is not a JSON text message"))
			if err := c.write(ctx, Outbound{Event: EventError, Error: &p}); err != nil {
				return err
			}
			continue
		}

		data, err := c.dispatch(ctx, in)
		if err != nil {
			if !apperr.KindOf(err).Operational() {
				c.logger.Error("ws event failed", "event", in.Event, "id", in.ID, "error", err)
			}
			p := apperr.Public(err)
			if werr := c.write(ctx, Outbound{Event: EventError, ID: in.ID, Error: &p}); werr != nil {
				return werr
			}
			continue
		}
		reply := EventAck
		if in.Event == EventPing {
			reply = EventPong
		}
		if err := c.write(ctx, Outbound{Event: reply, ID: in.ID, Data: data}); err != nil {
			return err
		}
	}
}

func (c *connection) write(ctx context.Context, out Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, c.h.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, out)
}

func (c *connection) dispatch(ctx context.Context, in Inbound) (any, error) {
	switch in.Event {
	case EventPing:
		return nil, nil

	case EventEnvelopeSubmit:
		var req envelopeSubmit
		if err := decode(in.Data, &req); err != nil {
			return nil, err
		}
		env, err := c.h.keys.Submit(ctx, c.sess, req.ConversationID, req.Submission)
		if err != nil {
			return nil, err
		}
		return envelopeAccepted{ConversationID: env.ConversationID, DeviceID: env.DeviceID, KeyVersion: env.KeyVersion}, nil

	case EventEnvelopeRotate:
		var req envelopeRotate
		if err := decode(in.Data, &req); err != nil {
			return nil, err
		}
		envs, err := c.h.keys.SubmitBatch(ctx, c.sess, req.ConversationID, req.Envelopes)
		if err != nil {
			return nil, err
		}
		out := make([]envelopeAccepted, 0, len(envs))
		for _, env := range envs {
			out = append(out, envelopeAccepted{ConversationID: env.ConversationID, DeviceID: env.DeviceID, KeyVersion: env.KeyVersion})
		}
		return out, nil

	case EventMessageSend:
		var req messageSend
		if err := decode(in.Data, &req); err != nil {
			return nil, err
		}
		res, err := c.h.msgs.Send(ctx, c.sess, messages.SendInput{
			ConversationID:  req.ConversationID,
			ClientMessageID: req.ClientMessageID,
			Ciphertext:      req.Ciphertext,
			KeyVersion:      req.KeyVersion,
		})
		if err != nil {
			return nil, err
		}
		return sendAccepted{MessageID: res.Message.ID, Targets: res.Targets, Aggregate: res.Aggregate, Duplicate: res.Duplicate}, nil

	case EventDelivered:
		return c.ack(ctx, in.Data, delivery.Delivered, messages.ScopeAny)
	case EventSeenPrivate:
		return c.ack(ctx, in.Data, delivery.Seen, messages.ScopePrivate)
	case EventSeenGroup:
		return c.ack(ctx, in.Data, delivery.Seen, messages.ScopeGroup)

	default:
		return nil, apperr.Invalid("unknown event")
	}
}

func (c *connection) ack(ctx context.Context, raw json.RawMessage, to delivery.Status, scope messages.AckScope) (any, error) {
	var req messageAck
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.MessageID == uuid.Nil || req.ConversationID == uuid.Nil || req.SenderID == uuid.Nil {
		return nil, apperr.Invalid("senderId, messageId and conversationId are required")
	}
	res, err := c.h.msgs.Ack(ctx, c.sess, messages.AckInput{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Status:         to,
		Scope:          scope,
	})
	if err != nil {
		return nil, err
	}
	current := res.Transition.From
	if res.Transition.Changed {
		current = res.Transition.To
	}
	return ackAccepted{
		MessageID: req.MessageID,
		Status:    current,
		Aggregate: res.Aggregate,
		Changed:   res.Transition.Changed,
	}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Invalid("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindInvalid, "malformed event data", err)
	}
	return nil
}
