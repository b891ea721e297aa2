// Package dispatch is the per-connection event loop: it decodes inbound
// frames, checks their shape, and routes them to the presence registry, the
// call tracker, or straight back out through the room router. Malformed input
// is logged and dropped; it never tears a connection down.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/descmd1/meetup-api/internal/call"
	"github.com/descmd1/meetup-api/internal/event"
	"github.com/descmd1/meetup-api/internal/metrics"
	"github.com/descmd1/meetup-api/internal/presence"
	"github.com/descmd1/meetup-api/internal/store"
)

type Dispatcher struct {
	logger   *slog.Logger
	registry *presence.Registry
	tracker  *call.Tracker
	messages store.MessageStore
	metrics  *metrics.Metrics
}

func NewDispatcher(logger *slog.Logger, registry *presence.Registry, tracker *call.Tracker, messages store.MessageStore, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatcher")),
		registry: registry,
		tracker:  tracker,
		messages: messages,
		metrics:  m,
	}
}

// HandleMessage processes one inbound frame from a connection.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.drop(connID, "unparseable frame", slog.Any("error", err))
		return
	}

	payload := string(env.Payload)
	switch env.Event {
	case event.Register:
		if !requireFields(payload, "userId") {
			d.drop(connID, "register missing userId")
			return
		}
		d.handleRegister(connID, gjson.Get(payload, "userId").String())

	case event.SendMessage:
		if !requireFields(payload, "sender", "receiver") {
			d.drop(connID, "send-message missing sender or receiver")
			return
		}
		d.handleSendMessage(ctx, connID, env.Payload)

	case event.CallUser:
		if !requireFields(payload, "to", "from") {
			d.drop(connID, "callUser missing to or from")
			return
		}
		var p event.CallUserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.drop(connID, "callUser payload malformed", slog.Any("error", err))
			return
		}
		d.metrics.Inc(metrics.CallsInitiated)
		d.tracker.Initiate(ctx, call.InitiateRequest{
			From:        p.From,
			To:          p.To,
			Name:        p.Name,
			Signal:      p.Signal,
			IsAudioOnly: p.IsAudioOnly,
			ConnID:      connID,
		})

	case event.AnswerCall:
		if !requireFields(payload, "to", "from") {
			d.drop(connID, "answerCall missing to or from")
			return
		}
		var p event.AnswerCallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.drop(connID, "answerCall payload malformed", slog.Any("error", err))
			return
		}
		// answerCall addresses the original caller as "to".
		d.metrics.Inc(metrics.CallsAccepted)
		d.tracker.Answer(p.To, p.From, p.Signal)

	case event.EndCall:
		if !requireFields(payload, "to", "from") {
			d.drop(connID, "endCall missing to or from")
			return
		}
		var p event.EndCallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.drop(connID, "endCall payload malformed", slog.Any("error", err))
			return
		}
		d.metrics.Inc(metrics.CallsEnded)
		d.tracker.End(p.From, p.To)

	case event.TypingStart, event.TypingStop:
		if !requireFields(payload, "to", "userId") {
			d.drop(connID, "typing event missing to or userId")
			return
		}
		var p event.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.drop(connID, "typing payload malformed", slog.Any("error", err))
			return
		}
		// Pure pass-through: no state is retained for typing indicators.
		d.deliver(p.To, env.Event, event.TypingPayload{UserID: p.UserID})

	default:
		d.drop(connID, "unknown event", slog.String("event", env.Event))
		return
	}

	d.metrics.Inc(metrics.EventsDispatched)
}

// HandleConnect records a freshly upgraded connection. When the transport was
// authenticated up front, identity binds immediately and no register event is
// needed.
func (d *Dispatcher) HandleConnect(conn presence.Conn, identity string) {
	d.metrics.Inc(metrics.ConnectionsOpened)
	d.registry.Track(conn)
	if identity != "" {
		d.metrics.Inc(metrics.Registrations)
		d.registry.Register(identity, conn)
	}
}

// HandleDisconnect tears down everything a closing connection owned: its
// presence entry, then any call attempts it could affect, then its broadcast
// slot.
func (d *Dispatcher) HandleDisconnect(connID uuid.UUID) {
	d.metrics.Inc(metrics.ConnectionsClosed)
	identity, wentOffline := d.registry.Unregister(connID)
	d.tracker.CleanupConnection(connID, identity, wentOffline)
	d.registry.Untrack(connID)
}

func (d *Dispatcher) handleRegister(connID uuid.UUID, identity string) {
	conn, ok := d.registry.Connection(connID)
	if !ok {
		d.logger.Warn("Register from untracked connection", slog.String("connID", connID.String()))
		return
	}
	d.metrics.Inc(metrics.Registrations)
	d.registry.Register(identity, conn)
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	var msg store.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.drop(connID, "send-message payload malformed", slog.Any("error", err))
		return
	}

	if d.messages != nil {
		if err := d.messages.CreateMessage(ctx, &msg); err != nil {
			// No automatic retry; the client will see the message again when
			// it refetches the conversation.
			d.logger.Error("Failed to persist message",
				slog.String("sender", msg.Sender),
				slog.String("receiver", msg.Receiver),
				slog.Any("error", err),
			)
			return
		}
	}

	d.metrics.Inc(metrics.MessagesRelayed)
	d.deliver(msg.Receiver, event.ReceiveMessage, &msg)
	if msg.Sender != msg.Receiver {
		// The sender's other devices see the message too.
		d.deliver(msg.Sender, event.ReceiveMessage, &msg)
	}
}

func (d *Dispatcher) deliver(identity, name string, payload any) {
	msg, err := event.Marshal(name, payload)
	if err != nil {
		d.logger.Error("Failed to encode outbound event", slog.String("event", name), slog.Any("error", err))
		return
	}
	d.registry.Deliver(identity, msg)
}

func (d *Dispatcher) drop(connID uuid.UUID, reason string, attrs ...any) {
	d.metrics.Inc(metrics.EventsDropped)
	args := append([]any{slog.String("connID", connID.String())}, attrs...)
	d.logger.Warn("Dropped inbound event: "+reason, args...)
}

// requireFields reports whether every named field is present and non-empty in
// the raw payload.
func requireFields(payload string, fields ...string) bool {
	for _, f := range fields {
		v := gjson.Get(payload, f)
		if !v.Exists() || v.String() == "" {
			return false
		}
	}
	return true
}
