package dispatch

import (
	"log/slog"

	"github.com/descmd1/meetup-api/internal/event"
	"github.com/descmd1/meetup-api/internal/store"
)

// Router is the delivery surface the notifier emits through.
type Router interface {
	Deliver(identity string, msg []byte)
}

// Notifier pushes message mutations to the two parties of a conversation. It
// is the API the HTTP message endpoints call after a store write; every
// notification reaches exactly the sender's and receiver's rooms and nobody
// else's.
type Notifier struct {
	router Router
	logger *slog.Logger
}

func NewNotifier(logger *slog.Logger, router Router) *Notifier {
	return &Notifier{
		router: router,
		logger: logger.With(slog.String("component", "notifier")),
	}
}

// MessageReceived announces a newly created message.
func (n *Notifier) MessageReceived(msg *store.Message) {
	n.notifyParties(msg.Sender, msg.Receiver, event.ReceiveMessage, msg)
}

// MessageUpdated announces a like/dislike (or any whole-document) change.
func (n *Notifier) MessageUpdated(msg *store.Message) {
	n.notifyParties(msg.Sender, msg.Receiver, event.UpdateMessage, msg)
}

// MessageEdited announces an in-place text edit.
func (n *Notifier) MessageEdited(sender, receiver, messageID, newText string) {
	n.notifyParties(sender, receiver, event.EditMessage, event.EditMessagePayload{
		MessageID: messageID,
		NewText:   newText,
	})
}

// MessageDeleted announces a soft deletion.
func (n *Notifier) MessageDeleted(sender, receiver, messageID string) {
	n.notifyParties(sender, receiver, event.DeleteMessage, event.DeleteMessagePayload{
		MessageID: messageID,
	})
}

func (n *Notifier) notifyParties(sender, receiver, name string, payload any) {
	msg, err := event.Marshal(name, payload)
	if err != nil {
		n.logger.Error("Failed to encode mutation event", slog.String("event", name), slog.Any("error", err))
		return
	}
	n.router.Deliver(receiver, msg)
	if sender != receiver {
		n.router.Deliver(sender, msg)
	}
}
