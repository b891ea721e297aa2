package dispatch_test

import (
	"encoding/json"
	"testing"

	"github.com/descmd1/meetup-api/internal/dispatch"
	"github.com/descmd1/meetup-api/internal/event"
	"github.com/descmd1/meetup-api/internal/presence"
	"github.com/descmd1/meetup-api/internal/store"
)

// notifierFixture wires a notifier straight to a live registry so the
// room-scoping rules are exercised end to end.
type notifierFixture struct {
	notifier *dispatch.Notifier
	alice    *fakeConn
	bob      *fakeConn
	carol    *fakeConn
}

func newNotifierFixture() *notifierFixture {
	logger := newTestLogger()
	registry := presence.NewRegistry(logger)

	f := &notifierFixture{
		notifier: dispatch.NewNotifier(logger, registry),
		alice:    newFakeConn(),
		bob:      newFakeConn(),
		carol:    newFakeConn(),
	}
	registry.Track(f.alice)
	registry.Track(f.bob)
	registry.Track(f.carol)
	registry.Register("alice", f.alice)
	registry.Register("bob", f.bob)
	registry.Register("carol", f.carol)
	return f
}

func TestMutationEventsScopeToSenderAndReceiver(t *testing.T) {
	f := newNotifierFixture()
	msg := &store.Message{ID: "m1", Sender: "alice", Receiver: "bob", Text: "hi"}

	f.notifier.MessageReceived(msg)
	f.notifier.MessageUpdated(msg)
	f.notifier.MessageEdited("alice", "bob", "m1", "hello")
	f.notifier.MessageDeleted("alice", "bob", "m1")

	for _, name := range []string{event.ReceiveMessage, event.UpdateMessage, event.EditMessage, event.DeleteMessage} {
		if got := f.alice.countEvent(t, name); got != 1 {
			t.Errorf("alice received %d %s frames, want 1", got, name)
		}
		if got := f.bob.countEvent(t, name); got != 1 {
			t.Errorf("bob received %d %s frames, want 1", got, name)
		}
		// carol is online but unrelated to the conversation.
		if got := f.carol.countEvent(t, name); got != 0 {
			t.Errorf("carol received %d %s frames, want 0", got, name)
		}
	}
}

func TestEditPayloadShape(t *testing.T) {
	f := newNotifierFixture()
	f.notifier.MessageEdited("alice", "bob", "m42", "new text")

	var p event.EditMessagePayload
	if err := json.Unmarshal(f.bob.lastPayload(t, event.EditMessage), &p); err != nil {
		t.Fatalf("bad edit-message payload: %v", err)
	}
	if p.MessageID != "m42" || p.NewText != "new text" {
		t.Errorf("payload = %+v, want messageId=m42 newText='new text'", p)
	}
}

func TestSelfConversationNotifiesOnce(t *testing.T) {
	f := newNotifierFixture()
	msg := &store.Message{ID: "m1", Sender: "alice", Receiver: "alice", Text: "note to self"}

	f.notifier.MessageReceived(msg)

	if got := f.alice.countEvent(t, event.ReceiveMessage); got != 1 {
		t.Errorf("alice received %d receive-message frames, want 1 (no duplicate)", got)
	}
}
