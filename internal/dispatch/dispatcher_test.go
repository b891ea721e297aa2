package dispatch_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/descmd1/meetup-api/internal/call"
	"github.com/descmd1/meetup-api/internal/dispatch"
	"github.com/descmd1/meetup-api/internal/entitlement"
	"github.com/descmd1/meetup-api/internal/event"
	"github.com/descmd1/meetup-api/internal/metrics"
	"github.com/descmd1/meetup-api/internal/presence"
	"github.com/descmd1/meetup-api/internal/store"
)

const testOfferTimeout = 40 * time.Millisecond

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id   uuid.UUID
	mu   sync.Mutex
	msgs [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
}

func (c *fakeConn) envelopes(t *testing.T) []event.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]event.Envelope, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("received unparseable frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) countEvent(t *testing.T, name string) int {
	t.Helper()
	count := 0
	for _, env := range c.envelopes(t) {
		if env.Event == name {
			count++
		}
	}
	return count
}

func (c *fakeConn) lastPayload(t *testing.T, name string) json.RawMessage {
	t.Helper()
	var payload json.RawMessage
	for _, env := range c.envelopes(t) {
		if env.Event == name {
			payload = env.Payload
		}
	}
	if payload == nil {
		t.Fatalf("no %s frame received", name)
	}
	return payload
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	registry   *presence.Registry
	tracker    *call.Tracker
	store      *store.MemoryStore
	metrics    *metrics.Metrics
}

func newFixture() *fixture {
	logger := newTestLogger()
	st := store.NewMemoryStore()
	end := time.Now().Add(24 * time.Hour)
	for _, id := range []string{"alice", "bob", "carol"} {
		st.PutUser(&store.User{
			ID:                  id,
			Name:                id,
			SubscriptionStatus:  store.SubscriptionActive,
			SubscriptionEndDate: &end,
		})
	}

	m := metrics.New()
	registry := presence.NewRegistry(logger)
	gate := entitlement.NewGate(logger, st)
	tracker := call.NewTracker(logger, registry, registry, gate, testOfferTimeout)
	dispatcher := dispatch.NewDispatcher(logger, registry, tracker, st, m)
	return &fixture{dispatcher: dispatcher, registry: registry, tracker: tracker, store: st, metrics: m}
}

// connect opens a connection and registers it as the identity.
func (f *fixture) connect(t *testing.T, identity string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	f.dispatcher.HandleConnect(conn, "")
	f.send(t, conn, event.Register, event.RegisterPayload{UserID: identity})
	return conn
}

func (f *fixture) send(t *testing.T, conn *fakeConn, name string, payload any) {
	t.Helper()
	frame, err := event.Marshal(name, payload)
	if err != nil {
		t.Fatalf("building %s frame: %v", name, err)
	}
	f.dispatcher.HandleMessage(context.Background(), conn.ID(), frame)
}

func endedReason(t *testing.T, conn *fakeConn) string {
	t.Helper()
	var p event.CallEndedPayload
	if err := json.Unmarshal(conn.lastPayload(t, event.CallEnded), &p); err != nil {
		t.Fatalf("bad callEnded payload: %v", err)
	}
	return p.Reason
}

func TestRegisterBroadcastsPresence(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	// Alice was already connected when bob registered.
	if got := alice.countEvent(t, event.UserConnected); got != 2 {
		t.Errorf("alice saw %d user-connected events, want 2 (her own and bob's)", got)
	}
	if got := bob.countEvent(t, event.UserConnected); got != 1 {
		t.Errorf("bob saw %d user-connected events, want 1 (his own)", got)
	}
	if !f.registry.IsOnline("alice") || !f.registry.IsOnline("bob") {
		t.Error("both identities should be online after registering")
	}
}

func TestCallAnswerRoundTrip(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.send(t, alice, event.CallUser, event.CallUserPayload{
		To:     "bob",
		From:   "alice",
		Name:   "Alice",
		Signal: json.RawMessage(`{"sdp":"offer"}`),
	})

	if got := bob.countEvent(t, event.CallUser); got != 1 {
		t.Fatalf("bob received %d callUser frames, want 1", got)
	}
	var offer event.CallOffer
	if err := json.Unmarshal(bob.lastPayload(t, event.CallUser), &offer); err != nil {
		t.Fatalf("bad callUser payload: %v", err)
	}
	if offer.From != "alice" || offer.Name != "Alice" {
		t.Errorf("offer = %+v, want from=alice name=Alice", offer)
	}

	f.send(t, bob, event.AnswerCall, event.AnswerCallPayload{
		To:     "alice",
		From:   "bob",
		Signal: json.RawMessage(`{"sdp":"answer"}`),
	})

	if got := alice.countEvent(t, event.CallAccepted); got != 1 {
		t.Errorf("alice received %d callAccepted frames, want 1", got)
	}
	if got := f.tracker.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d after answer, want 0", got)
	}
}

func TestCallToUnregisteredIdentity(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	f.send(t, alice, event.CallUser, event.CallUserPayload{
		To:     "dave", // entitled check fails first: dave has no user record
		From:   "alice",
		Signal: json.RawMessage(`{}`),
	})

	if got := endedReason(t, alice); got != call.ReasonReceiverNoSubscription {
		t.Errorf("reason = %q, want %q", got, call.ReasonReceiverNoSubscription)
	}
}

func TestCallToOfflineEntitledIdentity(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	// carol has an active subscription but never connected.

	f.send(t, alice, event.CallUser, event.CallUserPayload{
		To:     "carol",
		From:   "alice",
		Signal: json.RawMessage(`{}`),
	})

	if got := endedReason(t, alice); got != call.ReasonUserOffline {
		t.Errorf("reason = %q, want %q", got, call.ReasonUserOffline)
	}
}

func TestTypingIndicatorsPassThrough(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	carol := f.connect(t, "carol")

	f.send(t, alice, event.TypingStart, event.TypingPayload{To: "bob", UserID: "alice"})
	f.send(t, alice, event.TypingStop, event.TypingPayload{To: "bob", UserID: "alice"})

	if got := bob.countEvent(t, event.TypingStart); got != 1 {
		t.Errorf("bob received %d typing-start frames, want 1", got)
	}
	if got := bob.countEvent(t, event.TypingStop); got != 1 {
		t.Errorf("bob received %d typing-stop frames, want 1", got)
	}
	var p event.TypingPayload
	if err := json.Unmarshal(bob.lastPayload(t, event.TypingStart), &p); err != nil {
		t.Fatalf("bad typing payload: %v", err)
	}
	if p.UserID != "alice" {
		t.Errorf("typing userId = %q, want alice", p.UserID)
	}
	if got := carol.countEvent(t, event.TypingStart); got != 0 {
		t.Errorf("carol received %d typing-start frames, want 0", got)
	}
}

func TestSendMessagePersistsAndNotifiesBothParties(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	carol := f.connect(t, "carol")

	f.send(t, alice, event.SendMessage, &store.Message{
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hey",
	})

	if got := bob.countEvent(t, event.ReceiveMessage); got != 1 {
		t.Errorf("bob received %d receive-message frames, want 1", got)
	}
	if got := alice.countEvent(t, event.ReceiveMessage); got != 1 {
		t.Errorf("alice received %d receive-message frames, want 1 (other devices)", got)
	}
	if got := carol.countEvent(t, event.ReceiveMessage); got != 0 {
		t.Errorf("carol received %d receive-message frames, want 0", got)
	}

	msgs, err := f.store.FindMessagesBetween(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("FindMessagesBetween failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hey" {
		t.Errorf("stored conversation = %+v, want one message with text 'hey'", msgs)
	}
}

func TestMalformedInputIsDroppedQuietly(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	before := f.metrics.Get(metrics.EventsDropped)

	frames := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"event":"callUser","payload":{"from":"alice"}}`),       // missing to
		[]byte(`{"event":"register","payload":{}}`),                     // missing userId
		[]byte(`{"event":"no-such-event","payload":{}}`),                // unknown
		[]byte(`{"event":"typing-start","payload":{"userId":"alice"}}`), // missing to
	}
	for _, frame := range frames {
		f.dispatcher.HandleMessage(context.Background(), alice.ID(), frame)
	}

	if got := f.metrics.Get(metrics.EventsDropped) - before; got != uint64(len(frames)) {
		t.Errorf("dropped counter advanced by %d, want %d", got, len(frames))
	}
	// The connection survives and keeps working.
	f.send(t, alice, event.TypingStart, event.TypingPayload{To: "alice", UserID: "alice"})
	if got := alice.countEvent(t, event.TypingStart); got != 1 {
		t.Error("connection stopped working after malformed input")
	}
}

func TestDisconnectCleansUpPresenceAndCalls(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.send(t, alice, event.CallUser, event.CallUserPayload{
		To:     "bob",
		From:   "alice",
		Signal: json.RawMessage(`{}`),
	})
	if got := f.tracker.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	// Bob's only connection drops while the offer is ringing.
	f.dispatcher.HandleDisconnect(bob.ID())

	if f.registry.IsOnline("bob") {
		t.Error("bob should be offline after his only connection dropped")
	}
	if got := alice.countEvent(t, event.UserDisconnected); got != 1 {
		t.Errorf("alice saw %d user-disconnected events, want 1", got)
	}
	if got := f.tracker.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d after disconnect, want 0", got)
	}
	if got := endedReason(t, alice); got != call.ReasonUserOffline {
		t.Errorf("reason = %q, want %q", got, call.ReasonUserOffline)
	}
}

func TestMultiDeviceDelivery(t *testing.T) {
	f := newFixture()
	alice := f.connect(t, "alice")

	// Bob is signed in on two devices; both must ring.
	bobPhone := f.connect(t, "bob")
	bobLaptop := newFakeConn()
	f.dispatcher.HandleConnect(bobLaptop, "bob")

	f.send(t, alice, event.CallUser, event.CallUserPayload{
		To:     "bob",
		From:   "alice",
		Signal: json.RawMessage(`{}`),
	})

	for i, conn := range []*fakeConn{bobPhone, bobLaptop} {
		if got := conn.countEvent(t, event.CallUser); got != 1 {
			t.Errorf("bob device %d received %d callUser frames, want 1", i, got)
		}
	}
}

func TestPreAuthenticatedConnectRegistersImmediately(t *testing.T) {
	f := newFixture()
	observer := f.connect(t, "alice")

	conn := newFakeConn()
	f.dispatcher.HandleConnect(conn, "bob")

	if !f.registry.IsOnline("bob") {
		t.Error("pre-authenticated connection should be registered on connect")
	}
	if got := observer.countEvent(t, event.UserConnected); got < 2 {
		t.Errorf("alice saw %d user-connected events, want her own plus bob's", got)
	}
}
