// Package call tracks in-flight call attempts between a caller and a callee.
// Each attempt carries a single offer timer; accept, explicit end, timeout and
// connection loss all race to resolve it, and exactly one of them wins.
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/descmd1/meetup-api/internal/event"
)

// Terminal reasons surfaced to clients in callEnded events.
const (
	ReasonSubscriptionRequired   = "subscription_required"
	ReasonReceiverNoSubscription = "receiver_no_subscription"
	ReasonUserOffline            = "user_offline"
	ReasonNotAnswered            = "not_answered"
	ReasonEndedByUser            = "ended_by_user"
	ReasonServerError            = "server_error"
)

// Router is the slice of the presence registry the tracker emits through.
type Router interface {
	Deliver(identity string, msg []byte)
}

// Presence answers whether a callee can currently receive an offer.
type Presence interface {
	IsOnline(identity string) bool
}

// Gate is the entitlement check consulted before an offer may proceed.
type Gate interface {
	HasActiveEntitlement(ctx context.Context, identity string) (bool, error)
}

// pairKey orders a call attempt by direction: the identity that sent the
// offer first. Answer cancels the same orientation; end cancels both.
type pairKey struct {
	from string
	to   string
}

func (k pairKey) reversed() pairKey { return pairKey{from: k.to, to: k.from} }

type attempt struct {
	key     pairKey
	connID  uuid.UUID // connection the offer arrived on
	timer   *time.Timer
	created time.Time
}

// Tracker is the call-attempt state machine. All map mutations happen under
// one mutex so that cancel-then-arm for a given pair can never interleave.
type Tracker struct {
	mu       sync.Mutex
	attempts map[pairKey]*attempt

	timeout  time.Duration
	router   Router
	presence Presence
	gate     Gate
	logger   *slog.Logger
}

func NewTracker(logger *slog.Logger, router Router, presence Presence, gate Gate, timeout time.Duration) *Tracker {
	return &Tracker{
		attempts: make(map[pairKey]*attempt),
		timeout:  timeout,
		router:   router,
		presence: presence,
		gate:     gate,
		logger:   logger.With(slog.String("component", "call_tracker")),
	}
}

// InitiateRequest carries a callUser event into the tracker.
type InitiateRequest struct {
	From        string
	To          string
	Name        string
	Signal      json.RawMessage
	IsAudioOnly bool
	ConnID      uuid.UUID
}

// Initiate runs the offer preconditions in order, short-circuiting on the
// first failure, then arms the offer timer and relays the signal to the
// callee. Rejections go to the caller's room only.
func (t *Tracker) Initiate(ctx context.Context, req InitiateRequest) {
	entitled, err := t.gate.HasActiveEntitlement(ctx, req.From)
	if err != nil {
		t.logger.Error("Entitlement check failed for caller", slog.String("caller", req.From), slog.Any("error", err))
		t.reject(req.From, ReasonServerError)
		return
	}
	if !entitled {
		t.reject(req.From, ReasonSubscriptionRequired)
		return
	}

	entitled, err = t.gate.HasActiveEntitlement(ctx, req.To)
	if err != nil {
		t.logger.Error("Entitlement check failed for callee", slog.String("callee", req.To), slog.Any("error", err))
		t.reject(req.From, ReasonServerError)
		return
	}
	if !entitled {
		t.reject(req.From, ReasonReceiverNoSubscription)
		return
	}

	if !t.presence.IsOnline(req.To) {
		t.reject(req.From, ReasonUserOffline)
		return
	}

	key := pairKey{from: req.From, to: req.To}
	a := &attempt{key: key, connID: req.ConnID, created: time.Now()}

	t.mu.Lock()
	// A new offer for the same ordered pair supersedes any pending one; its
	// timer must be dead before the replacement is armed.
	if prev, ok := t.attempts[key]; ok {
		prev.timer.Stop()
	}
	a.timer = time.AfterFunc(t.timeout, func() { t.expire(a) })
	t.attempts[key] = a
	t.mu.Unlock()

	t.logger.Info("Call offer relayed",
		slog.String("from", req.From),
		slog.String("to", req.To),
		slog.Bool("audioOnly", req.IsAudioOnly),
	)
	t.deliver(req.To, event.CallUser, event.CallOffer{
		Signal:      req.Signal,
		From:        req.From,
		Name:        req.Name,
		IsAudioOnly: req.IsAudioOnly,
	})
}

// Answer resolves the attempt the caller opened toward the callee and relays
// the answer signal back. An absent attempt means the offer already resolved
// (timed out, ended, or superseded); the stale answer is dropped.
func (t *Tracker) Answer(caller, callee string, signal json.RawMessage) {
	if !t.remove(pairKey{from: caller, to: callee}) {
		t.logger.Debug("Answer for already-resolved call dropped",
			slog.String("caller", caller),
			slog.String("callee", callee),
		)
		return
	}
	t.deliver(caller, event.CallAccepted, event.CallAcceptedPayload{Signal: signal})
}

// End resolves the attempt in either orientation and tells the other party.
// The ender gets no echo.
func (t *Tracker) End(from, to string) {
	key := pairKey{from: from, to: to}
	t.remove(key)
	t.remove(key.reversed())
	t.deliver(to, event.CallEnded, event.CallEndedPayload{Reason: ReasonEndedByUser})
}

// CleanupConnection runs when a transport connection closes. Attempts whose
// offer arrived on the closing connection are cancelled silently. When the
// closing connection took its identity fully offline, every pending attempt
// involving that identity is cancelled and the surviving party is told the
// peer went offline.
func (t *Tracker) CleanupConnection(connID uuid.UUID, identity string, wentOffline bool) {
	type notice struct {
		target string
	}
	var notices []notice

	t.mu.Lock()
	for key, a := range t.attempts {
		switch {
		case a.connID == connID:
			a.timer.Stop()
			delete(t.attempts, key)
		case wentOffline && (key.from == identity || key.to == identity):
			a.timer.Stop()
			delete(t.attempts, key)
			other := key.from
			if other == identity {
				other = key.to
			}
			notices = append(notices, notice{target: other})
		}
	}
	t.mu.Unlock()

	for _, n := range notices {
		t.deliver(n.target, event.CallEnded, event.CallEndedPayload{Reason: ReasonUserOffline})
	}
}

// PendingCount reports the number of outstanding attempts.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}

// expire fires when an offer timer elapses. The identity check against the
// map makes a stale fire (attempt already resolved or superseded) a no-op.
func (t *Tracker) expire(a *attempt) {
	t.mu.Lock()
	current, ok := t.attempts[a.key]
	if !ok || current != a {
		t.mu.Unlock()
		return
	}
	delete(t.attempts, a.key)
	t.mu.Unlock()

	t.logger.Info("Call offer timed out",
		slog.String("from", a.key.from),
		slog.String("to", a.key.to),
	)
	t.deliver(a.key.from, event.CallEnded, event.CallEndedPayload{Reason: ReasonNotAnswered})
	t.deliver(a.key.to, event.CallEnded, event.CallEndedPayload{Reason: ReasonNotAnswered})
}

// remove cancels and deletes the attempt for a key, reporting whether one was
// pending.
func (t *Tracker) remove(key pairKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[key]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(t.attempts, key)
	return true
}

func (t *Tracker) reject(caller, reason string) {
	t.logger.Info("Call rejected", slog.String("caller", caller), slog.String("reason", reason))
	t.deliver(caller, event.CallEnded, event.CallEndedPayload{Reason: reason})
}

func (t *Tracker) deliver(identity, name string, payload any) {
	msg, err := event.Marshal(name, payload)
	if err != nil {
		t.logger.Error("Failed to encode call event", slog.String("event", name), slog.Any("error", err))
		return
	}
	t.router.Deliver(identity, msg)
}
