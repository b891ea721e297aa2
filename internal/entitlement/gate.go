// Package entitlement decides whether an identity currently holds an active
// subscription. The check is the single gate in front of call initiation and
// the message-sending endpoints of the HTTP layer.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/descmd1/meetup-api/internal/store"
)

type Gate struct {
	users  store.UserStore
	now    func() time.Time
	logger *slog.Logger
}

func NewGate(logger *slog.Logger, users store.UserStore) *Gate {
	return &Gate{
		users:  users,
		now:    time.Now,
		logger: logger.With(slog.String("component", "entitlement")),
	}
}

// WithClock overrides the gate's clock. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// HasActiveEntitlement reports whether the identity's subscription is active
// and unexpired. A stale "active" status whose end date has passed is
// corrected to "expired" and persisted before the result is returned; an
// unknown identity is simply not entitled.
func (g *Gate) HasActiveEntitlement(ctx context.Context, identity string) (bool, error) {
	user, err := g.users.FindUserByID(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("entitlement lookup for %s: %w", identity, err)
	}

	now := g.now()
	if user.SubscriptionStatus == store.SubscriptionActive &&
		user.SubscriptionEndDate != nil && !now.Before(*user.SubscriptionEndDate) {
		user.SubscriptionStatus = store.SubscriptionExpired
		if err := g.users.UpdateUser(ctx, user); err != nil {
			return false, fmt.Errorf("persisting expired subscription for %s: %w", identity, err)
		}
		g.logger.Info("Lazily expired stale subscription", slog.String("identity", identity))
		return false, nil
	}

	active := user.SubscriptionStatus == store.SubscriptionActive &&
		user.SubscriptionEndDate != nil &&
		now.Before(*user.SubscriptionEndDate)
	return active, nil
}
