// Package store defines the boundary to the external data store. The hub
// treats every operation as an atomic single-document read or write; there is
// no cross-entity transaction requirement.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a looked-up document does not exist.
var ErrNotFound = errors.New("store: not found")

type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	// FindMessagesBetween returns the conversation between two identities in
	// creation order, regardless of direction.
	FindMessagesBetween(ctx context.Context, a, b string) ([]*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
}

type MatchStore interface {
	// FindOrCreateMatch returns the match document for an identity, creating
	// an empty one if none exists.
	FindOrCreateMatch(ctx context.Context, userID string) (*Match, error)
}

// Store aggregates the collaborator interfaces an adapter must provide.
type Store interface {
	UserStore
	MessageStore
	MatchStore
}
