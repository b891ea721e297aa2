package store

import "time"

// Subscription statuses as persisted on the user record.
const (
	SubscriptionFree    = "free"
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

// DeletedMessageText replaces the body of a message when its sender deletes it.
const DeletedMessageText = "This message was deleted"

// User is the externally owned user record. The hub never creates users; it
// only reads them and lazily corrects a stale subscription status.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Gender   string `json:"gender"`
	Age      int    `json:"age"`
	Location string `json:"location,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Avatar   string `json:"avatar,omitempty"`

	SubscriptionStatus    string     `json:"subscriptionStatus"`
	SubscriptionType      string     `json:"subscriptionType,omitempty"`
	SubscriptionStartDate *time.Time `json:"subscriptionStartDate,omitempty"`
	SubscriptionEndDate   *time.Time `json:"subscriptionEndDate,omitempty"`
	SubscriptionAmount    int64      `json:"subscriptionAmount,omitempty"`

	PaymentHistory []Payment `json:"paymentHistory,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Payment is one settled or attempted charge in the user's history.
type Payment struct {
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Type      string    `json:"type"`   // monthly or yearly
	Status    string    `json:"status"` // success, failed, pending
	PaidAt    time.Time `json:"paidAt"`
}

// Message is a 1:1 chat message between two identities.
type Message struct {
	ID         string   `json:"id"`
	Sender     string   `json:"sender"`
	Receiver   string   `json:"receiver"`
	Text       string   `json:"text"`
	LikedBy    []string `json:"likedBy,omitempty"`
	DislikedBy []string `json:"dislikedBy,omitempty"`
	ReplyTo    string   `json:"replyTo,omitempty"`
	Edited     bool     `json:"edited"`
	Deleted    bool     `json:"deleted"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Match records one identity's like/dislike choices.
type Match struct {
	UserID   string   `json:"userId"`
	Liked    []string `json:"liked,omitempty"`
	Disliked []string `json:"disliked,omitempty"`
}
