// Package event defines the wire protocol shared by the dispatcher, the
// presence registry and the call tracker: a small JSON envelope plus the
// payload shapes of every inbound and outbound event.
package event

import "encoding/json"

// Inbound event names.
const (
	Register    = "register"
	SendMessage = "send-message"
	CallUser    = "callUser"
	AnswerCall  = "answerCall"
	EndCall     = "endCall"
	TypingStart = "typing-start"
	TypingStop  = "typing-stop"
)

// Outbound event names.
const (
	UserConnected    = "user-connected"
	UserDisconnected = "user-disconnected"
	UsersOnline      = "users-online"
	CallAccepted     = "callAccepted"
	CallEnded        = "callEnded"
	ReceiveMessage   = "receive-message"
	UpdateMessage    = "update-message"
	EditMessage      = "edit-message"
	DeleteMessage    = "delete-message"
)

// Envelope is the frame every client message arrives in and every server
// message leaves in.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal wraps a payload in an envelope and encodes the whole frame.
func Marshal(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: name, Payload: raw})
}

type RegisterPayload struct {
	UserID string `json:"userId"`
}

type CallUserPayload struct {
	To          string          `json:"to"`
	Signal      json.RawMessage `json:"signal"`
	From        string          `json:"from"`
	Name        string          `json:"name"`
	IsAudioOnly bool            `json:"isAudioOnly"`
}

type AnswerCallPayload struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
	From   string          `json:"from"`
}

type EndCallPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type TypingPayload struct {
	To     string `json:"to,omitempty"`
	UserID string `json:"userId"`
}

// CallOffer is the room-addressed delivery of a caller's SDP/ICE bundle to
// the callee. The signal is relayed verbatim; the hub never inspects it.
type CallOffer struct {
	Signal      json.RawMessage `json:"signal"`
	From        string          `json:"from"`
	Name        string          `json:"name"`
	IsAudioOnly bool            `json:"isAudioOnly"`
}

type CallAcceptedPayload struct {
	Signal json.RawMessage `json:"signal"`
}

type CallEndedPayload struct {
	Reason string `json:"reason"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}
