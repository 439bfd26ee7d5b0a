package events

import (
	"encoding/json"

	"github.com/YuarenArt/signalhub/internal/presence"
)

// UserPayload is the body of add-user, check-user-status, broadcast-status and chat-list-update.
type UserPayload struct {
	UserID string `json:"userId" validate:"required" example:"64f1c2a9e4b0a1b2c3d4e5f6"`
}

type SendMessagePayload struct {
	From string          `json:"from" validate:"required"`
	To   string          `json:"to" validate:"required"`
	Msg  json.RawMessage `json:"msg" validate:"present" swaggertype:"object"`
}

// TypingPayload is the body of typing and stop-typing.
type TypingPayload struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

type MessageSeenPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	To        string `json:"to" validate:"required"`
}

type NotifyPayload struct {
	To           string          `json:"to" validate:"required"`
	Notification json.RawMessage `json:"notification" validate:"present" swaggertype:"object"`
}

type OfferPayload struct {
	From  string          `json:"from"`
	To    string          `json:"to" validate:"required"`
	Offer json.RawMessage `json:"offer" validate:"present" swaggertype:"object"`
}

type AnswerPayload struct {
	From   string          `json:"from"`
	To     string          `json:"to" validate:"required"`
	Answer json.RawMessage `json:"answer" validate:"present" swaggertype:"object"`
}

type IceCandidatePayload struct {
	From      string          `json:"from"`
	To        string          `json:"to" validate:"required"`
	Candidate json.RawMessage `json:"candidate" validate:"present" swaggertype:"object"`
}

type HangUpPayload struct {
	From string `json:"from"`
	To   string `json:"to" validate:"required"`
}

// StatusResponse is sent for check-user-status and broadcast-status.
type StatusResponse struct {
	UserID string          `json:"userId,omitempty"`
	Status presence.Status `json:"status,omitempty" example:"online"`
	Error  string          `json:"error,omitempty"`
}

type MessageReceive struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message" swaggertype:"object"`
}

type TypingNotice struct {
	From string `json:"from"`
}

type MessageSeenNotice struct {
	MessageID string `json:"messageId"`
}

type NotificationNotice struct {
	Notification json.RawMessage `json:"notification" swaggertype:"object"`
}

type IncomingOffer struct {
	From  string          `json:"from"`
	Offer json.RawMessage `json:"offer" swaggertype:"object"`
}

type IncomingAnswer struct {
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer" swaggertype:"object"`
}

type IceCandidateNotice struct {
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate" swaggertype:"object"`
}

type CallEnded struct {
	From string `json:"from"`
}

type CallFailed struct {
	To     string `json:"to"`
	Reason string `json:"reason" example:"recipient offline"`
}

type ErrorNotice struct {
	Error string `json:"error"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
