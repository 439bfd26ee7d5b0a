// Package events implements the realtime presence, messaging and call
// signaling handlers on top of a presence registry and an emitter.
package events

// Inbound events.
const (
	EventAddUser          = "add-user"
	EventCheckUserStatus  = "check-user-status"
	EventBroadcastStatus  = "broadcast-status"
	EventSendMessage      = "send-msg"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventMessageSeen      = "message-seen"
	EventNotifyUser       = "notify-user"
	EventChatListUpdate   = "chat-list-update"
	EventCreateOffer      = "create-offer"
	EventCreateAnswer     = "create-answer"
	EventSendIceCandidate = "send-ice-candidate"
	EventHangUp           = "hang-up"
	EventPing             = "ping"
)

// Outbound events. typing, stop-typing and message-seen keep their inbound names.
const (
	EventUserStatusResponse = "user-status-response"
	EventUserStatusChange   = "user-status-change"
	EventMessageReceive     = "msg-receive"
	EventNotification       = "notification"
	EventRefreshChatList    = "refresh-chat-list"
	EventIncomingOffer      = "incomingOffer"
	EventIncomingAnswer     = "incomingAnswer"
	EventIceCandidate       = "iceCandidate"
	EventCallEnded          = "callEnded"
	EventCallFailed         = "callFailed"
	EventRoomListError      = "room-list-error"
	EventPong               = "pong"
)

// Outcomes recorded per handled event.
const (
	OutcomeDelivered = "delivered"
	OutcomeAbsent    = "absent"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeOK        = "ok"
)
