package events

import (
	"context"
	"encoding/json"

	"github.com/YuarenArt/signalhub/pkg/websocket"
)

func (s *Service) sendMessage(ctx context.Context, connID string, ev websocket.Event) {
	var p SendMessagePayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	s.forward(ctx, ev.Type, p.To, EventMessageReceive, MessageReceive{From: p.From, Message: p.Msg})
}

func (s *Service) typing(ctx context.Context, connID string, ev websocket.Event) {
	var p TypingPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	s.forward(ctx, ev.Type, p.To, EventTyping, TypingNotice{From: p.From})
}

func (s *Service) stopTyping(ctx context.Context, connID string, ev websocket.Event) {
	var p TypingPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	s.forward(ctx, ev.Type, p.To, EventStopTyping, TypingNotice{From: p.From})
}

func (s *Service) messageSeen(ctx context.Context, connID string, ev websocket.Event) {
	var p MessageSeenPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	s.forward(ctx, ev.Type, p.To, EventMessageSeen, MessageSeenNotice{MessageID: p.MessageID})
}

func (s *Service) notifyUser(ctx context.Context, connID string, ev websocket.Event) {
	var p NotifyPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	s.forward(ctx, ev.Type, p.To, EventNotification, NotificationNotice{Notification: p.Notification})
}

func (s *Service) chatListUpdate(ctx context.Context, connID string, ev websocket.Event) {
	var p UserPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		s.reply(ctx, connID, EventRoomListError, ErrorNotice{Error: err.Error()})
		return
	}
	s.forward(ctx, ev.Type, p.UserID, EventRefreshChatList, nil)
}

// forward relays a messaging event to one user. An absent recipient is never
// reported back to the sender.
func (s *Service) forward(ctx context.Context, inbound, to, outbound string, payload interface{}) {
	outcome := s.deliver(ctx, to, outbound, payload)
	if outcome == OutcomeAbsent {
		s.logger.Debug(ctx, "Recipient offline, dropping event", "event", inbound, "to", to)
	}
	s.metrics.EventHandled(inbound, outcome)
}

// Notify relays a notification to userID from outside the realtime
// transport. It reports whether the notification reached a connection.
func (s *Service) Notify(ctx context.Context, userID string, notification json.RawMessage) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n := NotifyPayload{To: userID, Notification: notification}
	ev, err := websocket.NewEvent(EventNotifyUser, n)
	if err != nil {
		return false, &websocket.ValidationError{Field: "notification", Message: "notification must be valid JSON"}
	}
	if err := s.bind(ev, &n); err != nil {
		return false, err
	}
	outcome := s.deliver(ctx, userID, EventNotification, NotificationNotice{Notification: notification})
	s.metrics.EventHandled(EventNotifyUser, outcome)
	return outcome == OutcomeDelivered, nil
}
