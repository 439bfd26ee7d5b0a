package events

import (
	"context"

	"github.com/YuarenArt/signalhub/internal/presence"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

const errStatusUnavailable = "status unavailable"

func (s *Service) addUser(ctx context.Context, connID string, ev websocket.Event) {
	var p UserPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	s.announce(ctx, connID, p.UserID)
	s.metrics.EventHandled(ev.Type, OutcomeOK)
}

func (s *Service) announce(ctx context.Context, connID, userID string) {
	if err := s.registry.Set(ctx, userID, connID); err != nil {
		s.logger.Error(ctx, "Failed to register presence", "user_id", userID, "error", err.Error())
		return
	}
	s.logger.Info(ctx, "User online", "user_id", userID)
}

// Connected registers userID for a connection that announced it during the upgrade.
func (s *Service) Connected(ctx context.Context, connID, userID string) {
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.announce(ctx, connID, userID)
}

// Disconnected drops whatever presence entry points at connID.
func (s *Service) Disconnected(ctx context.Context, connID string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	userID, ok, err := s.registry.RemoveByConnection(ctx, connID)
	if err != nil {
		s.logger.Error(ctx, "Failed to remove presence", "error", err.Error())
		return
	}
	if ok {
		s.logger.Info(ctx, "User offline", "user_id", userID)
	}
}

// Touch keeps the presence entry of connID from expiring.
func (s *Service) Touch(ctx context.Context, connID string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.registry.Touch(ctx, connID); err != nil {
		s.logger.Debug(ctx, "Presence refresh failed", "error", err.Error())
	}
}

// Status reports whether userID is online.
func (s *Service) Status(ctx context.Context, userID string) (presence.Status, error) {
	_, ok, err := s.registry.Get(ctx, userID)
	if err != nil {
		return presence.StatusOffline, err
	}
	return presence.StatusOf(ok), nil
}

func (s *Service) checkUserStatus(ctx context.Context, connID string, ev websocket.Event) {
	var p UserPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		s.reply(ctx, connID, EventUserStatusResponse, StatusResponse{Error: err.Error()})
		return
	}

	status, err := s.Status(ctx, p.UserID)
	if err != nil {
		s.logger.Error(ctx, "Status lookup failed", "user_id", p.UserID, "error", err.Error())
		s.reply(ctx, connID, EventUserStatusResponse, StatusResponse{UserID: p.UserID, Error: errStatusUnavailable})
		s.metrics.EventHandled(ev.Type, OutcomeFailed)
		return
	}
	s.reply(ctx, connID, EventUserStatusResponse, StatusResponse{UserID: p.UserID, Status: status})
	s.metrics.EventHandled(ev.Type, OutcomeOK)
}

func (s *Service) broadcastStatus(ctx context.Context, connID string, ev websocket.Event) {
	var p UserPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}

	status, err := s.Status(ctx, p.UserID)
	if err != nil {
		s.logger.Error(ctx, "Status lookup failed, nothing broadcast", "user_id", p.UserID, "error", err.Error())
		s.metrics.EventHandled(ev.Type, OutcomeFailed)
		return
	}

	change, err := websocket.NewEvent(EventUserStatusChange, StatusResponse{UserID: p.UserID, Status: status})
	if err != nil {
		s.logger.Error(ctx, "Failed to build status change", "error", err.Error())
		return
	}
	if err := s.emitter.Broadcast(ctx, connID, change); err != nil {
		s.logger.Warn(ctx, "Status broadcast failed", "user_id", p.UserID, "error", err.Error())
		s.metrics.EventHandled(ev.Type, OutcomeFailed)
		return
	}
	s.metrics.EventHandled(ev.Type, OutcomeOK)
}

func (s *Service) ping(ctx context.Context, connID string, ev websocket.Event) {
	s.reply(ctx, connID, EventPong, Pong{Timestamp: s.now().UnixMilli()})
	s.metrics.EventHandled(ev.Type, OutcomeOK)
}
