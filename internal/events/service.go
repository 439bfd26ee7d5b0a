package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/YuarenArt/signalhub/internal/logging"
	"github.com/YuarenArt/signalhub/internal/presence"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

const defaultHandlerTimeout = 5 * time.Second

// Emitter delivers events to connections. The local websocket.Hub and the
// cluster bridge both implement it.
type Emitter interface {
	EmitTo(ctx context.Context, connID string, ev websocket.Event) error
	Broadcast(ctx context.Context, exceptConnID string, ev websocket.Event) error
}

// Metrics records how each inbound event ended.
type Metrics interface {
	EventHandled(eventType, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) EventHandled(string, string) {}

type Service struct {
	registry presence.Registry
	emitter  Emitter
	logger   logging.Logger
	validate *validator.Validate
	metrics  Metrics
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHandlerTimeout bounds registry and emitter calls made by one handler.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(registry presence.Registry, emitter Emitter, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		emitter:  emitter,
		logger:   logger,
		validate: newValidator(),
		metrics:  noopMetrics{},
		timeout:  defaultHandlerTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register wires every handler and lifecycle hook into r.
func (s *Service) Register(r *websocket.Router) {
	r.Register(EventAddUser, s.wrap(s.addUser))
	r.Register(EventCheckUserStatus, s.wrap(s.checkUserStatus))
	r.Register(EventBroadcastStatus, s.wrap(s.broadcastStatus))
	r.Register(EventPing, s.wrap(s.ping))

	r.Register(EventSendMessage, s.wrap(s.sendMessage))
	r.Register(EventTyping, s.wrap(s.typing))
	r.Register(EventStopTyping, s.wrap(s.stopTyping))
	r.Register(EventMessageSeen, s.wrap(s.messageSeen))
	r.Register(EventNotifyUser, s.wrap(s.notifyUser))
	r.Register(EventChatListUpdate, s.wrap(s.chatListUpdate))

	r.Register(EventCreateOffer, s.wrap(s.createOffer))
	r.Register(EventCreateAnswer, s.wrap(s.createAnswer))
	r.Register(EventSendIceCandidate, s.wrap(s.sendIceCandidate))
	r.Register(EventHangUp, s.wrap(s.hangUp))

	r.OnUnknown(s.wrap(s.unknown))
	r.OnConnect(s.Connected)
	r.OnActivity(s.Touch)
	r.OnDisconnect(s.Disconnected)
}

func (s *Service) wrap(fn websocket.HandlerFunc) websocket.HandlerFunc {
	return func(ctx context.Context, connID string, ev websocket.Event) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		fn(ctx, connID, ev)
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	// present rejects missing, null and empty-string JSON values.
	_ = v.RegisterValidation("present", func(fl validator.FieldLevel) bool {
		raw := bytes.TrimSpace(fl.Field().Bytes())
		return len(raw) > 0 && !bytes.Equal(raw, []byte("null")) && !bytes.Equal(raw, []byte(`""`))
	})
	return v
}

// bind decodes and validates the payload of ev into v.
func (s *Service) bind(ev websocket.Event, v interface{}) error {
	if err := ev.Bind(v); err != nil {
		return err
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &websocket.ValidationError{
				Field:   verrs[0].Field(),
				Message: fmt.Sprintf("%s is required", verrs[0].Field()),
			}
		}
		return err
	}
	return nil
}

func (s *Service) invalid(ctx context.Context, ev websocket.Event, err error) {
	s.logger.Warn(ctx, "Invalid event payload", "event", ev.Type, "error", err.Error())
	s.metrics.EventHandled(ev.Type, OutcomeInvalid)
}

// reply sends ev back to the connection that triggered the handler.
func (s *Service) reply(ctx context.Context, connID string, eventType string, payload interface{}) {
	ev, err := websocket.NewEvent(eventType, payload)
	if err != nil {
		s.logger.Error(ctx, "Failed to build reply", "event", eventType, "error", err.Error())
		return
	}
	if err := s.emitter.EmitTo(ctx, connID, ev); err != nil {
		s.logger.Debug(ctx, "Reply not delivered", "event", eventType, "error", err.Error())
	}
}

// deliver resolves userID through the registry and emits ev to its
// connection only. A connection the emitter no longer knows is treated as a
// stale registry entry and evicted.
func (s *Service) deliver(ctx context.Context, userID string, eventType string, payload interface{}) string {
	connID, ok, err := s.registry.Get(ctx, userID)
	if err != nil {
		s.logger.Error(ctx, "Registry lookup failed", "user_id", userID, "error", err.Error())
		return OutcomeFailed
	}
	if !ok {
		return OutcomeAbsent
	}

	ev, err := websocket.NewEvent(eventType, payload)
	if err != nil {
		s.logger.Error(ctx, "Failed to build event", "event", eventType, "error", err.Error())
		return OutcomeFailed
	}

	err = s.emitter.EmitTo(ctx, connID, ev)
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, websocket.ErrConnectionNotFound), errors.Is(err, websocket.ErrConnectionClosed):
		if _, _, rmErr := s.registry.RemoveByConnection(ctx, connID); rmErr != nil {
			s.logger.Warn(ctx, "Failed to evict stale presence entry", "user_id", userID, "error", rmErr.Error())
		}
		s.logger.Info(ctx, "Evicted stale presence entry", "user_id", userID, "target_connection", connID)
		return OutcomeAbsent
	default:
		s.logger.Warn(ctx, "Delivery failed", "event", eventType, "user_id", userID, "error", err.Error())
		return OutcomeFailed
	}
}

// sender returns from when set, otherwise the user registered for connID.
func (s *Service) sender(ctx context.Context, connID, from string) string {
	if from != "" {
		return from
	}
	userID, ok, err := s.registry.UserByConnection(ctx, connID)
	if err != nil || !ok {
		return ""
	}
	return userID
}

func (s *Service) unknown(ctx context.Context, connID string, ev websocket.Event) {
	s.logger.Debug(ctx, "Unknown event", "event", ev.Type)
	s.metrics.EventHandled("unknown", OutcomeInvalid)
	s.reply(ctx, connID, websocket.EventError, websocket.ErrorPayload{Error: "unknown event: " + ev.Type})
}
