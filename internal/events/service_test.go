package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/YuarenArt/signalhub/internal/logging"
	"github.com/YuarenArt/signalhub/internal/presence"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

// recordingEmitter captures emitted events per connection.
type recordingEmitter struct {
	mu      sync.Mutex
	conns   map[string]bool
	events  map[string][]websocket.Event
	failFor map[string]error
}

func newRecordingEmitter(conns ...string) *recordingEmitter {
	e := &recordingEmitter{
		conns:   make(map[string]bool),
		events:  make(map[string][]websocket.Event),
		failFor: make(map[string]error),
	}
	for _, c := range conns {
		e.conns[c] = true
	}
	return e
}

func (e *recordingEmitter) EmitTo(_ context.Context, connID string, ev websocket.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failFor[connID]; err != nil {
		return err
	}
	if !e.conns[connID] {
		return websocket.ErrConnectionNotFound
	}
	e.events[connID] = append(e.events[connID], ev)
	return nil
}

func (e *recordingEmitter) Broadcast(_ context.Context, except string, ev websocket.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		if c != except {
			e.events[c] = append(e.events[c], ev)
		}
	}
	return nil
}

func (e *recordingEmitter) received(connID string) []websocket.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]websocket.Event(nil), e.events[connID]...)
}

func (e *recordingEmitter) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evs := range e.events {
		n += len(evs)
	}
	return n
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (m *recordingMetrics) EventHandled(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[eventType] = outcome
}

func (m *recordingMetrics) outcome(eventType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[eventType]
}

// unreachableRegistry fails every lookup the way a lost NATS connection does.
type unreachableRegistry struct {
	*presence.MemoryRegistry
}

var errRegistryDown = errors.New("nats: timeout")

func (unreachableRegistry) Get(context.Context, string) (string, bool, error) {
	return "", false, errRegistryDown
}

type ServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	registry *presence.MemoryRegistry
	emitter  *recordingEmitter
	metrics  *recordingMetrics
	service  *Service
	router   *websocket.Router
}

func (s *ServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	logger := logging.NewWriterLogger(io.Discard, logging.Debug)
	s.registry = presence.NewMemoryRegistry(time.Minute)
	s.emitter = newRecordingEmitter("c1", "c2", "c3")
	s.metrics = &recordingMetrics{outcomes: make(map[string]string)}
	s.service = NewService(s.registry, s.emitter, logger, WithMetrics(s.metrics))
	s.router = websocket.NewRouter(logger)
	s.service.Register(s.router)
}

// send dispatches a raw frame the way the read pump does.
func (s *ServiceTestSuite) send(connID, frame string) {
	ev, err := websocket.DecodeEvent([]byte(frame))
	s.Require().NoError(err)
	s.router.Dispatch(s.ctx, connID, ev)
}

func (s *ServiceTestSuite) online(userID, connID string) {
	s.Require().NoError(s.registry.Set(s.ctx, userID, connID))
}

func (s *ServiceTestSuite) single(connID string) websocket.Event {
	evs := s.emitter.received(connID)
	s.Require().Len(evs, 1)
	return evs[0]
}

func (s *ServiceTestSuite) decode(ev websocket.Event, v interface{}) {
	s.Require().NoError(json.Unmarshal(ev.Data, v))
}

func (s *ServiceTestSuite) TestAddUser() {
	s.send("c1", `{"type":"add-user","data":{"userId":"u1"}}`)

	conn, ok, err := s.registry.Get(s.ctx, "u1")
	s.NoError(err)
	s.True(ok)
	s.Equal("c1", conn)
	s.Equal(0, s.emitter.total())
}

func (s *ServiceTestSuite) TestAddUserAcceptsEncodedAndWrappedPayloads() {
	frames := map[string]string{
		"u-string":  `{"type":"add-user","data":"{\"userId\":\"u-string\"}"}`,
		"u-wrapped": `{"type":"add-user","data":{"data":{"userId":"u-wrapped"}}}`,
		"u-both":    `{"type":"add-user","data":"{\"data\":{\"userId\":\"u-both\"}}"}`,
	}
	conns := []string{"c1", "c2", "c3"}
	i := 0
	for user, frame := range frames {
		s.send(conns[i], frame)
		i++

		_, ok, err := s.registry.Get(s.ctx, user)
		s.NoError(err)
		s.True(ok, user)
	}
}

func (s *ServiceTestSuite) TestAddUserMalformedIsIgnored() {
	s.send("c1", `{"type":"add-user","data":{"name":"x"}}`)
	s.send("c1", `{"type":"add-user","data":"u1"}`)
	s.send("c1", `{"type":"add-user"}`)

	n, err := s.registry.Count(s.ctx)
	s.NoError(err)
	s.Equal(0, n)
	s.Equal(0, s.emitter.total())
	s.Equal(OutcomeInvalid, s.metrics.outcome(EventAddUser))
}

func (s *ServiceTestSuite) TestConnectedWithIdentity() {
	s.router.Connected(s.ctx, "c1", "u1")

	conn, ok, err := s.registry.Get(s.ctx, "u1")
	s.NoError(err)
	s.True(ok)
	s.Equal("c1", conn)

	s.router.Connected(s.ctx, "c2", "")
	n, err := s.registry.Count(s.ctx)
	s.NoError(err)
	s.Equal(1, n)
}

func (s *ServiceTestSuite) TestCheckUserStatusOnline() {
	s.online("u2", "c2")
	s.send("c1", `{"type":"check-user-status","data":{"userId":"u2"}}`)

	ev := s.single("c1")
	s.Equal(EventUserStatusResponse, ev.Type)
	var resp StatusResponse
	s.decode(ev, &resp)
	s.Equal("u2", resp.UserID)
	s.Equal(presence.StatusOnline, resp.Status)
	s.Empty(resp.Error)
	s.Empty(s.emitter.received("c2"))
}

func (s *ServiceTestSuite) TestCheckUserStatusOffline() {
	s.send("c1", `{"type":"check-user-status","data":{"userId":"u2"}}`)

	var resp StatusResponse
	s.decode(s.single("c1"), &resp)
	s.Equal(presence.StatusOffline, resp.Status)
}

func (s *ServiceTestSuite) TestCheckUserStatusMissingUserID() {
	s.send("c1", `{"type":"check-user-status","data":{}}`)

	ev := s.single("c1")
	s.Equal(EventUserStatusResponse, ev.Type)
	var resp StatusResponse
	s.decode(ev, &resp)
	s.Equal("userId is required", resp.Error)
	s.Empty(resp.Status)
}

// useUnreachableRegistry rebuilds the service over a registry whose lookups fail.
func (s *ServiceTestSuite) useUnreachableRegistry() {
	logger := logging.NewWriterLogger(io.Discard, logging.Debug)
	s.service = NewService(unreachableRegistry{s.registry}, s.emitter, logger, WithMetrics(s.metrics))
	s.router = websocket.NewRouter(logger)
	s.service.Register(s.router)
}

func (s *ServiceTestSuite) TestCheckUserStatusRegistryError() {
	s.useUnreachableRegistry()
	s.send("c1", `{"type":"check-user-status","data":{"userId":"u9"}}`)

	ev := s.single("c1")
	s.Equal(EventUserStatusResponse, ev.Type)
	var resp StatusResponse
	s.decode(ev, &resp)
	s.Equal("u9", resp.UserID)
	s.Empty(resp.Status)
	s.Equal("status unavailable", resp.Error)
	s.Equal(OutcomeFailed, s.metrics.outcome(EventCheckUserStatus))
}

func (s *ServiceTestSuite) TestBroadcastStatusRegistryErrorBroadcastsNothing() {
	s.useUnreachableRegistry()
	s.send("c1", `{"type":"broadcast-status","data":{"userId":"u9"}}`)

	s.Equal(0, s.emitter.total())
	s.Equal(OutcomeFailed, s.metrics.outcome(EventBroadcastStatus))
}

func (s *ServiceTestSuite) TestDisconnectCleanup() {
	s.send("c1", `{"type":"add-user","data":{"userId":"u1"}}`)
	s.router.Disconnected(s.ctx, "c1")
	s.send("c2", `{"type":"check-user-status","data":{"userId":"u1"}}`)

	var resp StatusResponse
	s.decode(s.single("c2"), &resp)
	s.Equal(presence.StatusOffline, resp.Status)

	// A second disconnect is a no-op.
	s.router.Disconnected(s.ctx, "c1")
}

func (s *ServiceTestSuite) TestBroadcastStatusSkipsSender() {
	s.online("u1", "c1")
	s.send("c1", `{"type":"broadcast-status","data":{"userId":"u1"}}`)

	s.Empty(s.emitter.received("c1"))
	for _, conn := range []string{"c2", "c3"} {
		ev := s.single(conn)
		s.Equal(EventUserStatusChange, ev.Type)
		var resp StatusResponse
		s.decode(ev, &resp)
		s.Equal("u1", resp.UserID)
		s.Equal(presence.StatusOnline, resp.Status)
	}
}

func (s *ServiceTestSuite) TestBroadcastStatusMalformedOnlyLogs() {
	s.send("c1", `{"type":"broadcast-status","data":{}}`)
	s.Equal(0, s.emitter.total())
}

func (s *ServiceTestSuite) TestSendMessageRoundTrip() {
	s.send("c1", `{"type":"add-user","data":{"userId":"U"}}`)
	s.send("c2", `{"type":"add-user","data":{"userId":"U2"}}`)
	s.send("c1", `{"type":"send-msg","data":{"from":"U","to":"U2","msg":"hi"}}`)

	ev := s.single("c2")
	s.Equal(EventMessageReceive, ev.Type)
	var got MessageReceive
	s.decode(ev, &got)
	s.Equal("U", got.From)
	s.JSONEq(`"hi"`, string(got.Message))

	s.Empty(s.emitter.received("c1"))
	s.Empty(s.emitter.received("c3"))
	s.Equal(OutcomeDelivered, s.metrics.outcome(EventSendMessage))
}

func (s *ServiceTestSuite) TestSendMessageStructuredBody() {
	s.online("u2", "c2")
	s.send("c1", `"{\"type\":\"send-msg\",\"data\":{\"from\":\"u1\",\"to\":\"u2\",\"msg\":{\"text\":\"hi\",\"id\":7}}}"`)

	var got MessageReceive
	s.decode(s.single("c2"), &got)
	s.JSONEq(`{"text":"hi","id":7}`, string(got.Message))
}

func (s *ServiceTestSuite) TestSendMessageMissingFields() {
	s.online("u2", "c2")
	s.send("c1", `{"type":"send-msg","data":{"from":"u1","to":"u2"}}`)
	s.send("c1", `{"type":"send-msg","data":{"from":"u1","to":"u2","msg":null}}`)
	s.send("c1", `{"type":"send-msg","data":{"to":"u2","msg":"hi"}}`)

	s.Equal(0, s.emitter.total())
	s.Equal(OutcomeInvalid, s.metrics.outcome(EventSendMessage))
}

func (s *ServiceTestSuite) TestMessagingRecipientAbsentIsSilent() {
	frames := []string{
		`{"type":"send-msg","data":{"from":"u1","to":"ghost","msg":"hi"}}`,
		`{"type":"typing","data":{"from":"u1","to":"ghost"}}`,
		`{"type":"stop-typing","data":{"from":"u1","to":"ghost"}}`,
		`{"type":"message-seen","data":{"messageId":"m1","to":"ghost"}}`,
		`{"type":"notify-user","data":{"to":"ghost","notification":{"kind":"order"}}}`,
		`{"type":"chat-list-update","data":{"userId":"ghost"}}`,
		`{"type":"hang-up","data":{"from":"u1","to":"ghost"}}`,
	}
	for _, frame := range frames {
		s.send("c1", frame)
	}

	s.Equal(0, s.emitter.total())
	s.Equal(OutcomeAbsent, s.metrics.outcome(EventTyping))
	s.Equal(OutcomeAbsent, s.metrics.outcome(EventHangUp))
}

func (s *ServiceTestSuite) TestMessagingForwards() {
	s.online("u2", "c2")

	s.send("c1", `{"type":"typing","data":{"from":"u1","to":"u2"}}`)
	s.send("c1", `{"type":"stop-typing","data":{"from":"u1","to":"u2"}}`)
	s.send("c1", `{"type":"message-seen","data":{"messageId":"m1","to":"u2"}}`)
	s.send("c1", `{"type":"notify-user","data":{"to":"u2","notification":{"kind":"order"}}}`)
	s.send("c1", `{"type":"chat-list-update","data":{"userId":"u2"}}`)

	evs := s.emitter.received("c2")
	s.Require().Len(evs, 5)

	s.Equal(EventTyping, evs[0].Type)
	s.JSONEq(`{"from":"u1"}`, string(evs[0].Data))
	s.Equal(EventStopTyping, evs[1].Type)
	s.JSONEq(`{"from":"u1"}`, string(evs[1].Data))
	s.Equal(EventMessageSeen, evs[2].Type)
	s.JSONEq(`{"messageId":"m1"}`, string(evs[2].Data))
	s.Equal(EventNotification, evs[3].Type)
	s.JSONEq(`{"notification":{"kind":"order"}}`, string(evs[3].Data))
	s.Equal(EventRefreshChatList, evs[4].Type)
	s.Empty(evs[4].Data)

	s.Empty(s.emitter.received("c1"))
}

func (s *ServiceTestSuite) TestChatListUpdateMalformedReplies() {
	s.send("c1", `{"type":"chat-list-update","data":{}}`)

	ev := s.single("c1")
	s.Equal(EventRoomListError, ev.Type)
	var notice ErrorNotice
	s.decode(ev, &notice)
	s.Equal("userId is required", notice.Error)
}

func (s *ServiceTestSuite) TestCallSignalingForwards() {
	s.online("caller", "c1")
	s.online("callee", "c2")

	s.send("c1", `{"type":"create-offer","data":{"to":"callee","offer":{"type":"offer","sdp":"v=0"}}}`)
	s.send("c2", `{"type":"create-answer","data":{"from":"callee","to":"caller","answer":{"type":"answer","sdp":"v=0"}}}`)
	s.send("c1", `{"type":"send-ice-candidate","data":{"to":"callee","candidate":{"candidate":"a=1"}}}`)
	s.send("c1", `{"type":"hang-up","data":{"to":"callee"}}`)

	toCallee := s.emitter.received("c2")
	s.Require().Len(toCallee, 3)
	s.Equal(EventIncomingOffer, toCallee[0].Type)
	s.JSONEq(`{"from":"caller","offer":{"type":"offer","sdp":"v=0"}}`, string(toCallee[0].Data))
	s.Equal(EventIceCandidate, toCallee[1].Type)
	s.JSONEq(`{"from":"caller","candidate":{"candidate":"a=1"}}`, string(toCallee[1].Data))
	s.Equal(EventCallEnded, toCallee[2].Type)
	s.JSONEq(`{"from":"caller"}`, string(toCallee[2].Data))

	ev := s.single("c1")
	s.Equal(EventIncomingAnswer, ev.Type)
	s.JSONEq(`{"from":"callee","answer":{"type":"answer","sdp":"v=0"}}`, string(ev.Data))
}

func (s *ServiceTestSuite) TestCallSignalingRecipientAbsent() {
	frames := []string{
		`{"type":"create-offer","data":{"to":"ghost","offer":{"sdp":"x"}}}`,
		`{"type":"create-answer","data":{"to":"ghost","answer":{"sdp":"x"}}}`,
		`{"type":"send-ice-candidate","data":{"to":"ghost","candidate":{"c":"x"}}}`,
	}
	for _, frame := range frames {
		s.send("c1", frame)
	}

	evs := s.emitter.received("c1")
	s.Require().Len(evs, len(frames))
	for _, ev := range evs {
		s.Equal(EventCallFailed, ev.Type)
		var failed CallFailed
		s.decode(ev, &failed)
		s.Equal("ghost", failed.To)
		s.Equal(ReasonRecipientOffline, failed.Reason)
	}
	s.Equal(len(frames), s.emitter.total())
}

func (s *ServiceTestSuite) TestCallSignalingDeliveryFailure() {
	s.online("callee", "c2")
	s.emitter.failFor["c2"] = websocket.ErrSendBufferFull

	s.send("c1", `{"type":"create-offer","data":{"to":"callee","offer":{"sdp":"x"}}}`)

	var failed CallFailed
	s.decode(s.single("c1"), &failed)
	s.Equal(ReasonDeliveryFailed, failed.Reason)
	s.Equal(OutcomeFailed, s.metrics.outcome(EventCreateOffer))
}

func (s *ServiceTestSuite) TestCallSignalingMissingBody() {
	s.online("callee", "c2")
	s.send("c1", `{"type":"create-offer","data":{"to":"callee"}}`)
	s.send("c1", `{"type":"send-ice-candidate","data":{"to":"callee","candidate":""}}`)

	s.Equal(0, s.emitter.total())
}

func (s *ServiceTestSuite) TestStaleEntryIsEvicted() {
	s.online("u2", "gone")
	s.send("c1", `{"type":"create-offer","data":{"to":"u2","offer":{"sdp":"x"}}}`)

	var failed CallFailed
	s.decode(s.single("c1"), &failed)
	s.Equal(ReasonRecipientOffline, failed.Reason)

	_, ok, err := s.registry.Get(s.ctx, "u2")
	s.NoError(err)
	s.False(ok)
}

func (s *ServiceTestSuite) TestPing() {
	s.service.now = func() time.Time { return time.UnixMilli(1700000000000) }
	s.send("c1", `{"type":"ping"}`)

	ev := s.single("c1")
	s.Equal(EventPong, ev.Type)
	s.JSONEq(`{"timestamp":1700000000000}`, string(ev.Data))
}

func (s *ServiceTestSuite) TestActivityRefreshesPresence() {
	s.online("u1", "c1")
	before := s.registry.Snapshot()[0].LastSeen

	time.Sleep(2 * time.Millisecond)
	s.send("c1", `{"type":"ping"}`)

	after := s.registry.Snapshot()[0].LastSeen
	s.True(after.After(before))
}

func (s *ServiceTestSuite) TestUnknownEvent() {
	s.send("c1", `{"type":"launch-rockets","data":{}}`)

	ev := s.single("c1")
	s.Equal(websocket.EventError, ev.Type)
	var payload websocket.ErrorPayload
	s.decode(ev, &payload)
	s.Contains(payload.Error, "launch-rockets")
}

func (s *ServiceTestSuite) TestNotify() {
	s.online("u2", "c2")

	delivered, err := s.service.Notify(s.ctx, "u2", json.RawMessage(`{"kind":"order"}`))
	s.NoError(err)
	s.True(delivered)
	s.JSONEq(`{"notification":{"kind":"order"}}`, string(s.single("c2").Data))

	delivered, err = s.service.Notify(s.ctx, "ghost", json.RawMessage(`{"kind":"order"}`))
	s.NoError(err)
	s.False(delivered)

	_, err = s.service.Notify(s.ctx, "u2", nil)
	var verr *websocket.ValidationError
	s.True(errors.As(err, &verr))
	s.Equal("notification", verr.Field)
}

func (s *ServiceTestSuite) TestStatus() {
	s.online("u1", "c1")

	status, err := s.service.Status(s.ctx, "u1")
	s.NoError(err)
	s.Equal(presence.StatusOnline, status)

	status, err = s.service.Status(s.ctx, "u2")
	s.NoError(err)
	s.Equal(presence.StatusOffline, status)
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}
