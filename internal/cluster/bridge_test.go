package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/YuarenArt/signalhub/internal/logging"
	"github.com/YuarenArt/signalhub/internal/natstest"
	"github.com/YuarenArt/signalhub/pkg/websocket"
)

type BridgeTestSuite struct {
	suite.Suite
	ctx    context.Context
	logger logging.Logger

	hubA, hubB       *websocket.Hub
	bridgeA, bridgeB *Bridge
}

func (s *BridgeTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = logging.NewWriterLogger(io.Discard, logging.Error)

	srv := natstest.RunServer(s.T())

	s.hubA = websocket.NewHub(nil)
	s.hubB = websocket.NewHub(nil)
	s.bridgeA = NewBridge(natstest.Connect(s.T(), srv), s.hubA, s.logger, "TEST")
	s.bridgeB = NewBridge(natstest.Connect(s.T(), srv), s.hubB, s.logger, "TEST")
	s.Require().NoError(s.bridgeA.Start())
	s.Require().NoError(s.bridgeB.Start())
	s.T().Cleanup(s.bridgeA.Close)
	s.T().Cleanup(s.bridgeB.Close)
}

// attach registers a socketless client on hub; its Send channel stands in for the wire.
func (s *BridgeTestSuite) attach(hub *websocket.Hub, b *Bridge, connID string) *websocket.Client {
	c := websocket.NewClient(connID, nil, hub, websocket.NewRouter(s.logger), s.logger, 8)
	s.Require().True(hub.Register(c))
	s.Require().NoError(b.nc.Flush())
	return c
}

func (s *BridgeTestSuite) next(c *websocket.Client) websocket.Event {
	select {
	case msg := <-c.Send:
		var ev websocket.Event
		s.Require().NoError(json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("no event delivered to " + c.ID)
		return websocket.Event{}
	}
}

func (s *BridgeTestSuite) nothing(c *websocket.Client) {
	select {
	case msg := <-c.Send:
		s.Failf("unexpected event", "%s got %s", c.ID, msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *BridgeTestSuite) TestEmitToLocal() {
	c := s.attach(s.hubA, s.bridgeA, "local")

	s.Require().NoError(s.bridgeA.EmitTo(s.ctx, "local", websocket.MustEvent("typing", map[string]string{"from": "u1"})))

	ev := s.next(c)
	s.Equal("typing", ev.Type)
	s.JSONEq(`{"from":"u1"}`, string(ev.Data))
}

func (s *BridgeTestSuite) TestEmitToRemote() {
	c := s.attach(s.hubB, s.bridgeB, "remote")

	s.Require().NoError(s.bridgeA.EmitTo(s.ctx, "remote", websocket.MustEvent("msg-receive", map[string]string{"from": "u1", "message": "hi"})))

	ev := s.next(c)
	s.Equal("msg-receive", ev.Type)
	s.JSONEq(`{"from":"u1","message":"hi"}`, string(ev.Data))
}

func (s *BridgeTestSuite) TestRemoteFrameRelayedVerbatim() {
	c := s.attach(s.hubB, s.bridgeB, "verbatim")
	ev := websocket.MustEvent("iceCandidate", map[string]string{"from": "u1", "candidate": "a=1"})
	want, err := json.Marshal(ev)
	s.Require().NoError(err)

	s.Require().NoError(s.bridgeA.EmitTo(s.ctx, "verbatim", ev))

	select {
	case got := <-c.Send:
		s.Equal(string(want), string(got))
	case <-time.After(2 * time.Second):
		s.FailNow("no frame relayed")
	}
}

func (s *BridgeTestSuite) TestEmitToUnknownConnection() {
	err := s.bridgeA.EmitTo(s.ctx, "nowhere", websocket.MustEvent("typing", nil))
	s.True(errors.Is(err, websocket.ErrConnectionNotFound), "got %v", err)
}

func (s *BridgeTestSuite) TestEmitToDetachedConnection() {
	c := s.attach(s.hubB, s.bridgeB, "gone")
	s.Require().True(s.hubB.Unregister(c))
	s.Require().NoError(s.bridgeB.nc.Flush())

	err := s.bridgeA.EmitTo(s.ctx, "gone", websocket.MustEvent("typing", nil))
	s.True(errors.Is(err, websocket.ErrConnectionNotFound), "got %v", err)
}

func (s *BridgeTestSuite) TestBroadcastReachesEveryInstance() {
	sender := s.attach(s.hubA, s.bridgeA, "sender")
	peerA := s.attach(s.hubA, s.bridgeA, "peer-a")
	peerB := s.attach(s.hubB, s.bridgeB, "peer-b")

	ev := websocket.MustEvent("user-status-change", map[string]string{"userId": "u1", "status": "online"})
	s.Require().NoError(s.bridgeA.Broadcast(s.ctx, "sender", ev))

	s.Equal("user-status-change", s.next(peerA).Type)
	s.Equal("user-status-change", s.next(peerB).Type)
	s.nothing(sender)
	// The origin instance must not deliver twice.
	s.nothing(peerA)
}

func (s *BridgeTestSuite) TestRemoteSenderExcluded() {
	sender := s.attach(s.hubB, s.bridgeB, "sender-b")
	peer := s.attach(s.hubA, s.bridgeA, "peer-a")

	s.Require().NoError(s.bridgeB.Broadcast(s.ctx, "sender-b", websocket.MustEvent("user-status-change", nil)))

	s.Equal("user-status-change", s.next(peer).Type)
	s.nothing(sender)
}

func (s *BridgeTestSuite) TestAckToError() {
	s.NoError(ackToError(ack{Status: ackOK}, "c"))
	s.ErrorIs(ackToError(ack{Status: ackNotFound}, "c"), websocket.ErrConnectionNotFound)
	s.ErrorIs(ackToError(ack{Status: ackClosed}, "c"), websocket.ErrConnectionClosed)
	s.ErrorIs(ackToError(ack{Status: ackFull}, "c"), websocket.ErrSendBufferFull)
	s.EqualError(ackToError(ack{Status: ackError, Error: "boom"}, "c"), "relay to c: boom")
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
