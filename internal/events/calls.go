package events

import (
	"context"

	"github.com/YuarenArt/signalhub/pkg/websocket"
)

const (
	ReasonRecipientOffline = "recipient offline"
	ReasonDeliveryFailed   = "delivery failed"
)

func (s *Service) createOffer(ctx context.Context, connID string, ev websocket.Event) {
	var p OfferPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	from := s.sender(ctx, connID, p.From)
	s.relayCall(ctx, connID, ev.Type, p.To, EventIncomingOffer, IncomingOffer{From: from, Offer: p.Offer})
}

func (s *Service) createAnswer(ctx context.Context, connID string, ev websocket.Event) {
	var p AnswerPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	from := s.sender(ctx, connID, p.From)
	s.relayCall(ctx, connID, ev.Type, p.To, EventIncomingAnswer, IncomingAnswer{From: from, Answer: p.Answer})
}

func (s *Service) sendIceCandidate(ctx context.Context, connID string, ev websocket.Event) {
	var p IceCandidatePayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	from := s.sender(ctx, connID, p.From)
	s.relayCall(ctx, connID, ev.Type, p.To, EventIceCandidate, IceCandidateNotice{From: from, Candidate: p.Candidate})
}

// hangUp is silent when the peer is gone, unlike the other call events.
func (s *Service) hangUp(ctx context.Context, connID string, ev websocket.Event) {
	var p HangUpPayload
	if err := s.bind(ev, &p); err != nil {
		s.invalid(ctx, ev, err)
		return
	}
	from := s.sender(ctx, connID, p.From)
	s.forward(ctx, ev.Type, p.To, EventCallEnded, CallEnded{From: from})
}

// relayCall forwards a signaling event and answers the caller with exactly
// one callFailed when the peer cannot be reached.
func (s *Service) relayCall(ctx context.Context, connID, inbound, to, outbound string, payload interface{}) {
	outcome := s.deliver(ctx, to, outbound, payload)
	s.metrics.EventHandled(inbound, outcome)

	var reason string
	switch outcome {
	case OutcomeDelivered:
		return
	case OutcomeAbsent:
		reason = ReasonRecipientOffline
	default:
		reason = ReasonDeliveryFailed
	}
	s.logger.Info(ctx, "Call signaling failed", "event", inbound, "to", to, "reason", reason)
	s.reply(ctx, connID, EventCallFailed, CallFailed{To: to, Reason: reason})
}
