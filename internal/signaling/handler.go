// Package signaling carries offers, answers and ICE candidates between the
// two participants of a session over the relay's websocket channel.
package signaling

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Inbound methods delivered by the relay.
const (
	MethodOfferReceived     = "offer-received"
	MethodAnswerReceived    = "answer-received"
	MethodCandidateReceived = "candidate-received"
	MethodRoomReady         = "room-ready"
)

// Outbound methods.
const (
	MethodOffer     = "offer"
	MethodAnswer    = "answer"
	MethodCandidate = "candidate"
	MethodLinkEnd   = "link-end"
)

// ErrNotConnected is returned by sends while the channel is down.
var ErrNotConnected = errors.New("signaling: transport not connected")

// Handler receives the events the relay delivers for a session. Calls are
// made from a single goroutine in arrival order.
type Handler interface {
	OnOffer(sessionID string, offer webrtc.SessionDescription)
	OnAnswer(sessionID string, answer webrtc.SessionDescription)
	OnCandidate(sessionID string, candidate webrtc.ICECandidateInit)
	OnRoomReady(sessionID string)
}

// Signaler is the outbound half of the channel.
type Signaler interface {
	Connected() bool
	SendOffer(ctx context.Context, sessionID string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, sessionID string, answer webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error
	SendLinkEnd(ctx context.Context, sessionID string) error
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type offerParams struct {
	SessionID string                    `json:"sessionId"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

type answerParams struct {
	SessionID string                    `json:"sessionId"`
	Answer    webrtc.SessionDescription `json:"answer"`
}

type candidateParams struct {
	SessionID string                  `json:"sessionId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
