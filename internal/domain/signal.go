package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

var (
	ErrBadSignalKind    = errors.New("unknown signal kind")
	ErrBadSignalPayload = errors.New("malformed signal payload")
)

// SignalMessage is one negotiation step, delivered at-least-once and never
// mutated. Seq is assigned by the store on append; per-sender order follows Seq.
type SignalMessage struct {
	ID      string          `json:"id"`
	CallID  string          `json:"call_id"`
	FromID  UserID          `json:"from_id"`
	ToID    UserID          `json:"to_id"`
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq"`
}

// SessionDescriptionPayload is the offer/answer payload half of the union.
type SessionDescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload is the ICE half of the union. SDPMid and SDPMLineIndex
// are nullable on the wire and must stay pointers.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// SignalPayload is the validated tagged union produced by DecodePayload.
type SignalPayload interface {
	isSignalPayload()
}

func (SessionDescriptionPayload) isSignalPayload() {}
func (CandidatePayload) isSignalPayload()          {}

// DecodePayload validates the raw payload against the message kind and
// returns the typed form. A cast without this step is a defect: the relay
// boundary rejects malformed payloads instead of trusting them.
func (m *SignalMessage) DecodePayload() (SignalPayload, error) {
	switch m.Kind {
	case SignalOffer, SignalAnswer:
		var p SessionDescriptionPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSignalPayload, err)
		}
		if p.SDP == "" || p.Type != string(m.Kind) {
			return nil, fmt.Errorf("%w: kind %q with description type %q", ErrBadSignalPayload, m.Kind, p.Type)
		}
		return p, nil
	case SignalCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSignalPayload, err)
		}
		if p.Candidate == "" {
			return nil, fmt.Errorf("%w: empty candidate", ErrBadSignalPayload)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBadSignalKind, m.Kind)
}

func newSignal(callID string, from, to UserID, kind SignalKind, payload any) (*SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &SignalMessage{
		ID:      uuid.NewString(),
		CallID:  callID,
		FromID:  from,
		ToID:    to,
		Kind:    kind,
		Payload: raw,
	}, nil
}

func NewOfferSignal(callID string, from, to UserID, sdp string) (*SignalMessage, error) {
	return newSignal(callID, from, to, SignalOffer, SessionDescriptionPayload{Type: "offer", SDP: sdp})
}

func NewAnswerSignal(callID string, from, to UserID, sdp string) (*SignalMessage, error) {
	return newSignal(callID, from, to, SignalAnswer, SessionDescriptionPayload{Type: "answer", SDP: sdp})
}

func NewCandidateSignal(callID string, from, to UserID, c CandidatePayload) (*SignalMessage, error) {
	return newSignal(callID, from, to, SignalCandidate, c)
}
