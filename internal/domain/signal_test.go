package domain

import (
	"errors"
	"testing"
)

func TestDecodePayload_OfferRoundTrip(t *testing.T) {
	msg, err := NewOfferSignal("c1", "alice", "bob", "v=0 fake sdp")
	if err != nil {
		t.Fatalf("NewOfferSignal: %v", err)
	}
	p, err := msg.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	desc, ok := p.(SessionDescriptionPayload)
	if !ok {
		t.Fatalf("expected description payload, got %T", p)
	}
	if desc.Type != "offer" || desc.SDP != "v=0 fake sdp" {
		t.Fatalf("unexpected payload %+v", desc)
	}
}

func TestDecodePayload_RejectsKindMismatch(t *testing.T) {
	// An answer body under an offer kind must not pass validation.
	msg, err := NewOfferSignal("c1", "alice", "bob", "sdp")
	if err != nil {
		t.Fatalf("NewOfferSignal: %v", err)
	}
	msg.Kind = SignalAnswer
	if _, err := msg.DecodePayload(); !errors.Is(err, ErrBadSignalPayload) {
		t.Fatalf("expected ErrBadSignalPayload, got %v", err)
	}
}

func TestDecodePayload_RejectsUnknownKind(t *testing.T) {
	msg := &SignalMessage{Kind: "hangup", Payload: []byte(`{}`)}
	if _, err := msg.DecodePayload(); !errors.Is(err, ErrBadSignalKind) {
		t.Fatalf("expected ErrBadSignalKind, got %v", err)
	}
}

func TestDecodePayload_RejectsEmptyCandidate(t *testing.T) {
	msg, err := NewCandidateSignal("c1", "alice", "bob", CandidatePayload{})
	if err != nil {
		t.Fatalf("NewCandidateSignal: %v", err)
	}
	if _, err := msg.DecodePayload(); !errors.Is(err, ErrBadSignalPayload) {
		t.Fatalf("expected ErrBadSignalPayload for empty candidate, got %v", err)
	}
}

func TestDecodePayload_CandidateKeepsNullableFields(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	msg, err := NewCandidateSignal("c1", "a", "b", CandidatePayload{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host", SDPMid: &mid, SDPMLineIndex: &idx,
	})
	if err != nil {
		t.Fatalf("NewCandidateSignal: %v", err)
	}
	p, err := msg.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	c := p.(CandidatePayload)
	if c.SDPMid == nil || *c.SDPMid != "0" || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 0 {
		t.Fatalf("nullable fields lost: %+v", c)
	}
}
