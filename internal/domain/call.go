package domain

import "time"

type MediaKind string

const (
	KindVoice       MediaKind = "voice"
	KindVideo       MediaKind = "video"
	KindScreenShare MediaKind = "screen_share"
)

func (k MediaKind) Valid() bool {
	switch k {
	case KindVoice, KindVideo, KindScreenShare:
		return true
	}
	return false
}

// WantsVideo reports whether the kind requires a video capture track.
func (k MediaKind) WantsVideo() bool {
	return k == KindVideo || k == KindScreenShare
}

type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusActive   CallStatus = "active"
	StatusEnded    CallStatus = "ended"
	StatusDeclined CallStatus = "declined"
	StatusMissed   CallStatus = "missed"
)

// Terminal statuses are absorbing: no edge leaves them.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed:
		return true
	}
	return false
}

// CanTransition encodes the status graph. Edges:
// ringing -> active | declined | missed | ended (local hangup before answer),
// active -> ended.
func CanTransition(from, to CallStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusRinging:
		return to == StatusActive || to == StatusDeclined || to == StatusMissed || to == StatusEnded
	case StatusActive:
		return to == StatusEnded
	}
	return false
}

// CallSession identifies one call attempt.
// TargetID is set for 1:1 calls; Participants carries the member set for mesh.
type CallSession struct {
	ID          string     `json:"id"`
	InitiatorID UserID     `json:"initiator_id"`
	TargetID    UserID     `json:"target_id,omitempty"`
	Kind        MediaKind  `json:"media_kind"`
	Status      CallStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	// DurationSeconds is only set if the session reached active.
	DurationSeconds *int `json:"duration_seconds,omitempty"`
}
