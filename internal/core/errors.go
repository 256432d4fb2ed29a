package core

import (
	"errors"
	"fmt"

	"github.com/openspans/callcore/internal/domain"
)

// ErrSignalingDelivery covers a failed relay write as well as an expected
// offer/answer that was never observed. Setup aborts and partially-acquired
// media is released before this surfaces.
var ErrSignalingDelivery = errors.New("signaling delivery failure")

// ErrCallTerminal is returned when an operation targets a session whose
// status is already ended, declined or missed.
var ErrCallTerminal = errors.New("call already in terminal state")

var ErrNoSuchCall = errors.New("no such call")

// MediaAcquisitionError means the capture device was denied or unavailable.
// The call never reaches signaling when this is raised.
type MediaAcquisitionError struct {
	Kind domain.MediaKind
	Err  error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed for %s: %v", e.Kind, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// NegotiationError means ICE/SDP negotiation failed at the transport layer.
// The call ends and resources are released.
type NegotiationError struct {
	CallID string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed for call %s: %v", e.CallID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
