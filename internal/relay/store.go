// Package relay delivers SignalMessages between the parties of a call,
// filtered so each client only observes messages addressed to it, on top of
// a durable store with a per-recipient change feed.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/domain"
)

// Event is one change-feed entry: either a relayed signal or a call record
// insert/update. A Gap entry means the feed overflowed and events addressed
// to this subscriber were dropped; the consumer must re-sync from the store.
type Event struct {
	Signal *domain.SignalMessage
	Call   *domain.CallSession
	Gap    bool
}

// Store is the durable backing of the relay. AppendSignal assigns Seq;
// per-sender order follows Seq. UpdateCallStatus enforces the status graph
// so exactly one terminal outcome wins a race.
type Store interface {
	AppendSignal(ctx context.Context, msg *domain.SignalMessage) error
	SignalsForCall(ctx context.Context, callID string, to domain.UserID) ([]*domain.SignalMessage, error)

	PutCall(ctx context.Context, call *domain.CallSession) error
	GetCall(ctx context.Context, id string) (*domain.CallSession, error)
	UpdateCallStatus(ctx context.Context, id string, status domain.CallStatus, endedAt *time.Time, durationSeconds *int) error

	AddParticipant(ctx context.Context, callID string, p domain.Participant) error
	RemoveParticipant(ctx context.Context, callID string, userID domain.UserID) error
	Participants(ctx context.Context, callID string) ([]domain.Participant, error)

	// Subscribe returns a change feed of events addressed to recipient.
	// The cancel func must be called when done.
	Subscribe(recipient domain.UserID) (<-chan Event, func())
}

const feedBuffer = 256

// hub fans change-feed events out to subscribers. Sends never block: when a
// subscriber is full the event is dropped and a single Gap marker takes the
// reserved slot, so the consumer knows to re-sync against the store. Nothing
// durably written is ever lost, only its push notification.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*hubSub
}

type hubSub struct {
	recipient domain.UserID
	ch        chan Event
	gapped    bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*hubSub)}
}

func (h *hub) subscribe(recipient domain.UserID) (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	// one slot beyond feedBuffer stays reserved for the Gap marker
	sub := &hubSub{recipient: recipient, ch: make(chan Event, feedBuffer+1)}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

func (h *hub) publish(to []domain.UserID, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		for _, rcpt := range to {
			if sub.recipient != rcpt {
				continue
			}
			// Producers all hold h.mu and the consumer only drains, so the
			// len check keeps the reserved slot free for the Gap marker and
			// neither send can block.
			if len(sub.ch) < feedBuffer {
				sub.ch <- ev
				sub.gapped = false
			} else if !sub.gapped {
				sub.ch <- Event{Gap: true}
				sub.gapped = true
				log.Warn().Str("module", "relay.store").Str("recipient", string(rcpt)).Msg("feed full, subscriber must re-sync")
			}
			break
		}
	}
}
