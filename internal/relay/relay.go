package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
)

// Relay presents the store's change feed as per-call subscriptions that a
// call session can consume safely despite out-of-order or duplicate
// delivery. Delivery rules per subscription:
//
//   - per-sender order is preserved (store Seq); cross-sender order is not
//   - a redelivered copy of an already-dispatched message (same id) is
//     dropped; a genuinely new description from the same sender renegotiates
//     the leg, e.g. a participant rejoining a mesh session
//   - ICE candidates arriving before the sender's description are held in a
//     pending queue and drained in arrival order once the description has
//     been applied
//   - when the change feed overflows, the subscription re-syncs against the
//     stored backlog instead of permanently missing messages
type Relay struct {
	store Store

	mu   sync.Mutex
	open int
}

func New(store Store) *Relay {
	return &Relay{store: store}
}

func (r *Relay) Store() Store { return r.store }

// Publish validates and durably appends one signal. When Publish returns
// nil the message has been written; delivery to the recipient is the feed's
// job.
func (r *Relay) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	if _, err := msg.DecodePayload(); err != nil {
		return err
	}
	if err := r.store.AppendSignal(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}
	return nil
}

// OpenSubscriptions reports live subscriptions; a non-zero count after all
// calls ended means a leak.
func (r *Relay) OpenSubscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Subscribe attaches h to the call's message stream. The backlog already in
// the store is dispatched to h before Subscribe returns, so a caller can
// check whether an expected offer was observed. Later messages are
// dispatched from a single goroutine; handler calls are never concurrent.
func (r *Relay) Subscribe(ctx context.Context, callID string, selfID domain.UserID, h core.SignalHandler) (core.Subscription, error) {
	feed, cancelFeed := r.store.Subscribe(selfID)

	sub := &subscription{
		relay:      r,
		callID:     callID,
		selfID:     selfID,
		handler:    h,
		cancelFeed: cancelFeed,
		done:       make(chan struct{}),
		lastSeq:    make(map[domain.UserID]int64),
		delivered:  make(map[domain.UserID]map[string]bool),
		descSet:    make(map[domain.UserID]bool),
		pending:    make(map[domain.UserID][]pendingCandidate),
	}

	backlog, err := r.store.SignalsForCall(ctx, callID, selfID)
	if err != nil {
		cancelFeed()
		return nil, fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}
	for _, msg := range backlog {
		sub.dispatch(msg)
	}

	r.mu.Lock()
	r.open++
	r.mu.Unlock()

	go sub.loop(feed)
	return sub, nil
}

type pendingCandidate struct {
	msg *domain.SignalMessage
	p   domain.CandidatePayload
}

type subscription struct {
	relay      *Relay
	callID     string
	selfID     domain.UserID
	handler    core.SignalHandler
	cancelFeed func()
	done       chan struct{}
	once       sync.Once

	// Negotiation state, keyed by sender leg. Only touched from the
	// dispatch goroutine (backlog replay happens before it starts).
	lastSeq   map[domain.UserID]int64
	delivered map[domain.UserID]map[string]bool
	descSet   map[domain.UserID]bool
	pending   map[domain.UserID][]pendingCandidate
}

func (s *subscription) loop(feed <-chan Event) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Gap {
				s.resync()
				continue
			}
			if ev.Signal == nil || ev.Signal.CallID != s.callID {
				continue
			}
			s.dispatch(ev.Signal)
		}
	}
}

func (s *subscription) dispatch(msg *domain.SignalMessage) {
	from := msg.FromID
	// Redelivery guard: the store assigns monotonic Seq per append, so a
	// message at or below the sender's high-water mark was seen already.
	if msg.Seq <= s.lastSeq[from] {
		return
	}
	s.lastSeq[from] = msg.Seq
	if s.delivered[from] == nil {
		s.delivered[from] = make(map[string]bool)
	}
	// A producer retry after a lost ack appends the same message id as a new
	// row; that copy is dropped here. A fresh description (new id) from the
	// same sender is a renegotiation and goes through.
	if s.delivered[from][msg.ID] {
		log.Debug().Str("module", "relay").Str("call", s.callID).Str("kind", string(msg.Kind)).Msg("duplicate signal dropped")
		return
	}

	payload, err := msg.DecodePayload()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("call", s.callID).Str("from", string(from)).Msg("rejecting malformed signal")
		return
	}

	switch p := payload.(type) {
	case domain.SessionDescriptionPayload:
		if err := s.handler.HandleDescription(msg, p); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("call", s.callID).Str("kind", string(msg.Kind)).Msg("description handler failed")
			return
		}
		s.delivered[from][msg.ID] = true
		s.descSet[from] = true
		s.drainPending(from)
	case domain.CandidatePayload:
		s.delivered[from][msg.ID] = true
		if !s.descSet[from] {
			s.pending[from] = append(s.pending[from], pendingCandidate{msg: msg, p: p})
			return
		}
		if err := s.handler.HandleCandidate(msg, p); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("call", s.callID).Msg("candidate handler failed")
		}
	}
}

// resync replays the stored backlog after the feed overflowed. Messages
// dispatched before the overflow are skipped by the redelivery guards, so
// nothing is applied twice and nothing published after subscribing is lost.
func (s *subscription) resync() {
	backlog, err := s.relay.store.SignalsForCall(context.Background(), s.callID, s.selfID)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("call", s.callID).Msg("re-sync after feed overflow failed")
		return
	}
	for _, msg := range backlog {
		s.dispatch(msg)
	}
	log.Warn().Str("module", "relay").Str("call", s.callID).Int("backlog", len(backlog)).Msg("re-synced after feed overflow")
}

// drainPending applies buffered candidates in arrival order, then clears
// the queue.
func (s *subscription) drainPending(from domain.UserID) {
	queued := s.pending[from]
	delete(s.pending, from)
	for _, pc := range queued {
		if err := s.handler.HandleCandidate(pc.msg, pc.p); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("call", s.callID).Msg("buffered candidate handler failed")
		}
	}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.cancelFeed()
		s.relay.mu.Lock()
		s.relay.open--
		s.relay.mu.Unlock()
	})
}
