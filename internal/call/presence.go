package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

// IncomingCall is surfaced for each new ringing session addressed to self.
// Accept and Decline delegate to the Manager.
type IncomingCall struct {
	CallID      string
	InitiatorID domain.UserID
	Kind        domain.MediaKind

	Accept  func(ctx context.Context) error
	Decline func(ctx context.Context) error
}

// Listener watches the store feed for calls targeting self and runs the
// callee-side ring window: a call neither accepted nor declined within the
// window is auto-declined. The deadline is anchored on the call record's
// StartedAt so both sides of the ring timeout agree.
type Listener struct {
	mgr        *Manager
	store      relay.Store
	selfID     domain.UserID
	ringWindow time.Duration

	out chan *IncomingCall

	mu     sync.Mutex
	seen   map[string]bool
	timers map[string]*time.Timer

	cancelFeed func()
	done       chan struct{}
	once       sync.Once
}

func NewListener(mgr *Manager, store relay.Store, selfID domain.UserID, ringWindow time.Duration) *Listener {
	if ringWindow <= 0 {
		ringWindow = DefaultRingWindow
	}
	return &Listener{
		mgr:        mgr,
		store:      store,
		selfID:     selfID,
		ringWindow: ringWindow,
		out:        make(chan *IncomingCall, 16),
		seen:       make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		done:       make(chan struct{}),
	}
}

// Calls is the stream of incoming-call notifications. Only fires while the
// listener is started; alerting backgrounded clients is the push system's
// job, not ours.
func (l *Listener) Calls() <-chan *IncomingCall { return l.out }

func (l *Listener) Start(ctx context.Context) {
	feed, cancel := l.store.Subscribe(l.selfID)
	l.cancelFeed = cancel
	go l.loop(ctx, feed)
	log.Info().Str("module", "presence").Str("self", string(l.selfID)).Msg("listening for incoming calls")
}

func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
		if l.cancelFeed != nil {
			l.cancelFeed()
		}
		l.mu.Lock()
		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
		l.mu.Unlock()
	})
}

func (l *Listener) loop(ctx context.Context, feed <-chan relay.Event) {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Call == nil {
				continue
			}
			l.handleCallEvent(ev.Call)
		}
	}
}

func (l *Listener) handleCallEvent(c *domain.CallSession) {
	if c.Status.Terminal() || c.Status == domain.StatusActive {
		l.clearTimer(c.ID)
		return
	}
	if c.TargetID != l.selfID || c.Status != domain.StatusRinging {
		return
	}

	l.mu.Lock()
	if l.seen[c.ID] {
		l.mu.Unlock()
		return
	}
	l.seen[c.ID] = true
	deadline := c.StartedAt.Add(l.ringWindow)
	callID := c.ID
	l.timers[callID] = time.AfterFunc(time.Until(deadline), func() { l.autoDecline(callID) })
	l.mu.Unlock()

	ic := &IncomingCall{
		CallID:      c.ID,
		InitiatorID: c.InitiatorID,
		Kind:        c.Kind,
		Accept: func(ctx context.Context) error {
			l.clearTimer(callID)
			return l.mgr.Answer(ctx, callID)
		},
		Decline: func(ctx context.Context) error {
			l.clearTimer(callID)
			return l.mgr.Decline(ctx, callID)
		},
	}

	select {
	case l.out <- ic:
	default:
		log.Warn().Str("module", "presence").Str("call", c.ID).Msg("incoming-call channel full, notification dropped")
	}
}

func (l *Listener) autoDecline(callID string) {
	l.clearTimer(callID)
	if err := l.mgr.Decline(context.Background(), callID); err != nil {
		log.Error().Err(err).Str("module", "presence").Str("call", callID).Msg("auto-decline")
		return
	}
	log.Info().Str("module", "presence").Str("call", callID).Msg("ring window elapsed, auto-declined")
}

func (l *Listener) clearTimer(callID string) {
	l.mu.Lock()
	if t, ok := l.timers[callID]; ok {
		t.Stop()
		delete(l.timers, callID)
	}
	l.mu.Unlock()
}
