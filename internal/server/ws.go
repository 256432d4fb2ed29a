// Package server exposes the relay over HTTP: a websocket endpoint through
// which clients publish signals and receive their per-recipient feed.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/config"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// publishFrame is what a client sends: a signal minus the fields the server
// owns (sender identity and sequence).
type publishFrame struct {
	CallID  string            `json:"call_id"`
	To      domain.UserID     `json:"to"`
	Kind    domain.SignalKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
}

// outFrame wraps feed events pushed to the client.
type outFrame struct {
	Type   string                `json:"type"`
	Signal *domain.SignalMessage `json:"signal,omitempty"`
	Call   *domain.CallSession   `json:"call,omitempty"`
	Error  string                `json:"error,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// TrySend queues a frame without blocking; a slow client loses frames rather
// than stalling the feed.
func (c *wsConn) TrySend(data []byte) bool {
	defer func() { recover() }() // send on closed channel during shutdown
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WSController serves one relay websocket per authenticated client token.
type WSController struct {
	rel     *relay.Relay
	store   relay.Store
	limiter *SignalRateLimiter
	cfg     *config.Config
}

func NewWSController(rel *relay.Relay, cfg *config.Config) *WSController {
	return &WSController{
		rel:     rel,
		store:   rel.Store(),
		limiter: NewSignalRateLimiter(cfg.SignalLimit, cfg.SignalInterval),
		cfg:     cfg,
	}
}

// HandleRelay upgrades the request and runs the pumps until either side
// drops. The client token doubles as the recipient id for the feed.
func (ctl *WSController) HandleRelay(ctx context.Context, g *gin.Context) {
	uid := domain.UserID(g.GetString("client_token"))
	if uid == "" {
		g.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("ws upgrade")
		return
	}
	c := &wsConn{conn: conn, send: make(chan []byte, 64)}

	feed, cancelFeed := ctl.store.Subscribe(uid)
	defer cancelFeed()

	go ctl.writePump(ctx, c)
	go ctl.feedPump(ctx, uid, c, feed)
	ctl.readPump(ctx, uid, c)
}

func (ctl *WSController) readPump(ctx context.Context, uid domain.UserID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "server").Str("uid", string(uid)).Msg("readPump closing")
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	deadline := ctl.cfg.PingPeriod + writeWait
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server").Str("uid", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "server").Str("uid", string(uid)).Msg("readPump read error")
				return
			}
			ctl.handlePublish(ctx, uid, c, data)
		}
	}
}

func (ctl *WSController) handlePublish(ctx context.Context, uid domain.UserID, c *wsConn, data []byte) {
	if !ctl.limiter.Allow(uid) {
		log.Warn().Str("module", "server").Str("uid", string(uid)).Msg("rate limit exceeded, frame dropped")
		ctl.sendError(c, "rate limited")
		return
	}

	var f publishFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("bad json")
		ctl.sendError(c, "bad frame")
		return
	}

	msg := &domain.SignalMessage{
		ID:      uuid.NewString(),
		CallID:  f.CallID,
		FromID:  uid,
		ToID:    f.To,
		Kind:    f.Kind,
		Payload: f.Payload,
	}
	if err := ctl.rel.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "server").Str("uid", string(uid)).Str("call", f.CallID).Msg("publish rejected")
		ctl.sendError(c, err.Error())
	}
}

func (ctl *WSController) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server").Msg("writePump ctx done")
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "server").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server").Msg("writePump write error")
				return
			}
		}
	}
}

// feedPump forwards the client's store feed. Signals addressed to the client
// and call-record changes it should observe arrive on the same channel.
func (ctl *WSController) feedPump(ctx context.Context, uid domain.UserID, c *wsConn, feed <-chan relay.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			var f outFrame
			switch {
			case ev.Signal != nil:
				f = outFrame{Type: "signal", Signal: ev.Signal}
			case ev.Call != nil:
				f = outFrame{Type: "call", Call: ev.Call}
			default:
				continue
			}
			b, err := json.Marshal(f)
			if err != nil {
				log.Error().Err(err).Str("module", "server").Msg("feed marshal")
				continue
			}
			if !c.TrySend(b) {
				log.Warn().Str("module", "server").Str("uid", string(uid)).Msg("client slow, feed frame dropped")
			}
		}
	}
}

func (ctl *WSController) sendError(c *wsConn, msg string) {
	b, err := json.Marshal(outFrame{Type: "error", Error: msg})
	if err != nil {
		return
	}
	_ = c.TrySend(b)
}
