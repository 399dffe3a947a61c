// Package sync implements the server side of the session synchronization
// protocol: one websocket channel per client connection, bound to exactly
// one session for its lifetime.
package sync

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
	"chatsync/pkg/wire"
)

// sendBuffer is the per-channel outbound queue depth.
const sendBuffer = 64

// Gateway upgrades sync connections and serves the envelope protocol.
type Gateway struct {
	cfg      config.SyncConfig
	hub      *hub
	upgrader websocket.Upgrader
}

// New builds a Gateway with the given tunables.
func New(cfg config.SyncConfig) *Gateway {
	return &Gateway{
		cfg: cfg,
		hub: newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin policy is enforced upstream; the gateway accepts
			// whatever the HTTP layer let through
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the websocket endpoint on the router.
func (g *Gateway) Register(r *mux.Router) {
	r.HandleFunc("/sessions/{id}/ws", g.serveWS).Methods(http.MethodGet)
}

// channel is one live duplex connection bound to a session.
type channel struct {
	gw        *Gateway
	conn      *websocket.Conn
	sessionID string
	send      chan wire.Envelope
	limiter   *rate.Limiter
	done      chan struct{}
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := validation.ValidateSessionID(sessionID); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "session", sessionID, "error", err)
		return
	}

	ch := &channel{
		gw:        g,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan wire.Envelope, sendBuffer),
		done:      make(chan struct{}),
	}
	if g.cfg.RateRPS > 0 {
		burst := g.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ch.limiter = rate.NewLimiter(rate.Limit(g.cfg.RateRPS), burst)
	}
	g.hub.add(ch)
	activeChannels.Inc()
	logger.Info("channel_opened", "session", sessionID, "remote", conn.RemoteAddr().String(), "channels", g.hub.count(sessionID))

	go ch.writeLoop()
	ch.readLoop()
}

// trySend queues env without blocking; the frame is dropped if the client
// cannot keep up.
func (ch *channel) trySend(env wire.Envelope) {
	select {
	case ch.send <- env:
	case <-ch.done:
	default:
		droppedFrames.Inc()
		logger.Warn("channel_send_buffer_full", "session", ch.sessionID, "type", env.Type)
	}
}

func (ch *channel) writeLoop() {
	for {
		select {
		case env := <-ch.send:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(ch.gw.cfg.WriteTimeout.Duration()))
			if err := ch.conn.WriteJSON(env); err != nil {
				logger.Warn("channel_write_failed", "session", ch.sessionID, "error", err)
				_ = ch.conn.Close()
				return
			}
		case <-ch.done:
			return
		}
	}
}

func (ch *channel) readLoop() {
	defer func() {
		close(ch.done)
		ch.gw.hub.remove(ch)
		activeChannels.Dec()
		_ = ch.conn.Close()
		logger.Info("channel_closed", "session", ch.sessionID)
	}()

	ch.conn.SetReadLimit(ch.gw.cfg.MaxFrameBytes.Int64())
	idle := ch.gw.cfg.IdleTimeout.Duration()
	_ = ch.conn.SetReadDeadline(time.Now().Add(idle))

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("channel_read_failed", "session", ch.sessionID, "error", err)
			}
			return
		}
		// any inbound traffic counts as liveness
		_ = ch.conn.SetReadDeadline(time.Now().Add(idle))

		env, err := wire.Decode(data)
		if err != nil {
			// protocol error: log and ignore, connection stays open
			protocolErrors.Inc()
			logger.Warn("malformed_envelope", "session", ch.sessionID, "error", err)
			continue
		}
		if ch.limiter != nil && env.Type != wire.TypeHeartbeat && !ch.limiter.Allow() {
			logger.Warn("channel_rate_limited", "session", ch.sessionID, "type", env.Type)
			continue
		}
		ch.handle(env)
	}
}

func (ch *channel) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeHeartbeat:
		ch.trySend(wire.Envelope{Type: wire.TypeHeartbeat})

	case wire.TypeMessage:
		ch.handleMessage(env)

	case wire.TypeHistoryRequest:
		limit := env.Limit
		if limit <= 0 {
			limit = wire.DefaultHistoryLimit
		}
		msgs, err := store.TailMessages(ch.sessionID, limit)
		if err != nil {
			logger.Error("history_request_failed", "session", ch.sessionID, "error", err)
			return
		}
		ch.trySend(wire.Envelope{Type: wire.TypeHistory, Messages: msgs})

	case wire.TypeSyncRequest:
		ch.handleSync(env)

	default:
		// server never receives history/sync_response frames
		protocolErrors.Inc()
		logger.Warn("unexpected_envelope", "session", ch.sessionID, "type", env.Type)
	}
}

// handleMessage persists an inbound message and broadcasts the confirmed
// form to every channel on the session. A persistence failure sends nothing
// back; the client recovers through its own retry and reconciliation.
func (ch *channel) handleMessage(env wire.Envelope) {
	msg, err := store.AppendMessage(ch.sessionID, env.Role, env.Content, env.AgentName, "", env.Meta)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			protocolErrors.Inc()
			logger.Warn("invalid_message_envelope", "session", ch.sessionID, "error", err)
			return
		}
		logger.Error("append_via_channel_failed", "session", ch.sessionID, "error", err)
		return
	}
	ch.gw.hub.broadcast(ch.sessionID, wire.Confirmation(msg))
}

// handleSync answers with everything strictly after the anchor id. When the
// anchor cannot be located (e.g. it was never durably confirmed) the reply
// degrades to default-limit history so the client runs a full
// reconciliation instead of silently losing messages.
func (ch *channel) handleSync(env wire.Envelope) {
	msgs, found, err := store.MessagesAfter(ch.sessionID, env.LastMessageID)
	if err != nil {
		logger.Error("sync_request_failed", "session", ch.sessionID, "error", err)
		return
	}
	if !found {
		logger.Info("sync_anchor_missing", "session", ch.sessionID, "last_message_id", env.LastMessageID)
		msgs, err = store.TailMessages(ch.sessionID, wire.DefaultHistoryLimit)
		if err != nil {
			logger.Error("sync_fallback_failed", "session", ch.sessionID, "error", err)
			return
		}
	}
	ch.trySend(wire.Envelope{Type: wire.TypeSyncResponse, Messages: msgs})
}
