// Package client implements the stateless-client side of the session
// synchronization protocol: connection lifecycle with backoff, heartbeat
// liveness, an outbound queue for offline sends, and reconciliation of the
// local cache against server responses.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"chatsync/pkg/client/cache"
	"chatsync/pkg/client/liveness"
	"chatsync/pkg/client/merge"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/utils"
	"chatsync/pkg/wire"
)

// Options tunes the manager. Zero values take the package defaults.
type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatMaxMisses int

	// HistoryLimit is the limit sent with the cold-start history_request
	HistoryLimit int
}

func (o *Options) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = liveness.DefaultInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = liveness.DefaultTimeout
	}
	if o.HeartbeatMaxMisses <= 0 {
		o.HeartbeatMaxMisses = liveness.DefaultMaxMisses
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = wire.DefaultHistoryLimit
	}
}

// Manager owns one session's connection lifecycle. It is explicitly
// instantiated and injected into its caller; there is no ambient global
// connection handle. At most one connection attempt is in flight at a
// time, and the reconnect timer and heartbeat monitor are never active
// together.
type Manager struct {
	dialer    Dialer
	cache     *cache.Cache
	sessionID string
	opts      Options

	mu       sync.Mutex
	state    State
	attempts int
	// gen identifies the current connection; responses and close signals
	// carrying a stale gen are discarded
	gen        int
	conn       Conn
	monitor    *liveness.Monitor
	outbox     []wire.Envelope
	retryTimer *time.Timer
	rnd        *rand.Rand

	// onState, when set, observes every state change (connectivity
	// indicator hook for the UI layer)
	onState func(State)
}

// New builds a manager for one session over the given transport and cache.
func New(dialer Dialer, c *cache.Cache, sessionID string, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		dialer:    dialer,
		cache:     c,
		sessionID: sessionID,
		opts:      opts,
		state:     StateDisconnected,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnStateChange registers a state observer. Call before Connect.
func (m *Manager) OnStateChange(fn func(State)) { m.onState = fn }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setStateLocked transitions the machine, panicking on an invalid edge in
// tests would hide bugs, so it logs and refuses instead.
func (m *Manager) setStateLocked(to State) bool {
	if !canTransition(m.state, to) {
		logger.Error("invalid_state_transition", "from", string(m.state), "to", string(to))
		return false
	}
	m.state = to
	if m.onState != nil {
		go m.onState(to)
	}
	return true
}

// Connect starts the connection lifecycle. It returns immediately; watch
// OnStateChange for progress.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected {
		return fmt.Errorf("connect from state %s", m.state)
	}
	m.startConnectLocked(ctx)
	return nil
}

// Close is the user-initiated shutdown: terminal for this instance, no
// automatic reconnect.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.stopTimersLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.setStateLocked(StateClosed)
	logger.Info("connection_closed_by_user", "session", m.sessionID)
}

// Send queues or transmits a user message and records it as pending in the
// cache under a provisional client id, which is returned.
func (m *Manager) Send(role, content string, meta map[string]string) string {
	clientID := utils.GenID()
	outMeta := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		outMeta[k] = v
	}
	outMeta[models.MetaClientID] = clientID
	env := wire.Envelope{Type: wire.TypeMessage, Role: role, Content: content, Meta: outMeta}

	m.cache.Append(m.sessionID, cache.CachedMessage{
		Message: models.Message{
			ID:        clientID,
			SessionID: m.sessionID,
			Role:      role,
			Content:   content,
			TS:        time.Now().UTC().UnixNano(),
			Meta:      outMeta,
		},
		SyncState: cache.StatePending,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected && m.conn != nil {
		if err := m.conn.Write(env); err != nil {
			logger.Warn("send_failed_queueing", "session", m.sessionID, "error", err)
			m.outbox = append(m.outbox, env)
		}
	} else {
		m.outbox = append(m.outbox, env)
	}
	return clientID
}

// startConnectLocked begins one dial attempt. Caller holds the lock.
func (m *Manager) startConnectLocked(ctx context.Context) {
	if !m.setStateLocked(StateConnecting) {
		return
	}
	gen := m.gen
	go func() {
		conn, err := m.dialer.Dial(ctx, m.sessionID)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.state != StateConnecting {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			logger.Warn("dial_failed", "session", m.sessionID, "attempt", m.attempts, "error", err)
			m.scheduleRetryLocked(ctx)
			return
		}
		m.becomeConnectedLocked(ctx, conn)
	}()
}

// becomeConnectedLocked finishes a successful dial: reset the attempt
// counter, start liveness, flush the outbound queue FIFO, then issue
// exactly one reconciliation request.
func (m *Manager) becomeConnectedLocked(ctx context.Context, conn Conn) {
	if !m.setStateLocked(StateConnected) {
		_ = conn.Close()
		return
	}
	m.stopTimersLocked()
	m.conn = conn
	m.attempts = 0
	m.gen++
	gen := m.gen
	logger.Info("channel_connected", "session", m.sessionID)

	m.monitor = liveness.New(
		m.opts.HeartbeatInterval, m.opts.HeartbeatTimeout, m.opts.HeartbeatMaxMisses,
		func() { _ = conn.Write(wire.Envelope{Type: wire.TypeHeartbeat}) },
		func() { m.channelDead(ctx, gen) },
	)
	m.monitor.Start()

	go m.readLoop(ctx, conn, gen)

	for _, env := range m.outbox {
		if err := conn.Write(env); err != nil {
			logger.Warn("outbox_flush_failed", "session", m.sessionID, "error", err)
			break
		}
	}
	m.outbox = nil

	if anchor := m.cache.LatestConfirmedID(m.sessionID); anchor != "" {
		_ = conn.Write(wire.Envelope{Type: wire.TypeSyncRequest, LastMessageID: anchor})
	} else {
		_ = conn.Write(wire.Envelope{Type: wire.TypeHistoryRequest, Limit: m.opts.HistoryLimit})
	}
}

// readLoop pumps inbound envelopes until the channel errors out.
func (m *Manager) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		env, err := conn.Read()
		if err != nil {
			m.channelDead(ctx, gen)
			return
		}
		m.handleInbound(env, gen)
	}
}

// handleInbound dispatches one envelope. Any inbound traffic feeds the
// liveness monitor.
func (m *Manager) handleInbound(env wire.Envelope, gen int) {
	m.mu.Lock()
	stale := gen != m.gen
	monitor := m.monitor
	m.mu.Unlock()
	if stale {
		// response for a connection that no longer exists; applying it
		// partially could corrupt the cache, so drop it whole
		logger.Debug("stale_envelope_discarded", "session", m.sessionID, "type", env.Type)
		return
	}
	if monitor != nil {
		monitor.Notify()
	}

	switch env.Type {
	case wire.TypeHeartbeat:
		// notify above is the whole effect

	case wire.TypeMessage:
		m.cache.MarkConfirmed(m.sessionID, env.AsMessage(m.sessionID))

	case wire.TypeHistory, wire.TypeSyncResponse:
		m.reconcile(env.Messages)

	default:
		logger.Warn("client_unexpected_envelope", "session", m.sessionID, "type", env.Type)
	}
}

// reconcile merges the server snapshot with the local cache and swaps the
// cache contents atomically.
func (m *Manager) reconcile(remote []models.Message) {
	local := m.cache.Messages(m.sessionID)
	localMsgs := make([]models.Message, 0, len(local))
	confirmedIDs := make(map[string]struct{}, len(remote)+len(local))
	for _, cm := range local {
		localMsgs = append(localMsgs, cm.Message)
		if cm.SyncState == cache.StateConfirmed && cm.ID != "" {
			confirmedIDs[cm.ID] = struct{}{}
		}
	}
	for _, rm := range remote {
		if rm.ID != "" {
			confirmedIDs[rm.ID] = struct{}{}
		}
	}

	merged := merge.Merge(localMsgs, remote)
	out := make([]cache.CachedMessage, 0, len(merged))
	for _, msg := range merged {
		state := cache.StatePending
		if _, ok := confirmedIDs[msg.ID]; ok {
			state = cache.StateConfirmed
		}
		out = append(out, cache.CachedMessage{Message: msg, SyncState: state})
	}
	m.cache.ReplaceSession(m.sessionID, out)
	logger.Debug("cache_reconciled", "session", m.sessionID, "local", len(local), "remote", len(remote), "merged", len(out))
}

// channelDead handles the unexpected-close path exactly once per dead
// channel; duplicate signals (read error racing the liveness monitor)
// are deduplicated by the generation check.
func (m *Manager) channelDead(ctx context.Context, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateConnected {
		return
	}
	logger.Warn("channel_lost", "session", m.sessionID)
	m.stopTimersLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.scheduleRetryLocked(ctx)
}

// scheduleRetryLocked counts the failed attempt and either gives up or
// arms the reconnect timer. Caller holds the lock.
func (m *Manager) scheduleRetryLocked(ctx context.Context) {
	if m.attempts >= m.opts.MaxAttempts {
		m.setStateLocked(StateFailed)
		logger.Error("reconnect_attempts_exhausted", "session", m.sessionID, "attempts", m.attempts)
		return
	}
	delay := backoffDelay(m.opts.InitialDelay, m.opts.MaxDelay, m.attempts, m.rnd)
	m.attempts++
	if !m.setStateLocked(StateReconnectWait) {
		return
	}
	logger.Info("reconnect_scheduled", "session", m.sessionID, "attempt", m.attempts, "delay", delay.String())
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != StateReconnectWait {
			return
		}
		m.startConnectLocked(ctx)
	})
}

// stopTimersLocked enforces the timer exclusivity rule: whichever of the
// reconnect timer and heartbeat monitor is running gets cancelled before
// the other may start.
func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
}
