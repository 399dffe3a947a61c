package sync

import (
	"sync"

	"chatsync/pkg/wire"
)

// hub tracks the open channels bound to each session so confirmations can
// be broadcast to every device on that session. Channels for different
// sessions never interact.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*channel]struct{}
}

func newHub() *hub {
	return &hub{sessions: map[string]map[*channel]struct{}{}}
}

func (h *hub) add(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[ch.sessionID]
	if !ok {
		set = map[*channel]struct{}{}
		h.sessions[ch.sessionID] = set
	}
	set[ch] = struct{}{}
}

func (h *hub) remove(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[ch.sessionID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.sessions, ch.sessionID)
		}
	}
}

// broadcast queues env on every channel bound to sessionID. A slow client
// whose send buffer is full misses the frame; it will catch up through its
// next sync_request.
func (h *hub) broadcast(sessionID string, env wire.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.sessions[sessionID] {
		ch.trySend(env)
	}
}

func (h *hub) count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
