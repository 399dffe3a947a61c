// Package cache is the client's bounded local mirror of session messages.
// It is always a hint: the server's responses win on any conflict, and the
// cache contents are replaced wholesale after each reconciliation.
package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// Sync states of a cached message.
const (
	StatePending   = "pending"
	StateConfirmed = "confirmed"
)

// Defaults for cache behavior.
const (
	DefaultMaxMessages   = 200
	DefaultFlushInterval = 300 * time.Millisecond
	// evictSessions is how many of the largest sessions get dropped when
	// the durable tier reports a quota failure
	evictSessions = 3
)

// CachedMessage is a Message plus its confirmation state.
type CachedMessage struct {
	models.Message
	SyncState string `json:"sync_state"`
}

// Cache holds bounded per-session message lists with debounced durable
// writes. Appends coalesce: all writes landing within one flush interval
// produce a single durable write of the full current list.
type Cache struct {
	mu       sync.Mutex
	sessions map[string][]CachedMessage
	dirty    map[string]struct{}
	// sizes remembers the last serialized size per session, used to pick
	// eviction victims on quota failures
	sizes map[string]int

	tier       DurableTier
	downgraded bool

	maxMessages   int
	flushInterval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option tweaks cache construction.
type Option func(*Cache)

// WithMaxMessages caps the per-session message count.
func WithMaxMessages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithFlushInterval sets the debounce window for durable writes.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// New builds a cache over the given durable tier and starts the flush loop.
func New(tier DurableTier, opts ...Option) *Cache {
	c := &Cache{
		sessions:      map[string][]CachedMessage{},
		dirty:         map[string]struct{}{},
		sizes:         map[string]int{},
		tier:          tier,
		maxMessages:   DefaultMaxMessages,
		flushInterval: DefaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.flushLoop()
	return c
}

// Close stops the flush loop after one final flush of anything dirty.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

func (c *Cache) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushDirty()
		case <-c.stop:
			c.flushDirty()
			return
		}
	}
}

// Append adds a message to a session's list, evicting oldest entries past
// the cap, and schedules a durable write.
func (c *Cache) Append(sessionID string, msg CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.sessions[sessionID], msg)
	if len(list) > c.maxMessages {
		list = list[len(list)-c.maxMessages:]
	}
	c.sessions[sessionID] = list
	c.dirty[sessionID] = struct{}{}
}

// Messages returns the session's current ordered list, loading and
// validating the durable copy on a cold read.
func (c *Cache) Messages(sessionID string) []CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked(sessionID)
	return append([]CachedMessage(nil), c.sessions[sessionID]...)
}

// LatestConfirmedID returns the id of the newest confirmed message, or ""
// when the session has none. This is the sync_request anchor.
func (c *Cache) LatestConfirmedID(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked(sessionID)
	list := c.sessions[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].SyncState == StateConfirmed && list[i].ID != "" {
			return list[i].ID
		}
	}
	return ""
}

// MarkConfirmed flips the pending entry matching the confirmation to
// confirmed, adopting the server-assigned id and timestamp. The pending
// entry is matched by server id or by the provisional client id carried in
// metadata; an unmatched confirmation is appended as a new confirmed entry
// (another device wrote it).
func (c *Cache) MarkConfirmed(sessionID string, confirmed models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked(sessionID)
	list := c.sessions[sessionID]
	clientID := ""
	if confirmed.Meta != nil {
		clientID = confirmed.Meta[models.MetaClientID]
	}
	for i := range list {
		match := list[i].ID == confirmed.ID ||
			(clientID != "" && list[i].ID == clientID) ||
			(clientID != "" && list[i].Meta != nil && list[i].Meta[models.MetaClientID] == clientID)
		if match {
			list[i].Message = confirmed
			list[i].SyncState = StateConfirmed
			c.dirty[sessionID] = struct{}{}
			return
		}
	}
	c.appendLocked(sessionID, CachedMessage{Message: confirmed, SyncState: StateConfirmed})
}

// ReplaceSession atomically swaps the session's contents for the merge
// result. Pending entries are never half-applied: it is all or nothing.
func (c *Cache) ReplaceSession(sessionID string, msgs []CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append([]CachedMessage(nil), msgs...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].TS < list[j].TS })
	if len(list) > c.maxMessages {
		list = list[len(list)-c.maxMessages:]
	}
	c.sessions[sessionID] = list
	c.dirty[sessionID] = struct{}{}
}

// Reset drops a session from memory and durable storage.
func (c *Cache) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	delete(c.dirty, sessionID)
	delete(c.sizes, sessionID)
	if err := c.tier.Delete(sessionID); err != nil {
		logger.Warn("cache_reset_delete_failed", "session", sessionID, "error", err)
	}
}

func (c *Cache) appendLocked(sessionID string, msg CachedMessage) {
	list := append(c.sessions[sessionID], msg)
	if len(list) > c.maxMessages {
		list = list[len(list)-c.maxMessages:]
	}
	c.sessions[sessionID] = list
	c.dirty[sessionID] = struct{}{}
}

// loadLocked populates the in-memory list from the durable tier on first
// touch, discarding records that fail shape validation.
func (c *Cache) loadLocked(sessionID string) {
	if _, ok := c.sessions[sessionID]; ok {
		return
	}
	data, err := c.tier.Load(sessionID)
	if err != nil || len(data) == 0 {
		if err != nil {
			logger.Warn("cache_load_failed", "session", sessionID, "error", err)
		}
		c.sessions[sessionID] = nil
		return
	}
	var raw []CachedMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("cache_load_corrupt", "session", sessionID, "error", err)
		c.sessions[sessionID] = nil
		return
	}
	valid := raw[:0]
	for _, m := range raw {
		if !models.ValidRole(m.Role) || m.Content == "" {
			continue
		}
		if m.SyncState != StateConfirmed {
			m.SyncState = StatePending
		}
		valid = append(valid, m)
	}
	if len(valid) > c.maxMessages {
		valid = valid[len(valid)-c.maxMessages:]
	}
	c.sessions[sessionID] = append([]CachedMessage(nil), valid...)
}

// flushDirty writes every dirty session's full list to the durable tier.
func (c *Cache) flushDirty() {
	c.mu.Lock()
	pending := make(map[string][]byte, len(c.dirty))
	for id := range c.dirty {
		data, err := json.Marshal(c.sessions[id])
		if err != nil {
			logger.Error("cache_marshal_failed", "session", id, "error", err)
			continue
		}
		pending[id] = data
		c.sizes[id] = len(data)
	}
	c.dirty = map[string]struct{}{}
	c.mu.Unlock()

	for id, data := range pending {
		c.saveWithRecovery(id, data)
	}
}

// saveWithRecovery handles quota failures: evict the largest cached
// sessions and retry once, then downgrade to a session-lifetime memory
// tier. Neither path surfaces an error to callers.
func (c *Cache) saveWithRecovery(sessionID string, data []byte) {
	err := c.tier.Save(sessionID, data)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		logger.Warn("cache_flush_failed", "session", sessionID, "error", err)
		return
	}

	c.evictLargest(sessionID)
	if err := c.tier.Save(sessionID, data); err == nil {
		return
	}

	c.mu.Lock()
	alreadyDowngraded := c.downgraded
	if !alreadyDowngraded {
		c.tier = NewMemoryTier(0)
		c.downgraded = true
	}
	tier := c.tier
	c.mu.Unlock()
	if !alreadyDowngraded {
		logger.Warn("cache_downgraded_to_memory", "session", sessionID)
	}
	if err := tier.Save(sessionID, data); err != nil {
		logger.Error("cache_memory_save_failed", "session", sessionID, "error", err)
	}
}

// evictLargest removes the N largest-serialized sessions other than the
// one being written.
func (c *Cache) evictLargest(keep string) {
	c.mu.Lock()
	type entry struct {
		id   string
		size int
	}
	var entries []entry
	for id, size := range c.sizes {
		if id == keep {
			continue
		}
		entries = append(entries, entry{id, size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].size > entries[j].size })
	if len(entries) > evictSessions {
		entries = entries[:evictSessions]
	}
	victims := make([]string, 0, len(entries))
	for _, e := range entries {
		victims = append(victims, e.id)
		delete(c.sessions, e.id)
		delete(c.sizes, e.id)
		delete(c.dirty, e.id)
	}
	tier := c.tier
	c.mu.Unlock()

	for _, id := range victims {
		if err := tier.Delete(id); err != nil {
			logger.Warn("cache_evict_delete_failed", "session", id, "error", err)
		}
		logger.Info("cache_session_evicted", "session", id)
	}
}
