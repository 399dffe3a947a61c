// Package store is the durable side of the sync protocol: an append-only
// message log plus session metadata, both kept in a single pebble database.
//
// Key layout:
//
//	session:<id>:meta                      session metadata JSON
//	session:<id>:msg:<%020d ts>-<%06d n>   message JSON, sortable by time
//
// Iterating a session's msg prefix in key order yields messages ascending
// by persistence timestamp.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

// ErrStorageUnavailable is returned when the backend cannot serve the
// request; callers treat it as transient.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Listing bounds from the service contract.
const (
	MaxMessageLimit     = 500
	DefaultMessageLimit = 200
	MaxSessionLimit     = 100
	DefaultSessionLimit = 20
)

var db *pebble.DB

// seq breaks key collisions when messages within a session share a
// nanosecond timestamp.
var seq uint64

// appendLocks serializes appends per session so timestamps and preview
// updates are never applied out of order. Different sessions never contend.
var appendLocks sync.Map // session id -> *sessionLock

type sessionLock struct {
	mu sync.Mutex
	// lastTS is the newest persisted timestamp for the session, used to
	// keep timestamps non-decreasing under clock regressions
	lastTS int64
}

func lockFor(sessionID string) *sessionLock {
	if l, ok := appendLocks.Load(sessionID); ok {
		return l.(*sessionLock)
	}
	l, _ := appendLocks.LoadOrStore(sessionID, &sessionLock{})
	return l.(*sessionLock)
}

// Open opens (or creates) a pebble database at the given path and keeps a
// package handle for use by the store functions.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool { return db != nil }

func metaKey(sessionID string) []byte {
	return []byte("session:" + sessionID + ":meta")
}

func msgPrefix(sessionID string) []byte {
	return []byte("session:" + sessionID + ":msg:")
}

// CreateOrUpdateSession upserts session metadata. Non-empty name/userID
// overwrite existing values; Active is forced back to true on every upsert.
func CreateOrUpdateSession(sessionID, name, userID string) (models.Session, error) {
	if db == nil {
		return models.Session{}, ErrStorageUnavailable
	}
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return models.Session{}, err
	}
	l := lockFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC().UnixNano()
	sess := models.Session{ID: sessionID, CreatedTS: now, Active: true}
	if v, closer, err := db.Get(metaKey(sessionID)); err == nil {
		if uerr := json.Unmarshal(v, &sess); uerr != nil {
			_ = closer.Close()
			return models.Session{}, fmt.Errorf("corrupt session metadata: %w", uerr)
		}
		_ = closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return models.Session{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if name != "" {
		sess.Name = name
	}
	if sess.Name == "" {
		sess.Name = "Session " + sessionID[:min(8, len(sessionID))]
	}
	if userID != "" {
		sess.UserID = userID
	}
	sess.Active = true
	sess.DeletedTS = 0

	b, err := json.Marshal(sess)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := db.Set(metaKey(sessionID), b, pebble.Sync); err != nil {
		logger.Error("save_session_failed", "session", sessionID, "error", err)
		return models.Session{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	logger.Info("session_saved", "session", sessionID, "user", userID)
	return sess, nil
}

// GetSession returns the stored session metadata for an id.
func GetSession(sessionID string) (models.Session, error) {
	if db == nil {
		return models.Session{}, ErrStorageUnavailable
	}
	v, closer, err := db.Get(metaKey(sessionID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer closer.Close()
	var sess models.Session
	if err := json.Unmarshal(v, &sess); err != nil {
		return models.Session{}, fmt.Errorf("corrupt session metadata: %w", err)
	}
	return sess, nil
}

// AppendMessage inserts a message and, in the same atomic batch, updates the
// owning session's last-message timestamp and preview (user/assistant roles
// only). If any part of the batch cannot be staged the whole append fails.
func AppendMessage(sessionID, role, content, agentName, userID string, meta map[string]string) (models.Message, error) {
	if db == nil {
		return models.Message{}, ErrStorageUnavailable
	}
	if err := validation.ValidateMessageInput(sessionID, role, content); err != nil {
		return models.Message{}, err
	}

	l := lockFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	// load-or-init session metadata first; a failed metadata update must
	// fail the message insert too, so everything below goes in one batch
	now := time.Now().UTC().UnixNano()
	sess, err := GetSession(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		sess = models.Session{
			ID:        sessionID,
			Name:      "Session " + sessionID[:min(8, len(sessionID))],
			UserID:    userID,
			CreatedTS: now,
			Active:    true,
		}
	} else if err != nil {
		appendFailures.Inc()
		return models.Message{}, err
	}

	ts := now
	if ts < l.lastTS {
		ts = l.lastTS
	}

	msg := models.Message{
		ID:        utils.GenID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		AgentName: agentName,
		UserID:    userID,
		TS:        ts,
		Meta:      meta,
	}
	n := atomic.AddUint64(&seq, 1)
	key := fmt.Sprintf("session:%s:msg:%020d-%06d", sessionID, ts, n)

	if role == models.RoleUser || role == models.RoleAssistant {
		sess.LastMessageTS = ts
		sess.Preview = models.TruncatePreview(content)
	}
	sess.Active = true

	msgData, err := json.Marshal(msg)
	if err != nil {
		appendFailures.Inc()
		return models.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	sessData, err := json.Marshal(sess)
	if err != nil {
		appendFailures.Inc()
		return models.Message{}, fmt.Errorf("failed to marshal session: %w", err)
	}

	batch := db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(key), msgData, nil); err != nil {
		appendFailures.Inc()
		return models.Message{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := batch.Set(metaKey(sessionID), sessData, nil); err != nil {
		appendFailures.Inc()
		return models.Message{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		appendFailures.Inc()
		logger.Error("append_message_failed", "session", sessionID, "key", key, "error", err)
		return models.Message{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.lastTS = ts
	appendsTotal.Inc()
	logger.Debug("message_appended", "session", sessionID, "id", msg.ID, "role", role)
	return msg, nil
}

// ListMessages returns messages for a session ascending by timestamp.
// limit is clamped to MaxMessageLimit; zero means DefaultMessageLimit.
func ListMessages(sessionID string, limit, offset int) ([]models.Message, error) {
	if db == nil {
		return nil, ErrStorageUnavailable
	}
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}
	if offset < 0 {
		offset = 0
	}
	listCalls.Inc()

	prefix := msgPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()

	var out []models.Message
	skipped := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}
		var m models.Message
		if uerr := json.Unmarshal(iter.Value(), &m); uerr != nil {
			logger.Warn("skipping_corrupt_message", "session", sessionID, "key", string(iter.Key()), "error", uerr)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// TailMessages returns the most recent n messages for a session, still in
// ascending timestamp order. Used by the gateway for history responses.
func TailMessages(sessionID string, n int) ([]models.Message, error) {
	if n <= 0 {
		n = DefaultMessageLimit
	}
	total, err := GetMessageCount(sessionID)
	if err != nil {
		return nil, err
	}
	offset := 0
	if total > n {
		offset = total - n
	}
	return ListMessages(sessionID, n, offset)
}

// MessagesAfter returns all messages strictly after the one with the given
// id. The second return reports whether the anchor id was found; when false
// callers should fall back to full history rather than trust an empty tail.
func MessagesAfter(sessionID, afterID string) ([]models.Message, bool, error) {
	if db == nil {
		return nil, false, ErrStorageUnavailable
	}
	prefix := msgPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()

	var out []models.Message
	found := false
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if uerr := json.Unmarshal(iter.Value(), &m); uerr != nil {
			continue
		}
		if found {
			out = append(out, m)
			continue
		}
		if m.ID == afterID {
			found = true
		}
	}
	if err := iter.Error(); err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return out, true, nil
}

// GetMessageCount returns the number of persisted messages for a session.
func GetMessageCount(sessionID string) (int, error) {
	if db == nil {
		return 0, ErrStorageUnavailable
	}
	prefix := msgPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		count++
	}
	return count, iter.Error()
}

// ListSessions returns active sessions, optionally filtered by user id,
// descending by last message time (created time for empty sessions).
func ListSessions(userID string, limit, offset int) ([]models.Session, error) {
	if db == nil {
		return nil, ErrStorageUnavailable
	}
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	if limit > MaxSessionLimit {
		limit = MaxSessionLimit
	}
	if offset < 0 {
		offset = 0
	}

	prefix := []byte("session:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()

	var all []models.Session
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var sess models.Session
		if uerr := json.Unmarshal(iter.Value(), &sess); uerr != nil {
			logger.Warn("skipping_corrupt_session", "key", string(iter.Key()), "error", uerr)
			continue
		}
		if !sess.Active {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		all = append(all, sess)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		return sortKeyTS(all[i]) > sortKeyTS(all[j])
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func sortKeyTS(s models.Session) int64 {
	if s.LastMessageTS != 0 {
		return s.LastMessageTS
	}
	return s.CreatedTS
}

// SoftDeleteSession flips Active to false. Messages stay on disk.
func SoftDeleteSession(sessionID string) error {
	if db == nil {
		return ErrStorageUnavailable
	}
	l := lockFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := GetSession(sessionID)
	if err != nil {
		return err
	}
	sess.Active = false
	sess.DeletedTS = time.Now().UTC().UnixNano()
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := db.Set(metaKey(sessionID), b, pebble.Sync); err != nil {
		logger.Error("soft_delete_failed", "session", sessionID, "error", err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	logger.Info("session_soft_deleted", "session", sessionID)
	return nil
}

// ResetSessionMessages purges all message rows for a session and clears the
// preview. This is the one deliberate exception to message immutability.
func ResetSessionMessages(sessionID string) error {
	if db == nil {
		return ErrStorageUnavailable
	}
	l := lockFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := GetSession(sessionID)
	if err != nil {
		return err
	}
	sess.Preview = ""
	sess.LastMessageTS = 0
	sessData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	prefix := msgPrefix(sessionID)
	end := append(append([]byte(nil), prefix...), 0xff)
	batch := db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, end, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := batch.Set(metaKey(sessionID), sessData, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("reset_session_failed", "session", sessionID, "error", err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.lastTS = 0
	logger.Info("session_messages_reset", "session", sessionID)
	return nil
}

// PurgeSession permanently removes a session's metadata and messages. Only
// the retention runner calls this, and only for long-soft-deleted sessions.
func PurgeSession(sessionID string) error {
	if db == nil {
		return ErrStorageUnavailable
	}
	l := lockFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := msgPrefix(sessionID)
	end := append(append([]byte(nil), prefix...), 0xff)
	batch := db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, end, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := batch.Delete(metaKey(sessionID), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	appendLocks.Delete(sessionID)
	logger.Info("session_purged", "session", sessionID)
	return nil
}

// DBSet writes a raw key/value pair. Low-level helper for admin tooling
// and tests.
func DBSet(key, value []byte) error {
	if db == nil {
		return ErrStorageUnavailable
	}
	return db.Set(key, value, pebble.Sync)
}

// AllSessions returns every session row including soft-deleted ones. Used
// by the retention runner.
func AllSessions() ([]models.Session, error) {
	if db == nil {
		return nil, ErrStorageUnavailable
	}
	prefix := []byte("session:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	var out []models.Session
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var sess models.Session
		if json.Unmarshal(iter.Value(), &sess) == nil {
			out = append(out, sess)
		}
	}
	return out, iter.Error()
}
