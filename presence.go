package talkwire

import (
	"sync"
	"time"
)

// peerTypingExpiry bounds how long a typing overlay survives without a stop
// event. Handles dropped userTypingStopped events.
const peerTypingExpiry = 5 * time.Second

// PresenceStore holds per-user online/offline/typing state. It performs no I/O
// of its own; the socket router feeds it.
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]PresenceRecord

	typingExpiry time.Duration
	now          func() time.Time
	afterFunc    func(time.Duration, func()) *time.Timer
}

// NewPresenceStore creates an empty presence store.
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		records:      make(map[string]PresenceRecord),
		typingExpiry: peerTypingExpiry,
		now:          time.Now,
		afterFunc:    time.AfterFunc,
	}
}

// SetStatus records a user's online/offline status. A typing overlay is
// cleared by any explicit status update.
func (p *PresenceStore) SetStatus(userID string, status PresenceStatus, lastActivity time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[userID]
	rec.UserID = userID
	rec.Status = status
	rec.Timestamp = p.now()
	if !lastActivity.IsZero() {
		rec.LastActivity = lastActivity
	} else if status == PresenceOnline {
		rec.LastActivity = rec.Timestamp
	}
	p.records[userID] = rec
}

// SetTyping overlays typing on a user's presence. The overlay expires back to
// online after the typing window unless refreshed; the expiry timer compares
// its captured timestamp against the stored one so a stale timer never clobbers
// a fresher event.
func (p *PresenceStore) SetTyping(userID string) {
	p.mu.Lock()
	ts := p.now()
	rec := p.records[userID]
	rec.UserID = userID
	rec.Status = PresenceTyping
	rec.Timestamp = ts
	rec.LastActivity = ts
	p.records[userID] = rec
	p.mu.Unlock()

	p.afterFunc(p.typingExpiry, func() {
		p.expireTyping(userID, ts)
	})
}

// ClearTyping reverts a typing overlay to online.
func (p *PresenceStore) ClearTyping(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok || rec.Status != PresenceTyping {
		return
	}
	rec.Status = PresenceOnline
	rec.Timestamp = p.now()
	p.records[userID] = rec
}

// expireTyping is the timer body; it only fires through if the stored record
// still carries the timestamp the timer captured.
func (p *PresenceStore) expireTyping(userID string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok || rec.Status != PresenceTyping || !rec.Timestamp.Equal(ts) {
		return
	}
	rec.Status = PresenceOnline
	rec.Timestamp = p.now()
	p.records[userID] = rec
}

// Get returns a user's presence record.
func (p *PresenceStore) Get(userID string) (PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	return rec, ok
}

// IsUserOnline reports whether a user is online. Typing implies presence.
func (p *PresenceStore) IsUserOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	return ok && (rec.Status == PresenceOnline || rec.Status == PresenceTyping)
}

// IsUserTyping reports whether a user currently has a typing overlay.
func (p *PresenceStore) IsUserTyping(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	return ok && rec.Status == PresenceTyping
}

// LastActivity returns the last-activity timestamp for display, zero if the
// user is unknown.
func (p *PresenceStore) LastActivity(userID string) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.records[userID].LastActivity
}
