package core

import "time"

// SessionMetadata is the durable per-session record. It persists
// independently of whether the session is held in memory, so an evicted
// session keeps its identity and counters across restarts.
//
// MessageCount is monotonic for the life of the session and only returns to
// zero through reset or deletion.
type SessionMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// NewSessionMetadata creates fresh metadata for a newly admitted session.
func NewSessionMetadata(id string) SessionMetadata {
	now := time.Now().UTC()
	return SessionMetadata{ID: id, CreatedAt: now, LastActivity: now}
}

// Touch records activity, bumping the message counter and refreshing
// LastActivity.
func (m *SessionMetadata) Touch(now time.Time) {
	m.MessageCount++
	m.LastActivity = now.UTC()
}

// IdleSince reports how long the session has been inactive relative to now.
func (m SessionMetadata) IdleSince(now time.Time) time.Duration {
	return now.Sub(m.LastActivity)
}

// Expired reports whether the session has been idle longer than ttl.
func (m SessionMetadata) Expired(ttl time.Duration, now time.Time) bool {
	return m.IdleSince(now) > ttl
}
