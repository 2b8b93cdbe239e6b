// Package history keeps the conversation turn log.
//
// Appends are best effort: the session layer records each completed turn
// after delivery and never fails a conversation over a logging error. Every
// store caps retention per session; only the most recent turns survive.
package history

import (
	"context"
	"time"
)

// Turn is one completed exchange.
type Turn struct {
	// SessionID identifies the conversation.
	SessionID string

	// Generation is the utterance generation the answer belonged to.
	Generation uint64

	// Role is the persona that answered.
	Role string

	// Input is the normalised user utterance.
	Input string

	// Response is the spoken answer.
	Response string

	// Tier names the cascade tier that produced the answer. "cache" for
	// cache hits, "apology" for synthetic error answers.
	Tier string

	// Cached is true when the answer came from the response cache.
	Cached bool

	// Latency is utterance-to-answer time.
	Latency time.Duration

	// CreatedAt is when the turn completed.
	CreatedAt time.Time
}

// Store persists turns. Implementations must be safe for concurrent use.
type Store interface {
	// Append records one turn.
	Append(ctx context.Context, t Turn) error

	// Recent returns up to n most recent turns for a session, oldest
	// first.
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)

	// Close releases underlying resources.
	Close() error
}
