// Package transcript archives what was said in a call: final user
// transcripts and the assistant replies spoken back.
//
// Three backends are provided. [NewNopStore] discards everything, [FileStore]
// appends JSON lines to one file per session, and [PostgresStore] writes to a
// transcript_entries table with a full-text search index. All of them
// implement [Store].
package transcript

import (
	"context"
	"time"
)

// Kind distinguishes who produced an archived line.
type Kind string

const (
	// KindTranscript is a final user transcript from the sidecar.
	KindTranscript Kind = "transcript"

	// KindReply is an assistant reply that was sent to speech synthesis.
	KindReply Kind = "reply"
)

// Entry is one archived line of a call.
type Entry struct {
	SessionID string    `json:"session_id"`
	GuildID   string    `json:"guild_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchOpts filters a [Store.Search] call. Zero values mean "no filter".
type SearchOpts struct {
	// SessionID restricts results to a single session.
	SessionID string

	// After / Before bound the timestamp range (exclusive).
	After  time.Time
	Before time.Time

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// Store archives call entries. Implementations are safe for concurrent use.
type Store interface {
	// Append writes one entry. A zero Timestamp is filled with the current
	// time.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries for sessionID, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Search returns entries whose text matches query, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// nopStore discards all writes. Used when archiving is disabled.
type nopStore struct{}

// NewNopStore returns a [Store] that archives nothing and always reports
// healthy.
func NewNopStore() Store { return nopStore{} }

func (nopStore) Append(context.Context, Entry) error { return nil }

func (nopStore) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }

func (nopStore) Search(context.Context, string, SearchOpts) ([]Entry, error) { return nil, nil }

func (nopStore) Ping(context.Context) error { return nil }

func (nopStore) Close() error { return nil }
