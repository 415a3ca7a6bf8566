package transcript

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlTranscriptEntries creates the archive table. The full-text index uses
// the 'simple' configuration because stemming dictionaries for Estonian are
// not installed by default.
const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    guild_id    TEXT         NOT NULL DEFAULT '',
    channel_id  TEXT         NOT NULL DEFAULT '',
    kind        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('simple', text));
`

// PostgresStore archives entries in a PostgreSQL transcript_entries table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn, verifies the connection,
// and ensures the schema exists. The schema statements are idempotent and
// safe to run on every start.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	const q = `
		INSERT INTO transcript_entries
		    (session_id, guild_id, channel_id, kind, text, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.GuildID,
		e.ChannelID,
		string(e.Kind),
		e.Text,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// Recent implements [Store]. It returns the last limit entries for
// sessionID, oldest first.
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	q := `
		SELECT session_id, guild_id, channel_id, kind, text, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY timestamp DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: recent: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	// The query returns newest first so the LIMIT trims the right end.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Search implements [Store]. It performs a PostgreSQL full-text search over
// the text column and applies optional filters from opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *PostgresStore) Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT session_id, guild_id, channel_id, kind, text, timestamp\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store]. It releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// collectEntries scans pgx rows into a slice of Entry values.
func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e    Entry
			kind string
		)
		if err := row.Scan(
			&e.SessionID,
			&e.GuildID,
			&e.ChannelID,
			&kind,
			&e.Text,
			&e.Timestamp,
		); err != nil {
			return Entry{}, err
		}
		e.Kind = Kind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
