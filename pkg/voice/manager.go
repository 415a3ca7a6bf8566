package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Client is the sidecar connection shared by all sessions.
	Client SidecarClient

	// BotToken authenticates the sidecar's gateway connection for every
	// joined call.
	BotToken string

	// OnFinalTranscript is invoked, fire and forget, for every final
	// transcript of every session. May be nil.
	OnFinalTranscript func(ctx context.Context, sessionID, text string) error
}

// Manager creates and tracks the voice sessions of all active calls. All
// methods are safe for concurrent use.
type Manager struct {
	client      SidecarClient
	botToken    string
	onFinal     func(ctx context.Context, sessionID, text string) error
	sessionOpts []Option
	log         *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	phrases    *PhraseMatcher
	phrasesSet bool
}

// NewManager builds a Manager. sessionOpts apply to every session it
// creates.
func NewManager(cfg ManagerConfig, sessionOpts ...Option) (*Manager, error) {
	if cfg.Client == nil {
		return nil, errors.New("voice: sidecar client must not be nil")
	}
	return &Manager{
		client:      cfg.Client,
		botToken:    cfg.BotToken,
		onFinal:     cfg.OnFinalTranscript,
		sessionOpts: sessionOpts,
		log:         slog.Default(),
		sessions:    make(map[string]*Session),
	}, nil
}

// Join starts a session for the given voice channel and returns it. The
// session id is freshly generated and unique per join.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) (*Session, error) {
	id := uuid.NewString()

	var onFinal func(context.Context, string) error
	if m.onFinal != nil {
		onFinal = func(ctx context.Context, text string) error {
			return m.onFinal(ctx, id, text)
		}
	}

	sess, err := NewSession(SessionConfig{
		ID:                id,
		GuildID:           guildID,
		ChannelID:         channelID,
		BotToken:          m.botToken,
		Client:            m.client,
		OnFinalTranscript: onFinal,
	}, m.sessionOpts...)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.phrasesSet {
		sess.SetStopPhrases(m.phrases)
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	m.log.Info("voice session joined", "session_id", id, "guild_id", guildID, "channel_id", channelID)
	return sess, nil
}

// Leave stops the session with the given id and forgets it.
func (m *Manager) Leave(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.log.Info("voice session left", "session_id", sessionID)
	return sess.Stop(ctx)
}

// Session returns the live session with the given id.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Sessions returns a snapshot of all live sessions, ordered by id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// StopAll stops every session and forgets them. Individual stop failures are
// joined into the returned error.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, sess := range list {
		if err := sess.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetStopPhrases replaces the stop-phrase matcher of every live session and
// of all sessions joined afterwards, overriding any matcher passed as a
// session option. A nil or empty matcher disables detection.
func (m *Manager) SetStopPhrases(pm *PhraseMatcher) {
	m.mu.Lock()
	m.phrases = pm
	m.phrasesSet = true
	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.mu.Unlock()

	for _, sess := range list {
		sess.SetStopPhrases(pm)
	}
}

// RejoinAll re-issues the join request for every live session. Called after
// a sidecar restart, when the new process knows nothing of existing calls.
func (m *Manager) RejoinAll(ctx context.Context) error {
	var errs []error
	for _, sess := range m.Sessions() {
		if err := sess.Rejoin(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		m.log.Info("voice session rejoined", "session_id", sess.ID())
	}
	return errors.Join(errs...)
}
