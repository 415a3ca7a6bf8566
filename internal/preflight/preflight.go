// Package preflight validates Discord credentials and call targets over the
// REST API before any voice join is attempted. It never opens a gateway
// connection; the sidecar stays the sole owner of gateway and voice state.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// restClient is the subset of the Discord REST API the checks use.
// *discordgo.Session satisfies it.
type restClient interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Call identifies one configured voice call target.
type Call struct {
	GuildID   string
	ChannelID string
}

// Checker runs preflight checks against the Discord REST API.
type Checker struct {
	client restClient
}

// New creates a Checker for the given bot token.
func New(botToken string) (*Checker, error) {
	if botToken == "" {
		return nil, errors.New("preflight: bot token is required")
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("preflight: create session: %w", err)
	}
	return &Checker{client: session}, nil
}

// Validate checks that the bot token is usable and that every call target is
// an existing voice or stage channel in the expected guild. All call problems
// are collected and returned joined; a rejected token fails immediately since
// nothing else could succeed.
func (c *Checker) Validate(ctx context.Context, calls []Call) error {
	me, err := c.client.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("preflight: bot token rejected: %w", err)
	}
	slog.Info("preflight: bot token accepted", "bot", me.Username, "id", me.ID)

	var errs []error
	for i, call := range calls {
		if err := c.checkCall(ctx, call); err != nil {
			errs = append(errs, fmt.Errorf("preflight: calls[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// checkCall verifies a single call target.
func (c *Checker) checkCall(ctx context.Context, call Call) error {
	ch, err := c.client.Channel(call.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("channel %q: %w", call.ChannelID, err)
	}
	if ch.GuildID != call.GuildID {
		return fmt.Errorf("channel %q belongs to guild %q, not %q", call.ChannelID, ch.GuildID, call.GuildID)
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
	default:
		return fmt.Errorf("channel %q (%s) is not a voice or stage channel", call.ChannelID, ch.Name)
	}
	slog.Debug("preflight: call target ok",
		"guild_id", call.GuildID,
		"channel_id", call.ChannelID,
		"channel", ch.Name,
	)
	return nil
}
