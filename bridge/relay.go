package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/chat-bridge/identity"
	"github.com/onnwee/chat-bridge/telemetry"
)

// Directory is the slice of the identity graph the relay reads. Both views
// are cached with a TTL; the relay hits them once per chat line.
type Directory interface {
	MentionResolver
	FullIdentityByTwitchID(ctx context.Context, twitchID string) (*identity.FullIdentity, error)
	FullIdentityByDiscordID(ctx context.Context, discordID string) (*identity.FullIdentity, error)
}

// Speaker posts a line into Twitch chat as a specific user.
type Speaker interface {
	Say(ctx context.Context, userID, login, channel, text string) error
}

// IncomingMessage is one Twitch chat line, decoupled from the IRC library.
type IncomingMessage struct {
	ID          string
	RoomID      string
	UserID      string
	Login       string
	DisplayName string
	Text        string
	Badges      map[string]int
}

// Relay moves chat across every bridge of a Twitch room or Discord channel.
type Relay struct {
	db        *sql.DB
	registry  *Registry
	messenger Messenger
	dir       Directory
	speaker   Speaker
}

func NewRelay(db *sql.DB, registry *Registry, messenger Messenger, dir Directory, speaker Speaker) *Relay {
	return &Relay{db: db, registry: registry, messenger: messenger, dir: dir, speaker: speaker}
}

// RelayTwitchMessage fans a Twitch chat line out to every bridge of the
// room. Failures on one bridge do not stop the others.
func (r *Relay) RelayTwitchMessage(ctx context.Context, msg IncomingMessage) {
	bridges := r.registry.ByRoom(msg.RoomID)
	if len(bridges) == 0 {
		return
	}
	text := rewriteMentionsToDiscord(ctx, r.dir, msg.Text)
	for _, b := range bridges {
		b := b
		telemetry.TimeFunc(telemetry.RelayDuration, func() {
			if err := r.relayToBridge(ctx, b, msg, text); err != nil {
				telemetry.CountRelayError("twitch_to_discord")
				slog.Warn("relay to discord failed",
					slog.Int64("bridge_id", b.ID),
					slog.String("twitch_message_id", msg.ID),
					slog.Any("err", err))
				return
			}
			telemetry.CountRelayed("twitch_to_discord")
		})
	}
}

func (r *Relay) relayToBridge(ctx context.Context, b *Bridge, msg IncomingMessage, text string) error {
	switch b.Type {
	case TypeMessageStack:
		return b.stack.push(ctx, r.messenger, b.ChannelID, formatStackLine(msg.DisplayName, text))
	case TypeInteractive:
		return r.relayInteractive(ctx, b, msg, text)
	}
	return fmt.Errorf("bridge %d has unknown type %q", b.ID, b.Type)
}

func (r *Relay) relayInteractive(ctx context.Context, b *Bridge, msg IncomingMessage, text string) error {
	avatar := ""
	partner := false
	if full, err := r.dir.FullIdentityByTwitchID(ctx, msg.UserID); err == nil && full.Twitch != nil {
		avatar = full.Twitch.ProfileImageURL
		partner = full.Twitch.Affiliation == "partner"
	} else if err != nil && !errors.Is(err, identity.ErrNotFound) {
		slog.Debug("chatter lookup failed", slog.String("twitch_user_id", msg.UserID), slog.Any("err", err))
	}

	discordID, err := r.messenger.SendWebhookMessage(ctx, b.WebhookID, b.WebhookToken, WebhookMessage{
		Username:  displayName(msg.DisplayName, msg.Login, msg.Badges, partner),
		AvatarURL: avatar,
		Content:   text,
	})
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `INSERT INTO bridge_messages (twitch_message_id, discord_message_id, bridge_id, twitch_user_id)
		VALUES ($1,$2,$3,$4) ON CONFLICT (twitch_message_id) DO NOTHING`,
		msg.ID, discordID, b.ID, msg.UserID); err != nil {
		// The copy is already posted; a lost mapping only breaks delete
		// propagation for this one message.
		slog.Warn("recording message mapping failed", slog.String("twitch_message_id", msg.ID), slog.Any("err", err))
	}
	return nil
}

// RelayDiscordMessage carries a Discord message into the bridged Twitch
// channel, spoken as the author's linked Twitch account. Authors without a
// linked, speakable account get a notice and their message removed so the
// two channels cannot drift apart silently.
func (r *Relay) RelayDiscordMessage(ctx context.Context, channelID, messageID, authorID, content string) {
	b := r.registry.ByChannel(channelID)
	if b == nil {
		return
	}

	full, err := r.dir.FullIdentityByDiscordID(ctx, authorID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		telemetry.CountRelayError("discord_to_twitch")
		slog.Warn("identity lookup failed", slog.String("discord_user_id", authorID), slog.Any("err", err))
		return
	}
	if full == nil || full.Twitch == nil {
		r.rejectDiscordMessage(ctx, b, messageID, authorID,
			"your message was not relayed: no Twitch account is linked to your Discord account")
		return
	}

	text := sanitizeForTwitch(rewriteMentionsToTwitch(ctx, r.dir, content))
	if text == "" {
		return
	}

	if err := r.speaker.Say(ctx, full.Twitch.ID, full.Twitch.Login, b.TwitchLogin, text); err != nil {
		telemetry.CountRelayError("discord_to_twitch")
		slog.Warn("say failed", slog.String("twitch_user_id", full.Twitch.ID), slog.Any("err", err))
		r.rejectDiscordMessage(ctx, b, messageID, authorID,
			"your message was not relayed: speaking on Twitch failed, you may need to re-authorize")
		return
	}

	// The line echoes back through the Twitch side as the canonical copy,
	// so the raw Discord original is removed to avoid doubling.
	if err := r.messenger.DeleteMessage(ctx, b.ChannelID, messageID); err != nil {
		slog.Debug("removing relayed original failed", slog.String("message_id", messageID), slog.Any("err", err))
	}
	telemetry.CountRelayed("discord_to_twitch")
}

func (r *Relay) rejectDiscordMessage(ctx context.Context, b *Bridge, messageID, authorID, reason string) {
	if err := r.messenger.DeleteMessage(ctx, b.ChannelID, messageID); err != nil {
		slog.Debug("removing unrelayed message failed", slog.String("message_id", messageID), slog.Any("err", err))
	}
	notice := fmt.Sprintf("<@%s> %s", authorID, reason)
	if _, err := r.messenger.SendMessage(ctx, b.ChannelID, notice); err != nil {
		slog.Debug("posting relay notice failed", slog.Any("err", err))
	}
}
