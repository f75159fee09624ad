package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chat-bridge/bridge"
)

// BindRelay attaches the gateway handlers that feed Discord activity into
// the relay: new messages in bridged channels go to Twitch, deletions of
// relayed copies propagate back.
func (s *Session) BindRelay(relay *bridge.Relay, mod bridge.TwitchModerator) {
	s.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.botID || m.Author.Bot {
			// Webhook copies arrive flagged as bot authors; relaying them
			// again would loop.
			return
		}
		if m.WebhookID != "" {
			return
		}
		relay.RelayDiscordMessage(context.Background(), m.ChannelID, m.ID, m.Author.ID, m.Content)
	})

	s.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		relay.HandleDiscordMessageDeleted(context.Background(), mod, m.ChannelID, m.ID)
	})
}

// AnnouncementTracker drops a deleted Discord message from live announcement
// tracking.
type AnnouncementTracker interface {
	ForgetMessage(ctx context.Context, messageID string) error
}

// BindLiveCleanup untracks live announcements whose Discord messages were
// deleted by hand.
func (s *Session) BindLiveCleanup(tracker AnnouncementTracker) {
	s.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		if err := tracker.ForgetMessage(context.Background(), m.ID); err != nil {
			slog.Debug("untracking announcement failed", slog.String("message_id", m.ID), slog.Any("err", err))
		}
	})
}
