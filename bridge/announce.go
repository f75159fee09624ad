package bridge

import (
	"context"
	"log/slog"

	"github.com/onnwee/chat-bridge/telemetry"
)

// AnnouncementSender posts a highlighted announcement into a Discord
// channel, typically as a colored embed.
type AnnouncementSender interface {
	SendAnnouncement(ctx context.Context, channelID, author, text string, color int) error
}

// RelayTwitchAnnouncement mirrors a Twitch /announce line to every bridge
// of the room. Announcements bypass the stack and webhook paths; they are
// rendered as a highlight on both bridge types.
func (r *Relay) RelayTwitchAnnouncement(ctx context.Context, sender AnnouncementSender, roomID, author, text string, color int) {
	rewritten := rewriteMentionsToDiscord(ctx, r.dir, text)
	for _, b := range r.registry.ByRoom(roomID) {
		if err := sender.SendAnnouncement(ctx, b.ChannelID, author, rewritten, color); err != nil {
			telemetry.CountRelayError("twitch_to_discord")
			slog.Warn("announcement relay failed", slog.Int64("bridge_id", b.ID), slog.Any("err", err))
			continue
		}
		telemetry.CountRelayed("twitch_to_discord")
	}
}
