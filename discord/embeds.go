package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chat-bridge/live"
)

const (
	colorLive    = 0x9146ff
	colorOffline = 0x2f3136
)

func liveEmbed(s live.Stream) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s is live!", s.UserName),
		Description: s.Title,
		URL:         "https://twitch.tv/" + s.UserLogin,
		Color:       colorLive,
	}
	if s.GameName != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Playing", Value: s.GameName, Inline: true})
	}
	e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Viewers", Value: fmt.Sprintf("%d", s.ViewerCount), Inline: true})
	if s.ThumbnailURL != "" {
		url := strings.NewReplacer("{width}", "640", "{height}", "360").Replace(s.ThumbnailURL)
		e.Image = &discordgo.MessageEmbedImage{URL: url}
	}
	return e
}

func offlineEmbed(s live.Stream, sum live.Summary) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s was live", s.UserName),
		URL:   "https://twitch.tv/" + s.UserLogin,
		Color: colorOffline,
	}
	if sum.Samples > 0 {
		e.Description = fmt.Sprintf("avg %.0f / min %d / max %d viewers", sum.AvgViewers, sum.MinViewers, sum.MaxViewers)
	}
	for _, g := range sum.Games {
		name := g.GameName
		if name == "" {
			name = "Unknown game"
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:  name,
			Value: fmt.Sprintf("avg %.0f / min %d / max %d viewers", g.AvgViewers, g.MinViewers, g.MaxViewers),
		})
	}
	return e
}

// AnnounceLive posts a stream-up embed and returns the message id so the
// poller can edit it later.
func (s *Session) AnnounceLive(ctx context.Context, channelID string, st live.Stream) (string, error) {
	msg, err := s.dg.ChannelMessageSendEmbed(channelID, liveEmbed(st), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send live embed: %w", err)
	}
	return msg.ID, nil
}

// EditLive refreshes a stream-up message with the current viewer count.
func (s *Session) EditLive(ctx context.Context, channelID, messageID string, st live.Stream) error {
	if _, err := s.dg.ChannelMessageEditEmbed(channelID, messageID, liveEmbed(st), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit live embed: %w", err)
	}
	return nil
}

// EditOffline rewrites a prior stream-up message into an offline summary.
func (s *Session) EditOffline(ctx context.Context, channelID, messageID string, st live.Stream, sum live.Summary) error {
	if _, err := s.dg.ChannelMessageEditEmbed(channelID, messageID, offlineEmbed(st, sum), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit offline embed: %w", err)
	}
	return nil
}

// SendAnnouncement mirrors a Twitch /announce line as a colored embed.
func (s *Session) SendAnnouncement(ctx context.Context, channelID, author, text string, color int) error {
	embed := &discordgo.MessageEmbed{
		Author:      &discordgo.MessageEmbedAuthor{Name: author},
		Description: text,
		Color:       color,
	}
	if _, err := s.dg.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send announcement embed: %w", err)
	}
	return nil
}
