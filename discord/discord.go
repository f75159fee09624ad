// Package discord wraps the bot's Discord session: the message surface the
// relay writes through, stream announcements, gateway handlers, and the
// slash commands that manage bridges and listeners.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/identity"
)

// Session owns the discordgo connection.
type Session struct {
	dg    *discordgo.Session
	botID string
}

// New connects to the Discord gateway.
func New(token string) (*Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	s := &Session{dg: dg}
	if dg.State != nil && dg.State.User != nil {
		s.botID = dg.State.User.ID
	}
	slog.Info("discord session open", slog.String("bot_id", s.botID))
	return s, nil
}

// Close shuts the gateway connection down.
func (s *Session) Close() error {
	return s.dg.Close()
}

// BotUserID returns the bot's own user id.
func (s *Session) BotUserID() string { return s.botID }

// UserProfile fetches a Discord user's profile, used when account linking
// has to create the Discord side of the pair.
func (s *Session) UserProfile(ctx context.Context, userID string) (*identity.DiscordUser, error) {
	u, err := s.dg.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch discord user: %w", err)
	}
	return &identity.DiscordUser{
		ID:            u.ID,
		Name:          u.Username,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
	}, nil
}

// SendMessage posts a plain message and returns its id.
func (s *Session) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := s.dg.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces a message's content.
func (s *Session) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if _, err := s.dg.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (s *Session) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := s.dg.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// LatestMessage fetches the newest message in a channel, nil when empty.
func (s *Session) LatestMessage(ctx context.Context, channelID string) (*bridge.ChannelMessage, error) {
	msgs, err := s.dg.ChannelMessages(channelID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch latest message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	m := msgs[0]
	authorID := ""
	if m.Author != nil {
		authorID = m.Author.ID
	}
	return &bridge.ChannelMessage{ID: m.ID, AuthorID: authorID, Content: m.Content}, nil
}

// CreateWebhook provisions a channel webhook for impersonated relaying.
func (s *Session) CreateWebhook(ctx context.Context, channelID, name string) (string, string, error) {
	wh, err := s.dg.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("create webhook: %w", err)
	}
	return wh.ID, wh.Token, nil
}

// SendWebhookMessage posts through a webhook with a per-message username
// and avatar, returning the created message id.
func (s *Session) SendWebhookMessage(ctx context.Context, webhookID, webhookToken string, msg bridge.WebhookMessage) (string, error) {
	m, err := s.dg.WebhookExecute(webhookID, webhookToken, true, &discordgo.WebhookParams{
		Username:  msg.Username,
		AvatarURL: msg.AvatarURL,
		Content:   msg.Content,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("webhook execute: %w", err)
	}
	return m.ID, nil
}
