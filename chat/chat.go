// Package chat runs the bot's shared Twitch IRC connection and feeds chat
// events into the relay. One anonymous-capable bot connection observes every
// bridged channel; per-user speaking connections live in the token package.
package chat

import (
	"context"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-bridge/bridge"
)

// announcement highlight colors as sent in the msg-param-color tag.
var announcementColors = map[string]int{
	"BLUE":   0x3074e3,
	"GREEN":  0x1fb529,
	"ORANGE": 0xe38b20,
	"PURPLE": 0x6f1fde,
}

// defaultAnnouncementColor is used when Twitch sends PRIMARY or no color.
const defaultAnnouncementColor = 0x6441a5

// Ingest owns the bot IRC client and dispatches its events.
type Ingest struct {
	client *twitch.Client
}

// NewIngest builds the bot IRC client. With empty credentials the client
// connects anonymously, which is enough to read chat. Call Bind before
// Run to attach the relay.
func NewIngest(username, oauthToken string) *Ingest {
	var client *twitch.Client
	if username == "" || oauthToken == "" {
		client = twitch.NewAnonymousClient()
	} else {
		if !strings.HasPrefix(oauthToken, "oauth:") {
			oauthToken = "oauth:" + oauthToken
		}
		client = twitch.NewClient(username, oauthToken)
	}
	return &Ingest{client: client}
}

// Bind registers the chat event handlers against the relay.
func (in *Ingest) Bind(relay *bridge.Relay, announcer bridge.AnnouncementSender) {
	in.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		relay.RelayTwitchMessage(context.Background(), bridge.IncomingMessage{
			ID:          msg.ID,
			RoomID:      msg.RoomID,
			UserID:      msg.User.ID,
			Login:       msg.User.Name,
			DisplayName: msg.User.DisplayName,
			Text:        msg.Message,
			Badges:      msg.User.Badges,
		})
	})

	in.client.OnClearMessage(func(msg twitch.ClearMessage) {
		relay.HandleTwitchMessageDeleted(context.Background(), msg.TargetMsgID)
	})

	in.client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		if msg.TargetUserID == "" {
			// Full chat clear; individual mappings stay as history.
			return
		}
		relay.HandleTwitchUserTimeout(context.Background(), msg.RoomID, msg.TargetUserID)
	})

	in.client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		if msg.MsgID != "announcement" {
			return
		}
		color, ok := announcementColors[msg.MsgParams["msg-param-color"]]
		if !ok {
			color = defaultAnnouncementColor
		}
		relay.RelayTwitchAnnouncement(context.Background(), announcer, msg.RoomID, msg.User.DisplayName, msg.Message, color)
	})
}

// Join subscribes the bot connection to channels.
func (in *Ingest) Join(channels ...string) {
	in.client.Join(channels...)
}

// Depart unsubscribes the bot connection from a channel.
func (in *Ingest) Depart(channel string) {
	in.client.Depart(channel)
}

// Run connects and blocks until the context ends or the connection fails.
func (in *Ingest) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := in.client.Disconnect(); err != nil {
			slog.Debug("bot irc disconnect", slog.Any("err", err))
		}
		close(done)
	}()
	err := in.client.Connect()
	select {
	case <-done:
		return nil
	default:
	}
	if err != nil {
		slog.Error("bot irc connection failed", slog.Any("err", err))
	}
	return err
}
