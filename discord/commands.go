package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/identity"
	"github.com/onnwee/chat-bridge/live"
	"github.com/onnwee/chat-bridge/token"
	"github.com/onnwee/chat-bridge/twitchapi"
)

const scopeBannedUsers = "moderator:manage:banned_users"
const scopeAnnouncements = "moderator:manage:announcements"

// Commands wires the bot's slash commands to the registries and the Twitch
// API. All replies are ephemeral; commands manage state, they do not chat.
type Commands struct {
	session   *Session
	bridges   *bridge.Registry
	listeners *live.ListenerRegistry
	helix     *twitchapi.Helix
	tokens    *token.Manager
	idents    *identity.Service

	appID string

	// publicBaseURL is the externally reachable address of the HTTP API,
	// used to hand out OAuth linking links.
	publicBaseURL string
}

func NewCommands(s *Session, bridges *bridge.Registry, listeners *live.ListenerRegistry, hx *twitchapi.Helix, tokens *token.Manager, idents *identity.Service, appID, publicBaseURL string) *Commands {
	if appID == "" {
		appID = s.botID
	}
	return &Commands{
		session: s, bridges: bridges, listeners: listeners, helix: hx,
		tokens: tokens, idents: idents,
		appID: appID, publicBaseURL: publicBaseURL,
	}
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "connect",
			Description: "Link your Twitch account to your Discord account",
		},
		{
			Name:        "setup",
			Description: "Bridge a Twitch channel's chat into this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "streamer", Description: "Twitch channel name", Required: true},
				{
					Type: discordgo.ApplicationCommandOptionString, Name: "type", Description: "Relay mode", Required: true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "interactive", Value: string(bridge.TypeInteractive)},
						{Name: "messagestack", Value: string(bridge.TypeMessageStack)},
					},
				},
			},
		},
		{
			Name:        "unbridge",
			Description: "Remove the bridge attached to this channel",
		},
		{
			Name:        "listener",
			Description: "Manage live notifications for a streamer in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "streamer", Description: "Twitch channel name", Required: true},
				{
					Type: discordgo.ApplicationCommandOptionString, Name: "action", Description: "add or remove", Required: true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "add", Value: "add"},
						{Name: "remove", Value: "remove"},
					},
				},
			},
		},
		{
			Name:        "timeout",
			Description: "Time a user out in the bridged Twitch chat",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "user", Description: "Twitch user name", Required: true},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "duration", Description: "Seconds", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "reason", Description: "Reason", Required: false},
			},
		},
		{
			Name:        "ban",
			Description: "Ban a user from the bridged Twitch chat",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "user", Description: "Twitch user name", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "reason", Description: "Reason", Required: false},
			},
		},
		{
			Name:        "announce",
			Description: "Post a Twitch chat announcement in the bridged channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "message", Description: "Announcement text", Required: true},
				{
					Type: discordgo.ApplicationCommandOptionString, Name: "color", Description: "Highlight color", Required: false,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "blue", Value: "blue"},
						{Name: "green", Value: "green"},
						{Name: "orange", Value: "orange"},
						{Name: "purple", Value: "purple"},
					},
				},
			},
		},
	}
}

// Register declares the slash commands and installs the dispatch handler.
func (c *Commands) Register() error {
	for _, cmd := range commandDefinitions() {
		if _, err := c.session.dg.ApplicationCommandCreate(c.appID, "", cmd); err != nil {
			return fmt.Errorf("register command %s: %w", cmd.Name, err)
		}
	}
	c.session.dg.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		c.dispatch(i)
	})
	slog.Info("slash commands registered", slog.Int("count", len(commandDefinitions())))
	return nil
}

func (c *Commands) dispatch(i *discordgo.InteractionCreate) {
	ctx := context.Background()
	data := i.ApplicationCommandData()
	var reply string
	var err error
	switch data.Name {
	case "connect":
		reply, err = c.handleConnect(i)
	case "setup":
		reply, err = c.handleSetup(ctx, i, data)
	case "unbridge":
		reply, err = c.handleUnbridge(ctx, i)
	case "listener":
		reply, err = c.handleListener(ctx, i, data)
	case "timeout":
		reply, err = c.handleModeration(ctx, i, data, true)
	case "ban":
		reply, err = c.handleModeration(ctx, i, data, false)
	case "announce":
		reply, err = c.handleAnnounce(ctx, i, data)
	default:
		return
	}
	if err != nil {
		slog.Warn("command failed", slog.String("command", data.Name), slog.Any("err", err))
		reply = "that didn't work: " + userFacing(err)
	}
	c.respond(i, reply)
}

// userFacing trims wrapped internals down to the tail message.
func userFacing(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx+2 < len(msg) {
		return msg[idx+2:]
	}
	return msg
}

func (c *Commands) respond(i *discordgo.InteractionCreate, content string) {
	err := c.session.dg.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Warn("interaction respond failed", slog.Any("err", err))
	}
}

func invokerID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func optString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, o := range data.Options {
		if o.Name == name {
			return o.StringValue()
		}
	}
	return ""
}

func optInt(data discordgo.ApplicationCommandInteractionData, name string) int64 {
	for _, o := range data.Options {
		if o.Name == name {
			return o.IntValue()
		}
	}
	return 0
}

func (c *Commands) handleConnect(i *discordgo.InteractionCreate) (string, error) {
	if c.publicBaseURL == "" {
		return "", errors.New("account linking is not configured")
	}
	u := c.publicBaseURL + "/auth/twitch/start?discord_id=" + url.QueryEscape(invokerID(i))
	return "authorize the bot on Twitch and your accounts will be linked: " + u, nil
}

// resolveStreamer looks a Twitch login up and keeps the local account row
// fresh so bridges and listeners can reference it.
func (c *Commands) resolveStreamer(ctx context.Context, login string) (*identity.TwitchUser, error) {
	u, err := c.helix.UserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	tu := &identity.TwitchUser{
		ID:              u.ID,
		Login:           u.Login,
		DisplayName:     u.DisplayName,
		Email:           u.Email,
		ProfileImageURL: u.ProfileImageURL,
		OfflineImageURL: u.OfflineImageURL,
		Description:     u.Description,
		ViewCount:       u.ViewCount,
		Affiliation:     u.BroadcasterType,
	}
	if err := c.idents.UpsertTwitchUser(ctx, tu); err != nil {
		return nil, err
	}
	return tu, nil
}

func (c *Commands) handleSetup(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) (string, error) {
	typ, err := bridge.ParseType(optString(data, "type"))
	if err != nil {
		return "", err
	}
	tu, err := c.resolveStreamer(ctx, optString(data, "streamer"))
	if err != nil {
		return "", err
	}
	b, err := c.bridges.Add(ctx, typ, tu.ID, tu.Login, i.ChannelID)
	if errors.Is(err, bridge.ErrBridgeExists) {
		return "this channel already has a bridge; remove it first with /unbridge", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("bridged twitch.tv/%s into this channel (%s mode)", b.TwitchLogin, b.Type), nil
}

func (c *Commands) handleUnbridge(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	b := c.bridges.ByChannel(i.ChannelID)
	if b == nil {
		return "this channel has no bridge", nil
	}
	if err := c.bridges.Remove(ctx, b.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("removed the bridge to twitch.tv/%s", b.TwitchLogin), nil
}

func (c *Commands) handleListener(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) (string, error) {
	tu, err := c.resolveStreamer(ctx, optString(data, "streamer"))
	if err != nil {
		return "", err
	}
	switch optString(data, "action") {
	case "add":
		if _, err := c.listeners.Add(ctx, i.GuildID, i.ChannelID, tu.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("this channel now gets live notifications for twitch.tv/%s", tu.Login), nil
	case "remove":
		if err := c.listeners.Remove(ctx, i.ChannelID, tu.ID); err != nil {
			if errors.Is(err, live.ErrListenerNotFound) {
				return "this channel has no listener for that streamer", nil
			}
			return "", err
		}
		return fmt.Sprintf("stopped live notifications for twitch.tv/%s here", tu.Login), nil
	}
	return "unknown action", nil
}

// authorizeModeration checks the invoker is the broadcaster or one of their
// active moderators, then returns the broadcaster's access token.
func (c *Commands) authorizeModeration(ctx context.Context, i *discordgo.InteractionCreate, b *bridge.Bridge, scope string) (string, error) {
	invoker, err := c.idents.FullIdentityByDiscordID(ctx, invokerID(i))
	if err != nil {
		return "", errors.New("link your Twitch account first with /connect")
	}
	caster, err := c.idents.FullIdentityByTwitchID(ctx, b.TwitchUserID)
	if err != nil {
		return "", err
	}
	if invoker.ID == 0 || caster.ID == 0 {
		return "", errors.New("link your Twitch account first with /connect")
	}
	if invoker.ID != caster.ID {
		ok, err := c.idents.IsActiveModerator(ctx, invoker.ID, caster.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errors.New("you are not a moderator of this channel")
		}
	}
	access, err := c.tokens.AccessToken(ctx, b.TwitchUserID, scope)
	if err != nil {
		return "", errors.New("the broadcaster has not authorized moderation for the bot")
	}
	return access, nil
}

func (c *Commands) handleModeration(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData, timeout bool) (string, error) {
	b := c.bridges.ByChannel(i.ChannelID)
	if b == nil {
		return "this channel has no bridge", nil
	}
	access, err := c.authorizeModeration(ctx, i, b, scopeBannedUsers)
	if err != nil {
		return "", err
	}
	target, err := c.helix.UserByLogin(ctx, optString(data, "user"))
	if err != nil {
		return "", err
	}
	duration := 0
	if timeout {
		duration = int(optInt(data, "duration"))
		if duration <= 0 {
			return "", errors.New("duration must be positive")
		}
	}
	if err := c.helix.BanUser(access, b.TwitchUserID, b.TwitchUserID, target.ID, duration, optString(data, "reason")); err != nil {
		return "", err
	}
	if timeout {
		return fmt.Sprintf("timed %s out for %ds", target.Login, duration), nil
	}
	return fmt.Sprintf("banned %s", target.Login), nil
}

func (c *Commands) handleAnnounce(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) (string, error) {
	b := c.bridges.ByChannel(i.ChannelID)
	if b == nil {
		return "this channel has no bridge", nil
	}
	access, err := c.authorizeModeration(ctx, i, b, scopeAnnouncements)
	if err != nil {
		return "", err
	}
	if err := c.helix.SendAnnouncement(access, b.TwitchUserID, b.TwitchUserID, optString(data, "message"), optString(data, "color")); err != nil {
		return "", err
	}
	return "announcement posted", nil
}
