// Package bridge relays chat between a Twitch channel and a Discord channel.
// Two shapes exist: an interactive bridge impersonates each Twitch chatter
// through a webhook, a message-stack bridge folds the whole chat into one
// rolling Discord message that gets edited in place.
package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-bridge/telemetry"
)

// Type selects how a bridge renders Twitch chat on the Discord side.
type Type string

const (
	TypeInteractive  Type = "interactive"
	TypeMessageStack Type = "messagestack"
)

// ParseType validates a user-supplied bridge type string.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeInteractive:
		return TypeInteractive, nil
	case TypeMessageStack:
		return TypeMessageStack, nil
	}
	return "", fmt.Errorf("unknown bridge type %q", s)
}

// ErrBridgeExists is returned when a Discord channel already carries a bridge.
var ErrBridgeExists = errors.New("channel already bridged")

// ErrBridgeNotFound is returned for lookups that match no bridge.
var ErrBridgeNotFound = errors.New("bridge not found")

// Bridge ties one Twitch channel to one Discord channel.
type Bridge struct {
	ID           int64
	Type         Type
	TwitchUserID string
	TwitchLogin  string
	ChannelID    string
	WebhookID    string
	WebhookToken string

	stack stackState
}

// ChannelMessage is the slice of a Discord message the relay needs.
type ChannelMessage struct {
	ID       string
	AuthorID string
	Content  string
}

// WebhookMessage is an impersonated message posted through a channel webhook.
type WebhookMessage struct {
	Username  string
	AvatarURL string
	Content   string
}

// Messenger is the Discord surface the relay writes through.
type Messenger interface {
	BotUserID() string
	SendMessage(ctx context.Context, channelID, content string) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	LatestMessage(ctx context.Context, channelID string) (*ChannelMessage, error)
	CreateWebhook(ctx context.Context, channelID, name string) (id, token string, err error)
	SendWebhookMessage(ctx context.Context, webhookID, webhookToken string, msg WebhookMessage) (messageID string, err error)
}

// ChannelJoiner joins the bot's shared IRC connection to a Twitch channel.
type ChannelJoiner interface {
	Join(channels ...string)
	Depart(channel string)
}

// Registry holds every bridge in memory, backed by the bridges table.
// Lookups are linear scans; the set stays small enough that an index would
// be noise.
type Registry struct {
	db        *sql.DB
	messenger Messenger
	joiner    ChannelJoiner

	group   singleflight.Group
	mu      sync.RWMutex
	bridges []*Bridge
}

func NewRegistry(db *sql.DB, messenger Messenger, joiner ChannelJoiner) *Registry {
	return &Registry{db: db, messenger: messenger, joiner: joiner}
}

// Load reads every persisted bridge and joins their Twitch channels. A row
// that fails to load is logged and skipped so one broken bridge cannot keep
// the rest down.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `SELECT b.id, b.type, b.twitch_user_id, tu.login, b.channel_id, COALESCE(b.webhook_id,''), COALESCE(b.webhook_token,'')
		FROM bridges b JOIN twitch_users tu ON tu.id = b.twitch_user_id ORDER BY b.id`)
	if err != nil {
		return fmt.Errorf("load bridges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var loaded []*Bridge
	for rows.Next() {
		b := &Bridge{}
		var typ string
		if err := rows.Scan(&b.ID, &typ, &b.TwitchUserID, &b.TwitchLogin, &b.ChannelID, &b.WebhookID, &b.WebhookToken); err != nil {
			slog.Warn("skipping unreadable bridge row", slog.Any("err", err))
			continue
		}
		t, err := ParseType(typ)
		if err != nil {
			slog.Warn("skipping bridge with unknown type", slog.Int64("bridge_id", b.ID), slog.String("type", typ))
			continue
		}
		b.Type = t
		loaded = append(loaded, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("bridge rows: %w", err)
	}

	r.mu.Lock()
	r.bridges = loaded
	r.mu.Unlock()
	telemetry.SetGauge(telemetry.BridgesGauge, float64(len(loaded)))

	for _, b := range loaded {
		r.joiner.Join(b.TwitchLogin)
	}
	slog.Info("bridges loaded", slog.Int("count", len(loaded)))
	return nil
}

// Add creates a bridge between a Twitch user's channel and a Discord
// channel. Interactive bridges get a channel webhook provisioned up front.
// Concurrent adds for the same Discord channel collapse into one attempt.
func (r *Registry) Add(ctx context.Context, typ Type, twitchUserID, twitchLogin, channelID string) (*Bridge, error) {
	v, err, _ := r.group.Do(channelID, func() (any, error) {
		if b := r.ByChannel(channelID); b != nil {
			return nil, fmt.Errorf("discord channel %s: %w", channelID, ErrBridgeExists)
		}

		b := &Bridge{Type: typ, TwitchUserID: twitchUserID, TwitchLogin: strings.ToLower(twitchLogin), ChannelID: channelID}
		if typ == TypeInteractive {
			id, token, err := r.messenger.CreateWebhook(ctx, channelID, "twitch-chat")
			if err != nil {
				return nil, fmt.Errorf("provision webhook: %w", err)
			}
			b.WebhookID, b.WebhookToken = id, token
		}

		err := r.db.QueryRowContext(ctx, `INSERT INTO bridges (type, twitch_user_id, channel_id, webhook_id, webhook_token)
			VALUES ($1,$2,$3,$4,$5) ON CONFLICT (channel_id) DO NOTHING RETURNING id`,
			string(typ), twitchUserID, channelID, b.WebhookID, b.WebhookToken).Scan(&b.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("discord channel %s: %w", channelID, ErrBridgeExists)
		}
		if err != nil {
			return nil, fmt.Errorf("insert bridge: %w", err)
		}

		r.mu.Lock()
		r.bridges = append(r.bridges, b)
		count := len(r.bridges)
		r.mu.Unlock()
		telemetry.SetGauge(telemetry.BridgesGauge, float64(count))

		r.joiner.Join(b.TwitchLogin)
		slog.Info("bridge created",
			slog.Int64("bridge_id", b.ID),
			slog.String("type", string(typ)),
			slog.String("twitch_login", b.TwitchLogin),
			slog.String("channel_id", channelID))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bridge), nil
}

// Remove deletes a bridge and departs its Twitch channel when no other
// bridge still relays it.
func (r *Registry) Remove(ctx context.Context, bridgeID int64) error {
	r.mu.Lock()
	var removed *Bridge
	kept := r.bridges[:0]
	for _, b := range r.bridges {
		if b.ID == bridgeID {
			removed = b
			continue
		}
		kept = append(kept, b)
	}
	r.bridges = kept
	count := len(r.bridges)
	stillJoined := false
	if removed != nil {
		for _, b := range kept {
			if b.TwitchLogin == removed.TwitchLogin {
				stillJoined = true
				break
			}
		}
	}
	r.mu.Unlock()
	if removed == nil {
		return ErrBridgeNotFound
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM bridge_messages WHERE bridge_id=$1`, bridgeID); err != nil {
		return fmt.Errorf("delete bridge messages: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM bridges WHERE id=$1`, bridgeID); err != nil {
		return fmt.Errorf("delete bridge: %w", err)
	}
	telemetry.SetGauge(telemetry.BridgesGauge, float64(count))
	if !stillJoined {
		r.joiner.Depart(removed.TwitchLogin)
	}
	slog.Info("bridge removed", slog.Int64("bridge_id", bridgeID))
	return nil
}

// ByID finds a bridge by row id.
func (r *Registry) ByID(id int64) *Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// ByChannel finds the bridge attached to a Discord channel.
func (r *Registry) ByChannel(channelID string) *Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		if b.ChannelID == channelID {
			return b
		}
	}
	return nil
}

// ByTwitchUser lists every bridge relaying a Twitch user's channel.
func (r *Registry) ByTwitchUser(twitchUserID string) []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Bridge
	for _, b := range r.bridges {
		if b.TwitchUserID == twitchUserID {
			out = append(out, b)
		}
	}
	return out
}

// ByRoom lists every bridge relaying a Twitch room id. Room ids on IRC
// messages equal the broadcaster's user id.
func (r *Registry) ByRoom(roomID string) []*Bridge {
	return r.ByTwitchUser(roomID)
}

// ChannelsFor lists the Discord channels bridged to a Twitch user.
func (r *Registry) ChannelsFor(twitchUserID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, b := range r.bridges {
		if b.TwitchUserID == twitchUserID {
			out = append(out, b.ChannelID)
		}
	}
	return out
}

// All returns a snapshot of the registered bridges.
func (r *Registry) All() []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bridge, len(r.bridges))
	copy(out, r.bridges)
	return out
}

// TwitchUserIDs returns the distinct Twitch users with at least one bridge.
func (r *Registry) TwitchUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, b := range r.bridges {
		if !seen[b.TwitchUserID] {
			seen[b.TwitchUserID] = true
			out = append(out, b.TwitchUserID)
		}
	}
	return out
}
