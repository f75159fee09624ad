package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMappingNotFound is returned when no relayed-message row exists.
var ErrMappingNotFound = errors.New("message mapping not found")

// TwitchModerator removes a message from Twitch chat on behalf of the
// channel owner.
type TwitchModerator interface {
	DeleteChatMessage(ctx context.Context, broadcasterID, messageID string) error
}

// HandleTwitchMessageDeleted reacts to a single-message deletion in Twitch
// chat. The stored mapping row is marked deleted; the Discord copy stays.
func (r *Relay) HandleTwitchMessageDeleted(ctx context.Context, twitchMessageID string) {
	res, err := r.db.ExecContext(ctx, `UPDATE bridge_messages SET deleted=TRUE WHERE twitch_message_id=$1 AND NOT deleted`, twitchMessageID)
	if err != nil {
		slog.Warn("marking deleted message failed", slog.String("twitch_message_id", twitchMessageID), slog.Any("err", err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("message marked deleted", slog.String("twitch_message_id", twitchMessageID))
	}
}

// HandleTwitchUserTimeout reacts to a timeout or ban in Twitch chat by
// marking every mapped message of the target user across the room's
// bridges.
func (r *Relay) HandleTwitchUserTimeout(ctx context.Context, roomID, targetUserID string) {
	bridges := r.registry.ByRoom(roomID)
	if len(bridges) == 0 {
		return
	}
	ids := make([]int64, 0, len(bridges))
	for _, b := range bridges {
		ids = append(ids, b.ID)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE bridge_messages SET deleted=TRUE WHERE twitch_user_id=$1 AND bridge_id = ANY($2) AND NOT deleted`, targetUserID, ids)
	if err != nil {
		slog.Warn("marking timed-out user messages failed", slog.String("twitch_user_id", targetUserID), slog.Any("err", err))
		return
	}
	n, _ := res.RowsAffected()
	slog.Info("timeout mirrored", slog.String("twitch_user_id", targetUserID), slog.String("room_id", roomID), slog.Int64("messages", n))
}

// HandleDiscordMessageDeleted propagates a Discord-side deletion of a
// relayed copy back to the source Twitch message.
func (r *Relay) HandleDiscordMessageDeleted(ctx context.Context, mod TwitchModerator, channelID, discordMessageID string) {
	b := r.registry.ByChannel(channelID)
	if b == nil {
		return
	}
	var twitchMessageID string
	err := r.db.QueryRowContext(ctx, `SELECT twitch_message_id FROM bridge_messages WHERE discord_message_id=$1 AND bridge_id=$2 AND NOT deleted`, discordMessageID, b.ID).Scan(&twitchMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		slog.Warn("mapping lookup failed", slog.String("discord_message_id", discordMessageID), slog.Any("err", err))
		return
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE bridge_messages SET deleted=TRUE WHERE twitch_message_id=$1`, twitchMessageID); err != nil {
		slog.Warn("marking mapping deleted failed", slog.Any("err", err))
	}
	if mod == nil {
		return
	}
	if err := mod.DeleteChatMessage(ctx, b.TwitchUserID, twitchMessageID); err != nil {
		slog.Warn("twitch delete propagation failed",
			slog.String("twitch_message_id", twitchMessageID),
			slog.String("broadcaster_id", b.TwitchUserID),
			slog.Any("err", err))
	}
}

// MessageMapping is one relayed-message row.
type MessageMapping struct {
	TwitchMessageID  string
	DiscordMessageID string
	BridgeID         int64
	TwitchUserID     string
	Deleted          bool
}

// Mapping reads the stored mapping for a Twitch message id.
func (r *Relay) Mapping(ctx context.Context, twitchMessageID string) (*MessageMapping, error) {
	m := &MessageMapping{}
	err := r.db.QueryRowContext(ctx, `SELECT twitch_message_id, discord_message_id, bridge_id, twitch_user_id, deleted FROM bridge_messages WHERE twitch_message_id=$1`, twitchMessageID).
		Scan(&m.TwitchMessageID, &m.DiscordMessageID, &m.BridgeID, &m.TwitchUserID, &m.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("twitch message %s: %w", twitchMessageID, ErrMappingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read message mapping: %w", err)
	}
	return m, nil
}
