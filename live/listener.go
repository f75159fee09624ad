// Package live tracks stream presence: a registry of channels subscribed to
// stream up/down notifications, a poller that detects transitions, and the
// viewer-activity summaries posted when a stream ends.
package live

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-bridge/telemetry"
)

// ErrListenerNotFound is returned for removals that match nothing.
var ErrListenerNotFound = errors.New("listener not found")

// Listener subscribes one Discord channel to a streamer's live transitions.
// Listeners are independent of chat bridges; several channels may watch the
// same streamer.
type Listener struct {
	ID           int64
	GuildID      string
	ChannelID    string
	TwitchUserID string
}

// ListenerRegistry mirrors the live_listeners table in memory.
type ListenerRegistry struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners []*Listener
}

func NewListenerRegistry(db *sql.DB) *ListenerRegistry {
	return &ListenerRegistry{db: db}
}

// Load reads every persisted listener.
func (r *ListenerRegistry) Load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `SELECT id, guild_id, channel_id, twitch_user_id FROM live_listeners ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load listeners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var loaded []*Listener
	for rows.Next() {
		l := &Listener{}
		if err := rows.Scan(&l.ID, &l.GuildID, &l.ChannelID, &l.TwitchUserID); err != nil {
			slog.Warn("skipping unreadable listener row", slog.Any("err", err))
			continue
		}
		loaded = append(loaded, l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listener rows: %w", err)
	}

	r.mu.Lock()
	r.listeners = loaded
	r.mu.Unlock()
	telemetry.SetGauge(telemetry.ListenersGauge, float64(len(loaded)))
	slog.Info("listeners loaded", slog.Int("count", len(loaded)))
	return nil
}

// Add subscribes a channel to a streamer.
func (r *ListenerRegistry) Add(ctx context.Context, guildID, channelID, twitchUserID string) (*Listener, error) {
	l := &Listener{GuildID: guildID, ChannelID: channelID, TwitchUserID: twitchUserID}
	err := r.db.QueryRowContext(ctx, `INSERT INTO live_listeners (guild_id, channel_id, twitch_user_id) VALUES ($1,$2,$3) RETURNING id`,
		guildID, channelID, twitchUserID).Scan(&l.ID)
	if err != nil {
		return nil, fmt.Errorf("insert listener: %w", err)
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	count := len(r.listeners)
	r.mu.Unlock()
	telemetry.SetGauge(telemetry.ListenersGauge, float64(count))
	slog.Info("listener added", slog.Int64("listener_id", l.ID), slog.String("channel_id", channelID), slog.String("twitch_user_id", twitchUserID))
	return l, nil
}

// Remove drops a channel's subscription to a streamer.
func (r *ListenerRegistry) Remove(ctx context.Context, channelID, twitchUserID string) error {
	r.mu.Lock()
	var removed *Listener
	kept := r.listeners[:0]
	for _, l := range r.listeners {
		if l.ChannelID == channelID && l.TwitchUserID == twitchUserID && removed == nil {
			removed = l
			continue
		}
		kept = append(kept, l)
	}
	r.listeners = kept
	count := len(r.listeners)
	r.mu.Unlock()
	if removed == nil {
		return ErrListenerNotFound
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM live_listeners WHERE id=$1`, removed.ID); err != nil {
		return fmt.Errorf("delete listener: %w", err)
	}
	telemetry.SetGauge(telemetry.ListenersGauge, float64(count))
	return nil
}

// ByTwitchUser lists the listeners watching a streamer.
func (r *ListenerRegistry) ByTwitchUser(twitchUserID string) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Listener
	for _, l := range r.listeners {
		if l.TwitchUserID == twitchUserID {
			out = append(out, l)
		}
	}
	return out
}

// TwitchUserIDs returns the distinct streamers with at least one listener.
func (r *ListenerRegistry) TwitchUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, l := range r.listeners {
		if !seen[l.TwitchUserID] {
			seen[l.TwitchUserID] = true
			out = append(out, l.TwitchUserID)
		}
	}
	return out
}

// ChannelsFor lists the Discord channels subscribed to a streamer.
func (r *ListenerRegistry) ChannelsFor(twitchUserID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, l := range r.listeners {
		if l.TwitchUserID == twitchUserID {
			out = append(out, l.ChannelID)
		}
	}
	return out
}

// All returns a snapshot of the registered listeners.
func (r *ListenerRegistry) All() []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}
