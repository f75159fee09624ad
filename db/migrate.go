package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			authenticated BOOLEAN DEFAULT FALSE,
			admin BOOLEAN DEFAULT FALSE,
			moderator BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS twitch_users (
			id TEXT PRIMARY KEY,
			identity_id INTEGER REFERENCES identities(id),
			login TEXT NOT NULL,
			display_name TEXT NOT NULL,
			email TEXT,
			profile_image_url TEXT,
			offline_image_url TEXT,
			description TEXT,
			view_count INTEGER DEFAULT 0,
			follower_count INTEGER DEFAULT 0,
			affiliation TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS discord_users (
			id TEXT PRIMARY KEY,
			identity_id INTEGER REFERENCES identities(id),
			name TEXT NOT NULL,
			discriminator TEXT,
			avatar TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS bridges (
			id SERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			twitch_user_id TEXT NOT NULL REFERENCES twitch_users(id),
			channel_id TEXT NOT NULL UNIQUE,
			webhook_id TEXT,
			webhook_token TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS bridge_messages (
			twitch_message_id TEXT PRIMARY KEY,
			discord_message_id TEXT NOT NULL,
			bridge_id INTEGER NOT NULL REFERENCES bridges(id),
			twitch_user_id TEXT NOT NULL,
			deleted BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS twitch_tokens (
			id SERIAL PRIMARY KEY,
			twitch_user_id TEXT NOT NULL REFERENCES twitch_users(id),
			refresh_token TEXT NOT NULL,
			scopes TEXT NOT NULL,
			encryption_version INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS live_listeners (
			id SERIAL PRIMARY KEY,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			twitch_user_id TEXT NOT NULL REFERENCES twitch_users(id),
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS live_streams (
			id SERIAL PRIMARY KEY,
			twitch_user_id TEXT NOT NULL REFERENCES twitch_users(id),
			started_at TIMESTAMPTZ DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS live_activity (
			id SERIAL PRIMARY KEY,
			live_id INTEGER NOT NULL REFERENCES live_streams(id),
			game_name TEXT,
			viewers INTEGER DEFAULT 0,
			recorded_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS live_messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			live_id INTEGER NOT NULL REFERENCES live_streams(id)
		)`,
		`CREATE TABLE IF NOT EXISTS moderator_links (
			identity_id INTEGER NOT NULL REFERENCES identities(id),
			modfor_id INTEGER NOT NULL REFERENCES identities(id),
			active BOOLEAN DEFAULT TRUE,
			first_seen TIMESTAMPTZ DEFAULT NOW(),
			last_seen TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (identity_id, modfor_id)
		)`,
		`CREATE TABLE IF NOT EXISTS system_log (
			id SERIAL PRIMARY KEY,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			logged_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE twitch_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_twitch_users_identity ON twitch_users(identity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_twitch_users_login ON twitch_users(login)`,
		`CREATE INDEX IF NOT EXISTS idx_discord_users_identity ON discord_users(identity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bridges_user ON bridges(twitch_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_messages_discord ON bridge_messages(discord_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_messages_user ON bridge_messages(twitch_user_id, deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_twitch_tokens_user ON twitch_tokens(twitch_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_live_streams_open ON live_streams(twitch_user_id) WHERE ended_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_live_activity_live ON live_activity(live_id)`,
		`CREATE INDEX IF NOT EXISTS idx_live_messages_live ON live_messages(live_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
