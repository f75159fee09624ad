// Package main provides a CLI tool to migrate stored Twitch refresh tokens
// from plaintext to encrypted storage.
//
// It encrypts all rows where encryption_version=0 (plaintext) to version=1
// (AES-256-GCM). It requires the ENCRYPTION_KEY environment variable.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--user TWITCH_USER_ID]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/chat-bridge/crypto"
)

type tokenRow struct {
	ID           int64
	TwitchUserID string
	RefreshToken string
	Scopes       string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	user := flag.String("user", "", "Migrate tokens for a single Twitch user id (default: all)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, database, encryptor, *dryRun, *user); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("migration completed successfully")
}

// migrateTokens encrypts all plaintext refresh tokens (encryption_version=0).
func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, dryRun bool, userFilter string) error {
	query := `
		SELECT id, twitch_user_id, refresh_token, scopes
		FROM twitch_tokens
		WHERE encryption_version = 0
	`
	args := []any{}
	if userFilter != "" {
		query += " AND twitch_user_id = $1"
		args = append(args, userFilter)
	}
	query += " ORDER BY twitch_user_id, id"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	defer rows.Close()

	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.ID, &t.TwitchUserID, &t.RefreshToken, &t.Scopes); err != nil {
			return fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}

	slog.Info("found plaintext tokens to migrate",
		slog.Int("count", len(tokens)),
		slog.Bool("dry_run", dryRun))

	migratedCount := 0
	errorCount := 0
	for i, t := range tokens {
		logger := slog.With(
			slog.String("twitch_user_id", t.TwitchUserID),
			slog.String("scopes", t.Scopes),
			slog.Int("index", i+1),
			slog.Int("total", len(tokens)))

		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migratedCount++
			continue
		}

		if err := migrateToken(ctx, database, encryptor, t); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			errorCount++
			continue
		}

		logger.Info("migrated token successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return nil
}

// migrateToken encrypts a single refresh token and updates the row.
func migrateToken(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, t tokenRow) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	encrypted, err := crypto.EncryptString(encryptor, t.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE twitch_tokens
		SET refresh_token = $1,
		    encryption_version = 1
		WHERE id = $2 AND encryption_version = 0
	`, encrypted, t.ID)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", rowsAffected)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
