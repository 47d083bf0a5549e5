package db

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. Structural migrations
// beyond this are handled out of band.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS writing_sessions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		word_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		mega_prompt TEXT NOT NULL,
		subjects_json JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		progress INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 88,
		cost_estimate_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		payment_tx_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS pieces (
		id UUID PRIMARY KEY,
		writing_session_id UUID REFERENCES writing_sessions(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		collection_id UUID REFERENCES collections(id),
		origin TEXT NOT NULL DEFAULT 'written',
		status TEXT NOT NULL DEFAULT 'pending',
		subject_name TEXT,
		subject_moment TEXT,
		image_prompt TEXT,
		reflection TEXT,
		title TEXT,
		image_path TEXT,
		caption TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pieces_status_created
		ON pieces (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS cost_records (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		related_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		label TEXT,
		balance_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_spent_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_transforms INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		model TEXT,
		api_key TEXT NOT NULL UNIQUE REFERENCES api_keys(key),
		free_sessions_remaining INTEGER NOT NULL DEFAULT 10,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_purchases (
		id UUID PRIMARY KEY,
		api_key TEXT NOT NULL REFERENCES api_keys(key),
		tx_hash TEXT NOT NULL UNIQUE,
		amount_usdc DOUBLE PRECISION NOT NULL,
		amount_credited_usd DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS generation_records (
		id UUID PRIMARY KEY,
		piece_id UUID NOT NULL,
		api_key TEXT,
		agent_id TEXT,
		payment_method TEXT NOT NULL,
		amount_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		tx_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates all tables if they do not already exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
