package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateAPIKey inserts a new key with a zero balance.
func (db *DB) CreateAPIKey(ctx context.Context, key string, label *string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (key, label) VALUES ($1, $2)`,
		key, label,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key record, or nil if not found.
func (db *DB) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT key, label, balance_usd, total_spent_usd, total_transforms, is_active, created_at
		 FROM api_keys WHERE key = $1`,
		key,
	).Scan(&k.Key, &k.Label, &k.BalanceUSD, &k.TotalSpentUSD, &k.TotalTransforms, &k.IsActive, &k.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

// AddBalance credits a key.
func (db *DB) AddBalance(ctx context.Context, key string, amountUSD float64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET balance_usd = balance_usd + $2 WHERE key = $1`,
		key, amountUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to add balance: %w", err)
	}
	return nil
}

// DeductBalance deducts amountUSD and bumps the spend counters, but
// only when the balance covers it. Returns false on insufficient
// balance (0 rows affected), so two concurrent requests cannot both
// spend the same funds.
func (db *DB) DeductBalance(ctx context.Context, key string, amountUSD float64) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys
		 SET balance_usd = balance_usd - $2,
		     total_spent_usd = total_spent_usd + $2,
		     total_transforms = total_transforms + 1
		 WHERE key = $1 AND is_active AND balance_usd >= $2`,
		key, amountUSD,
	)
	if err != nil {
		return false, fmt.Errorf("failed to deduct balance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateAgent registers an agent bound to an API key.
func (db *DB) CreateAgent(ctx context.Context, a Agent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, description, model, api_key, free_sessions_remaining)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Name, a.Description, a.Model, a.APIKey, a.FreeSessionsRemaining,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgentByKey returns the agent bound to an API key, or nil.
func (db *DB) GetAgentByKey(ctx context.Context, apiKey string) (*Agent, error) {
	var a Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, description, model, api_key, free_sessions_remaining, total_sessions, created_at
		 FROM agents WHERE api_key = $1`,
		apiKey,
	).Scan(&a.ID, &a.Name, &a.Description, &a.Model, &a.APIKey, &a.FreeSessionsRemaining, &a.TotalSessions, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// ClaimFreeSession decrements the agent's free-session counter if any
// remain. Returns false on contention (another request took the last
// one between read and write); callers fall through to the next
// payment method.
func (db *DB) ClaimFreeSession(ctx context.Context, agentID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents
		 SET free_sessions_remaining = free_sessions_remaining - 1,
		     total_sessions = total_sessions + 1
		 WHERE id = $1 AND free_sessions_remaining > 0`,
		agentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim free session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
