package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateCollection inserts a collection with its precomputed subject
// list. The list is expanded exactly once, at creation; payment and the
// orchestrator read it back rather than re-deriving it.
func (db *DB) CreateCollection(ctx context.Context, id uuid.UUID, userID, megaPrompt string, subjectsJSON []byte, total int, costEstimate float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO collections (id, user_id, mega_prompt, subjects_json, total, cost_estimate_usd)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, megaPrompt, subjectsJSON, total, costEstimate,
	)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// GetCollection returns a collection, or nil if not found.
func (db *DB) GetCollection(ctx context.Context, id uuid.UUID) (*Collection, error) {
	var c Collection
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, mega_prompt, subjects_json, status, progress, total, cost_estimate_usd, payment_tx_hash, created_at
		 FROM collections WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserID, &c.MegaPrompt, &c.SubjectsJSON, &c.Status, &c.Progress, &c.Total, &c.CostEstimateUSD, &c.PaymentTxHash, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return &c, nil
}

// MarkCollectionPaid records the verified payment and advances status.
// Returns false when the collection was already paid (another verify
// call won the claim); only the winner may launch generation.
func (db *DB) MarkCollectionPaid(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE collections SET payment_tx_hash = $2, status = 'paid'
		 WHERE id = $1 AND payment_tx_hash IS NULL`,
		id, txHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark collection paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetCollectionStatus updates the collection status.
func (db *DB) SetCollectionStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE collections SET status = $2 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to set collection status: %w", err)
	}
	return nil
}

// SetCollectionProgress advances progress. GREATEST keeps the counter
// monotonic even if writes land out of order.
func (db *DB) SetCollectionProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE collections SET progress = GREATEST(progress, $2) WHERE id = $1`,
		id, progress,
	)
	if err != nil {
		return fmt.Errorf("failed to set collection progress: %w", err)
	}
	return nil
}
