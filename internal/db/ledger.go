package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertCostRecord appends one row to the cost ledger. Rows are written
// per billable stage, immediately, and never mutated.
func (db *DB) InsertCostRecord(ctx context.Context, service, model string, inputTokens, outputTokens int64, costUSD float64, relatedID *uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cost_records (service, model, input_tokens, output_tokens, cost_usd, related_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		service, model, inputTokens, outputTokens, costUSD, relatedID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

// TotalCost returns the lifetime spend across all services.
func (db *DB) TotalCost(ctx context.Context) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records`,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost records: %w", err)
	}
	return total, nil
}

// AveragePieceCost returns the average total spend per related id,
// which feeds collection cost estimates.
func (db *DB) AveragePieceCost(ctx context.Context) (float64, error) {
	var avg float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(total_cost), 0) FROM (
			SELECT SUM(cost_usd) AS total_cost
			FROM cost_records
			WHERE related_id IS NOT NULL
			GROUP BY related_id
		) per_piece`,
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average piece cost: %w", err)
	}
	return avg, nil
}

// TxHashUsed reports whether a transaction hash has already been
// redeemed for credits. Replays are rejected before touching the chain.
func (db *DB) TxHashUsed(ctx context.Context, txHash string) (bool, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_purchases WHERE tx_hash = $1`,
		txHash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check tx hash: %w", err)
	}
	return count > 0, nil
}

// InsertCreditPurchase records a verified top-up. The unique tx_hash
// constraint backs the replay check under concurrency.
func (db *DB) InsertCreditPurchase(ctx context.Context, id uuid.UUID, apiKey, txHash string, amountUSDC, credited float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO credit_purchases (id, api_key, tx_hash, amount_usdc, amount_credited_usd)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, apiKey, txHash, amountUSDC, credited,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit purchase: %w", err)
	}
	return nil
}

// InsertGenerationRecord writes the audit row for one admitted request.
func (db *DB) InsertGenerationRecord(ctx context.Context, r GenerationRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO generation_records (id, piece_id, api_key, agent_id, payment_method, amount_usd, tx_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PieceID, r.APIKey, r.AgentID, r.PaymentMethod, r.AmountUSD, r.TxHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation record: %w", err)
	}
	return nil
}

// RecentGenerationRecords returns the latest admissions for a key.
func (db *DB) RecentGenerationRecords(ctx context.Context, apiKey string, limit int) ([]GenerationRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, piece_id, api_key, agent_id, payment_method, amount_usd, tx_hash, created_at
		 FROM generation_records WHERE api_key = $1
		 ORDER BY created_at DESC LIMIT $2`,
		apiKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation records: %w", err)
	}
	defer rows.Close()

	var records []GenerationRecord
	for rows.Next() {
		var r GenerationRecord
		if err := rows.Scan(&r.ID, &r.PieceID, &r.APIKey, &r.AgentID, &r.PaymentMethod, &r.AmountUSD, &r.TxHash, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
