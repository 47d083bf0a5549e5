package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreatePieceParams holds the fields set at piece creation. Output
// fields (prompt, reflection, title, image) are populated incrementally
// by the pipeline.
type CreatePieceParams struct {
	ID               uuid.UUID
	WritingSessionID *uuid.UUID
	UserID           string
	CollectionID     *uuid.UUID
	Origin           string
	Status           string
	SubjectName      *string
	SubjectMoment    *string
}

// CreatePiece inserts a new piece record.
func (db *DB) CreatePiece(ctx context.Context, p CreatePieceParams) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pieces (id, writing_session_id, user_id, collection_id, origin, status, subject_name, subject_moment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.WritingSessionID, p.UserID, p.CollectionID, p.Origin, p.Status, p.SubjectName, p.SubjectMoment,
	)
	if err != nil {
		return fmt.Errorf("failed to create piece: %w", err)
	}
	return nil
}

// GetPiece returns a piece joined with its writing session text, or nil
// if not found.
func (db *DB) GetPiece(ctx context.Context, id uuid.UUID) (*PieceDetail, error) {
	var d PieceDetail
	err := db.pool.QueryRow(ctx,
		`SELECT p.id, p.writing_session_id, p.user_id, p.collection_id, p.origin, p.status,
		        p.subject_name, p.subject_moment, p.image_prompt, p.reflection, p.title,
		        p.image_path, p.caption, p.created_at, w.content
		 FROM pieces p
		 LEFT JOIN writing_sessions w ON w.id = p.writing_session_id
		 WHERE p.id = $1`,
		id,
	).Scan(&d.ID, &d.WritingSessionID, &d.UserID, &d.CollectionID, &d.Origin, &d.Status,
		&d.SubjectName, &d.SubjectMoment, &d.ImagePrompt, &d.Reflection, &d.Title,
		&d.ImagePath, &d.Caption, &d.CreatedAt, &d.WritingText)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get piece: %w", err)
	}
	return &d, nil
}

// ListPieces returns pieces newest first. An empty origin lists every
// piece; otherwise only pieces of that origin.
func (db *DB) ListPieces(ctx context.Context, origin string) ([]Piece, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, writing_session_id, user_id, collection_id, origin, status,
		        subject_name, subject_moment, image_prompt, reflection, title,
		        image_path, caption, created_at
		 FROM pieces WHERE ($1 = '' OR origin = $1) ORDER BY created_at DESC`,
		origin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pieces: %w", err)
	}
	defer rows.Close()

	var pieces []Piece
	for rows.Next() {
		var p Piece
		if err := rows.Scan(&p.ID, &p.WritingSessionID, &p.UserID, &p.CollectionID, &p.Origin, &p.Status,
			&p.SubjectName, &p.SubjectMoment, &p.ImagePrompt, &p.Reflection, &p.Title,
			&p.ImagePath, &p.Caption, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan piece: %w", err)
		}
		pieces = append(pieces, p)
	}
	return pieces, rows.Err()
}

// SetPieceWritingSession links a piece to the writing session created
// for it after the fact (synthetic pieces get their stream written
// mid-pipeline).
func (db *DB) SetPieceWritingSession(ctx context.Context, id, sessionID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE pieces SET writing_session_id = $2 WHERE id = $1`,
		id, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to link writing session: %w", err)
	}
	return nil
}

// CompletePiece writes all output fields and advances the piece to
// complete. The status guard keeps a late retry from overwriting a
// piece another path already finalized.
func (db *DB) CompletePiece(ctx context.Context, id uuid.UUID, imagePrompt, reflection, title, imagePath, caption string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE pieces
		 SET image_prompt = $2, reflection = $3, title = $4, image_path = $5, caption = $6, status = 'complete'
		 WHERE id = $1 AND status <> 'complete'`,
		id, imagePrompt, reflection, title, imagePath, caption,
	)
	if err != nil {
		return fmt.Errorf("failed to complete piece: %w", err)
	}
	return nil
}

// CompletePieceImage writes the prompt and image path only, advancing to
// complete. Used by the image-only pipeline; title/reflection may be
// filled by a later fallback call.
func (db *DB) CompletePieceImage(ctx context.Context, id uuid.UUID, imagePrompt, imagePath string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE pieces
		 SET image_prompt = $2, image_path = $3, status = 'complete'
		 WHERE id = $1 AND status <> 'complete'`,
		id, imagePrompt, imagePath,
	)
	if err != nil {
		return fmt.Errorf("failed to complete piece image: %w", err)
	}
	return nil
}

// SetPieceTitleReflection fills title and reflection without touching
// status.
func (db *DB) SetPieceTitleReflection(ctx context.Context, id uuid.UUID, title, reflection string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE pieces SET title = $2, reflection = $3 WHERE id = $1`,
		id, title, reflection,
	)
	if err != nil {
		return fmt.Errorf("failed to set title/reflection: %w", err)
	}
	return nil
}

// MarkPieceFailed transitions a piece to failed, but only from a
// non-terminal state. Returns false when the piece was already
// finalized by another path.
func (db *DB) MarkPieceFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pieces SET status = 'failed'
		 WHERE id = $1 AND status IN ('pending', 'generating')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark piece failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimStalePiece moves a stuck piece back to generating so exactly one
// retry path owns it. Returns false when another sweep or request
// claimed or finalized it first.
func (db *DB) ClaimStalePiece(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pieces SET status = 'generating'
		 WHERE id = $1 AND status IN ('pending', 'failed')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim stale piece: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStalePieces returns retry candidates: pending or failed pieces
// older than the threshold, oldest first, capped to bound sweep load.
func (db *DB) ListStalePieces(ctx context.Context, olderThan time.Duration, limit int) ([]StalePiece, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := db.pool.Query(ctx,
		`SELECT p.id, p.origin, w.content, p.subject_name, p.subject_moment, p.collection_id
		 FROM pieces p
		 LEFT JOIN writing_sessions w ON w.id = p.writing_session_id
		 WHERE p.status IN ('pending', 'failed') AND p.created_at < $1
		 ORDER BY p.created_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pieces: %w", err)
	}
	defer rows.Close()

	var stale []StalePiece
	for rows.Next() {
		var s StalePiece
		if err := rows.Scan(&s.ID, &s.Origin, &s.WritingText, &s.SubjectName, &s.SubjectMoment, &s.CollectionID); err != nil {
			return nil, fmt.Errorf("failed to scan stale piece: %w", err)
		}
		stale = append(stale, s)
	}
	return stale, rows.Err()
}

// PieceOwner returns the user id that owns a piece's writing session.
func (db *DB) PieceOwner(ctx context.Context, id uuid.UUID) (string, error) {
	var owner string
	err := db.pool.QueryRow(ctx,
		`SELECT user_id FROM pieces WHERE id = $1`,
		id,
	).Scan(&owner)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get piece owner: %w", err)
	}
	return owner, nil
}

// CreateWritingSession stores the source text for a written piece.
func (db *DB) CreateWritingSession(ctx context.Context, s WritingSession) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO writing_sessions (id, user_id, content, duration_seconds, word_count)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.Content, s.DurationSeconds, s.WordCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create writing session: %w", err)
	}
	return nil
}
