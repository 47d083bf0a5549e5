package db

import (
	"time"

	"github.com/google/uuid"
)

// Piece origin values. A written piece is derived from a real writing
// session; a generated piece comes from a synthetic subject or a direct
// paid request.
const (
	OriginWritten   = "written"
	OriginGenerated = "generated"
)

// Piece status values. Status only advances
// pending -> generating -> {complete, failed}; complete is terminal.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Collection status values.
const (
	CollectionPending    = "pending"
	CollectionPaid       = "paid"
	CollectionGenerating = "generating"
	CollectionComplete   = "complete"
)

// Payment method tags recorded on generation records.
const (
	MethodFreeSession = "free_session"
	MethodBalance     = "balance"
	MethodWallet      = "wallet"
	MethodFacilitator = "facilitator"
)

// Piece is one artifact-generation unit.
type Piece struct {
	ID               uuid.UUID  `json:"id"`
	WritingSessionID *uuid.UUID `json:"writing_session_id,omitempty"`
	UserID           string     `json:"user_id"`
	CollectionID     *uuid.UUID `json:"collection_id,omitempty"`
	Origin           string     `json:"origin"`
	Status           string     `json:"status"`
	SubjectName      *string    `json:"subject_name,omitempty"`
	SubjectMoment    *string    `json:"subject_moment,omitempty"`
	ImagePrompt      *string    `json:"image_prompt,omitempty"`
	Reflection       *string    `json:"reflection,omitempty"`
	Title            *string    `json:"title,omitempty"`
	ImagePath        *string    `json:"image_path,omitempty"`
	Caption          *string    `json:"caption,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// PieceDetail is a Piece joined with its writing session text.
type PieceDetail struct {
	Piece
	WritingText *string `json:"writing_text,omitempty"`
}

// WritingSession is the source text a written piece links to.
type WritingSession struct {
	ID              uuid.UUID `json:"id"`
	UserID          string    `json:"user_id"`
	Content         string    `json:"content"`
	DurationSeconds float64   `json:"duration_seconds"`
	WordCount       int       `json:"word_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Collection is a batch of pieces generated from an expanded subject list.
type Collection struct {
	ID              uuid.UUID `json:"id"`
	UserID          string    `json:"user_id"`
	MegaPrompt      string    `json:"mega_prompt"`
	SubjectsJSON    []byte    `json:"-"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	Total           int       `json:"total"`
	CostEstimateUSD float64   `json:"cost_estimate_usd"`
	PaymentTxHash   *string   `json:"payment_tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// APIKey carries a prepaid USD balance.
type APIKey struct {
	Key             string    `json:"key"`
	Label           *string   `json:"label,omitempty"`
	BalanceUSD      float64   `json:"balance_usd"`
	TotalSpentUSD   float64   `json:"total_spent_usd"`
	TotalTransforms int       `json:"total_transforms"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Agent is a registered caller bound 1:1 to an API key, with a grant of
// free sessions.
type Agent struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	Description           *string   `json:"description,omitempty"`
	Model                 *string   `json:"model,omitempty"`
	APIKey                string    `json:"api_key"`
	FreeSessionsRemaining int       `json:"free_sessions_remaining"`
	TotalSessions         int       `json:"total_sessions"`
	CreatedAt             time.Time `json:"created_at"`
}

// GenerationRecord is the write-once audit row for one admitted request.
type GenerationRecord struct {
	ID            uuid.UUID `json:"id"`
	PieceID       uuid.UUID `json:"piece_id"`
	APIKey        *string   `json:"api_key,omitempty"`
	AgentID       *string   `json:"agent_id,omitempty"`
	PaymentMethod string    `json:"payment_method"`
	AmountUSD     float64   `json:"amount_usd"`
	TxHash        *string   `json:"tx_hash,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StalePiece is a sweeper candidate: a non-terminal piece past the
// staleness threshold, with whatever inputs are needed to re-run it.
type StalePiece struct {
	ID            uuid.UUID
	Origin        string
	WritingText   *string
	SubjectName   *string
	SubjectMoment *string
	CollectionID  *uuid.UUID
}
