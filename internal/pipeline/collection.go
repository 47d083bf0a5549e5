package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/llm"
)

// CollectionStore extends Store with the collection bookkeeping the
// batch runner needs.
type CollectionStore interface {
	Store
	SetCollectionStatus(ctx context.Context, id uuid.UUID, status string) error
	SetCollectionProgress(ctx context.Context, id uuid.UUID, progress int) error
	MarkPieceFailed(ctx context.Context, id uuid.UUID) (bool, error)
}

// CollectionRunner generates a paid collection subject by subject.
type CollectionRunner struct {
	store        CollectionStore
	orchestrator *Orchestrator
	logger       zerolog.Logger

	// pause between subjects, shortened in tests
	itemDelay time.Duration
}

// NewCollectionRunner builds a runner over the shared orchestrator.
func NewCollectionRunner(store CollectionStore, orchestrator *Orchestrator, logger zerolog.Logger) *CollectionRunner {
	return &CollectionRunner{
		store:        store,
		orchestrator: orchestrator,
		logger:       logger.With().Str("module", "collection").Logger(),
		itemDelay:    2 * time.Second,
	}
}

// DecodeSubjects parses the subjects_json column back into the ordered
// subject list.
func DecodeSubjects(subjectsJSON []byte) ([]llm.Subject, error) {
	var subjects []llm.Subject
	if err := json.Unmarshal(subjectsJSON, &subjects); err != nil {
		return nil, fmt.Errorf("failed to decode subject list: %w", err)
	}
	return subjects, nil
}

// Run generates every subject in order. A failed subject is logged and
// left for the sweeper; progress still advances and the collection
// finishes as complete either way.
func (r *CollectionRunner) Run(ctx context.Context, collectionID uuid.UUID, userID string, subjects []llm.Subject) error {
	log := r.logger.With().Str("collection", collectionID.String()[:8]).Logger()
	log.Info().Int("subjects", len(subjects)).Msg("starting collection")

	if err := r.store.SetCollectionStatus(ctx, collectionID, db.CollectionGenerating); err != nil {
		return err
	}

	for i, subject := range subjects {
		log.Info().
			Int("index", i+1).
			Int("total", len(subjects)).
			Str("subject", subject.Name).
			Msg("generating subject")

		pieceID := uuid.New()
		err := r.store.CreatePiece(ctx, db.CreatePieceParams{
			ID:            pieceID,
			UserID:        userID,
			CollectionID:  &collectionID,
			Origin:        db.OriginGenerated,
			Status:        db.StatusGenerating,
			SubjectName:   &subject.Name,
			SubjectMoment: &subject.Moment,
		})
		if err != nil {
			log.Error().Err(err).Str("subject", subject.Name).Msg("failed to create piece")
		} else if err := r.orchestrator.GenerateForSubject(ctx, pieceID, subject.Name, subject.Moment, &collectionID); err != nil {
			log.Error().Err(err).Str("subject", subject.Name).Msg("subject generation failed")
			r.markPieceFailed(ctx, pieceID, log)
		} else {
			log.Info().Int("index", i+1).Str("subject", subject.Name).Msg("subject complete")
		}

		if err := r.store.SetCollectionProgress(ctx, collectionID, i+1); err != nil {
			log.Error().Err(err).Msg("failed to update progress")
		}

		if i < len(subjects)-1 && r.itemDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.itemDelay):
			}
		}
	}

	if err := r.store.SetCollectionStatus(ctx, collectionID, db.CollectionComplete); err != nil {
		return err
	}
	log.Info().Msg("collection complete")
	return nil
}

// markPieceFailed is best effort; the failed piece stays visible to the
// sweeper either way.
func (r *CollectionRunner) markPieceFailed(ctx context.Context, pieceID uuid.UUID, log zerolog.Logger) {
	if _, err := r.store.MarkPieceFailed(ctx, pieceID); err != nil {
		log.Error().Err(err).Msg("failed to mark piece failed")
	}
}
