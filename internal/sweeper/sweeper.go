// Package sweeper recovers pieces the generation pipeline abandoned:
// anything still pending or failed past the staleness threshold is
// claimed and re-run on a fixed schedule or on operator demand.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/muse-works/muse/internal/db"
)

// staleAfter is how long a non-terminal piece may sit before the
// sweeper picks it up.
const staleAfter = 2 * time.Minute

// batchSize caps how many pieces one sweep touches.
const batchSize = 10

// Store is the persistence surface the sweeper needs.
type Store interface {
	ListStalePieces(ctx context.Context, olderThan time.Duration, limit int) ([]db.StalePiece, error)
	ClaimStalePiece(ctx context.Context, id uuid.UUID) (bool, error)
	MarkPieceFailed(ctx context.Context, id uuid.UUID) (bool, error)
}

// Generator re-runs the generation pipeline for a claimed piece.
type Generator interface {
	GenerateFromWriting(ctx context.Context, pieceID uuid.UUID, writing string) error
	GenerateForSubject(ctx context.Context, pieceID uuid.UUID, name, moment string, collectionID *uuid.UUID) error
}

// Sweeper owns the recovery loop.
type Sweeper struct {
	store     Store
	generator Generator
	logger    zerolog.Logger
	cron      *cron.Cron

	// pause between claimed pieces, shortened in tests
	itemDelay time.Duration
}

// New builds a sweeper over the shared orchestrator.
func New(store Store, generator Generator, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		generator: generator,
		logger:    logger.With().Str("module", "sweeper").Logger(),
		itemDelay: time.Second,
	}
}

// Start schedules sweeps on a cron spec (e.g. "@every 1m") and runs
// them until Stop.
func (s *Sweeper) Start(spec string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Str("spec", spec).Msg("sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep claims and re-runs stale pieces, oldest first. Returns how many
// pieces were retried.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListStalePieces(ctx, staleAfter, batchSize)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	s.logger.Info().Int("count", len(stale)).Msg("retrying stale pieces")

	retried := 0
	for i, piece := range stale {
		claimed, err := s.store.ClaimStalePiece(ctx, piece.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("piece", piece.ID.String()[:8]).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another path picked it up between the list and the claim.
			continue
		}

		retried++
		if err := s.rerun(ctx, piece); err != nil {
			s.logger.Error().Err(err).Str("piece", piece.ID.String()[:8]).Msg("retry failed")
			if _, err := s.store.MarkPieceFailed(ctx, piece.ID); err != nil {
				s.logger.Error().Err(err).Msg("failed to mark piece failed")
			}
		} else {
			s.logger.Info().Str("piece", piece.ID.String()[:8]).Msg("retry succeeded")
		}

		if i < len(stale)-1 && s.itemDelay > 0 {
			select {
			case <-ctx.Done():
				return retried, ctx.Err()
			case <-time.After(s.itemDelay):
			}
		}
	}
	return retried, nil
}

func (s *Sweeper) rerun(ctx context.Context, piece db.StalePiece) error {
	switch {
	case piece.SubjectName != nil && piece.SubjectMoment != nil:
		return s.generator.GenerateForSubject(ctx, piece.ID, *piece.SubjectName, *piece.SubjectMoment, piece.CollectionID)
	case piece.WritingText != nil && *piece.WritingText != "":
		return s.generator.GenerateFromWriting(ctx, piece.ID, *piece.WritingText)
	default:
		return fmt.Errorf("no inputs to retry piece %s", piece.ID)
	}
}
