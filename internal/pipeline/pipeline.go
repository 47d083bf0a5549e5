// Package pipeline orchestrates the generation stages that turn a
// writing session or a subject into a finished piece: scene prompt,
// reflection, title, and rendered image, with a cost record written
// per billable stage.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/imagegen"
	"github.com/muse-works/muse/internal/llm"
)

// costService tags every ledger row written by the pipeline.
const costService = "gemini"

// Store is the persistence surface the pipeline writes through.
type Store interface {
	EnsureUser(ctx context.Context, userID string) error
	GetPiece(ctx context.Context, id uuid.UUID) (*db.PieceDetail, error)
	CreateWritingSession(ctx context.Context, s db.WritingSession) error
	CreatePiece(ctx context.Context, p db.CreatePieceParams) error
	SetPieceWritingSession(ctx context.Context, id, sessionID uuid.UUID) error
	CompletePiece(ctx context.Context, id uuid.UUID, imagePrompt, reflection, title, imagePath, caption string) error
	CompletePieceImage(ctx context.Context, id uuid.UUID, imagePrompt, imagePath string) error
	SetPieceTitleReflection(ctx context.Context, id uuid.UUID, title, reflection string) error
	InsertCostRecord(ctx context.Context, service, model string, inputTokens, outputTokens int64, costUSD float64, relatedID *uuid.UUID) error
}

// ImageRenderer renders and persists images.
type ImageRenderer interface {
	Generate(ctx context.Context, scenePrompt string) (*imagegen.Image, error)
	Save(img *imagegen.Image, id string) (string, error)
	Model() string
}

// Orchestrator runs generation stages against a piece. It never marks
// pieces failed; callers own that decision so the sweeper and handlers
// can apply their own claim semantics.
type Orchestrator struct {
	store  Store
	text   llm.Client
	images ImageRenderer
	logger zerolog.Logger
}

// NewOrchestrator builds an orchestrator. text and images may be nil
// when generation credentials are not configured; every run then
// short-circuits with a warning and leaves the piece untouched.
func NewOrchestrator(store Store, text llm.Client, images ImageRenderer, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		text:   text,
		images: images,
		logger: logger.With().Str("module", "pipeline").Logger(),
	}
}

func (o *Orchestrator) ready() bool {
	return o.text != nil && o.images != nil
}

// recordTextCost writes the ledger row for one text stage.
func (o *Orchestrator) recordTextCost(ctx context.Context, result *llm.Result, tier llm.ModelTier, relatedID *uuid.UUID) (float64, error) {
	cost := TextCost(result.InputTokens, result.OutputTokens)
	err := o.store.InsertCostRecord(ctx, costService, o.text.Model(tier),
		result.InputTokens, result.OutputTokens, cost, relatedID)
	if err != nil {
		return 0, err
	}
	return cost, nil
}

// GenerateFromWriting runs the full pipeline for a written piece:
// writing to image prompt, writing to reflection, all three to title,
// then the rendered image and the final complete update.
func (o *Orchestrator) GenerateFromWriting(ctx context.Context, pieceID uuid.UUID, writing string) error {
	if !o.ready() {
		o.logger.Warn().Msg("generation credentials not configured, skipping")
		return nil
	}

	log := o.logger.With().Str("piece", pieceID.String()[:8]).Logger()
	log.Info().Msg("starting full generation")

	promptResult, err := llm.GenerateImagePrompt(ctx, o.text, writing)
	if err != nil {
		return fmt.Errorf("image prompt stage: %w", err)
	}
	promptCost, err := o.recordTextCost(ctx, promptResult, llm.TierStandard, &pieceID)
	if err != nil {
		return err
	}
	log.Info().Float64("cost", promptCost).Msg("image prompt generated")

	reflectionResult, err := llm.GenerateReflection(ctx, o.text, writing)
	if err != nil {
		return fmt.Errorf("reflection stage: %w", err)
	}
	reflectionCost, err := o.recordTextCost(ctx, reflectionResult, llm.TierStandard, &pieceID)
	if err != nil {
		return err
	}
	log.Info().Float64("cost", reflectionCost).Msg("reflection generated")

	titleResult, err := llm.GenerateTitle(ctx, o.text, writing, promptResult.Text, reflectionResult.Text)
	if err != nil {
		return fmt.Errorf("title stage: %w", err)
	}
	titleCost, err := o.recordTextCost(ctx, titleResult, llm.TierStandard, &pieceID)
	if err != nil {
		return err
	}
	title := titleResult.Text
	log.Info().Str("title", title).Float64("cost", titleCost).Msg("title generated")

	imagePath, err := o.renderImage(ctx, pieceID, promptResult.Text)
	if err != nil {
		return err
	}

	caption := fmt.Sprintf("%s — %s", title, promptResult.Text)
	if err := o.store.CompletePiece(ctx, pieceID, promptResult.Text, reflectionResult.Text, title, imagePath, caption); err != nil {
		return fmt.Errorf("failed to complete piece: %w", err)
	}

	total := promptCost + reflectionCost + titleCost + imagegen.ImageCostUSD
	log.Info().Str("title", title).Float64("total_cost", total).Msg("piece complete")
	return nil
}

// GenerateImageOnly runs the direct paid path: the supplied enhanced
// prompt is used as-is; otherwise the raw text is classified and
// enhanced first. A piece that still has neither title nor reflection
// gets both from one combined fallback completion.
func (o *Orchestrator) GenerateImageOnly(ctx context.Context, pieceID uuid.UUID, rawText, enhancedPrompt string) error {
	if !o.ready() {
		o.logger.Warn().Msg("generation credentials not configured, skipping")
		return nil
	}

	log := o.logger.With().Str("piece", pieceID.String()[:8]).Logger()

	scenePrompt := enhancedPrompt
	if scenePrompt == "" {
		cls, result, err := llm.ClassifyPrompt(ctx, o.text, rawText)
		if err != nil {
			return fmt.Errorf("classify stage: %w", err)
		}
		if _, err := o.recordTextCost(ctx, result, llm.TierLite, &pieceID); err != nil {
			return err
		}
		if !cls.IsImageRequest {
			return fmt.Errorf("not an image request: %s", cls.Feedback)
		}
		scenePrompt = cls.EnhancedPrompt
	}

	imagePath, err := o.renderImage(ctx, pieceID, scenePrompt)
	if err != nil {
		return err
	}

	if err := o.store.CompletePieceImage(ctx, pieceID, scenePrompt, imagePath); err != nil {
		return fmt.Errorf("failed to complete piece: %w", err)
	}
	log.Info().Msg("image-only piece complete")

	// Fallback: give the piece a title and reflection off the raw text
	// when neither stage has run. Checked against the record so a
	// sweeper re-run never pays for the combined call twice.
	if rawText != "" && !o.hasTitleOrReflection(ctx, pieceID) {
		combined, err := llm.GenerateTitleAndReflection(ctx, o.text, rawText)
		if err != nil {
			log.Warn().Err(err).Msg("title+reflection fallback failed")
			return nil
		}
		if _, err := o.recordTextCost(ctx, combined, llm.TierStandard, &pieceID); err != nil {
			return err
		}
		title, reflection := llm.ParseTitleReflection(combined.Text)
		if err := o.store.SetPieceTitleReflection(ctx, pieceID, title, reflection); err != nil {
			return fmt.Errorf("failed to set title and reflection: %w", err)
		}
	}
	return nil
}

// hasTitleOrReflection reports whether either field is already set on
// the stored piece. A read failure counts as set so the billable
// fallback call is skipped rather than risked twice.
func (o *Orchestrator) hasTitleOrReflection(ctx context.Context, pieceID uuid.UUID) bool {
	piece, err := o.store.GetPiece(ctx, pieceID)
	if err != nil {
		o.logger.Warn().Err(err).Str("piece", pieceID.String()[:8]).Msg("piece lookup before fallback failed")
		return true
	}
	if piece == nil {
		return true
	}
	return (piece.Title != nil && *piece.Title != "") ||
		(piece.Reflection != nil && *piece.Reflection != "")
}

// GenerateForSubject runs the synthetic pipeline: write a first-person
// stream for (name, moment), store it as a writing session, then run
// the full pipeline off that text. Stream cost is recorded against the
// collection when one is given, the piece otherwise.
func (o *Orchestrator) GenerateForSubject(ctx context.Context, pieceID uuid.UUID, name, moment string, collectionID *uuid.UUID) error {
	if !o.ready() {
		o.logger.Warn().Msg("generation credentials not configured, skipping")
		return nil
	}

	log := o.logger.With().Str("subject", name).Logger()
	log.Info().Str("moment", moment).Msg("generating subject stream")

	streamResult, err := llm.GenerateSubjectStream(ctx, o.text, name, moment)
	if err != nil {
		return fmt.Errorf("stream stage: %w", err)
	}
	costTarget := &pieceID
	if collectionID != nil {
		costTarget = collectionID
	}
	cost := TextCost(streamResult.InputTokens, streamResult.OutputTokens)
	if err := o.store.InsertCostRecord(ctx, costService, o.text.Model(llm.TierStandard),
		streamResult.InputTokens, streamResult.OutputTokens, cost, costTarget); err != nil {
		return err
	}
	log.Info().Int("words", wordCount(streamResult.Text)).Float64("cost", cost).Msg("stream generated")

	if err := o.store.EnsureUser(ctx, "system"); err != nil {
		return err
	}
	session := db.WritingSession{
		ID:              uuid.New(),
		UserID:          "system",
		Content:         streamResult.Text,
		DurationSeconds: 480, // simulated 8-minute session
		WordCount:       wordCount(streamResult.Text),
	}
	if err := o.store.CreateWritingSession(ctx, session); err != nil {
		return err
	}
	if err := o.store.SetPieceWritingSession(ctx, pieceID, session.ID); err != nil {
		return err
	}

	return o.GenerateFromWriting(ctx, pieceID, streamResult.Text)
}

func (o *Orchestrator) renderImage(ctx context.Context, pieceID uuid.UUID, scenePrompt string) (string, error) {
	img, err := o.images.Generate(ctx, scenePrompt)
	if err != nil {
		return "", fmt.Errorf("image stage: %w", err)
	}
	imagePath, err := o.images.Save(img, pieceID.String())
	if err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	if err := o.store.InsertCostRecord(ctx, costService, o.images.Model(), 0, 0, imagegen.ImageCostUSD, &pieceID); err != nil {
		return "", err
	}
	return imagePath, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
