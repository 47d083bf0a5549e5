package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muse-works/muse/internal/admission"
	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/payments"
	"github.com/muse-works/muse/internal/pipeline"
)

// generateRequest asks for one paid piece. Either writing text or a
// subject name + moment must be present.
type generateRequest struct {
	Writing        string `json:"writing"`
	EnhancedPrompt string `json:"enhanced_prompt"`
	SubjectName    string `json:"subject_name"`
	SubjectMoment  string `json:"subject_moment"`
}

// backgroundTimeout bounds one background generation run.
const backgroundTimeout = 10 * time.Minute

// handleGenerate admits a paid generation request and starts the
// pipeline in the background. Payment evidence is checked in order:
// agent free sessions, prepaid balance, wallet tx hash, x402
// facilitator. With no evidence at all the response is a 402 carrying
// a payment challenge header.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	req.Writing = strings.TrimSpace(req.Writing)
	req.SubjectName = strings.TrimSpace(req.SubjectName)
	hasSubject := req.SubjectName != "" && req.SubjectMoment != ""
	if req.Writing == "" && !hasSubject {
		s.errorResponse(w, http.StatusBadRequest, "Either writing or subject_name + subject_moment is required")
		return
	}

	keyInfo, ok := s.apiKeyFromRequest(w, r)
	if !ok {
		return
	}

	paymentHeader := strings.TrimSpace(r.Header.Get("payment-signature"))
	if paymentHeader == "" {
		paymentHeader = strings.TrimSpace(r.Header.Get("x-payment"))
	}

	decision, err := s.admitter.Admit(r.Context(), keyInfo, paymentHeader, payments.GeneratePriceUSD)
	if err != nil {
		if errors.Is(err, admission.ErrPaymentRequired) {
			w.Header().Set(payments.PaymentRequiredHeader,
				payments.BuildChallenge(s.treasury, s.publicURL+"/api/v1/generate", s.usdc))
			s.errorResponse(w, http.StatusPaymentRequired, "Payment Required")
			return
		}
		var verification *payments.VerificationFailedError
		if errors.As(err, &verification) {
			s.jsonResponse(w, http.StatusPaymentRequired, map[string]string{
				"error":  "payment verification failed",
				"reason": verification.Reason,
			})
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Admission failed: "+err.Error())
		return
	}

	pieceID := uuid.New()
	if hasSubject {
		err = s.createSubjectPiece(r.Context(), pieceID, req.SubjectName, req.SubjectMoment)
	} else {
		err = s.createWritingPiece(r.Context(), pieceID, req.Writing)
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.recordGeneration(r.Context(), pieceID, decision)

	if hasSubject {
		s.spawnGeneration(pieceID, func(ctx context.Context) error {
			return s.generator.GenerateForSubject(ctx, pieceID, req.SubjectName, req.SubjectMoment, nil)
		})
	} else {
		s.spawnGeneration(pieceID, func(ctx context.Context) error {
			return s.generator.GenerateImageOnly(ctx, pieceID, req.Writing, req.EnhancedPrompt)
		})
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"piece_id":       pieceID,
		"status":         "generating",
		"payment_method": decision.Method,
		"url":            s.publicURL + "/piece/" + pieceID.String(),
	})
}

// createWritingPiece stores the caller's text as a synthetic writing
// session and a piece linked to it.
func (s *Server) createWritingPiece(ctx context.Context, pieceID uuid.UUID, writing string) error {
	const userID = "api-user"
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return err
	}
	sessionID := uuid.New()
	if err := s.store.CreateWritingSession(ctx, db.WritingSession{
		ID:              sessionID,
		UserID:          userID,
		Content:         writing,
		DurationSeconds: 480,
		WordCount:       len(strings.Fields(writing)),
	}); err != nil {
		return err
	}
	return s.store.CreatePiece(ctx, db.CreatePieceParams{
		ID:               pieceID,
		WritingSessionID: &sessionID,
		UserID:           userID,
		Origin:           db.OriginGenerated,
		Status:           db.StatusGenerating,
	})
}

// createSubjectPiece stores a piece keyed by subject; the writing
// session comes later when the pipeline generates the stream.
func (s *Server) createSubjectPiece(ctx context.Context, pieceID uuid.UUID, name, moment string) error {
	const userID = "system"
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return err
	}
	return s.store.CreatePiece(ctx, db.CreatePieceParams{
		ID:            pieceID,
		UserID:        userID,
		Origin:        db.OriginGenerated,
		Status:        db.StatusGenerating,
		SubjectName:   &name,
		SubjectMoment: &moment,
	})
}

// recordGeneration writes the audit row for an admitted request. A
// failure here is logged but does not abort generation.
func (s *Server) recordGeneration(ctx context.Context, pieceID uuid.UUID, decision *admission.Decision) {
	record := db.GenerationRecord{
		ID:            uuid.New(),
		PieceID:       pieceID,
		APIKey:        decision.APIKey,
		PaymentMethod: decision.Method,
		AmountUSD:     decision.AmountUSD,
		TxHash:        decision.TxHash,
	}
	if decision.AgentID != nil {
		agentID := decision.AgentID.String()
		record.AgentID = &agentID
	}
	if err := s.store.InsertGenerationRecord(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("piece", pieceID.String()).Msg("recording generation")
	}
}

// spawnGeneration runs one pipeline job in the background. On failure
// the piece is marked failed so the caller's poll sees a terminal
// state; pieces that stall without reaching here are picked up by the
// sweeper.
func (s *Server) spawnGeneration(pieceID uuid.UUID, run func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Error().Err(err).Str("piece", pieceID.String()).Msg("generation failed")
			if _, markErr := s.store.MarkPieceFailed(ctx, pieceID); markErr != nil {
				s.logger.Error().Err(markErr).Str("piece", pieceID.String()).Msg("marking piece failed")
			}
		}
	}()
}

// handleGetPiece returns piece status and outputs for polling. The
// source writing is only included for the owning caller.
func (s *Server) handleGetPiece(w http.ResponseWriter, r *http.Request) {
	pieceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid piece ID")
		return
	}

	piece, err := s.store.GetPiece(r.Context(), pieceID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if piece == nil {
		notFound := &ErrPieceNotFound{PieceID: pieceID}
		s.errorResponse(w, HTTPStatus(notFound), notFound.Error())
		return
	}

	var imageURL *string
	if piece.ImagePath != nil {
		u := s.publicURL + "/images/" + *piece.ImagePath
		imageURL = &u
	}

	writing := piece.WritingText
	if piece.Origin == db.OriginWritten {
		viewer := ""
		if cookie, cookieErr := r.Cookie("muse_user_id"); cookieErr == nil {
			viewer = cookie.Value
		}
		owner, ownerErr := s.store.PieceOwner(r.Context(), pieceID)
		if ownerErr != nil || viewer == "" || owner != viewer {
			writing = nil
		}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"id":           piece.ID,
		"status":       piece.Status,
		"title":        piece.Title,
		"reflection":   piece.Reflection,
		"image_url":    imageURL,
		"image_prompt": piece.ImagePrompt,
		"caption":      piece.Caption,
		"writing":      writing,
		"url":          s.publicURL + "/piece/" + piece.ID.String(),
		"created_at":   piece.CreatedAt,
		"origin":       piece.Origin,
	})
}

// handleListPieces lists pieces, optionally filtered by origin.
func (s *Server) handleListPieces(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin != "" && origin != db.OriginWritten && origin != db.OriginGenerated {
		s.errorResponse(w, http.StatusBadRequest, "origin must be 'written' or 'generated'")
		return
	}

	pieces, err := s.store.ListPieces(r.Context(), origin)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"pieces": pieces,
		"count":  len(pieces),
	})
}

// handleRetryFailed runs one recovery sweep over stalled pieces.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	retried, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Sweep failed: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]int{"retried": retried})
}

// handleCostEstimate returns the advertised generation price and the
// modeled cost of producing one piece.
func (s *Server) handleCostEstimate(w http.ResponseWriter, r *http.Request) {
	average, err := s.store.AveragePieceCost(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("average piece cost lookup failed")
		average = 0
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"cost_per_piece":      payments.GeneratePriceUSD,
		"modeled_cost_usd":    pipeline.SinglePieceCost(),
		"average_actual_usd":  average,
		"collection_cost_usd": pipeline.CollectionCost(88),
		"protocol_fee_pct":    0,
	})
}
