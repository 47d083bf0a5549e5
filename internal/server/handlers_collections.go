package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/muse-works/muse/internal/llm"
	"github.com/muse-works/muse/internal/payments"
	"github.com/muse-works/muse/internal/pipeline"
)

// collectionUser owns every collection-generated piece.
const collectionUser = "anonymous"

type createCollectionRequest struct {
	MegaPrompt string `json:"mega_prompt" validate:"required"`
}

// handleCreateCollection expands a mega-prompt into its subject list
// and stores the collection with a cost estimate. Expansion happens
// exactly once, here; generation starts only after payment.
func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if s.text == nil {
		unavailable := &ErrGenerationUnavailable{}
		s.errorResponse(w, HTTPStatus(unavailable), unavailable.Error())
		return
	}

	subjects, result, err := llm.ExpandSubjects(r.Context(), s.text, req.MegaPrompt)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, "Subject expansion failed: "+err.Error())
		return
	}
	s.logger.Info().Int("subjects", len(subjects)).
		Int64("input_tokens", result.InputTokens).
		Int64("output_tokens", result.OutputTokens).
		Msg("mega-prompt expanded")

	subjectsJSON, err := json.Marshal(subjects)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Encoding subjects failed: "+err.Error())
		return
	}

	if err := s.store.EnsureUser(r.Context(), collectionUser); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	collectionID := uuid.New()
	costEstimate := pipeline.CollectionCost(len(subjects))
	if err := s.store.CreateCollection(r.Context(), collectionID, collectionUser, req.MegaPrompt, subjectsJSON, len(subjects), costEstimate); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.logger.Info().Str("collection", collectionID.String()).
		Float64("estimate_usd", costEstimate).
		Msg("collection created")

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"id":                collectionID,
		"cost_estimate_usd": costEstimate,
		"num_subjects":      len(subjects),
	})
}

// handleGetCollection returns collection progress for polling.
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	collectionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid collection ID")
		return
	}

	collection, err := s.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if collection == nil {
		notFound := &ErrCollectionNotFound{CollectionID: collectionID}
		s.errorResponse(w, HTTPStatus(notFound), notFound.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"id":                collection.ID,
		"status":            collection.Status,
		"progress":          collection.Progress,
		"total":             collection.Total,
		"cost_estimate_usd": collection.CostEstimateUSD,
		"created_at":        collection.CreatedAt,
	})
}

type collectionPaymentRequest struct {
	TxHash         string  `json:"tx_hash" validate:"required"`
	ExpectedAmount float64 `json:"expected_amount" validate:"gt=0"`
}

// handleVerifyCollectionPayment checks the payment transfer on-chain,
// marks the collection paid and launches batch generation in the
// background.
func (s *Server) handleVerifyCollectionPayment(w http.ResponseWriter, r *http.Request) {
	collectionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid collection ID")
		return
	}

	var req collectionPaymentRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !payments.IsTxHash(req.TxHash) {
		s.errorResponse(w, http.StatusBadRequest, "tx_hash must be a 0x-prefixed 32-byte hash")
		return
	}

	collection, err := s.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if collection == nil {
		notFound := &ErrCollectionNotFound{CollectionID: collectionID}
		s.errorResponse(w, HTTPStatus(notFound), notFound.Error())
		return
	}
	if collection.PaymentTxHash != nil {
		s.errorResponse(w, http.StatusBadRequest, "collection already paid")
		return
	}

	verification, err := s.verifier.Verify(r.Context(), req.TxHash, payments.MinorUnits(req.ExpectedAmount))
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, "Verification failed: "+err.Error())
		return
	}
	if !verification.Valid {
		s.jsonResponse(w, http.StatusOK, map[string]any{
			"valid":  false,
			"reason": verification.Reason,
		})
		return
	}

	// Conditional claim: of two concurrent verify calls only one may
	// launch generation for the payment.
	claimed, err := s.store.MarkCollectionPaid(r.Context(), collectionID, req.TxHash)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if !claimed {
		s.errorResponse(w, http.StatusBadRequest, "collection already paid")
		return
	}

	subjects, err := pipeline.DecodeSubjects(collection.SubjectsJSON)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Decoding subjects failed: "+err.Error())
		return
	}

	userID := collection.UserID
	go func() {
		if runErr := s.collections.Run(context.Background(), collectionID, userID, subjects); runErr != nil {
			s.logger.Error().Err(runErr).Str("collection", collectionID.String()).Msg("collection run failed")
		}
	}()

	s.logger.Info().Str("collection", collectionID.String()).
		Float64("amount_usd", verification.AmountUSD).
		Msg("collection payment verified, generation started")

	s.jsonResponse(w, http.StatusOK, map[string]any{"valid": true})
}
