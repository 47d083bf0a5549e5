package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/payments"
)

// apiKeyPrefix namespaces generated keys so they are recognizable in
// logs and support requests.
const apiKeyPrefix = "muse_"

// freeSessionGrant is the number of free generations a newly registered
// agent receives.
const freeSessionGrant = 4

// minCreditUSDC is the smallest transfer accepted as a credit purchase.
const minCreditUSDC = 0.01

// generateAPIKey returns a fresh random key: prefix + 32 hex chars.
func generateAPIKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(raw), nil
}

type createKeyRequest struct {
	Label string `json:"label"`
}

// handleCreateKey creates a new API key with an empty balance.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	key, err := generateAPIKey()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	var label *string
	if req.Label != "" {
		label = &req.Label
	}
	if err := s.store.CreateAPIKey(r.Context(), key, label); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]string{
		"key":     key,
		"message": "API key created. fund it with USDC on Base to start generating.",
	})
}

type registerAgentRequest struct {
	Name        string  `json:"name" validate:"required,max=100"`
	Description *string `json:"description"`
	Model       *string `json:"model"`
}

// handleRegisterAgent creates an agent with a fresh API key and a
// free-session grant.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}

	key, err := generateAPIKey()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.CreateAPIKey(r.Context(), key, &name); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	agentID := uuid.New()
	if err := s.store.CreateAgent(r.Context(), db.Agent{
		ID:                    agentID,
		Name:                  name,
		Description:           req.Description,
		Model:                 req.Model,
		APIKey:                key,
		FreeSessionsRemaining: freeSessionGrant,
	}); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"agent_id":                agentID,
		"api_key":                 key,
		"free_sessions_remaining": freeSessionGrant,
		"message":                 "save your API key. it is only shown once.",
	})
}

type creditPaymentRequest struct {
	APIKey string `json:"api_key" validate:"required"`
	TxHash string `json:"tx_hash" validate:"required"`
}

// handleVerifyCredits redeems an on-chain USDC transfer as prepaid
// balance. Each transaction hash can be redeemed once; the amount is
// credited 1:1.
func (s *Server) handleVerifyCredits(w http.ResponseWriter, r *http.Request) {
	var req creditPaymentRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !payments.IsTxHash(req.TxHash) {
		s.errorResponse(w, http.StatusBadRequest, "tx_hash must be a 0x-prefixed 32-byte hash")
		return
	}

	keyRecord, err := s.store.GetAPIKey(r.Context(), req.APIKey)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if keyRecord == nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid API key")
		return
	}
	if !keyRecord.IsActive {
		s.errorResponse(w, http.StatusBadRequest, "API key is deactivated")
		return
	}

	used, err := s.store.TxHashUsed(r.Context(), req.TxHash)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if used {
		replayed := &ErrTxHashReplayed{TxHash: req.TxHash}
		s.errorResponse(w, HTTPStatus(replayed), "transaction already used")
		return
	}

	verification, err := s.verifier.Verify(r.Context(), req.TxHash, payments.MinorUnits(minCreditUSDC))
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, "Verification failed: "+err.Error())
		return
	}
	if !verification.Valid {
		s.errorResponse(w, http.StatusBadRequest, "payment not found or too small: "+verification.Reason)
		return
	}

	credited := verification.AmountUSD
	if err := s.store.InsertCreditPurchase(r.Context(), uuid.New(), req.APIKey, req.TxHash, verification.AmountUSD, credited); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if err := s.store.AddBalance(r.Context(), req.APIKey, credited); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	updated, err := s.store.GetAPIKey(r.Context(), req.APIKey)
	if err != nil || updated == nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error after credit")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]float64{
		"credited":    credited,
		"new_balance": updated.BalanceUSD,
	})
}

// handleCreditsUsage returns balance, cumulative spend and recent
// generation records for an API key.
func (s *Server) handleCreditsUsage(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.errorResponse(w, http.StatusBadRequest, "missing key parameter")
		return
	}

	keyRecord, err := s.store.GetAPIKey(r.Context(), key)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if keyRecord == nil {
		s.errorResponse(w, http.StatusNotFound, "API key not found")
		return
	}

	recent, err := s.store.RecentGenerationRecords(r.Context(), key, 20)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"balance_usd":        keyRecord.BalanceUSD,
		"total_spent_usd":    keyRecord.TotalSpentUSD,
		"total_transforms":   keyRecord.TotalTransforms,
		"recent_generations": recent,
	})
}
