// Package server provides the HTTP REST API for the muse service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/muse-works/muse/internal/admission"
	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/llm"
	"github.com/muse-works/muse/internal/payments"
)

// Store is the persistence surface the handlers need. *db.DB satisfies it.
type Store interface {
	EnsureUser(ctx context.Context, userID string) error
	CreatePiece(ctx context.Context, p db.CreatePieceParams) error
	GetPiece(ctx context.Context, id uuid.UUID) (*db.PieceDetail, error)
	ListPieces(ctx context.Context, origin string) ([]db.Piece, error)
	PieceOwner(ctx context.Context, id uuid.UUID) (string, error)
	MarkPieceFailed(ctx context.Context, id uuid.UUID) (bool, error)
	CreateWritingSession(ctx context.Context, s db.WritingSession) error
	SetPieceWritingSession(ctx context.Context, id, sessionID uuid.UUID) error
	InsertGenerationRecord(ctx context.Context, r db.GenerationRecord) error
	RecentGenerationRecords(ctx context.Context, apiKey string, limit int) ([]db.GenerationRecord, error)
	CreateAPIKey(ctx context.Context, key string, label *string) error
	GetAPIKey(ctx context.Context, key string) (*db.APIKey, error)
	AddBalance(ctx context.Context, key string, amountUSD float64) error
	CreateAgent(ctx context.Context, a db.Agent) error
	TxHashUsed(ctx context.Context, txHash string) (bool, error)
	InsertCreditPurchase(ctx context.Context, id uuid.UUID, apiKey, txHash string, amountUSDC, credited float64) error
	CreateCollection(ctx context.Context, id uuid.UUID, userID, megaPrompt string, subjectsJSON []byte, total int, costEstimate float64) error
	GetCollection(ctx context.Context, id uuid.UUID) (*db.Collection, error)
	MarkCollectionPaid(ctx context.Context, id uuid.UUID, txHash string) (bool, error)
	TotalCost(ctx context.Context) (float64, error)
	AveragePieceCost(ctx context.Context) (float64, error)
}

// Admitter decides whether a generation request is paid for.
type Admitter interface {
	Admit(ctx context.Context, keyInfo *db.APIKey, paymentHeader string, price float64) (*admission.Decision, error)
}

// Generator runs the generation pipeline for one piece.
type Generator interface {
	GenerateImageOnly(ctx context.Context, pieceID uuid.UUID, rawText, enhancedPrompt string) error
	GenerateForSubject(ctx context.Context, pieceID uuid.UUID, name, moment string, collectionID *uuid.UUID) error
}

// BatchRunner generates all pieces of a paid collection.
type BatchRunner interface {
	Run(ctx context.Context, collectionID uuid.UUID, userID string, subjects []llm.Subject) error
}

// ChainVerifier checks a USDC transfer on-chain.
type ChainVerifier interface {
	Verify(ctx context.Context, txHash string, minAmount *big.Int) (*payments.Verification, error)
}

// SweepRunner retries stalled pieces.
type SweepRunner interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds server configuration.
type Config struct {
	Port            int
	PublicURL       string
	DataDir         string
	TreasuryAddress string
	USDCAddress     string
}

// Deps are the wired service dependencies. Text may be nil when the AI
// credentials are not configured; collection creation then refuses.
type Deps struct {
	Store       Store
	Admitter    Admitter
	Generator   Generator
	Collections BatchRunner
	Verifier    ChainVerifier
	Sweeper     SweepRunner
	Text        llm.Client
}

// Server represents the HTTP server.
type Server struct {
	httpServer  *http.Server
	store       Store
	admitter    Admitter
	generator   Generator
	collections BatchRunner
	verifier    ChainVerifier
	sweeper     SweepRunner
	text        llm.Client

	publicURL string
	treasury  string
	usdc      string

	validate  *validator.Validate
	logger    zerolog.Logger
	startedAt time.Time
}

// New creates a new server instance.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		store:       deps.Store,
		admitter:    deps.Admitter,
		generator:   deps.Generator,
		collections: deps.Collections,
		verifier:    deps.Verifier,
		sweeper:     deps.Sweeper,
		text:        deps.Text,
		publicURL:   cfg.PublicURL,
		treasury:    cfg.TreasuryAddress,
		usdc:        cfg.USDCAddress,
		validate:    validator.New(),
		logger:      logger.With().Str("module", "server").Logger(),
		startedAt:   time.Now(),
	}

	mux := http.NewServeMux()

	// Generation
	mux.HandleFunc("POST /api/v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/v1/piece/{id}", s.handleGetPiece)
	mux.HandleFunc("GET /api/v1/pieces", s.handleListPieces)
	mux.HandleFunc("POST /api/v1/retry-failed", s.handleRetryFailed)

	// Credits and keys
	mux.HandleFunc("POST /api/v1/keys", s.handleCreateKey)
	mux.HandleFunc("POST /api/v1/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("POST /api/v1/credits/verify-payment", s.handleVerifyCredits)
	mux.HandleFunc("GET /api/v1/credits/usage", s.handleCreditsUsage)

	// Collections
	mux.HandleFunc("POST /api/v1/collections", s.handleCreateCollection)
	mux.HandleFunc("GET /api/v1/collections/{id}", s.handleGetCollection)
	mux.HandleFunc("POST /api/v1/collections/{id}/verify-payment", s.handleVerifyCollectionPayment)

	// Service info
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/cost-estimate", s.handleCostEstimate)
	mux.HandleFunc("GET /api/v1/treasury", s.handleTreasury)

	// Generated images
	mux.Handle("GET /images/", http.StripPrefix("/images/",
		http.FileServer(http.Dir(filepath.Join(cfg.DataDir, "images")))))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for requests and blocks until the context is
// canceled or a shutdown signal arrives.
func (s *Server) Start(ctx context.Context) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// withCORS adds CORS headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, payment-signature, x-payment")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("encoding JSON response")
	}
}

// errorResponse writes an error JSON response.
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// decodeAndValidate decodes a JSON body into dst and runs validation.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return false
	}
	return true
}

// apiKeyFromRequest looks up the API key presented in X-API-Key, if any.
// Returns (nil, true) when no key header was sent.
func (s *Server) apiKeyFromRequest(w http.ResponseWriter, r *http.Request) (*db.APIKey, bool) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return nil, true
	}
	info, err := s.store.GetAPIKey(r.Context(), key)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return nil, false
	}
	if info == nil || !info.IsActive {
		err := &ErrInvalidAPIKey{}
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return nil, false
	}
	return info, true
}

// handleHealth returns service status, total spend and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	totalCost, err := s.store.TotalCost(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("total cost lookup failed")
		totalCost = 0
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"total_cost_usd": totalCost,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleTreasury returns the payment recipient address.
func (s *Server) handleTreasury(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"address": s.treasury})
}
