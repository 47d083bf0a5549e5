package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/muse-works/muse/internal/admission"
	"github.com/muse-works/muse/internal/config"
	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/imagegen"
	"github.com/muse-works/muse/internal/llm"
	"github.com/muse-works/muse/internal/payments"
	"github.com/muse-works/muse/internal/pipeline"
	"github.com/muse-works/muse/internal/server"
	"github.com/muse-works/muse/internal/sweeper"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start the HTTP server, the generation pipeline and the periodic recovery sweeper.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
		With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	logger := newLogger()
	ctx := cmd.Context()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// AI clients are optional; without them admission and payments still
	// work and pieces wait for the sweeper once credentials arrive.
	var text llm.Client
	var renderer pipeline.ImageRenderer
	if cfg.HasGenerationCredentials() {
		gemini, err := llm.NewGeminiClient(ctx, llm.DefaultConfig(), cfg.GeminiAPIKey)
		if err != nil {
			return fmt.Errorf("failed to create text client: %w", err)
		}
		defer gemini.Close()
		text = gemini
		renderer = imagegen.NewClient(cfg.GeminiAPIKey, cfg.DataDir,
			filepath.Join(cfg.DataDir, "reference"), logger)
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set, generation disabled")
	}

	var facilitator admission.FacilitatorVerifier
	if cfg.FacilitatorURL != "" {
		facilitator = payments.NewFacilitatorClient(cfg.FacilitatorURL)
	}
	verifier := payments.NewVerifier(cfg.BaseRPCURL, cfg.USDCAddress, cfg.TreasuryAddress, logger)
	admitter := admission.NewController(database, facilitator, cfg.ResourceURL(), logger)

	orchestrator := pipeline.NewOrchestrator(database, text, renderer, logger)
	collections := pipeline.NewCollectionRunner(database, orchestrator, logger)
	sweep := sweeper.New(database, orchestrator, logger)

	srv := server.New(
		server.Config{
			Port:            cfg.Port,
			PublicURL:       cfg.PublicURL,
			DataDir:         cfg.DataDir,
			TreasuryAddress: cfg.TreasuryAddress,
			USDCAddress:     cfg.USDCAddress,
		},
		server.Deps{
			Store:       database,
			Admitter:    admitter,
			Generator:   orchestrator,
			Collections: collections,
			Verifier:    verifier,
			Sweeper:     sweep,
			Text:        text,
		},
		logger,
	)

	if err := sweep.Start(cfg.SweepSpec); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sweep.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	return g.Wait()
}

// sweepCmd runs one recovery pass and exits, for operators and cron
// environments that cannot keep the in-process scheduler.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry stalled pieces once and exit",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger()
	ctx := cmd.Context()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if !cfg.HasGenerationCredentials() {
		return fmt.Errorf("GEMINI_API_KEY is required to retry generation")
	}
	gemini, err := llm.NewGeminiClient(ctx, llm.DefaultConfig(), cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create text client: %w", err)
	}
	defer gemini.Close()
	renderer := imagegen.NewClient(cfg.GeminiAPIKey, cfg.DataDir,
		filepath.Join(cfg.DataDir, "reference"), logger)

	orchestrator := pipeline.NewOrchestrator(database, gemini, renderer, logger)
	sweep := sweeper.New(database, orchestrator, logger)

	retried, err := sweep.Sweep(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("retried", retried).Msg("sweep complete")
	return nil
}
