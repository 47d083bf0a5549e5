// Package main provides the entry point for the muse HTTP API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "muse",
	Short: "Muse generation service",
	Long:  "Muse turns freewriting sessions and subject prompts into titled, illustrated pieces, gated by on-chain USDC payments on Base.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
