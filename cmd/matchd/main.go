// Command matchd resolves real-estate listings to canonical properties.
//
// matchd serve runs the HTTP API and matchd batch resolves every stored
// listing into a CSV file. Both read configuration from
// ~/.config/matchd/config.yaml (override with --config) and MATCHD_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/config"
	"github.com/reffielabs/matchd/internal/embeddings"
	"github.com/reffielabs/matchd/internal/logging"
	"github.com/reffielabs/matchd/internal/matcher"
	"github.com/reffielabs/matchd/internal/store"
	"github.com/reffielabs/matchd/internal/teamindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "matchd",
	Short: "Listing-to-property resolution service",
	Long: `matchd resolves real-estate listings to canonical properties.

Each listing is matched against its team's property inventory in stages:
a trusted pre-link on the listing itself, an exact normalized-address
lookup, embedding similarity over the team's index, and building-level
fallbacks for unit-suffixed addresses. When no stage clears its
confidence bar, matchd abstains rather than guess.

Run "matchd serve" for the HTTP API or "matchd batch" to resolve every
stored listing in one pass.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/matchd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("matchd by Reffie Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// initLogger initializes the structured logger from the loaded configuration.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Logging.Development,
	})
}

// dependencies holds all infrastructure dependencies behind a run.
type dependencies struct {
	store    *store.Postgres
	provider embeddings.Provider
	cache    *teamindex.Cache
	pipeline *matcher.Pipeline
	logger   *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.provider != nil {
		if err := d.provider.Close(); err != nil {
			d.logger.Warn("failed to close embedding provider", zap.Error(err))
		}
	}
	if d.store != nil {
		d.store.Close()
	}
}

// initDependencies initializes all infrastructure dependencies.
//
// This function:
//  1. Connects to Postgres for properties and listings
//  2. Creates the embedding provider (FastEmbed or TEI)
//  3. Creates the per-team index cache on top of both
//  4. Wires the match pipeline
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	gw, err := store.NewPostgres(ctx, store.Config{
		DSN:             cfg.Store.DSN.Value(),
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		CacheDir:  cfg.Embeddings.CacheDir,
		Timeout:   cfg.Embeddings.Timeout,
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	logger.Info("Embedding provider initialized",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", provider.Dimension()))

	cache, err := teamindex.NewCache(gw, provider, teamindex.Config{
		MaxEntries: cfg.Index.MaxEntries,
		Dimension:  provider.Dimension(),
	}, logger)
	if err != nil {
		_ = provider.Close()
		gw.Close()
		return nil, fmt.Errorf("failed to create team index cache: %w", err)
	}

	pipeline, err := matcher.New(gw, cache, provider, matcher.Config{
		MinConfidence:      cfg.Matcher.MinConfidence,
		BuildingConfidence: cfg.Matcher.BuildingConfidence,
		BuildingDiscount:   cfg.Matcher.BuildingDiscount,
		TieBreak:           matcher.TieBreakPolicy(cfg.Matcher.TieBreak),
	}, logger)
	if err != nil {
		_ = provider.Close()
		gw.Close()
		return nil, fmt.Errorf("failed to create match pipeline: %w", err)
	}

	logger.Info("Match pipeline initialized",
		zap.Float64("min_confidence", cfg.Matcher.MinConfidence),
		zap.String("tie_break", cfg.Matcher.TieBreak))

	return &dependencies{
		store:    gw,
		provider: provider,
		cache:    cache,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}
