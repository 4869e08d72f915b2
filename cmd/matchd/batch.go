package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/batch"
	"github.com/reffielabs/matchd/internal/config"
	"github.com/reffielabs/matchd/internal/logging"
	"github.com/reffielabs/matchd/internal/matcher"
)

var batchOutput string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Resolve every stored listing into a CSV file",
	Long: `Resolve every stored listing into a CSV file.

Listings are read from the store and resolved through the same pipeline
the server uses. Each row holds the listing id, the matched property id
(empty on abstention), and the confidence rounded to four decimals.
Listings that fail on infrastructure errors are skipped and logged, not
written.

Examples:
  matchd batch
  matchd batch --output /tmp/matches.csv`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&batchOutput, "output", "matches.csv", "output CSV path")
}

func runBatch(cmd *cobra.Command, args []string) error {
	// Setup signal handling so an interrupted run still flushes the file
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("Starting batch run",
		zap.String("version", version),
		zap.String("output", batchOutput))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	runner, err := batch.NewRunner(deps.pipeline, deps.store, logger, batch.Config{
		OutputPath: batchOutput,
	})
	if err != nil {
		return fmt.Errorf("failed to create batch runner: %w", err)
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("batch run failed: %w", err)
	}

	fmt.Print(formatSummary(summary, batchOutput))
	return nil
}

// formatSummary renders a batch summary for the terminal.
func formatSummary(summary batch.Summary, outputPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolved %d listings in %s\n", summary.Total, summary.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "  matched:   %d\n", summary.Matched)
	fmt.Fprintf(&b, "  abstained: %d\n", summary.Abstained)
	fmt.Fprintf(&b, "  skipped:   %d\n", summary.Skipped)

	stages := []matcher.Stage{
		matcher.StagePreMatch,
		matcher.StageExact,
		matcher.StageFuzzy,
		matcher.StageBuildingExact,
		matcher.StageBuildingFuzzy,
		matcher.StageAbstain,
	}
	wroteHeader := false
	for _, stage := range stages {
		n := summary.ByStage[stage]
		if n == 0 {
			continue
		}
		if !wroteHeader {
			fmt.Fprintf(&b, "By stage:\n")
			wroteHeader = true
		}
		fmt.Fprintf(&b, "  %-15s %d\n", string(stage)+":", n)
	}

	fmt.Fprintf(&b, "Results written to %s\n", outputPath)
	return b.String()
}
