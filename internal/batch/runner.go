// Package batch resolves every stored listing in one pass and writes the
// decisions to CSV.
package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/matcher"
	"github.com/reffielabs/matchd/internal/store"
	"github.com/reffielabs/matchd/internal/teamindex"
)

// Config holds batch runner configuration.
type Config struct {
	// OutputPath is the CSV file the run writes. An existing file is
	// truncated.
	OutputPath string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	return nil
}

// Summary reports what one batch run did.
type Summary struct {
	Total     int
	Matched   int
	Abstained int
	Skipped   int
	ByStage   map[matcher.Stage]int
	Elapsed   time.Duration
}

// Runner resolves all listings through one shared pipeline, so every team's
// index is built at most once per run.
type Runner struct {
	pipeline *matcher.Pipeline
	store    store.Gateway
	logger   *zap.Logger
	config   Config
}

// NewRunner creates a batch runner.
func NewRunner(pipeline *matcher.Pipeline, gw store.Gateway, logger *zap.Logger, config Config) (*Runner, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("match pipeline cannot be nil")
	}
	if gw == nil {
		return nil, fmt.Errorf("store gateway cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Runner{
		pipeline: pipeline,
		store:    gw,
		logger:   logger,
		config:   config,
	}, nil
}

// Run resolves every listing and streams one CSV row per decision. A listing
// whose team has no properties still produces an abstention row; a listing
// that fails for any other reason is logged, counted as skipped, and the run
// continues. Only setup failures and context cancellation abort the run.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run_id", runID))

	start := time.Now()
	summary := Summary{ByStage: make(map[matcher.Stage]int)}

	listings, err := r.store.ListListings(ctx)
	if err != nil {
		return summary, fmt.Errorf("list listings: %w", err)
	}
	summary.Total = len(listings)

	logger.Info("batch run started",
		zap.Int("listings", len(listings)),
		zap.String("output", r.config.OutputPath),
	)

	f, err := os.Create(r.config.OutputPath)
	if err != nil {
		return summary, fmt.Errorf("create output file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"listing_id", "property_id", "confidence"}); err != nil {
		f.Close()
		return summary, fmt.Errorf("write csv header: %w", err)
	}

	for _, listing := range listings {
		if err := ctx.Err(); err != nil {
			f.Close()
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		decision, err := r.pipeline.Match(ctx, matcher.Request{
			ListingID:   listing.ID,
			TeamID:      listing.TeamID,
			FullAddress: listing.FullAddress,
		})
		if err != nil && !errors.Is(err, teamindex.ErrNoProperties) {
			logger.Warn("skipping listing",
				zap.String("listing_id", listing.ID),
				zap.String("team_id", listing.TeamID),
				zap.Error(err),
			)
			summary.Skipped++
			continue
		}

		if decision.Abstained() {
			summary.Abstained++
		} else {
			summary.Matched++
		}
		summary.ByStage[decision.Stage]++

		row := []string{
			listing.ID,
			decision.PropertyID,
			strconv.FormatFloat(decision.Confidence, 'f', 4, 64),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			summary.Elapsed = time.Since(start)
			return summary, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		summary.Elapsed = time.Since(start)
		return summary, fmt.Errorf("flush csv: %w", err)
	}
	if err := f.Close(); err != nil {
		summary.Elapsed = time.Since(start)
		return summary, fmt.Errorf("close output file: %w", err)
	}

	summary.Elapsed = time.Since(start)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	logger.Info("batch run complete",
		zap.Int("total", summary.Total),
		zap.Int("matched", summary.Matched),
		zap.Int("abstained", summary.Abstained),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Uint64("heap_alloc_bytes", ms.HeapAlloc),
		zap.Uint64("sys_bytes", ms.Sys),
	)

	return summary, nil
}
