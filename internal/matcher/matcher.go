// Package matcher resolves raw listings to canonical properties.
//
// Resolution runs staged lookups in strict order; the first stage to clear
// its bar decides the listing. Later stages are never consulted once a stage
// accepts, so a weaker early match always beats a stronger late one.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/normalize"
	"github.com/reffielabs/matchd/internal/store"
	"github.com/reffielabs/matchd/internal/teamindex"
)

var tracer = otel.Tracer("matchd.matcher")

var (
	// ErrInvalidRequest indicates a request without listing or team identity.
	ErrInvalidRequest = errors.New("invalid match request")

	// ErrInvalidConfig indicates invalid pipeline configuration or dependencies.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAmbiguousMatch indicates an exact stage found several properties
	// under the error_on_ambiguity tie-break policy.
	ErrAmbiguousMatch = errors.New("ambiguous match")
)

// Stage identifies which pipeline stage decided a listing.
type Stage string

const (
	StagePreMatch      Stage = "pre_match"
	StageExact         Stage = "exact"
	StageFuzzy         Stage = "fuzzy"
	StageBuildingExact Stage = "building_exact"
	StageBuildingFuzzy Stage = "building_fuzzy"
	StageAbstain       Stage = "abstain"
)

// Fuzzy stages map cosine similarity from [-1, 1] into [0, 1].
const (
	fuzzyWeight = 0.5
	fuzzyBias   = 0.5
)

// TieBreakPolicy selects behavior when an exact stage finds several properties.
type TieBreakPolicy string

const (
	// TieBreakFirstMatchWins takes the first property in the store's
	// deterministic order.
	TieBreakFirstMatchWins TieBreakPolicy = "first_match_wins"

	// TieBreakErrorOnAmbiguity fails the match instead of guessing.
	TieBreakErrorOnAmbiguity TieBreakPolicy = "error_on_ambiguity"
)

// Request identifies one listing to resolve.
type Request struct {
	ListingID   string
	TeamID      string
	FullAddress string
}

// Decision is the outcome of a match. An empty PropertyID is an abstention
// and always carries confidence 0.0; a non-empty one carries a confidence in
// (0.0, 1.0]. Confidence is unrounded; boundaries round for presentation.
type Decision struct {
	PropertyID string
	Confidence float64
	Stage      Stage
}

// Abstained reports whether the decision carries no property.
func (d Decision) Abstained() bool {
	return d.PropertyID == ""
}

func abstained() Decision {
	return Decision{Stage: StageAbstain}
}

// Config holds pipeline tunables.
type Config struct {
	// MinConfidence is the acceptance bar for fuzzy stages. Defaults to 0.8.
	MinConfidence float64

	// BuildingConfidence is the fixed confidence of a street-level exact
	// match. Defaults to 0.7.
	BuildingConfidence float64

	// BuildingDiscount down-weights fuzzy matches on the building part.
	// Defaults to 0.9.
	BuildingDiscount float64

	// TieBreak is the tie-break policy for exact stages.
	// Defaults to first_match_wins.
	TieBreak TieBreakPolicy
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.8
	}
	if c.BuildingConfidence == 0 {
		c.BuildingConfidence = 0.7
	}
	if c.BuildingDiscount == 0 {
		c.BuildingDiscount = 0.9
	}
	if c.TieBreak == "" {
		c.TieBreak = TieBreakFirstMatchWins
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min confidence must be in (0, 1], got %v", ErrInvalidConfig, c.MinConfidence)
	}
	if c.BuildingConfidence <= 0 || c.BuildingConfidence > 1 {
		return fmt.Errorf("%w: building confidence must be in (0, 1], got %v", ErrInvalidConfig, c.BuildingConfidence)
	}
	if c.BuildingDiscount <= 0 || c.BuildingDiscount > 1 {
		return fmt.Errorf("%w: building discount must be in (0, 1], got %v", ErrInvalidConfig, c.BuildingDiscount)
	}
	switch c.TieBreak {
	case TieBreakFirstMatchWins, TieBreakErrorOnAmbiguity:
	default:
		return fmt.Errorf("%w: unknown tie-break policy %q", ErrInvalidConfig, c.TieBreak)
	}
	return nil
}

// Pipeline resolves listings against the store and the team index cache.
// One pipeline serves all requests; it is safe for concurrent use.
type Pipeline struct {
	store    store.Gateway
	index    *teamindex.Cache
	embedder teamindex.Embedder
	config   Config
	logger   *zap.Logger
	metrics  *Metrics
}

// New creates a resolution pipeline.
func New(gw store.Gateway, index *teamindex.Cache, embedder teamindex.Embedder, config Config, logger *zap.Logger) (*Pipeline, error) {
	if gw == nil {
		return nil, fmt.Errorf("%w: store gateway is required", ErrInvalidConfig)
	}
	if index == nil {
		return nil, fmt.Errorf("%w: team index cache is required", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Pipeline{
		store:    gw,
		index:    index,
		embedder: embedder,
		config:   config,
		logger:   logger,
		metrics:  NewMetrics(),
	}, nil
}

// Match resolves one listing to a decision.
//
// A missing address abstains with no error and no downstream calls. A team
// with no properties abstains and additionally returns
// teamindex.ErrNoProperties so boundaries can distinguish the case.
// Infrastructure failures return a zero decision with the wrapped error;
// nothing is retried.
func (p *Pipeline) Match(ctx context.Context, req Request) (Decision, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Match")
	defer span.End()

	span.SetAttributes(
		attribute.String("listing_id", req.ListingID),
		attribute.String("team_id", req.TeamID),
	)

	start := time.Now()
	decision, err := p.resolve(ctx, req)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("stage", string(decision.Stage)),
		attribute.Float64("confidence", decision.Confidence),
	)

	failed := err != nil && !errors.Is(err, teamindex.ErrNoProperties)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}

	p.metrics.RecordMatch(decision, elapsed, failed)

	p.logger.Debug("resolved listing",
		zap.String("listing_id", req.ListingID),
		zap.String("team_id", req.TeamID),
		zap.String("stage", string(decision.Stage)),
		zap.Float64("confidence", decision.Confidence),
		zap.Duration("elapsed", elapsed),
	)

	return decision, err
}

func (p *Pipeline) resolve(ctx context.Context, req Request) (Decision, error) {
	if req.ListingID == "" {
		return Decision{}, fmt.Errorf("%w: listing id is required", ErrInvalidRequest)
	}
	if req.TeamID == "" {
		return Decision{}, fmt.Errorf("%w: team id is required", ErrInvalidRequest)
	}

	// A listing without an address can never match, regardless of any
	// pre-existing link.
	normAddr := normalize.Address(req.FullAddress)
	if normAddr == "" {
		return abstained(), nil
	}

	// Stage 0: trust an existing link.
	propertyID, ok, err := p.store.FindExistingPropertyForListing(ctx, req.ListingID)
	if err != nil {
		return Decision{}, fmt.Errorf("existing link lookup: %w", err)
	}
	if ok {
		return Decision{PropertyID: propertyID, Confidence: 1.0, Stage: StagePreMatch}, nil
	}

	// Stage 1: exact normalized address within the team.
	ids, err := p.store.FindExactProperties(ctx, req.TeamID, normAddr, p.lookupLimit())
	if err != nil {
		return Decision{}, fmt.Errorf("exact lookup: %w", err)
	}
	if len(ids) > 0 {
		id, err := p.pickOne(ids, StageExact, req.TeamID)
		if err != nil {
			return Decision{}, err
		}
		return Decision{PropertyID: id, Confidence: 1.0, Stage: StageExact}, nil
	}

	// Stage 2: nearest neighbor over the team's address embeddings.
	entry, err := p.index.GetOrBuild(ctx, req.TeamID)
	if errors.Is(err, teamindex.ErrNoProperties) {
		return abstained(), err
	}
	if err != nil {
		return Decision{}, fmt.Errorf("team index: %w", err)
	}

	queryVec, err := p.embedder.EmbedQuery(ctx, normAddr)
	if err != nil {
		return Decision{}, fmt.Errorf("embedding address: %w", err)
	}

	id, sim, err := entry.Nearest(ctx, queryVec)
	if err != nil {
		return Decision{}, fmt.Errorf("nearest neighbor: %w", err)
	}
	if conf := fuzzyConfidence(sim); conf >= p.config.MinConfidence {
		return Decision{PropertyID: id, Confidence: conf, Stage: StageFuzzy}, nil
	}

	// Stage 3: exact street part, unit dropped.
	building := normalize.Building(normAddr)
	if building == "" {
		return abstained(), nil
	}

	ids, err = p.store.FindPropertiesByStreet(ctx, req.TeamID, building, p.lookupLimit())
	if err != nil {
		return Decision{}, fmt.Errorf("street lookup: %w", err)
	}
	if len(ids) > 0 {
		id, err := p.pickOne(ids, StageBuildingExact, req.TeamID)
		if err != nil {
			return Decision{}, err
		}
		return Decision{PropertyID: id, Confidence: p.config.BuildingConfidence, Stage: StageBuildingExact}, nil
	}

	// Stage 3b: nearest neighbor on the building part, discounted.
	buildingVec := queryVec
	if building != normAddr {
		buildingVec, err = p.embedder.EmbedQuery(ctx, building)
		if err != nil {
			return Decision{}, fmt.Errorf("embedding building part: %w", err)
		}
	}

	id, sim, err = entry.Nearest(ctx, buildingVec)
	if err != nil {
		return Decision{}, fmt.Errorf("nearest neighbor: %w", err)
	}
	if conf := fuzzyConfidence(sim) * p.config.BuildingDiscount; conf >= p.config.MinConfidence {
		return Decision{PropertyID: id, Confidence: conf, Stage: StageBuildingFuzzy}, nil
	}

	return abstained(), nil
}

// lookupLimit is how many rows exact stages read: one suffices under
// first_match_wins, two lets error_on_ambiguity detect a second candidate.
func (p *Pipeline) lookupLimit() int {
	if p.config.TieBreak == TieBreakErrorOnAmbiguity {
		return 2
	}
	return 1
}

func (p *Pipeline) pickOne(ids []string, stage Stage, teamID string) (string, error) {
	if len(ids) > 1 && p.config.TieBreak == TieBreakErrorOnAmbiguity {
		return "", fmt.Errorf("%w: %d properties at stage %s for team %s", ErrAmbiguousMatch, len(ids), stage, teamID)
	}
	return ids[0], nil
}

func fuzzyConfidence(sim float64) float64 {
	return sim*fuzzyWeight + fuzzyBias
}
