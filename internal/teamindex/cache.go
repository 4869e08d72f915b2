package teamindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/reffielabs/matchd/internal/normalize"
	"github.com/reffielabs/matchd/internal/store"
)

// Config holds cache configuration.
type Config struct {
	// MaxEntries caps the number of cached team indexes. 0 means unbounded;
	// entries then live for the whole process. When set, inserting past the
	// cap evicts the least recently used entry.
	MaxEntries int

	// Dimension is the expected embedding dimension. 0 disables the check.
	Dimension int
}

// Cache builds and holds team index entries.
//
// Concurrency: at most one build runs per team at a time; concurrent callers
// for the same unseen team share the single build and its outcome. Builds for
// different teams never block each other, and cached reads never block at all
// beyond a read lock.
type Cache struct {
	store    store.Gateway
	embedder Embedder
	config   Config
	logger   *zap.Logger
	metrics  *Metrics

	db    *chromem.DB
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry

	builds   atomic.Int64
	buildSeq atomic.Int64
}

// NewCache creates a team index cache backed by an in-memory chromem database.
func NewCache(gw store.Gateway, embedder Embedder, config Config, logger *zap.Logger) (*Cache, error) {
	if gw == nil {
		return nil, fmt.Errorf("%w: store gateway is required", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxEntries < 0 {
		return nil, fmt.Errorf("%w: max entries must not be negative", ErrInvalidConfig)
	}

	return &Cache{
		store:    gw,
		embedder: embedder,
		config:   config,
		logger:   logger,
		metrics:  NewMetrics(),
		db:       chromem.NewDB(),
		entries:  make(map[string]*Entry),
	}, nil
}

// GetOrBuild returns the team's index, building it on first use.
//
// A team with zero properties fails with ErrNoProperties and is not cached.
// No failed build is cached: the next call retries from the store.
func (c *Cache) GetOrBuild(ctx context.Context, teamID string) (*Entry, error) {
	if teamID == "" {
		return nil, fmt.Errorf("%w: team id is required", ErrInvalidConfig)
	}

	c.mu.RLock()
	entry, ok := c.entries[teamID]
	c.mu.RUnlock()
	if ok {
		entry.touch()
		c.metrics.RecordHit()
		return entry, nil
	}

	c.metrics.RecordMiss()

	// The index is shared state, so the build runs detached from the
	// initiating request's cancellation.
	buildCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(teamID, func() (interface{}, error) {
		c.mu.RLock()
		entry, ok := c.entries[teamID]
		c.mu.RUnlock()
		if ok {
			return entry, nil
		}
		return c.build(buildCtx, teamID)
	})
	if err != nil {
		return nil, err
	}

	entry = v.(*Entry)
	entry.touch()
	return entry, nil
}

// build loads the team's properties, embeds every normalized address in one
// batch, and publishes a fresh entry.
func (c *Cache) build(ctx context.Context, teamID string) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "Cache.build")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", teamID))
	start := time.Now()

	refs, err := c.store.ListPropertiesForTeam(ctx, teamID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordBuildFailure("store")
		return nil, fmt.Errorf("listing properties for team %s: %w", teamID, err)
	}
	if len(refs) == 0 {
		span.SetStatus(codes.Error, "no properties")
		c.metrics.RecordBuildFailure("no_properties")
		return nil, fmt.Errorf("%w: %s", ErrNoProperties, teamID)
	}

	ids := make([]string, len(refs))
	texts := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
		texts[i] = normalize.Address(ref.FullAddress)
	}

	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordBuildFailure("embedding")
		return nil, fmt.Errorf("embedding %d addresses for team %s: %w", len(texts), teamID, err)
	}
	if len(vectors) != len(texts) {
		c.metrics.RecordBuildFailure("embedding")
		return nil, fmt.Errorf("embedder returned %d vectors for %d addresses (team %s)", len(vectors), len(texts), teamID)
	}
	if c.config.Dimension > 0 && len(vectors[0]) != c.config.Dimension {
		c.metrics.RecordBuildFailure("dimension")
		return nil, fmt.Errorf("embedding dimension %d does not match configured %d (team %s)", len(vectors[0]), c.config.Dimension, teamID)
	}

	// Collection names are unique per build so a rebuild never merges with a
	// stale collection.
	name := fmt.Sprintf("team_%s_%d", teamID, c.buildSeq.Add(1))
	collection, err := c.db.CreateCollection(name, nil, c.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating collection for team %s: %w", teamID, err)
	}

	docs := make([]chromem.Document, len(refs))
	for i := range refs {
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   texts[i],
			Embedding: vectors[i],
		}
	}

	// Concurrency of 1 since embeddings are precomputed.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		_ = c.db.DeleteCollection(name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents for team %s: %w", teamID, err)
	}

	entry := &Entry{
		TeamID:         teamID,
		PropertyIDs:    ids,
		collection:     collection,
		collectionName: name,
		builtAt:        time.Now(),
	}
	entry.touch()

	c.mu.Lock()
	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictLRULocked()
	}
	c.entries[teamID] = entry
	size := len(c.entries)
	c.mu.Unlock()

	c.builds.Add(1)
	c.metrics.RecordBuild(time.Since(start), len(ids))
	c.metrics.SetEntries(size)

	span.SetAttributes(attribute.Int("properties", len(ids)))
	span.SetStatus(codes.Ok, "success")

	c.logger.Debug("built team index",
		zap.String("team_id", teamID),
		zap.Int("properties", len(ids)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return entry, nil
}

// embeddingFunc adapts the Embedder for chromem. Queries always pass
// precomputed vectors, so this only runs if a document ever arrives without
// an embedding.
func (c *Cache) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.EmbedQuery(ctx, text)
	}
}

// evictLRULocked removes the least recently used entry. Callers hold the
// write lock.
func (c *Cache) evictLRULocked() {
	var (
		oldestTeam string
		oldest     int64
	)
	for teamID, entry := range c.entries {
		if at := entry.lastAccess.Load(); oldestTeam == "" || at < oldest {
			oldestTeam = teamID
			oldest = at
		}
	}
	if oldestTeam == "" {
		return
	}

	entry := c.entries[oldestTeam]
	delete(c.entries, oldestTeam)
	_ = c.db.DeleteCollection(entry.collectionName)

	c.metrics.RecordEviction()
	c.logger.Debug("evicted team index",
		zap.String("team_id", oldestTeam),
		zap.Int("properties", entry.Len()),
	)
}

// Invalidate drops the team's cached index so the next request rebuilds it.
// It reports whether an entry was cached.
func (c *Cache) Invalidate(teamID string) bool {
	c.mu.Lock()
	entry, ok := c.entries[teamID]
	if ok {
		delete(c.entries, teamID)
	}
	size := len(c.entries)
	c.mu.Unlock()

	if !ok {
		return false
	}

	_ = c.db.DeleteCollection(entry.collectionName)
	c.metrics.RecordInvalidation()
	c.metrics.SetEntries(size)

	c.logger.Info("invalidated team index",
		zap.String("team_id", teamID),
		zap.Int("properties", entry.Len()),
	)
	return true
}

// BuildCount returns the number of successful index builds.
func (c *Cache) BuildCount() int64 {
	return c.builds.Load()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
