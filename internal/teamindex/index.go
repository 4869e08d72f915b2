// Package teamindex maintains per-team nearest-neighbor indexes over
// canonical property addresses.
//
// Each team's index is built lazily from the data store on first use and
// cached for the lifetime of the process. Entries are immutable once
// published; explicit invalidation replaces an index wholesale.
package teamindex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("matchd.teamindex")

var (
	// ErrNoProperties indicates the team has no properties to index.
	// The condition is never cached; the store is consulted again on the
	// next request for the team.
	ErrNoProperties = errors.New("no properties for team")

	// ErrInvalidConfig indicates invalid cache configuration or dependencies.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Embedder is the slice of the embedding provider the index depends on.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Entry is one team's built index: the ordered property ids and a chromem
// collection holding one document per property (document id = property id,
// embedding = normalized-address embedding). Entries never mutate after
// build; invalidation drops the whole entry.
type Entry struct {
	TeamID      string
	PropertyIDs []string

	collection     *chromem.Collection
	collectionName string
	builtAt        time.Time
	lastAccess     atomic.Int64
}

// Len returns the number of indexed properties.
func (e *Entry) Len() int {
	return len(e.PropertyIDs)
}

// BuiltAt returns when the entry was built.
func (e *Entry) BuiltAt() time.Time {
	return e.builtAt
}

func (e *Entry) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
}

// Nearest returns the property closest to the query vector by cosine
// similarity. The query must be unit-normalized, as index vectors are;
// similarity is then the inner product. Entries always hold at least one
// document, so an empty result is an internal failure.
func (e *Entry) Nearest(ctx context.Context, query []float32) (string, float64, error) {
	ctx, span := tracer.Start(ctx, "Entry.Nearest")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", e.TeamID))

	results, err := e.collection.QueryEmbedding(ctx, query, 1, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", 0, fmt.Errorf("querying index for team %s: %w", e.TeamID, err)
	}
	if len(results) == 0 {
		span.SetStatus(codes.Error, "empty result")
		return "", 0, fmt.Errorf("empty result from index for team %s", e.TeamID)
	}

	r := results[0]
	span.SetAttributes(
		attribute.String("property_id", r.ID),
		attribute.Float64("similarity", float64(r.Similarity)),
	)
	span.SetStatus(codes.Ok, "success")

	return r.ID, float64(r.Similarity), nil
}
