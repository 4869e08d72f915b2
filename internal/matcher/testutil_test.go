package matcher

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/store"
	"github.com/reffielabs/matchd/internal/teamindex"
)

func lookupKey(teamID, addr string) string {
	return teamID + "|" + addr
}

// fakeGateway serves fixture rows and counts every lookup.
type fakeGateway struct {
	existing   map[string]string   // listing id -> linked property id
	exact      map[string][]string // team|address -> property ids
	street     map[string][]string // team|street -> property ids
	properties map[string][]store.PropertyRef

	existingErr error
	exactErr    error
	streetErr   error
	listErr     error

	existingCalls atomic.Int64
	exactCalls    atomic.Int64
	streetCalls   atomic.Int64
	listCalls     atomic.Int64
}

var _ store.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) FindExistingPropertyForListing(_ context.Context, listingID string) (string, bool, error) {
	g.existingCalls.Add(1)
	if g.existingErr != nil {
		return "", false, g.existingErr
	}
	id, ok := g.existing[listingID]
	return id, ok, nil
}

func (g *fakeGateway) FindExactProperties(_ context.Context, teamID, addr string, limit int) ([]string, error) {
	g.exactCalls.Add(1)
	if g.exactErr != nil {
		return nil, g.exactErr
	}
	ids := g.exact[lookupKey(teamID, addr)]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (g *fakeGateway) FindPropertiesByStreet(_ context.Context, teamID, street string, limit int) ([]string, error) {
	g.streetCalls.Add(1)
	if g.streetErr != nil {
		return nil, g.streetErr
	}
	ids := g.street[lookupKey(teamID, street)]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (g *fakeGateway) ListPropertiesForTeam(_ context.Context, teamID string) ([]store.PropertyRef, error) {
	g.listCalls.Add(1)
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.properties[teamID], nil
}

func (g *fakeGateway) ListListings(context.Context) ([]store.Listing, error) {
	return nil, nil
}

// fakeEmbedder returns fixture vectors by text, with a deterministic
// unit-vector fallback.
type fakeEmbedder struct {
	vectors  map[string][]float32
	docErr   error
	queryErr error

	docCalls   atomic.Int64
	queryCalls atomic.Int64
}

func (e *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.docCalls.Add(1)
	if e.docErr != nil {
		return nil, e.docErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.queryCalls.Add(1)
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return e.vector(text), nil
}

func (e *fakeEmbedder) vector(text string) []float32 {
	if v, ok := e.vectors[text]; ok {
		return v
	}
	return unitVector(float64(len(text)%7+1), 1, 0)
}

func unitVector(x, y, z float64) []float32 {
	n := math.Sqrt(x*x + y*y + z*z)
	return []float32{float32(x / n), float32(y / n), float32(z / n)}
}

func newTestPipeline(t *testing.T, gw *fakeGateway, embedder *fakeEmbedder, config Config) (*Pipeline, *teamindex.Cache) {
	t.Helper()

	cache, err := teamindex.NewCache(gw, embedder, teamindex.Config{}, zap.NewNop())
	require.NoError(t, err)

	pipeline, err := New(gw, cache, embedder, config, zap.NewNop())
	require.NoError(t, err)

	return pipeline, cache
}

// requireConsistent asserts the decision invariant: confidence is 0.0 exactly
// when no property id is set, and in (0, 1] otherwise.
func requireConsistent(t *testing.T, d Decision) {
	t.Helper()

	if d.Abstained() {
		require.Zero(t, d.Confidence)
		return
	}
	require.Greater(t, d.Confidence, 0.0)
	require.LessOrEqual(t, d.Confidence, 1.0)
}
