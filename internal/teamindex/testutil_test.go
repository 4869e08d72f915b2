package teamindex

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/store"
)

// fakeGateway serves fixture properties and counts store reads.
type fakeGateway struct {
	properties map[string][]store.PropertyRef
	listCalls  atomic.Int64
	listDelay  time.Duration
	listErr    error
}

var _ store.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) ListPropertiesForTeam(_ context.Context, teamID string) ([]store.PropertyRef, error) {
	g.listCalls.Add(1)
	if g.listDelay > 0 {
		time.Sleep(g.listDelay)
	}
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.properties[teamID], nil
}

// The cache only lists properties; the remaining Gateway methods are inert.

func (g *fakeGateway) FindExistingPropertyForListing(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (g *fakeGateway) FindExactProperties(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

func (g *fakeGateway) FindPropertiesByStreet(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

func (g *fakeGateway) ListListings(context.Context) ([]store.Listing, error) {
	return nil, nil
}

// fakeEmbedder returns fixture vectors by text, with a deterministic
// unit-vector fallback for texts outside the fixture.
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

// unitVector L2-normalizes the given components.
func unitVector(x, y, z float64) []float32 {
	n := math.Sqrt(x*x + y*y + z*z)
	return []float32{float32(x / n), float32(y / n), float32(z / n)}
}

func newTestCache(t *testing.T, gw *fakeGateway, embedder *fakeEmbedder, config Config) *Cache {
	t.Helper()

	cache, err := NewCache(gw, embedder, config, zap.NewNop())
	require.NoError(t, err)
	return cache
}
