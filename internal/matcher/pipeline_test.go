package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reffielabs/matchd/internal/embeddings"
	"github.com/reffielabs/matchd/internal/store"
	"github.com/reffielabs/matchd/internal/teamindex"
)

func TestNew(t *testing.T) {
	gw := &fakeGateway{}
	embedder := &fakeEmbedder{}
	cache, err := teamindex.NewCache(gw, embedder, teamindex.Config{}, zap.NewNop())
	require.NoError(t, err)

	t.Run("requires gateway", func(t *testing.T) {
		_, err := New(nil, cache, embedder, Config{}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("requires index cache", func(t *testing.T) {
		_, err := New(gw, nil, embedder, Config{}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("requires embedder", func(t *testing.T) {
		_, err := New(gw, cache, nil, Config{}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := New(gw, cache, embedder, Config{MinConfidence: 1.5}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = New(gw, cache, embedder, Config{TieBreak: "best_of"}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 0.8, cfg.MinConfidence)
	assert.Equal(t, 0.7, cfg.BuildingConfidence)
	assert.Equal(t, 0.9, cfg.BuildingDiscount)
	assert.Equal(t, TieBreakFirstMatchWins, cfg.TieBreak)
	assert.NoError(t, cfg.Validate())
}

func TestFuzzyConfidence(t *testing.T) {
	tests := []struct {
		sim  float64
		want float64
	}{
		{-1, 0},
		{0, 0.5},
		{0.5, 0.75},
		{0.95, 0.975},
		{1, 1},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, fuzzyConfidence(tt.sim), 1e-12, "sim=%v", tt.sim)
	}
}

func TestMatch_MissingAddress(t *testing.T) {
	ctx := context.Background()

	for _, addr := range []string{"", "   ", "\t\n"} {
		t.Run(fmt.Sprintf("address %q", addr), func(t *testing.T) {
			// Even a linked listing abstains without an address.
			gw := &fakeGateway{existing: map[string]string{"listing-1": "prop-9"}}
			embedder := &fakeEmbedder{}
			pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

			dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: addr})
			require.NoError(t, err)
			requireConsistent(t, dec)

			assert.True(t, dec.Abstained())
			assert.Equal(t, StageAbstain, dec.Stage)

			// No store or embedding traffic at all.
			assert.Equal(t, int64(0), gw.existingCalls.Load())
			assert.Equal(t, int64(0), gw.exactCalls.Load())
			assert.Equal(t, int64(0), gw.streetCalls.Load())
			assert.Equal(t, int64(0), gw.listCalls.Load())
			assert.Equal(t, int64(0), embedder.queryCalls.Load())
		})
	}
}

func TestMatch_RequiresIdentity(t *testing.T) {
	ctx := context.Background()
	pipeline, _ := newTestPipeline(t, &fakeGateway{}, &fakeEmbedder{}, Config{})

	_, err := pipeline.Match(ctx, Request{TeamID: "team-1", FullAddress: "123 main st"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = pipeline.Match(ctx, Request{ListingID: "listing-1", FullAddress: "123 main st"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMatch_PreMatchWins(t *testing.T) {
	ctx := context.Background()

	// The listing is linked to prop-9 while an exact lookup would say prop-1.
	gw := &fakeGateway{
		existing: map[string]string{"listing-1": "prop-9"},
		exact:    map[string][]string{lookupKey("team-1", "123 main st"): {"prop-1"}},
	}
	pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 Main St"})
	require.NoError(t, err)
	requireConsistent(t, dec)

	assert.Equal(t, "prop-9", dec.PropertyID)
	assert.Equal(t, 1.0, dec.Confidence)
	assert.Equal(t, StagePreMatch, dec.Stage)
	assert.Equal(t, int64(0), gw.exactCalls.Load())
}

func TestMatch_ExactMatch(t *testing.T) {
	ctx := context.Background()

	// prop-2's embedding is identical to the query, so fuzzy would score it
	// 1.0; the exact stage must still decide first with prop-1.
	gw := &fakeGateway{
		exact: map[string][]string{lookupKey("team-1", "123 main st"): {"prop-1"}},
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-2", FullAddress: "123 main st"}},
		},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{"123 main st": {1, 0, 0}}}
	pipeline, cache := newTestPipeline(t, gw, embedder, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: " 123  MAIN st "})
	require.NoError(t, err)
	requireConsistent(t, dec)

	assert.Equal(t, "prop-1", dec.PropertyID)
	assert.Equal(t, 1.0, dec.Confidence)
	assert.Equal(t, StageExact, dec.Stage)

	// The index is lazy: an exact hit never builds it.
	assert.Equal(t, int64(0), gw.listCalls.Load())
	assert.Equal(t, int64(0), cache.BuildCount())
	assert.Equal(t, int64(0), embedder.queryCalls.Load())
}

func TestMatch_FuzzyMatch(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "123 main st"}},
		},
	}
	// The listing address embeds at cosine 0.95 to prop-1's address.
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"123 main st": {1, 0, 0},
		"123 maim st": unitVector(0.95, 0.3122498999199199, 0),
	}}
	pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 Maim St"})
	require.NoError(t, err)
	requireConsistent(t, dec)

	assert.Equal(t, "prop-1", dec.PropertyID)
	assert.Equal(t, StageFuzzy, dec.Stage)
	assert.InDelta(t, 0.975, dec.Confidence, 1e-4)
}

func TestMatch_ThresholdBoundary(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "123 main st"}},
		},
	}
	// Identical vectors give cosine 1.0, so fuzzy confidence is exactly 1.0.
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"123 main st":     {1, 0, 0},
		"123 main street": {1, 0, 0},
	}}
	pipeline, _ := newTestPipeline(t, gw, embedder, Config{MinConfidence: 1.0})

	// Confidence equal to the bar accepts.
	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 main street"})
	require.NoError(t, err)
	requireConsistent(t, dec)
	assert.Equal(t, "prop-1", dec.PropertyID)
	assert.Equal(t, StageFuzzy, dec.Stage)
	assert.Equal(t, 1.0, dec.Confidence)
}

func TestMatch_FuzzyBelowThresholdFallsThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("building exact decides", func(t *testing.T) {
		gw := &fakeGateway{
			street: map[string][]string{lookupKey("team-1", "123 main st"): {"prop-7"}},
			properties: map[string][]store.PropertyRef{
				"team-1": {{ID: "prop-1", FullAddress: "456 oak ave"}},
			},
		}
		// Orthogonal vectors: fuzzy confidence 0.5, well under the bar.
		embedder := &fakeEmbedder{vectors: map[string][]float32{
			"456 oak ave":      {1, 0, 0},
			"123 main st - 4b": {0, 1, 0},
		}}
		pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

		dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 Main St - 4B"})
		require.NoError(t, err)
		requireConsistent(t, dec)

		assert.Equal(t, "prop-7", dec.PropertyID)
		assert.Equal(t, 0.7, dec.Confidence)
		assert.Equal(t, StageBuildingExact, dec.Stage)
	})

	t.Run("building fuzzy decides", func(t *testing.T) {
		gw := &fakeGateway{
			properties: map[string][]store.PropertyRef{
				"team-1": {{ID: "prop-1", FullAddress: "123 main st"}},
			},
		}
		// The full address misses, the building part lands at cosine 0.95.
		embedder := &fakeEmbedder{vectors: map[string][]float32{
			"123 main st":       {1, 0, 0},
			"123 maim st - 99z": {0, 1, 0},
			"123 maim st":       unitVector(0.95, 0.3122498999199199, 0),
		}}
		pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

		dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 maim st - 99z"})
		require.NoError(t, err)
		requireConsistent(t, dec)

		assert.Equal(t, "prop-1", dec.PropertyID)
		assert.Equal(t, StageBuildingFuzzy, dec.Stage)
		assert.InDelta(t, 0.8775, dec.Confidence, 1e-4)
	})
}

func TestMatch_BuildingFuzzyDiscountKeepsOrdering(t *testing.T) {
	ctx := context.Background()

	// Same vectors through stage 2 and stage 3b: the discounted retry can
	// never beat the undiscounted score, so a stage-2 reject at 0.975*0.9
	// still accepts only because it clears the configured bar.
	gw := &fakeGateway{
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "123 main st"}},
		},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"123 main st": {1, 0, 0},
		"123 maim st": unitVector(0.95, 0.3122498999199199, 0),
	}}
	pipeline, _ := newTestPipeline(t, gw, embedder, Config{MinConfidence: 0.99})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 maim st"})
	require.NoError(t, err)
	requireConsistent(t, dec)

	// 0.975 misses the 0.99 bar; the building part equals the full address,
	// so 3b scores 0.8775 and misses too.
	assert.True(t, dec.Abstained())
	assert.Equal(t, StageAbstain, dec.Stage)

	// The identical building part reuses the query embedding.
	assert.Equal(t, int64(1), embedder.queryCalls.Load())
}

func TestMatch_EmptyBuildingSkipsStageThree(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "123 main st"}},
		},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"123 main st": {1, 0, 0},
		"- 4b":        {0, 1, 0},
	}}
	pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "- 4b"})
	require.NoError(t, err)
	requireConsistent(t, dec)

	assert.True(t, dec.Abstained())
	assert.Equal(t, int64(0), gw.streetCalls.Load())
	assert.Equal(t, int64(1), embedder.queryCalls.Load())
}

func TestMatch_Abstain(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "456 oak ave"}},
		},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"456 oak ave": {1, 0, 0},
		"99 elm rd":   {0, 1, 0},
	}}
	pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "99 Elm Rd"})
	require.NoError(t, err)
	requireConsistent(t, dec)

	assert.True(t, dec.Abstained())
	assert.Zero(t, dec.Confidence)
	assert.Equal(t, StageAbstain, dec.Stage)
}

func TestMatch_NoPropertiesForTeam(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{properties: map[string][]store.PropertyRef{}}
	pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "listing-1", TeamID: "team-empty", FullAddress: "123 main st"})
	require.Error(t, err)
	assert.ErrorIs(t, err, teamindex.ErrNoProperties)

	// The decision still abstains, so batch callers can record it.
	requireConsistent(t, dec)
	assert.True(t, dec.Abstained())
}

func TestMatch_ErrorPropagation(t *testing.T) {
	ctx := context.Background()
	req := Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 main st"}

	t.Run("existing link lookup failure", func(t *testing.T) {
		gw := &fakeGateway{existingErr: fmt.Errorf("%w: connection reset", store.ErrDataAccess)}
		pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

		dec, err := pipeline.Match(ctx, req)
		assert.ErrorIs(t, err, store.ErrDataAccess)
		requireConsistent(t, dec)
		assert.Equal(t, int64(1), gw.existingCalls.Load(), "no retries")
	})

	t.Run("exact lookup failure", func(t *testing.T) {
		gw := &fakeGateway{exactErr: fmt.Errorf("%w: connection reset", store.ErrDataAccess)}
		pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

		_, err := pipeline.Match(ctx, req)
		assert.ErrorIs(t, err, store.ErrDataAccess)
		assert.Equal(t, int64(1), gw.exactCalls.Load(), "no retries")
	})

	t.Run("index build failure", func(t *testing.T) {
		gw := &fakeGateway{listErr: fmt.Errorf("%w: connection reset", store.ErrDataAccess)}
		pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

		_, err := pipeline.Match(ctx, req)
		assert.ErrorIs(t, err, store.ErrDataAccess)
		assert.NotErrorIs(t, err, teamindex.ErrNoProperties)
	})

	t.Run("embedding failure", func(t *testing.T) {
		gw := &fakeGateway{properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "456 oak ave"}},
		}}
		embedder := &fakeEmbedder{queryErr: fmt.Errorf("%w: onnx runtime", embeddings.ErrEmbeddingFailed)}
		pipeline, _ := newTestPipeline(t, gw, embedder, Config{})

		_, err := pipeline.Match(ctx, req)
		assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
		assert.Equal(t, int64(1), embedder.queryCalls.Load(), "no retries")
	})
}

func TestMatch_TieBreak(t *testing.T) {
	ctx := context.Background()
	req := Request{ListingID: "listing-1", TeamID: "team-1", FullAddress: "123 main st"}

	exact := map[string][]string{lookupKey("team-1", "123 main st"): {"prop-1", "prop-2"}}

	t.Run("first match wins", func(t *testing.T) {
		gw := &fakeGateway{exact: exact}
		pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

		dec, err := pipeline.Match(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "prop-1", dec.PropertyID)
		assert.Equal(t, StageExact, dec.Stage)
	})

	t.Run("error on ambiguity", func(t *testing.T) {
		gw := &fakeGateway{exact: exact}
		pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{TieBreak: TieBreakErrorOnAmbiguity})

		dec, err := pipeline.Match(ctx, req)
		assert.ErrorIs(t, err, ErrAmbiguousMatch)
		requireConsistent(t, dec)
	})

	t.Run("error on ambiguity with single hit matches", func(t *testing.T) {
		gw := &fakeGateway{exact: map[string][]string{
			lookupKey("team-1", "123 main st"): {"prop-1"},
		}}
		pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{TieBreak: TieBreakErrorOnAmbiguity})

		dec, err := pipeline.Match(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "prop-1", dec.PropertyID)
	})
}

func TestMatch_ConcurrentSameTeam(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{
		properties: map[string][]store.PropertyRef{
			"team-1": {{ID: "prop-1", FullAddress: "123 main st"}},
		},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"123 main st": {1, 0, 0},
		"123 maim st": unitVector(0.95, 0.3122498999199199, 0),
	}}
	pipeline, cache := newTestPipeline(t, gw, embedder, Config{})

	const goroutines = 20

	var wg sync.WaitGroup
	decisions := make([]Decision, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = pipeline.Match(ctx, Request{
				ListingID:   fmt.Sprintf("listing-%d", i),
				TeamID:      "team-1",
				FullAddress: "123 maim st",
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, decisions[0], decisions[i])
		assert.Equal(t, "prop-1", decisions[i].PropertyID)
	}

	assert.Equal(t, int64(1), cache.BuildCount(), "one index build for the team")
	assert.Equal(t, int64(1), gw.listCalls.Load())
}

func TestMatch_ErrorsAreNotDecisions(t *testing.T) {
	ctx := context.Background()

	gw := &fakeGateway{exactErr: errors.New("boom")}
	pipeline, _ := newTestPipeline(t, gw, &fakeEmbedder{}, Config{})

	dec, err := pipeline.Match(ctx, Request{ListingID: "l", TeamID: "t", FullAddress: "123 main st"})
	require.Error(t, err)
	assert.Empty(t, dec.PropertyID)
	assert.Zero(t, dec.Confidence)
}
