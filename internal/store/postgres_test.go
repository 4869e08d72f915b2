package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{DSN: "postgres://localhost:5432/matchd"},
		},
		{
			name:    "missing dsn",
			cfg:     Config{},
			wantErr: "dsn is required",
		},
		{
			name:    "min conns above max",
			cfg:     Config{DSN: "postgres://localhost:5432/matchd", MaxConns: 2, MinConns: 4},
			wantErr: "exceeds max_conns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{DSN: "postgres://localhost:5432/matchd"}
	cfg.ApplyDefaults()

	assert.Equal(t, int32(8), cfg.MaxConns)
	assert.Equal(t, 30*time.Minute, cfg.MaxConnLifetime)
}

func TestNewPostgres_RequiresLogger(t *testing.T) {
	_, err := NewPostgres(context.Background(), Config{DSN: "postgres://localhost/x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}

// TestPostgresIntegration exercises the gateway against a live database.
// Set MATCHD_TEST_DATABASE_URL to run it.
func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("MATCHD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MATCHD_TEST_DATABASE_URL not set, skipping postgres integration test")
	}

	ctx := context.Background()
	pg, err := NewPostgres(ctx, Config{DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	defer pg.Close()

	_, err = pg.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS properties (
		property_id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		street_part TEXT,
		unit_part TEXT,
		city TEXT,
		state TEXT,
		zipcode TEXT,
		full_address TEXT NOT NULL
	)`)
	require.NoError(t, err)

	_, err = pg.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS listing (
		listing_id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		full_address TEXT,
		property_id TEXT
	)`)
	require.NoError(t, err)

	teamID := "team-" + uuid.NewString()
	propA := fmt.Sprintf("prop-a-%s", teamID)
	propB := fmt.Sprintf("prop-b-%s", teamID)
	linked := "listing-linked-" + teamID
	unlinked := "listing-unlinked-" + teamID

	_, err = pg.pool.Exec(ctx,
		`INSERT INTO properties (property_id, team_id, street_part, full_address) VALUES
			($1, $2, '123 main st', '123 main st - 1a'),
			($3, $2, '123 main st', '123 main st - 2b')`,
		propA, teamID, propB)
	require.NoError(t, err)

	_, err = pg.pool.Exec(ctx,
		`INSERT INTO listing (listing_id, team_id, full_address, property_id) VALUES
			($1, $3, '123 main st - 1a', $2),
			($4, $3, '123 main st - 2b', NULL)`,
		linked, propA, teamID, unlinked)
	require.NoError(t, err)

	defer func() {
		_, _ = pg.pool.Exec(ctx, `DELETE FROM listing WHERE team_id = $1`, teamID)
		_, _ = pg.pool.Exec(ctx, `DELETE FROM properties WHERE team_id = $1`, teamID)
	}()

	t.Run("existing property for listing", func(t *testing.T) {
		id, ok, err := pg.FindExistingPropertyForListing(ctx, linked)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, propA, id)

		_, ok, err = pg.FindExistingPropertyForListing(ctx, unlinked)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("exact match is case-insensitive", func(t *testing.T) {
		ids, err := pg.FindExactProperties(ctx, teamID, "123 MAIN ST - 1A", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{propA}, ids)
	})

	t.Run("street match orders by property id", func(t *testing.T) {
		ids, err := pg.FindPropertiesByStreet(ctx, teamID, "123 main st", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{propA, propB}, ids)
	})

	t.Run("list properties for team", func(t *testing.T) {
		refs, err := pg.ListPropertiesForTeam(ctx, teamID)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, propA, refs[0].ID)
		assert.Equal(t, "123 main st - 1a", refs[0].FullAddress)
	})

	t.Run("list listings includes unlinked", func(t *testing.T) {
		listings, err := pg.ListListings(ctx)
		require.NoError(t, err)

		var found *Listing
		for i := range listings {
			if listings[i].ID == unlinked {
				found = &listings[i]
				break
			}
		}
		require.NotNil(t, found)
		assert.Nil(t, found.PropertyID)
	})
}
