package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config holds Postgres connection configuration.
type Config struct {
	// DSN is the Postgres connection string.
	DSN string

	// MaxConns caps the connection pool. Defaults to 8.
	MaxConns int32

	// MinConns keeps idle connections warm. Defaults to 0.
	MinConns int32

	// MaxConnLifetime recycles connections. Defaults to 30 minutes.
	MaxConnLifetime time.Duration
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 8
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns %d exceeds max_conns %d", c.MinConns, c.MaxConns)
	}
	return nil
}

// Postgres implements Gateway against the properties and listing tables.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, cfg Config, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrDataAccess, err)
	}

	logger.Info("connected to postgres",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)

	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// FindExistingPropertyForListing returns the property already linked to the listing.
func (p *Postgres) FindExistingPropertyForListing(ctx context.Context, listingID string) (string, bool, error) {
	const q = `SELECT property_id FROM listing WHERE listing_id = $1 AND property_id IS NOT NULL`

	var propertyID string
	err := p.pool.QueryRow(ctx, q, listingID).Scan(&propertyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: existing property for listing %s: %v", ErrDataAccess, listingID, err)
	}
	return propertyID, true, nil
}

// FindExactProperties returns up to limit property ids matching the full
// address case-insensitively within the team, ordered by property id.
func (p *Postgres) FindExactProperties(ctx context.Context, teamID, fullAddress string, limit int) ([]string, error) {
	const q = `SELECT property_id FROM properties
		WHERE team_id = $1 AND lower(full_address) = lower($2)
		ORDER BY property_id LIMIT $3`

	return p.queryIDs(ctx, q, teamID, fullAddress, limit)
}

// FindPropertiesByStreet returns up to limit property ids matching the street
// part case-insensitively within the team, ordered by property id.
func (p *Postgres) FindPropertiesByStreet(ctx context.Context, teamID, street string, limit int) ([]string, error) {
	const q = `SELECT property_id FROM properties
		WHERE team_id = $1 AND lower(street_part) = lower($2)
		ORDER BY property_id LIMIT $3`

	return p.queryIDs(ctx, q, teamID, street, limit)
}

func (p *Postgres) queryIDs(ctx context.Context, q, teamID, addr string, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, q, teamID, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: property lookup for team %s: %v", ErrDataAccess, teamID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning property id: %v", ErrDataAccess, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: property lookup for team %s: %v", ErrDataAccess, teamID, err)
	}
	return ids, nil
}

// ListPropertiesForTeam returns every property of the team, ordered by id.
func (p *Postgres) ListPropertiesForTeam(ctx context.Context, teamID string) ([]PropertyRef, error) {
	const q = `SELECT property_id, full_address FROM properties
		WHERE team_id = $1 ORDER BY property_id`

	rows, err := p.pool.Query(ctx, q, teamID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing properties for team %s: %v", ErrDataAccess, teamID, err)
	}
	defer rows.Close()

	var refs []PropertyRef
	for rows.Next() {
		var ref PropertyRef
		if err := rows.Scan(&ref.ID, &ref.FullAddress); err != nil {
			return nil, fmt.Errorf("%w: scanning property: %v", ErrDataAccess, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing properties for team %s: %v", ErrDataAccess, teamID, err)
	}
	return refs, nil
}

// ListListings returns every listing, ordered by id.
func (p *Postgres) ListListings(ctx context.Context) ([]Listing, error) {
	const q = `SELECT listing_id, team_id, COALESCE(full_address, ''), property_id
		FROM listing ORDER BY listing_id`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: listing listings: %v", ErrDataAccess, err)
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.TeamID, &l.FullAddress, &l.PropertyID); err != nil {
			return nil, fmt.Errorf("%w: scanning listing: %v", ErrDataAccess, err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing listings: %v", ErrDataAccess, err)
	}
	return listings, nil
}
