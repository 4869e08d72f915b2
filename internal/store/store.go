// Package store provides the data store gateway for listings and properties.
package store

import (
	"context"
	"errors"
)

// ErrDataAccess indicates a data store failure. Lookups never retry; the
// error propagates to the caller wrapped with query context.
var ErrDataAccess = errors.New("data access failed")

// Property is a canonical property record.
type Property struct {
	ID          string
	TeamID      string
	StreetPart  string
	UnitPart    string
	City        string
	State       string
	Zipcode     string
	FullAddress string
}

// Listing is a raw listing awaiting resolution. PropertyID is non-nil when
// the listing has already been linked to a canonical property.
type Listing struct {
	ID          string
	TeamID      string
	FullAddress string
	PropertyID  *string
}

// PropertyRef is the slim projection used to build team indexes.
type PropertyRef struct {
	ID          string
	FullAddress string
}

// Gateway is the read surface the resolution pipeline depends on.
//
// Address arguments are matched case-insensitively. Methods returning
// multiple rows order them by property id, so limited reads are
// deterministic.
type Gateway interface {
	// FindExistingPropertyForListing returns the property already linked to
	// the listing, if any.
	FindExistingPropertyForListing(ctx context.Context, listingID string) (string, bool, error)

	// FindExactProperties returns up to limit property ids whose full address
	// equals the given address within the team.
	FindExactProperties(ctx context.Context, teamID, fullAddress string, limit int) ([]string, error)

	// FindPropertiesByStreet returns up to limit property ids whose street
	// part equals the given street within the team.
	FindPropertiesByStreet(ctx context.Context, teamID, street string, limit int) ([]string, error)

	// ListPropertiesForTeam returns every property of the team.
	ListPropertiesForTeam(ctx context.Context, teamID string) ([]PropertyRef, error)

	// ListListings returns every listing, for batch resolution.
	ListListings(ctx context.Context) ([]Listing, error)
}
