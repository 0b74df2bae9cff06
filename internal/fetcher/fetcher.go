package fetcher

import (
	"context"
	"net/url"
)

// SessionClient issues requests through an authenticated portal session.
// The implementation is responsible for detecting login redirects and
// re-running the handshake transparently.
type SessionClient interface {
	Get(ctx context.Context, target string) ([]byte, int, error)
	PostForm(ctx context.Context, target string, form url.Values) ([]byte, int, error)
}

// SampleFetcher retrieves the current balance snapshot for the configured room.
type SampleFetcher interface {
	FetchReading(ctx context.Context) (Sample, error)
}

// CatalogFetcher browses the portal's area/apartment/floor/room hierarchy.
type CatalogFetcher interface {
	Areas() []Area
	Apartments(ctx context.Context, areaID int) ([]Apartment, error)
	Floors(ctx context.Context, areaID int, apartmentID string) ([]Floor, error)
	Rooms(ctx context.Context, areaID int, apartmentID, floorID string) ([]Room, error)
}
