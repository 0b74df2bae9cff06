package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Area is a campus area. The portal exposes no listing endpoint for areas;
// the two ids are fixed upstream.
type Area struct {
	ID   int
	Name string
}

// Apartment is one building within an area.
type Apartment struct {
	ID   string
	Name string
}

// Floor is one floor within an apartment.
type Floor struct {
	ID   string
	Name string
}

// Room is one room within a floor. Number is the opaque identifier the
// balance query expects as dromNumber.
type Room struct {
	Number string
	Name   string
}

// Areas returns the fixed campus areas.
func (p *Catalog) Areas() []Area {
	return []Area{
		{ID: 1, Name: "西土城"},
		{ID: 2, Name: "沙河"},
	}
}

// Catalog browses the portal's part/floor/drom endpoints.
type Catalog struct {
	baseURL string
	session SessionClient
}

// NewCatalog constructs a catalog fetcher rooted at the portal base URL.
func NewCatalog(baseURL string, session SessionClient) *Catalog {
	return &Catalog{baseURL: strings.TrimRight(baseURL, "/"), session: session}
}

// Apartments lists the buildings of an area.
func (c *Catalog) Apartments(ctx context.Context, areaID int) ([]Apartment, error) {
	items, err := c.fetchList(ctx, "/part", url.Values{
		"areaid": {strconv.Itoa(areaID)},
	})
	if err != nil {
		return nil, err
	}

	apartments := make([]Apartment, 0, len(items))
	for _, item := range items {
		apartments = append(apartments, Apartment{
			ID:   stringField(item, "partmentId"),
			Name: stringField(item, "partmentName"),
		})
	}
	return apartments, nil
}

// Floors lists the floors of an apartment.
func (c *Catalog) Floors(ctx context.Context, areaID int, apartmentID string) ([]Floor, error) {
	items, err := c.fetchList(ctx, "/floor", url.Values{
		"partmentId": {apartmentID},
		"areaid":     {strconv.Itoa(areaID)},
	})
	if err != nil {
		return nil, err
	}

	floors := make([]Floor, 0, len(items))
	for _, item := range items {
		floors = append(floors, Floor{
			ID:   stringField(item, "floorId"),
			Name: stringField(item, "floorName"),
		})
	}
	return floors, nil
}

// Rooms lists the rooms of a floor.
func (c *Catalog) Rooms(ctx context.Context, areaID int, apartmentID, floorID string) ([]Room, error) {
	items, err := c.fetchList(ctx, "/drom", url.Values{
		"partmentId": {apartmentID},
		"floorId":    {floorID},
		"areaid":     {strconv.Itoa(areaID)},
	})
	if err != nil {
		return nil, err
	}

	rooms := make([]Room, 0, len(items))
	for _, item := range items {
		rooms = append(rooms, Room{
			Number: stringField(item, "dromNum"),
			Name:   stringField(item, "dromName"),
		})
	}
	return rooms, nil
}

func (c *Catalog) fetchList(ctx context.Context, path string, form url.Values) ([]map[string]any, error) {
	body, status, err := c.session.PostForm(ctx, c.baseURL+path, form)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	if status != 200 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", path, status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.E != 0 {
		return nil, fmt.Errorf("%w: code=%d message=%s", ErrRemoteRejected, env.E, env.M)
	}

	var items []map[string]any
	if len(env.D.Data) > 0 {
		if err := json.Unmarshal(env.D.Data, &items); err != nil {
			return nil, fmt.Errorf("%w: list payload: %v", ErrMalformedResponse, err)
		}
	}
	return items, nil
}

var _ CatalogFetcher = (*Catalog)(nil)
