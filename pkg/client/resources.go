package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/txn2/tardis-ingest/pkg/catalog"
)

// Meta is the pagination block of a list response.
type Meta struct {
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
	TotalCount int     `json:"total_count"`
	Next       *string `json:"next"`
	Previous   *string `json:"previous"`
}

// Page is one list response: {"meta": {...}, "objects": [...]}.
type Page struct {
	Meta    *Meta            `json:"meta"`
	Objects []map[string]any `json:"objects"`
}

// Get fetches a single page of objects from endpoint.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Page, error) {
	resp, err := c.Request(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := resp.Decode(&page); err != nil {
		return nil, err
	}
	if page.Objects == nil {
		page.Objects = []map[string]any{}
	}
	return &page, nil
}

// GetAll fetches every object matching query, following limit/offset
// pagination until total_count objects have been read or the catalog stops
// returning a next page.
func (c *Client) GetAll(ctx context.Context, endpoint string, query url.Values) ([]map[string]any, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	limit := c.cfg.PageSize
	q.Set("limit", strconv.Itoa(limit))

	objects := []map[string]any{}
	offset := 0
	for {
		q.Set("offset", strconv.Itoa(offset))
		page, err := c.Get(ctx, endpoint, q)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Objects...)

		if page.Meta == nil || len(page.Objects) == 0 {
			return objects, nil
		}
		if page.Meta.Next == nil || *page.Meta.Next == "" || len(objects) >= page.Meta.TotalCount {
			return objects, nil
		}
		offset += len(page.Objects)
	}
}

// GetResource fetches a single object by its resource URI.
func (c *Client) GetResource(ctx context.Context, uri catalog.URI) (map[string]any, error) {
	resp, err := c.Request(ctx, http.MethodGet, string(uri), nil, nil)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := resp.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Post creates an object at endpoint and returns its resource URI, read from
// the response body's resource_uri or, when the body is empty, from the
// Location header.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (catalog.URI, error) {
	resp, err := c.Request(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return "", err
	}

	if len(strings.TrimSpace(string(resp.Body))) > 0 {
		var created struct {
			ResourceURI string `json:"resource_uri"`
		}
		if err := resp.Decode(&created); err == nil && created.ResourceURI != "" {
			return catalog.ParseURI(created.ResourceURI)
		}
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		u, err := url.Parse(loc)
		if err != nil {
			return "", fmt.Errorf("parsing location header: %w", err)
		}
		return catalog.ParseURI(u.Path)
	}
	return "", fmt.Errorf("POST %s: response carries no resource uri", endpoint)
}

// Patch updates the object at uri with the fields in body.
func (c *Client) Patch(ctx context.Context, uri catalog.URI, body any) error {
	_, err := c.Request(ctx, http.MethodPatch, string(uri), nil, body)
	return err
}

// Introspection holds the catalog's capability flags.
type Introspection struct {
	ProjectsEnabled    bool     `json:"projects_enabled"`
	IdentifiersEnabled *bool    `json:"identifiers_enabled"`
	IdentifiedObjects  []string `json:"identified_objects"`
	ObjectsWithIDs     []string `json:"objects_with_ids"`
	ProfilesEnabled    bool     `json:"profiles_enabled"`
	ProfiledObjects    []string `json:"profiled_objects"`
	ExperimentOnlyACLs bool     `json:"experiment_only_acls"`
}

// SupportsIdentifiers reports whether the catalog accepts persistent
// identifiers for objects of type t.
func (i *Introspection) SupportsIdentifiers(t catalog.ObjectType) bool {
	if i == nil {
		return false
	}
	if i.IdentifiersEnabled != nil && !*i.IdentifiersEnabled {
		return false
	}
	for _, list := range [][]string{i.IdentifiedObjects, i.ObjectsWithIDs} {
		for _, name := range list {
			if name == string(t) || name == t.Endpoint() {
				return true
			}
		}
	}
	return false
}

// Introspect fetches the catalog's capability flags.
func (c *Client) Introspect(ctx context.Context) (*Introspection, error) {
	resp, err := c.Request(ctx, http.MethodGet, "introspection", nil, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Objects []Introspection `json:"objects"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Objects) == 0 {
		return nil, fmt.Errorf("introspection returned no objects")
	}
	return &body.Objects[0], nil
}
