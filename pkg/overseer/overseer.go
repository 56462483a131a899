// Package overseer is the query layer over the catalog client: typed
// searches, identifier lookups and resource URI extraction.
package overseer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/client"
)

var (
	// ErrNotFound is returned when a reference that must exist resolves to
	// no catalog object.
	ErrNotFound = errors.New("object not found")

	// ErrAmbiguous is returned when a query that must be unique returns
	// more than one object.
	ErrAmbiguous = errors.New("ambiguous catalog state")

	// ErrMissingURI is returned when the catalog returns an object without
	// a resource_uri.
	ErrMissingURI = errors.New("catalog object has no resource_uri")
)

// IdentifierField is the query parameter used for identifier searches.
const IdentifierField = "identifier"

// Catalog is the subset of the catalog client used by the Overseer.
type Catalog interface {
	GetAll(ctx context.Context, endpoint string, query url.Values) ([]map[string]any, error)
	Introspect(ctx context.Context) (*client.Introspection, error)
}

// Overseer queries the catalog on behalf of the Inspector and Orchestrator.
type Overseer struct {
	api    Catalog
	logger *slog.Logger

	setupMu sync.Mutex
	info    *client.Introspection

	refs *refCache
}

// Option configures an Overseer.
type Option func(*Overseer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overseer) { o.logger = l }
}

// WithCacheTTL sets how long resolved reference URIs are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Overseer) { o.refs = newRefCache(ttl) }
}

// WithIntrospection preloads capability flags, skipping the introspection
// call in Setup.
func WithIntrospection(info *client.Introspection) Option {
	return func(o *Overseer) { o.info = info }
}

// New creates an Overseer over api.
func New(api Catalog, opts ...Option) *Overseer {
	o := &Overseer{
		api:    api,
		logger: slog.Default(),
		refs:   newRefCache(0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Setup fetches the catalog capability flags. The first successful result
// is cached and returned by every later call.
func (o *Overseer) Setup(ctx context.Context) (*client.Introspection, error) {
	o.setupMu.Lock()
	defer o.setupMu.Unlock()
	if o.info != nil {
		return o.info, nil
	}
	info, err := o.api.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog introspection: %w", err)
	}
	o.info = info
	o.logger.Info("catalog capabilities",
		"projects_enabled", info.ProjectsEnabled,
		"identified_objects", slices.Concat(info.IdentifiedObjects, info.ObjectsWithIDs),
		"profiles_enabled", info.ProfilesEnabled)
	return info, nil
}

// Introspection returns the cached capability flags, or nil before Setup.
func (o *Overseer) Introspection() *client.Introspection {
	o.setupMu.Lock()
	defer o.setupMu.Unlock()
	return o.info
}

// ProjectsEnabled reports whether the catalog groups experiments into projects.
func (o *Overseer) ProjectsEnabled() bool {
	info := o.Introspection()
	return info != nil && info.ProjectsEnabled
}

// SupportsIdentifiers reports whether objects of type t can be searched by
// persistent identifier. It requires both the type table and the catalog to
// allow it.
func (o *Overseer) SupportsIdentifiers(t catalog.ObjectType) bool {
	info, ok := t.Info()
	if !ok || !info.Identified {
		return false
	}
	return o.Introspection().SupportsIdentifiers(t)
}

// GetObjects returns every catalog object of type t whose field equals value.
// No match is an empty slice, not an error.
func (o *Overseer) GetObjects(ctx context.Context, t catalog.ObjectType, field, value string) ([]map[string]any, error) {
	return o.Search(ctx, t, url.Values{field: {value}})
}

// Search returns every catalog object of type t matching all query fields.
func (o *Overseer) Search(ctx context.Context, t catalog.ObjectType, query url.Values) ([]map[string]any, error) {
	objects, err := o.api.GetAll(ctx, t.Endpoint(), query)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", t, err)
	}
	if objects == nil {
		objects = []map[string]any{}
	}
	return objects, nil
}

// GetObjectsByIdentifier returns the objects of type t carrying identifier.
// Types without identifier support yield nil and a warning.
func (o *Overseer) GetObjectsByIdentifier(ctx context.Context, t catalog.ObjectType, identifier string) ([]map[string]any, error) {
	if !o.SupportsIdentifiers(t) {
		o.logger.Warn("identifier search not supported for object type", "type", t, "identifier", identifier)
		return nil, nil
	}
	return o.GetObjects(ctx, t, IdentifierField, identifier)
}

// GetURIs maps the objects matching field=value to their resource URIs.
func (o *Overseer) GetURIs(ctx context.Context, t catalog.ObjectType, field, value string) ([]catalog.URI, error) {
	objects, err := o.GetObjects(ctx, t, field, value)
	if err != nil {
		return nil, err
	}
	return URIs(objects)
}

// URIs extracts the resource URI of every object, failing on the first
// object without one.
func URIs(objects []map[string]any) ([]catalog.URI, error) {
	uris := make([]catalog.URI, 0, len(objects))
	for _, obj := range objects {
		uri, err := ObjectURI(obj)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// ObjectURI returns the resource URI of a catalog object.
func ObjectURI(obj map[string]any) (catalog.URI, error) {
	raw, ok := obj["resource_uri"].(string)
	if !ok || raw == "" {
		return "", ErrMissingURI
	}
	return catalog.ParseURI(raw)
}

// ResolveURI returns the URI of the single object of type t referenced by
// key, trying key as a persistent identifier first when t supports them and
// then as the natural key.
func (o *Overseer) ResolveURI(ctx context.Context, t catalog.ObjectType, key string) (catalog.URI, error) {
	info, ok := t.Info()
	if !ok {
		return "", fmt.Errorf("resolving %q: unknown object type %q", key, t)
	}

	if o.SupportsIdentifiers(t) {
		uris, err := o.GetURIs(ctx, t, IdentifierField, key)
		if err != nil {
			return "", err
		}
		if uri, done, err := single(t, key, uris); done {
			return uri, err
		}
	}

	uris, err := o.GetURIs(ctx, t, info.NameField, key)
	if err != nil {
		return "", err
	}
	if uri, done, err := single(t, key, uris); done {
		return uri, err
	}
	return "", fmt.Errorf("%w: %s %q", ErrNotFound, t, key)
}

// single interprets a lookup result. done is false when there were no results.
func single(t catalog.ObjectType, key string, uris []catalog.URI) (catalog.URI, bool, error) {
	switch len(uris) {
	case 0:
		return "", false, nil
	case 1:
		return uris[0], true, nil
	default:
		return "", true, fmt.Errorf("%w: %d %s objects match %q", ErrAmbiguous, len(uris), t, key)
	}
}

// ResolveReference is ResolveURI through the reference cache. It is meant
// for objects that ingestion never creates: instruments, institutions,
// facilities and storage boxes.
func (o *Overseer) ResolveReference(ctx context.Context, t catalog.ObjectType, key string) (catalog.URI, error) {
	cacheKey := string(t) + "\x00" + key
	if uri, ok := o.refs.get(cacheKey); ok {
		return uri, nil
	}
	uri, err := o.ResolveURI(ctx, t, key)
	if err != nil {
		return "", err
	}
	o.refs.put(cacheKey, uri)
	return uri, nil
}
