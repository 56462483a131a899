package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

// ErrMalformedURI is returned when a resource URI does not have the form
// /api/v1/<type>/<id>/.
var ErrMalformedURI = errors.New("malformed resource uri")

var resourcePathRe = regexp.MustCompile(`^/api/v1/([a-z_]+)/(\d+)/?$`)

// URI is a catalog resource URI such as /api/v1/experiment/12/.
type URI string

// NewURI builds the canonical URI for an object of type t with the given id.
func NewURI(t ObjectType, id int) URI {
	return URI(fmt.Sprintf("/api/v1/%s/%d/", t.Endpoint(), id))
}

// ParseURI validates s and returns it as a URI.
func ParseURI(s string) (URI, error) {
	if _, _, err := splitResource(s); err != nil {
		return "", err
	}
	return URI(s), nil
}

// ID returns the trailing integer id of the URI.
func (u URI) ID() (int, error) {
	_, id, err := splitResource(string(u))
	return id, err
}

// Endpoint returns the resource name embedded in the URI.
func (u URI) Endpoint() (string, error) {
	endpoint, _, err := splitResource(string(u))
	return endpoint, err
}

// String implements fmt.Stringer.
func (u URI) String() string {
	return string(u)
}

// ResourceID converts a resource URI to its trailing integer id. Absolute
// URLs are accepted; only the path is inspected.
func ResourceID(uri string) (int, error) {
	_, id, err := splitResource(uri)
	return id, err
}

func splitResource(s string) (string, int, error) {
	if s == "" {
		return "", 0, fmt.Errorf("%w: empty", ErrMalformedURI)
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrMalformedURI, s, err) //nolint:errorlint // url error is context only
	}
	m := resourcePathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedURI, s)
	}
	id, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrMalformedURI, s, err) //nolint:errorlint // strconv error is context only
	}
	return m[1], id, nil
}
