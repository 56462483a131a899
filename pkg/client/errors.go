package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrBadGateway marks a 502 response, which signals a restarting proxy in
// front of the catalog and is retried.
var ErrBadGateway = errors.New("bad gateway")

// TransportError is returned when a request could not be completed after
// every attempt: connection failures, timeouts and repeated 502 responses.
type TransportError struct {
	Method     string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CatalogError is returned immediately for any other error status. The
// catalog understood the request and rejected it.
type CatalogError struct {
	Method     string
	URL        string
	StatusCode int
	Reason     string
	Body       string
}

func (e *CatalogError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Reason)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsNotFound reports whether err is a catalog 404.
func IsNotFound(err error) bool {
	var ce *CatalogError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound
}

func newCatalogError(method, url string, resp *http.Response, body []byte) *CatalogError {
	const maxBody = 512
	text := string(body)
	if len(text) > maxBody {
		text = text[:maxBody] + "..."
	}
	return &CatalogError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		Reason:     http.StatusText(resp.StatusCode),
		Body:       text,
	}
}
