// Package fakecatalog is an in-memory catalog REST API served over
// httptest, used by package tests that exercise real HTTP round trips.
package fakecatalog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/txn2/tardis-ingest/pkg/catalog"
)

// Created records one successful POST.
type Created struct {
	Endpoint string
	URI      catalog.URI
	Body     map[string]any
}

// Server is a fake catalog.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	objects       map[string][]map[string]any
	nextID        map[string]int
	created       []Created
	gets          map[string]int
	introspection map[string]any
	failures      map[string][]int
}

// New starts a fake catalog with projects and identifiers enabled for
// projects, experiments, datasets and instruments.
func New() *Server {
	s := &Server{
		objects:  map[string][]map[string]any{},
		nextID:   map[string]int{},
		gets:     map[string]int{},
		failures: map[string][]int{},
		introspection: map[string]any{
			"projects_enabled":     true,
			"identifiers_enabled":  true,
			"identified_objects":   []string{"project", "experiment", "dataset", "instrument", "institution"},
			"profiles_enabled":     false,
			"profiled_objects":     []string{},
			"experiment_only_acls": false,
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetIntrospection replaces one capability flag.
func (s *Server) SetIntrospection(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.introspection[key] = value
}

// Add stores obj under endpoint and returns its assigned URI.
func (s *Server) Add(endpoint string, obj map[string]any) catalog.URI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(endpoint, obj)
}

func (s *Server) add(endpoint string, obj map[string]any) catalog.URI {
	s.nextID[endpoint]++
	id := s.nextID[endpoint]
	uri := catalog.URI(fmt.Sprintf("/api/v1/%s/%d/", endpoint, id))
	stored := make(map[string]any, len(obj)+2)
	for k, v := range obj {
		stored[k] = v
	}
	stored["id"] = id
	stored["resource_uri"] = string(uri)
	s.objects[endpoint] = append(s.objects[endpoint], stored)
	return uri
}

// FailNext makes the next requests to endpoint answer with the given
// statuses, one per request.
func (s *Server) FailNext(endpoint string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = append(s.failures[endpoint], statuses...)
}

// Created returns every POST handled so far, in order.
func (s *Server) Created() []Created {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Created(nil), s.created...)
}

// CreatedOn returns the POSTs handled for endpoint.
func (s *Server) CreatedOn(endpoint string) []Created {
	var out []Created
	for _, c := range s.Created() {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

// Gets returns how many GET requests endpoint has served.
func (s *Server) Gets(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[endpoint]
}

// Objects returns the stored objects of endpoint.
func (s *Server) Objects(endpoint string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.objects[endpoint]...)
}

// ResetCounters forgets recorded creations and GET counts.
func (s *Server) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = nil
	s.gets = map[string]int{}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/"), "/")
	parts := strings.Split(rest, "/")
	endpoint := parts[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	if queue := s.failures[endpoint]; len(queue) > 0 {
		s.failures[endpoint] = queue[1:]
		w.WriteHeader(queue[0])
		return
	}

	switch {
	case r.Method == http.MethodGet && endpoint == "introspection":
		writeJSON(w, http.StatusOK, map[string]any{"objects": []any{s.introspection}})
	case r.Method == http.MethodGet && len(parts) == 2:
		s.gets[endpoint]++
		s.getOne(w, endpoint, parts[1])
	case r.Method == http.MethodGet:
		s.gets[endpoint]++
		s.list(w, endpoint, r.URL.Query())
	case r.Method == http.MethodPost:
		s.create(w, r, endpoint)
	case r.Method == http.MethodPatch:
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getOne(w http.ResponseWriter, endpoint, id string) {
	for _, obj := range s.objects[endpoint] {
		if fmt.Sprint(obj["id"]) == id {
			writeJSON(w, http.StatusOK, obj)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) list(w http.ResponseWriter, endpoint string, query url.Values) {
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	var matched []map[string]any
	for _, obj := range s.objects[endpoint] {
		if matches(obj, query) {
			matched = append(matched, obj)
		}
	}
	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	start := min(offset, total)
	end := min(start+limit, total)
	page := matched[start:end]
	if page == nil {
		page = []map[string]any{}
	}

	var next *string
	if end < total {
		n := fmt.Sprintf("/api/v1/%s/?limit=%d&offset=%d", endpoint, limit, end)
		next = &n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meta": map[string]any{
			"limit": limit, "offset": offset, "total_count": total, "next": next, "previous": nil,
		},
		"objects": page,
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, endpoint string) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	uri := s.add(endpoint, body)
	s.created = append(s.created, Created{Endpoint: endpoint, URI: uri, Body: body})
	objs := s.objects[endpoint]
	writeJSON(w, http.StatusCreated, objs[len(objs)-1])
}

var paging = map[string]bool{"limit": true, "offset": true, "format": true}

func matches(obj map[string]any, query url.Values) bool {
	for field, values := range query {
		if paging[field] || len(values) == 0 {
			continue
		}
		want := values[0]
		if field == "identifier" {
			if !containsValue(obj["identifiers"], want) {
				return false
			}
			continue
		}
		if !containsValue(obj[field], want) {
			return false
		}
	}
	return true
}

// containsValue compares a stored value, or any element of a stored list,
// against a query value. Resource URIs also match their numeric id.
func containsValue(stored any, want string) bool {
	switch v := stored.(type) {
	case nil:
		return want == ""
	case []any:
		for _, e := range v {
			if containsValue(e, want) {
				return true
			}
		}
		return false
	case []string:
		for _, e := range v {
			if containsValue(e, want) {
				return true
			}
		}
		return false
	case string:
		if v == want {
			return true
		}
		if id, err := catalog.ResourceID(v); err == nil {
			return strconv.Itoa(id) == want
		}
		return false
	default:
		return fmt.Sprint(v) == want
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
