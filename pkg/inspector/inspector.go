// Package inspector decides, for each raw object, whether it already exists
// in the catalog, is novel, or must be blocked for manual resolution.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/overseer"
)

// Verdict is the outcome of MatchOrBlock.
type Verdict int

const (
	// Novel objects have no catalog candidate and are safe to create.
	Novel Verdict = iota

	// Matched objects already exist; Decision.URI holds the catalog URI.
	Matched

	// Blocked objects conflict with the catalog or descend from a blocked
	// object. They are excluded from this run.
	Blocked

	// Unmatchable objects lack a type or natural key. They are neither
	// ingested nor blocked.
	Unmatchable
)

func (v Verdict) String() string {
	switch v {
	case Novel:
		return "novel"
	case Matched:
		return "matched"
	case Blocked:
		return "blocked"
	case Unmatchable:
		return "unmatchable"
	default:
		return "unknown"
	}
}

// Decision is the result of inspecting one raw object.
type Decision struct {
	Verdict Verdict
	URI     catalog.URI
	Reason  string
}

// Policy controls how partial matches are resolved.
type Policy string

const (
	// PolicyBlock blocks any candidate that disagrees on a match field.
	PolicyBlock Policy = "block"

	// PolicyPreferIdentifier accepts the single candidate found by a
	// persistent identifier even when other match fields disagree. The
	// catalog object is reused as is; nothing is overwritten.
	PolicyPreferIdentifier Policy = "prefer_identifier"
)

// ParsePolicy converts a configuration value into a Policy. Empty means
// PolicyBlock.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyPreferIdentifier:
		return PolicyPreferIdentifier, nil
	default:
		return "", fmt.Errorf("unknown partial match policy %q", s)
	}
}

// Searcher is the subset of the Overseer used by the Inspector.
type Searcher interface {
	Search(ctx context.Context, t catalog.ObjectType, query url.Values) ([]map[string]any, error)
	SupportsIdentifiers(t catalog.ObjectType) bool
	ProjectsEnabled() bool
}

var _ Searcher = (*overseer.Overseer)(nil)

// Inspector holds the per-run blocked sets. It is not safe for concurrent
// use; the orchestrator drives it from a single goroutine.
type Inspector struct {
	search  Searcher
	policy  Policy
	logger  *slog.Logger
	blocked map[catalog.ObjectType]map[string]struct{}
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithPolicy sets the partial-match policy.
func WithPolicy(p Policy) Option {
	return func(i *Inspector) { i.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Inspector) { i.logger = l }
}

// New creates an Inspector with empty blocked sets.
func New(search Searcher, opts ...Option) *Inspector {
	i := &Inspector{
		search:  search,
		policy:  PolicyBlock,
		logger:  slog.Default(),
		blocked: make(map[catalog.ObjectType]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// attempt is one catalog query tried while matching.
type attempt struct {
	query        url.Values
	byIdentifier bool
}

// MatchOrBlock inspects obj against the catalog.
//
// A blocked parent blocks obj without querying the catalog. Otherwise each
// persistent identifier is tried in order, then the natural key; the first
// attempt returning candidates wins. A candidate agreeing on every match
// field is a match. Candidates that all disagree somewhere block obj.
func (i *Inspector) MatchOrBlock(ctx context.Context, obj catalog.Object) (Decision, error) {
	if obj == nil {
		return Decision{Verdict: Unmatchable, Reason: "no object"}, nil
	}
	t := obj.Type()
	info, ok := t.Info()
	if !ok || obj.Name() == "" {
		return Decision{Verdict: Unmatchable, Reason: "object type or natural key missing"}, nil
	}
	if t == catalog.TypeProject && !i.search.ProjectsEnabled() {
		return Decision{Verdict: Unmatchable, Reason: "projects are disabled in the catalog"}, nil
	}

	if i.IsBlockedByParents(obj) {
		i.Block(obj)
		return Decision{Verdict: Blocked, Reason: "parent object is blocked"}, nil
	}
	if i.IsBlocked(obj) {
		return Decision{Verdict: Blocked, Reason: "object is blocked"}, nil
	}

	attempts, ok := i.attempts(obj, info)
	if !ok {
		return Decision{Verdict: Unmatchable, Reason: "match field unresolved"}, nil
	}

	var candidates []map[string]any
	var hit attempt
	for _, a := range attempts {
		found, err := i.search.Search(ctx, t, a.query)
		if err != nil {
			return Decision{}, fmt.Errorf("matching %s: %w", catalog.Display(obj), err)
		}
		if len(found) > 0 {
			candidates, hit = dedupe(found), a
			break
		}
	}
	if len(candidates) == 0 {
		return Decision{Verdict: Novel}, nil
	}

	want := obj.MatchValues()
	var full []catalog.URI
	for _, cand := range candidates {
		if !agrees(info.MatchFields, want, cand) {
			continue
		}
		uri, err := overseer.ObjectURI(cand)
		if err != nil {
			return Decision{}, fmt.Errorf("matching %s: %w", catalog.Display(obj), err)
		}
		full = append(full, uri)
	}

	switch {
	case len(full) == 1:
		return Decision{Verdict: Matched, URI: full[0]}, nil
	case len(full) > 1:
		return Decision{}, fmt.Errorf("matching %s: %w: %d catalog objects match every field",
			catalog.Display(obj), overseer.ErrAmbiguous, len(full))
	}

	if i.policy == PolicyPreferIdentifier && hit.byIdentifier && len(candidates) == 1 {
		uri, err := overseer.ObjectURI(candidates[0])
		if err != nil {
			return Decision{}, fmt.Errorf("matching %s: %w", catalog.Display(obj), err)
		}
		i.logger.Warn("partial match resolved by identifier",
			"type", t, "name", obj.Name(), "uri", uri, "identifier", hit.query.Get(overseer.IdentifierField))
		return Decision{Verdict: Matched, URI: uri, Reason: "identifier match with differing fields"}, nil
	}

	i.Block(obj)
	i.logger.Warn("partial match, object blocked",
		"type", t, "name", obj.Name(), "candidates", len(candidates))
	return Decision{Verdict: Blocked, Reason: "partial match with existing catalog object"}, nil
}

func (i *Inspector) attempts(obj catalog.Object, info catalog.TypeInfo) ([]attempt, bool) {
	var out []attempt
	if i.search.SupportsIdentifiers(obj.Type()) {
		for _, id := range obj.Identifiers() {
			out = append(out, attempt{
				query:        url.Values{overseer.IdentifierField: {id}},
				byIdentifier: true,
			})
		}
	}

	values := obj.MatchValues()
	q := url.Values{}
	for _, f := range info.MatchFields {
		v := values[f.Name]
		if f.CompareOnly || (f.Optional && v == "") {
			continue
		}
		if f.Reference {
			id, err := catalog.ResourceID(v)
			if err != nil {
				return nil, false
			}
			v = strconv.Itoa(id)
		}
		q.Set(f.Name, v)
	}
	return append(out, attempt{query: q}), true
}

// agrees reports whether cand equals want on every match field.
func agrees(fields []catalog.MatchField, want map[string]string, cand map[string]any) bool {
	for _, f := range fields {
		got := cand[f.Name]
		if f.Optional && want[f.Name] == "" {
			if s, ok := scalar(got); !ok || s != "" {
				return false
			}
			continue
		}
		if f.Reference {
			if !sameReference(want[f.Name], got) {
				return false
			}
			continue
		}
		s, ok := scalar(got)
		if !ok {
			return false
		}
		if f.Name == "directory" {
			s = catalog.NormalizeDirectory(s)
		}
		if s != want[f.Name] {
			return false
		}
	}
	return true
}

func sameReference(want string, got any) bool {
	wantID, err := catalog.ResourceID(want)
	if err != nil {
		return false
	}
	switch v := got.(type) {
	case string:
		if id, err := catalog.ResourceID(v); err == nil {
			return id == wantID
		}
		return v == strconv.Itoa(wantID)
	case map[string]any:
		return sameReference(want, v["resource_uri"])
	default:
		s, ok := scalar(v)
		return ok && s == strconv.Itoa(wantID)
	}
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	case float64, int, int64, bool:
		return fmt.Sprint(x), true
	default:
		return "", false
	}
}

func dedupe(objects []map[string]any) []map[string]any {
	seen := make(map[string]bool, len(objects))
	out := make([]map[string]any, 0, len(objects))
	for _, obj := range objects {
		key, _ := obj["resource_uri"].(string)
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, obj)
	}
	return out
}

// blockKeys returns the keys under which obj is recorded in a blocked set.
func blockKeys(obj catalog.Object) []string {
	if df, ok := obj.(*catalog.Datafile); ok {
		parent := df.Dataset
		if df.DatasetURI != "" {
			parent = string(df.DatasetURI)
		}
		return []string{parent + "\x00" + df.RelativePath()}
	}
	return catalog.Keys(obj)
}

// Block records obj and all its keys as blocked.
func (i *Inspector) Block(obj catalog.Object) {
	t := obj.Type()
	set, ok := i.blocked[t]
	if !ok {
		set = make(map[string]struct{})
		i.blocked[t] = set
	}
	for _, k := range blockKeys(obj) {
		set[k] = struct{}{}
	}
}

// IsBlocked reports whether any key of obj is in its type's blocked set.
func (i *Inspector) IsBlocked(obj catalog.Object) bool {
	set := i.blocked[obj.Type()]
	for _, k := range blockKeys(obj) {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}

// IsBlockedByParents reports whether any parent reference of obj names a
// blocked object.
func (i *Inspector) IsBlockedByParents(obj catalog.Object) bool {
	info, ok := obj.Type().Info()
	if !ok || info.Parent == "" {
		return false
	}
	set := i.blocked[info.Parent]
	for _, ref := range obj.ParentRefs() {
		if _, ok := set[ref]; ok {
			return true
		}
	}
	return false
}

// Blocked returns a sorted snapshot of the blocked keys of type t.
func (i *Inspector) Blocked(t catalog.ObjectType) []string {
	set := i.blocked[t]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsAmbiguous reports whether err came from several catalog objects fully
// matching one raw object.
func IsAmbiguous(err error) bool {
	return errors.Is(err, overseer.ErrAmbiguous)
}
