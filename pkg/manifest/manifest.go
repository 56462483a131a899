// Package manifest loads ingestion batches from YAML or JSON manifest files
// and discovers manifests in a directory tree.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/txn2/tardis-ingest/pkg/catalog"
)

// Default discovery globs, relative to the searched directory.
const (
	DefaultPattern = "**/*.yaml"
	DefaultIgnore  = "**/.*"
)

// ErrBadPattern is returned for a glob doublestar cannot parse.
var ErrBadPattern = errors.New("invalid manifest pattern")

// Load reads the manifest at path. A relative data_root is resolved against
// the manifest's directory; an empty one means that directory.
func Load(path string) (*catalog.Batch, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- manifest path is chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes manifest data as if it had been read from path.
func Parse(data []byte, path string) (*catalog.Batch, error) {
	var b catalog.Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	b.Source = path
	if !filepath.IsAbs(b.DataRoot) {
		b.DataRoot = filepath.Join(filepath.Dir(path), b.DataRoot)
	}

	b.Projects = compact(b.Projects)
	b.Experiments = compact(b.Experiments)
	b.Datasets = compact(b.Datasets)
	b.Datafiles = compact(b.Datafiles)
	return &b, nil
}

// compact drops the nil entries an empty YAML list item decodes to.
func compact[T any](in []*T) []*T {
	return slices.DeleteFunc(in, func(v *T) bool { return v == nil })
}

// Matcher selects manifest paths by glob.
type Matcher struct {
	pattern string
	ignore  []string
}

// NewMatcher validates the globs. An empty pattern means DefaultPattern.
func NewMatcher(pattern string, ignore []string) (*Matcher, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	for _, p := range append([]string{pattern}, ignore...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrBadPattern, p)
		}
	}
	return &Matcher{pattern: pattern, ignore: ignore}, nil
}

// Match reports whether rel, a slash-separated path relative to the
// searched directory, is a manifest.
func (m *Matcher) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if !doublestar.MatchUnvalidated(m.pattern, rel) {
		return false
	}
	for _, p := range m.ignore {
		if doublestar.MatchUnvalidated(p, rel) {
			return false
		}
	}
	return true
}

// Discover returns the manifests under dir, sorted.
func Discover(dir, pattern string, ignore []string) ([]string, error) {
	m, err := NewMatcher(pattern, ignore)
	if err != nil {
		return nil, err
	}
	return m.Discover(dir)
}

// Discover returns the regular files under dir selected by m, sorted.
func (m *Matcher) Discover(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), m.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("discovering manifests in %s: %w", dir, err)
	}

	out := make([]string, 0, len(matches))
	for _, rel := range matches {
		if !m.Match(rel) {
			continue
		}
		out = append(out, filepath.Join(dir, filepath.FromSlash(rel)))
	}
	slices.Sort(out)
	return out, nil
}

// LoadAll loads every path, stopping at the first error.
func LoadAll(paths []string) ([]*catalog.Batch, error) {
	batches := make([]*catalog.Batch, 0, len(paths))
	for _, p := range paths {
		b, err := Load(p)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// IsFile reports whether path names an existing regular file.
func IsFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
