package smelter

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/txn2/tardis-ingest/pkg/catalog"
)

// Key markers used when flattening nested metadata.
const (
	LevelSeparator = "->"
	IndexOpen      = "_."
	IndexClose     = "._"
)

// Flatten converts nested metadata into a parameter list sorted by name.
//
// Nested maps join their keys with "->". List elements are suffixed with
// "_.<index>._". Nil values and empty containers produce no parameters.
func Flatten(metadata map[string]any) []catalog.Parameter {
	flat := map[string]any{}
	for k, v := range metadata {
		flattenInto(flat, k, v)
	}

	names := make([]string, 0, len(flat))
	for k := range flat {
		names = append(names, k)
	}
	sort.Strings(names)

	params := make([]catalog.Parameter, 0, len(names))
	for _, name := range names {
		params = append(params, catalog.Parameter{Name: name, Value: flat[name]})
	}
	return params
}

func flattenInto(flat map[string]any, key string, value any) {
	switch v := value.(type) {
	case nil:
		return
	case map[string]any:
		for k, nested := range v {
			flattenInto(flat, key+LevelSeparator+k, nested)
		}
	case map[any]any:
		for k, nested := range v {
			flattenInto(flat, key+LevelSeparator+fmt.Sprint(k), nested)
		}
	case []any:
		for i, elem := range v {
			flattenInto(flat, indexed(key, i), elem)
		}
	case []string:
		for i, elem := range v {
			flat[indexed(key, i)] = elem
		}
	default:
		flat[key] = v
	}
}

func indexed(key string, i int) string {
	return key + IndexOpen + strconv.Itoa(i) + IndexClose
}

var segmentRe = regexp.MustCompile(`^(.*?)((?:_\.\d+\._)*)$`)
var indexRe = regexp.MustCompile(`_\.(\d+)\._`)

// Unflatten rebuilds nested metadata from flattened parameters. It is the
// inverse of Flatten and exists to check the naming scheme round-trips:
// ingestion itself only flattens. Scalar leaves come back unchanged.
func Unflatten(params []catalog.Parameter) (map[string]any, error) {
	root := map[string]any{}
	for _, p := range params {
		if err := insert(root, p.Name, p.Value); err != nil {
			return nil, err
		}
	}
	return root, nil
}

type step struct {
	key     string
	indices []int
}

func parseName(name string) ([]step, error) {
	parts := strings.Split(name, LevelSeparator)
	steps := make([]step, 0, len(parts))
	for _, part := range parts {
		m := segmentRe.FindStringSubmatch(part)
		if m == nil || m[1] == "" {
			return nil, fmt.Errorf("invalid parameter name %q", name)
		}
		s := step{key: m[1]}
		for _, idx := range indexRe.FindAllStringSubmatch(m[2], -1) {
			n, err := strconv.Atoi(idx[1])
			if err != nil {
				return nil, fmt.Errorf("invalid index in parameter name %q: %w", name, err)
			}
			s.indices = append(s.indices, n)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func insert(root map[string]any, name string, value any) error {
	steps, err := parseName(name)
	if err != nil {
		return err
	}

	// get and set address the slot being filled: a map key or a list element.
	var set func(any)
	var get func() any
	m := root
	for si, s := range steps {
		last := si == len(steps)-1
		curMap := m
		key := s.key
		get = func() any { return curMap[key] }
		set = func(v any) { curMap[key] = v }

		for _, idx := range s.indices {
			list, _ := get().([]any)
			for len(list) <= idx {
				list = append(list, nil)
			}
			set(list)
			l, i := list, idx
			get = func() any { return l[i] }
			set = func(v any) { l[i] = v }
		}

		if last {
			set(value)
			return nil
		}
		next, ok := get().(map[string]any)
		if !ok {
			if get() != nil {
				return fmt.Errorf("parameter %q conflicts with a scalar at %q", name, s.key)
			}
			next = map[string]any{}
			set(next)
		}
		m = next
	}
	return nil
}
