// Package smelter transforms accepted raw objects into the catalog's wire
// representation: core attributes, parameter sets, access control and
// datafile replicas.
package smelter

import (
	"errors"
	"fmt"
	"path"

	"github.com/txn2/tardis-ingest/pkg/catalog"
)

// ErrMissingParent is returned when an object is smelted without the parent
// URIs its type requires.
var ErrMissingParent = errors.New("parent reference unresolved")

// ErrNoSchema is returned when an object carries metadata but no schema is
// known for its parameter set.
var ErrNoSchema = errors.New("metadata present but no parameter schema")

// DefaultProtocol is the replica protocol used when none is configured.
const DefaultProtocol = "file"

// Config holds ingestion defaults applied while smelting.
type Config struct {
	// DefaultSchema maps an object type to the parameter-set schema used
	// when the object names none.
	DefaultSchema map[catalog.ObjectType]string

	// StorageBox is the replica location name.
	StorageBox string

	// TargetPrefix is prepended to replica URIs.
	TargetPrefix string

	// Protocol is the replica protocol, "file" by default.
	Protocol string
}

// Refs carries everything resolved against the catalog before smelting.
type Refs struct {
	// Parents are the URIs of the object's parents.
	Parents []catalog.URI

	// ParentAccess is the resolved access control inherited by
	// experiments, datasets and datafiles. Nil inherits nothing.
	ParentAccess *catalog.AccessControl

	// Instrument is the dataset's instrument URI.
	Instrument catalog.URI

	// Institutions are the project's institution URIs.
	Institutions []catalog.URI

	// Identifiers reports whether the catalog accepts identifiers for the type.
	Identifiers bool

	// ProjectsEnabled reports whether experiments reference projects.
	ProjectsEnabled bool
}

// Smelted is a catalog-ready object.
type Smelted struct {
	Type catalog.ObjectType

	// Core holds the core attributes, parents referenced by URI.
	Core map[string]any

	// ParameterSet is nil when the object has no metadata parameters.
	ParameterSet *catalog.ParameterSet

	// Access is the resolved access control, with no nil lists.
	Access catalog.AccessControl

	// ACL is Access expressed as unique principal entries.
	ACL catalog.ACL
}

// Payload returns the POST body for the object. Datafiles embed their
// parameter set; other types post it separately.
func (s *Smelted) Payload() map[string]any {
	out := make(map[string]any, len(s.Core)+3)
	for k, v := range s.Core {
		out[k] = v
	}
	out["users"] = s.ACL.UserPayload()
	out["groups"] = s.ACL.GroupPayload()
	if s.Type == catalog.TypeDatafile && s.ParameterSet != nil {
		out["parameter_sets"] = []map[string]any{parameterSetBody(s.ParameterSet)}
	}
	return out
}

// ParameterSetEndpoint returns where the parameter set is posted, or "" when
// there is nothing to post separately.
func (s *Smelted) ParameterSetEndpoint() string {
	if s.ParameterSet == nil {
		return ""
	}
	return s.Type.MustInfo().ParameterSetEndpoint
}

// ParameterSetPayload returns the POST body attaching the parameter set to
// the object at uri.
func (s *Smelted) ParameterSetPayload(uri catalog.URI) map[string]any {
	body := parameterSetBody(s.ParameterSet)
	body[string(s.Type)] = string(uri)
	return body
}

func parameterSetBody(ps *catalog.ParameterSet) map[string]any {
	params := make([]map[string]any, 0, len(ps.Parameters))
	for _, p := range ps.Parameters {
		params = append(params, map[string]any{"name": p.Name, "value": p.Value})
	}
	return map[string]any{"schema": ps.Schema, "parameters": params}
}

// Smelter builds catalog payloads.
type Smelter struct {
	cfg Config
}

// New creates a Smelter.
func New(cfg Config) *Smelter {
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultProtocol
	}
	return &Smelter{cfg: cfg}
}

// Smelt converts obj into its catalog representation.
func (s *Smelter) Smelt(obj catalog.Object, refs Refs) (*Smelted, error) {
	t := obj.Type()
	core, err := s.core(obj, refs)
	if err != nil {
		return nil, fmt.Errorf("smelting %s: %w", catalog.Display(obj), err)
	}

	access := Access(obj, refs.ParentAccess)
	schema := obj.SchemaNamespace()
	params := map[string]any{}

	for k, v := range obj.MetadataMap() {
		switch {
		case k == "schema":
			if ns, ok := v.(string); ok && schema == "" {
				schema = ns
			}
		case catalog.IsAccessField(k):
			// resolved by Access
		case t.IsCoreField(k) && !referenceFields[k]:
			if isEmpty(core[k]) {
				core[k] = v
			}
		default:
			params[k] = v
		}
	}

	out := &Smelted{
		Type:   t,
		Core:   core,
		Access: access,
		ACL:    access.Resolve(),
	}

	if flat := Flatten(params); len(flat) > 0 {
		if schema == "" {
			schema = s.cfg.DefaultSchema[t]
		}
		if schema == "" {
			return nil, fmt.Errorf("smelting %s: %w", catalog.Display(obj), ErrNoSchema)
		}
		out.ParameterSet = &catalog.ParameterSet{Schema: schema, Parameters: flat}
	}
	return out, nil
}

// Access resolves the effective access control of obj. Typed fields win
// over access fields found in metadata. Projects are absolute and make
// their principal investigator an admin; other types fill what they leave
// nil from parent. The result has no nil lists.
func Access(obj catalog.Object, parent *catalog.AccessControl) catalog.AccessControl {
	access := obj.Access().Clone()
	for k, v := range obj.MetadataMap() {
		if !catalog.IsAccessField(k) {
			continue
		}
		if list := access.Field(catalog.AccessField(k)); *list == nil {
			*list = stringList(v)
		}
	}

	if p, ok := obj.(*catalog.Project); ok {
		access = access.Absolute()
		pi := p.PrincipalInvestigator
		if pi == "" {
			pi, _ = p.Metadata["principal_investigator"].(string)
		}
		if pi != "" && !contains(access.AdminUsers, pi) {
			access.AdminUsers = append(access.AdminUsers, pi)
		}
		return access
	}

	if parent != nil {
		access = access.Inherit(*parent)
	}
	return access.Absolute()
}

// referenceFields are core fields holding URIs. Raw metadata can only name
// them, so they stay parameters.
var referenceFields = map[string]bool{"institution": true, "instrument": true}

func (s *Smelter) core(obj catalog.Object, refs Refs) (map[string]any, error) {
	core := map[string]any{}
	if refs.Identifiers {
		if ids := obj.Identifiers(); len(ids) > 0 {
			core["identifiers"] = ids
		}
	}

	switch o := obj.(type) {
	case *catalog.Project:
		core["name"] = o.ProjectName
		setIf(core, "description", o.Description)
		setIf(core, "principal_investigator", o.PrincipalInvestigator)
		setIf(core, "url", o.URL)
		if len(refs.Institutions) > 0 {
			core["institution"] = uriStrings(refs.Institutions)
		}

	case *catalog.Experiment:
		core["title"] = o.Title
		setIf(core, "description", o.Description)
		setIf(core, "institution_name", o.InstitutionName)
		setIf(core, "url", o.URL)
		if refs.ProjectsEnabled {
			if len(refs.Parents) == 0 {
				return nil, fmt.Errorf("%w: experiment needs at least one project", ErrMissingParent)
			}
			core["projects"] = uriStrings(refs.Parents)
		}

	case *catalog.Dataset:
		core["description"] = o.Description
		core["directory"] = catalog.NormalizeDirectory(o.Directory)
		core["immutable"] = o.Immutable
		if len(refs.Parents) == 0 {
			return nil, fmt.Errorf("%w: dataset needs at least one experiment", ErrMissingParent)
		}
		core["experiments"] = uriStrings(refs.Parents)
		if refs.Instrument != "" {
			core["instrument"] = string(refs.Instrument)
		}

	case *catalog.Datafile:
		if len(refs.Parents) != 1 {
			return nil, fmt.Errorf("%w: datafile needs exactly one dataset, got %d", ErrMissingParent, len(refs.Parents))
		}
		core["filename"] = o.Filename
		core["directory"] = catalog.NormalizeDirectory(o.Directory)
		core["dataset"] = string(refs.Parents[0])
		core["md5sum"] = o.MD5Sum
		core["mimetype"] = o.MimeType
		core["size"] = o.Size
		replicas := o.Replicas
		if len(replicas) == 0 {
			replicas = []catalog.Replica{s.Replica(o)}
		}
		core["replicas"] = replicas

	default:
		return nil, fmt.Errorf("unsupported object %T", obj)
	}
	return core, nil
}

// Replica describes where df will live once the conveyor has moved it.
func (s *Smelter) Replica(df *catalog.Datafile) catalog.Replica {
	uri := df.RelativePath()
	if s.cfg.TargetPrefix != "" {
		uri = path.Join(s.cfg.TargetPrefix, uri)
	}
	return catalog.Replica{
		URI:      uri,
		Location: s.cfg.StorageBox,
		Protocol: s.cfg.Protocol,
	}
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func uriStrings(uris []catalog.URI) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		out = append(out, string(u))
	}
	return out
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// stringList converts a metadata value into a principal list. A scalar
// becomes a one-element list; nil stays nil.
func stringList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string{}, x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if e != nil {
				out = append(out, fmt.Sprint(e))
			}
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}
