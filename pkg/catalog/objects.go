package catalog

import (
	"path"
	"strings"
)

// Object is a raw candidate object produced by metadata extraction. The set
// of implementations is closed: *Project, *Experiment, *Dataset, *Datafile.
type Object interface {
	// Type returns the object type tag.
	Type() ObjectType

	// Name returns the natural-key value.
	Name() string

	// Identifiers returns the persistent identifier followed by alternates.
	Identifiers() []string

	// ParentRefs returns the names or identifiers of the parent objects.
	ParentRefs() []string

	// MetadataMap returns the free-form metadata destined for a parameter set.
	MetadataMap() map[string]any

	// SchemaNamespace returns the parameter-set schema override, if any.
	SchemaNamespace() string

	// Access returns the object's access-control fields.
	Access() *AccessControl

	// MatchValues returns the raw values of the type's match fields.
	MatchValues() map[string]string

	object()
}

// Identified holds the persistent and alternate identifiers of an object.
type Identified struct {
	PersistentID string   `yaml:"persistent_id,omitempty" json:"persistent_id,omitempty"`
	AlternateIDs []string `yaml:"alternate_ids,omitempty" json:"alternate_ids,omitempty"`
}

// Identifiers returns the persistent id then each non-empty alternate id.
func (i Identified) Identifiers() []string {
	ids := make([]string, 0, 1+len(i.AlternateIDs))
	if i.PersistentID != "" {
		ids = append(ids, i.PersistentID)
	}
	for _, alt := range i.AlternateIDs {
		if alt != "" {
			ids = append(ids, alt)
		}
	}
	return ids
}

// Described holds the metadata map and an optional schema namespace.
type Described struct {
	Schema   string         `yaml:"schema,omitempty" json:"schema,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// MetadataMap implements Object.
func (d Described) MetadataMap() map[string]any { return d.Metadata }

// SchemaNamespace implements Object.
func (d Described) SchemaNamespace() string { return d.Schema }

// Project is the top-level raw object. Its access control is absolute.
type Project struct {
	ProjectName           string   `yaml:"name" json:"name"`
	Description           string   `yaml:"description,omitempty" json:"description,omitempty"`
	PrincipalInvestigator string   `yaml:"principal_investigator,omitempty" json:"principal_investigator,omitempty"`
	Institutions          []string `yaml:"institution,omitempty" json:"institution,omitempty"`
	URL                   string   `yaml:"url,omitempty" json:"url,omitempty"`

	Identified    `yaml:",inline"`
	AccessControl `yaml:",inline"`
	Described     `yaml:",inline"`
}

// Type implements Object.
func (*Project) Type() ObjectType { return TypeProject }

// Name implements Object.
func (p *Project) Name() string { return p.ProjectName }

// ParentRefs implements Object. Projects have no parents.
func (*Project) ParentRefs() []string { return nil }

// Access implements Object.
func (p *Project) Access() *AccessControl { return &p.AccessControl }

// MatchValues implements Object.
func (p *Project) MatchValues() map[string]string {
	return map[string]string{"name": p.ProjectName}
}

func (*Project) object() {}

// Experiment belongs to one or more projects.
type Experiment struct {
	Title           string   `yaml:"title" json:"title"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Projects        []string `yaml:"projects,omitempty" json:"projects,omitempty"`
	InstitutionName string   `yaml:"institution_name,omitempty" json:"institution_name,omitempty"`
	URL             string   `yaml:"url,omitempty" json:"url,omitempty"`

	Identified    `yaml:",inline"`
	AccessControl `yaml:",inline"`
	Described     `yaml:",inline"`
}

// Type implements Object.
func (*Experiment) Type() ObjectType { return TypeExperiment }

// Name implements Object.
func (e *Experiment) Name() string { return e.Title }

// ParentRefs implements Object.
func (e *Experiment) ParentRefs() []string { return e.Projects }

// Access implements Object.
func (e *Experiment) Access() *AccessControl { return &e.AccessControl }

// MatchValues implements Object.
func (e *Experiment) MatchValues() map[string]string {
	return map[string]string{"title": e.Title}
}

func (*Experiment) object() {}

// Dataset belongs to one or more experiments and may reference an instrument.
type Dataset struct {
	Description string   `yaml:"description" json:"description"`
	Directory   string   `yaml:"directory,omitempty" json:"directory,omitempty"`
	Experiments []string `yaml:"experiments,omitempty" json:"experiments,omitempty"`
	Instrument  string   `yaml:"instrument,omitempty" json:"instrument,omitempty"`
	Immutable   bool     `yaml:"immutable,omitempty" json:"immutable,omitempty"`

	// InstrumentURI is the resolved catalog URI of Instrument, attached
	// during ingestion before matching.
	InstrumentURI URI `yaml:"-" json:"-"`

	Identified    `yaml:",inline"`
	AccessControl `yaml:",inline"`
	Described     `yaml:",inline"`
}

// Type implements Object.
func (*Dataset) Type() ObjectType { return TypeDataset }

// Name implements Object.
func (d *Dataset) Name() string { return d.Description }

// ParentRefs implements Object.
func (d *Dataset) ParentRefs() []string { return d.Experiments }

// Access implements Object.
func (d *Dataset) Access() *AccessControl { return &d.AccessControl }

// MatchValues implements Object.
// The instrument is the resolved URI when known, else the raw reference.
func (d *Dataset) MatchValues() map[string]string {
	inst := d.Instrument
	if d.InstrumentURI != "" {
		inst = string(d.InstrumentURI)
	}
	return map[string]string{"description": d.Description, "instrument": inst}
}

func (*Dataset) object() {}

// Datafile belongs to exactly one dataset and is identified by
// (filename, directory, dataset).
type Datafile struct {
	Filename  string `yaml:"filename" json:"filename"`
	Directory string `yaml:"directory,omitempty" json:"directory,omitempty"`
	Dataset   string `yaml:"dataset" json:"dataset"`
	Size      int64  `yaml:"size,omitempty" json:"size,omitempty"`
	MimeType  string `yaml:"mimetype,omitempty" json:"mimetype,omitempty"`
	MD5Sum    string `yaml:"md5sum,omitempty" json:"md5sum,omitempty"`

	// ETag is the multipart-compatible tag computed for verification.
	ETag string `yaml:"-" json:"etag,omitempty"`

	// Replicas describe where the bytes live once transferred.
	Replicas []Replica `yaml:"-" json:"replicas,omitempty"`

	// DatasetURI is the resolved catalog URI of Dataset, attached during
	// ingestion before matching.
	DatasetURI URI `yaml:"-" json:"-"`

	AccessControl `yaml:",inline"`
	Described     `yaml:",inline"`
}

// Type implements Object.
func (*Datafile) Type() ObjectType { return TypeDatafile }

// Name implements Object.
func (f *Datafile) Name() string { return f.Filename }

// Identifiers implements Object. Datafiles carry no persistent identifiers.
func (*Datafile) Identifiers() []string { return nil }

// ParentRefs implements Object.
func (f *Datafile) ParentRefs() []string {
	if f.Dataset == "" {
		return nil
	}
	return []string{f.Dataset}
}

// Access implements Object.
func (f *Datafile) Access() *AccessControl { return &f.AccessControl }

// MatchValues implements Object.
func (f *Datafile) MatchValues() map[string]string {
	return map[string]string{
		"filename":  f.Filename,
		"directory": NormalizeDirectory(f.Directory),
		"dataset":   string(f.DatasetURI),
	}
}

// RelativePath returns the datafile path relative to the source root.
func (f *Datafile) RelativePath() string {
	dir := NormalizeDirectory(f.Directory)
	if dir == "" {
		return f.Filename
	}
	return path.Join(dir, f.Filename)
}

func (*Datafile) object() {}

// NormalizeDirectory converts a directory to the slash-separated relative
// form stored by the catalog: no leading "./", no trailing slash, "" for root.
func NormalizeDirectory(dir string) string {
	dir = strings.ReplaceAll(dir, "\\", "/")
	if dir == "" {
		return ""
	}
	cleaned := path.Clean(dir)
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "." || cleaned == "/" {
		return ""
	}
	return strings.TrimSuffix(cleaned, "/")
}

// Display returns a short human label for logs and reports.
func Display(obj Object) string {
	return string(obj.Type()) + " " + `"` + obj.Name() + `"`
}

// Keys returns every key under which obj can be referenced by children:
// its natural key followed by its identifiers.
func Keys(obj Object) []string {
	keys := make([]string, 0, 4)
	if name := obj.Name(); name != "" {
		keys = append(keys, name)
	}
	return append(keys, obj.Identifiers()...)
}

// Replica describes where a datafile's bytes physically live.
type Replica struct {
	URI      string `json:"uri"`
	Location string `json:"location"`
	Protocol string `json:"protocol"`
}

// Parameter is a single flattened metadata entry.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ParameterSet is the catalog representation of free-form metadata.
type ParameterSet struct {
	Schema     string      `json:"schema"`
	Parameters []Parameter `json:"parameters"`
}
