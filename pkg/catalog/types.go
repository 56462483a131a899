// Package catalog defines the research-data catalog object model shared by
// every ingestion component.
package catalog

import "fmt"

// ObjectType identifies a kind of catalog object.
type ObjectType string

// Hierarchy object types, in ingestion order.
const (
	TypeProject    ObjectType = "project"
	TypeExperiment ObjectType = "experiment"
	TypeDataset    ObjectType = "dataset"
	TypeDatafile   ObjectType = "datafile"
)

// Reference object types. These are looked up, never created.
const (
	TypeInstitution ObjectType = "institution"
	TypeInstrument  ObjectType = "instrument"
	TypeFacility    ObjectType = "facility"
	TypeStorageBox  ObjectType = "storagebox"
)

// Hierarchy lists the ingestible object types from the top of the tree down.
var Hierarchy = []ObjectType{TypeProject, TypeExperiment, TypeDataset, TypeDatafile}

// MatchField is a field compared between a raw object and a catalog
// candidate. Reference fields hold resource URIs and are compared by id.
type MatchField struct {
	Name      string
	Reference bool

	// Optional fields may be empty. An empty value agrees only with a
	// candidate that has no value either.
	Optional bool

	// CompareOnly fields are checked against candidates but are not sent as
	// search filters, so a candidate that differs on them is still found.
	CompareOnly bool
}

// TypeInfo holds all type-specific behavior for an object type.
type TypeInfo struct {
	// Endpoint is the REST resource name, e.g. "dataset_file".
	Endpoint string

	// ParameterSetEndpoint is where free-form metadata is posted. Empty
	// when parameter sets are embedded in the object payload.
	ParameterSetEndpoint string

	// Parent is the type of the containing object, empty for projects.
	Parent ObjectType

	// ParentField is the wire field carrying parent URIs.
	ParentField string

	// ParentIsList reports whether ParentField holds a list of URIs.
	ParentIsList bool

	// NameField is the natural-key field.
	NameField string

	// MatchFields are compared to decide whether a candidate is the same object.
	MatchFields []MatchField

	// Identified reports whether the type can carry persistent identifiers.
	// The catalog must also advertise identifier support via introspection.
	Identified bool

	// CoreFields are the attribute names belonging to the catalog core schema.
	CoreFields []string
}

var typeTable = map[ObjectType]TypeInfo{
	TypeProject: {
		Endpoint:             "project",
		ParameterSetEndpoint: "projectparameterset",
		NameField:            "name",
		MatchFields:          []MatchField{{Name: "name"}},
		Identified:           true,
		CoreFields: []string{
			"name", "description", "principal_investigator", "institution", "url",
			"embargo_until", "start_time", "end_time", "created_by", "data_classification",
		},
	},
	TypeExperiment: {
		Endpoint:             "experiment",
		ParameterSetEndpoint: "experimentparameterset",
		Parent:               TypeProject,
		ParentField:          "projects",
		ParentIsList:         true,
		NameField:            "title",
		MatchFields:          []MatchField{{Name: "title"}},
		Identified:           true,
		CoreFields: []string{
			"title", "description", "institution_name", "url", "locked", "embargo_until",
			"start_time", "end_time", "created_time", "update_time", "created_by",
			"data_classification",
		},
	},
	TypeDataset: {
		Endpoint:             "dataset",
		ParameterSetEndpoint: "datasetparameterset",
		Parent:               TypeExperiment,
		ParentField:          "experiments",
		ParentIsList:         true,
		NameField:            "description",
		MatchFields: []MatchField{
			{Name: "description"},
			{Name: "instrument", Reference: true, Optional: true, CompareOnly: true},
		},
		Identified:           true,
		CoreFields: []string{
			"description", "directory", "immutable", "created_time", "modified_time",
			"data_classification",
		},
	},
	TypeDatafile: {
		Endpoint:    "dataset_file",
		Parent:      TypeDataset,
		ParentField: "dataset",
		NameField:   "filename",
		MatchFields: []MatchField{
			{Name: "filename"},
			{Name: "directory"},
			{Name: "dataset", Reference: true},
		},
		CoreFields: []string{"filename", "directory", "md5sum", "mimetype", "size"},
	},
	TypeInstitution: {Endpoint: "institution", NameField: "name", Identified: true},
	TypeInstrument:  {Endpoint: "instrument", NameField: "name", Identified: true},
	TypeFacility:    {Endpoint: "facility", NameField: "name"},
	TypeStorageBox:  {Endpoint: "storagebox", NameField: "name"},
}

// Info returns the type table entry for t.
func (t ObjectType) Info() (TypeInfo, bool) {
	info, ok := typeTable[t]
	return info, ok
}

// MustInfo returns the type table entry for t and panics for unknown types.
func (t ObjectType) MustInfo() TypeInfo {
	info, ok := typeTable[t]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown object type %q", string(t)))
	}
	return info
}

// Endpoint returns the REST resource name for t, or the type name itself
// when t is not in the type table.
func (t ObjectType) Endpoint() string {
	if info, ok := typeTable[t]; ok {
		return info.Endpoint
	}
	return string(t)
}

// Valid reports whether t is a known object type.
func (t ObjectType) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

// Ingestible reports whether objects of type t are created by ingestion.
func (t ObjectType) Ingestible() bool {
	switch t {
	case TypeProject, TypeExperiment, TypeDataset, TypeDatafile:
		return true
	default:
		return false
	}
}

// IsCoreField reports whether name belongs to the core schema of t.
func (t ObjectType) IsCoreField(name string) bool {
	for _, f := range typeTable[t].CoreFields {
		if f == name {
			return true
		}
	}
	return false
}

// ParseObjectType converts a type or endpoint name into an ObjectType.
func ParseObjectType(s string) (ObjectType, error) {
	for t, info := range typeTable {
		if string(t) == s || info.Endpoint == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown object type: %q", s)
}
