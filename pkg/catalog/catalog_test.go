package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceID(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    int
		wantErr bool
	}{
		{name: "relative with slash", uri: "/api/v1/experiment/998/", want: 998},
		{name: "relative without slash", uri: "/api/v1/dataset_file/7", want: 7},
		{name: "absolute url", uri: "https://catalog.example.org/api/v1/project/12/", want: 12},
		{name: "empty", uri: "", wantErr: true},
		{name: "wrong version", uri: "/api/v2/project/1/", wantErr: true},
		{name: "non numeric id", uri: "/api/v1/project/abc/", wantErr: true},
		{name: "missing id", uri: "/api/v1/project/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResourceID(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedURI))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestURI(t *testing.T) {
	u := NewURI(TypeDatafile, 42)
	assert.Equal(t, URI("/api/v1/dataset_file/42/"), u)

	id, err := u.ID()
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	endpoint, err := u.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "dataset_file", endpoint)

	_, err = ParseURI("not-a-uri")
	assert.ErrorIs(t, err, ErrMalformedURI)
}

func TestTypeTable(t *testing.T) {
	for _, typ := range Hierarchy {
		info, ok := typ.Info()
		require.True(t, ok, "missing type info for %s", typ)
		assert.NotEmpty(t, info.Endpoint)
		assert.NotEmpty(t, info.NameField)
		assert.NotEmpty(t, info.MatchFields)
		assert.True(t, typ.Ingestible())
	}

	assert.Equal(t, ObjectType(""), TypeProject.MustInfo().Parent)
	assert.Equal(t, TypeProject, TypeExperiment.MustInfo().Parent)
	assert.Equal(t, TypeExperiment, TypeDataset.MustInfo().Parent)
	assert.Equal(t, TypeDataset, TypeDatafile.MustInfo().Parent)
	assert.False(t, TypeDatafile.MustInfo().Identified)
	assert.False(t, TypeInstrument.Ingestible())

	typ, err := ParseObjectType("dataset_file")
	require.NoError(t, err)
	assert.Equal(t, TypeDatafile, typ)

	_, err = ParseObjectType("sample")
	assert.Error(t, err)

	assert.True(t, TypeProject.IsCoreField("principal_investigator"))
	assert.False(t, TypeProject.IsCoreField("microscope"))
}

func TestObjects(t *testing.T) {
	p := &Project{
		ProjectName: "P1",
		Identified:  Identified{PersistentID: "pid-1", AlternateIDs: []string{"", "alt-1"}},
	}
	assert.Equal(t, TypeProject, p.Type())
	assert.Equal(t, []string{"pid-1", "alt-1"}, p.Identifiers())
	assert.Equal(t, []string{"P1", "pid-1", "alt-1"}, Keys(p))
	assert.Nil(t, p.ParentRefs())
	assert.Equal(t, `project "P1"`, Display(p))

	df := &Datafile{Filename: "f.dat", Directory: "./raw/", Dataset: "D1", DatasetURI: "/api/v1/dataset/3/"}
	assert.Equal(t, []string{"D1"}, df.ParentRefs())
	assert.Equal(t, "raw/f.dat", df.RelativePath())
	assert.Equal(t, map[string]string{
		"filename":  "f.dat",
		"directory": "raw",
		"dataset":   "/api/v1/dataset/3/",
	}, df.MatchValues())
	assert.Empty(t, df.Identifiers())

	ds := &Dataset{Description: "D1", Instrument: "Microscope A"}
	assert.Equal(t, map[string]string{"description": "D1", "instrument": "Microscope A"}, ds.MatchValues())
	ds.InstrumentURI = "/api/v1/instrument/2/"
	assert.Equal(t, "/api/v1/instrument/2/", ds.MatchValues()["instrument"])
}

func TestNormalizeDirectory(t *testing.T) {
	assert.Equal(t, "", NormalizeDirectory(""))
	assert.Equal(t, "", NormalizeDirectory("."))
	assert.Equal(t, "", NormalizeDirectory("./"))
	assert.Equal(t, "a/b", NormalizeDirectory("./a/b/"))
	assert.Equal(t, "a/b", NormalizeDirectory(`a\b`))
}

func TestAccessControlInherit(t *testing.T) {
	parent := AccessControl{
		AdminGroups: []string{"admins"},
		ReadGroups:  []string{"readers"},
		ReadUsers:   []string{"rita"},
	}.Absolute()

	t.Run("all nil inherits everything", func(t *testing.T) {
		got := AccessControl{}.Inherit(parent)
		assert.Equal(t, parent, got)
	})

	t.Run("non nil overrides per field", func(t *testing.T) {
		got := AccessControl{AdminGroups: []string{"lab-admins"}}.Inherit(parent)
		assert.Equal(t, []string{"lab-admins"}, got.AdminGroups)
		assert.Equal(t, []string{"readers"}, got.ReadGroups)
		assert.Equal(t, []string{"rita"}, got.ReadUsers)
	})

	t.Run("empty list overrides with nothing", func(t *testing.T) {
		got := AccessControl{ReadUsers: []string{}}.Inherit(parent)
		assert.Empty(t, got.ReadUsers)
		assert.NotNil(t, got.ReadUsers)
	})

	t.Run("inherit does not alias parent", func(t *testing.T) {
		got := AccessControl{}.Inherit(parent)
		got.ReadGroups[0] = "changed"
		assert.Equal(t, "readers", parent.ReadGroups[0])
	})
}

func TestAccessControlResolve(t *testing.T) {
	ac := AccessControl{
		AdminUsers:     []string{"alice"},
		ReadUsers:      []string{"bob", "alice", "carol"},
		DownloadUsers:  []string{"carol"},
		SensitiveUsers: []string{"dave"},
		AdminGroups:    []string{"lab"},
		ReadGroups:     []string{"lab", "guests"},
	}
	acl := ac.Resolve()

	assert.Equal(t, []ACE{
		{Principal: "alice", IsOwner: true, CanDownload: true, SeeSensitive: true},
		{Principal: "bob"},
		{Principal: "carol", CanDownload: true},
		{Principal: "dave", SeeSensitive: true},
	}, acl.Users)
	assert.Equal(t, []ACE{
		{Principal: "guests"},
		{Principal: "lab", IsOwner: true, CanDownload: true, SeeSensitive: true},
	}, acl.Groups)

	payload := acl.UserPayload()
	require.Len(t, payload, 4)
	assert.Equal(t, "alice", payload[0]["user"])
	assert.Equal(t, true, payload[0]["is_owner"])
	assert.Equal(t, "guests", acl.GroupPayload()[0]["group"])
}

func TestUnion(t *testing.T) {
	a := AccessControl{ReadGroups: []string{"x", "y"}}
	b := AccessControl{ReadGroups: []string{"y", "z"}, AdminUsers: []string{}}
	got := Union(a, b)
	assert.Equal(t, []string{"x", "y", "z"}, got.ReadGroups)
	assert.NotNil(t, got.AdminUsers)
	assert.Nil(t, got.AdminGroups)
}
