package inspector

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/overseer"
)

type call struct {
	t     catalog.ObjectType
	query string
}

type stubSearcher struct {
	results     map[string][]map[string]any
	identified  map[catalog.ObjectType]bool
	noProjects  bool
	calls       []call
	failOnQuery string
}

func newStub() *stubSearcher {
	return &stubSearcher{
		results: map[string][]map[string]any{},
		identified: map[catalog.ObjectType]bool{
			catalog.TypeProject: true, catalog.TypeExperiment: true, catalog.TypeDataset: true,
		},
	}
}

func (s *stubSearcher) on(t catalog.ObjectType, q url.Values, objs ...map[string]any) {
	s.results[string(t)+"?"+q.Encode()] = objs
}

func (s *stubSearcher) Search(_ context.Context, t catalog.ObjectType, q url.Values) ([]map[string]any, error) {
	key := string(t) + "?" + q.Encode()
	s.calls = append(s.calls, call{t: t, query: q.Encode()})
	if key == s.failOnQuery {
		return nil, errors.New("connection refused")
	}
	return s.results[key], nil
}

func (s *stubSearcher) SupportsIdentifiers(t catalog.ObjectType) bool { return s.identified[t] }

func (s *stubSearcher) ProjectsEnabled() bool { return !s.noProjects }

func TestMatchOrBlock_Novel(t *testing.T) {
	s := newStub()
	i := New(s)

	d, err := i.MatchOrBlock(context.Background(), &catalog.Project{
		ProjectName: "P1",
		Identified:  catalog.Identified{PersistentID: "pid-1", AlternateIDs: []string{"alt-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Novel, d.Verdict)
	assert.Empty(t, d.URI)

	require.Len(t, s.calls, 3, "two identifier attempts then the name")
	assert.Equal(t, "identifier=pid-1", s.calls[0].query)
	assert.Equal(t, "identifier=alt-1", s.calls[1].query)
	assert.Equal(t, "name=P1", s.calls[2].query)
}

func TestMatchOrBlock_MatchByName(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeProject, url.Values{"name": {"P1"}},
		map[string]any{"name": "P1", "resource_uri": "/api/v1/project/1/"})
	i := New(s)

	d, err := i.MatchOrBlock(context.Background(), &catalog.Project{ProjectName: "P1"})
	require.NoError(t, err)
	assert.Equal(t, Matched, d.Verdict)
	assert.Equal(t, catalog.URI("/api/v1/project/1/"), d.URI)
}

func TestMatchOrBlock_IdentifierTakesPrecedence(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeExperiment, url.Values{"identifier": {"exp-1"}},
		map[string]any{"title": "E1", "resource_uri": "/api/v1/experiment/7/"})
	s.on(catalog.TypeExperiment, url.Values{"title": {"E1"}},
		map[string]any{"title": "E1", "resource_uri": "/api/v1/experiment/9/"})
	i := New(s)

	d, err := i.MatchOrBlock(context.Background(), &catalog.Experiment{
		Title:      "E1",
		Identified: catalog.Identified{PersistentID: "exp-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, Matched, d.Verdict)
	assert.Equal(t, catalog.URI("/api/v1/experiment/7/"), d.URI)
	assert.Len(t, s.calls, 1, "short-circuits on the identifier hit")
}

func TestMatchOrBlock_PartialMatchBlocks(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeProject, url.Values{"identifier": {"pid-1"}},
		map[string]any{"name": "Other title", "resource_uri": "/api/v1/project/3/"})
	s.on(catalog.TypeProject, url.Values{"name": {"P1"}},
		map[string]any{"name": "P1", "resource_uri": "/api/v1/project/4/"})
	i := New(s)

	p := &catalog.Project{ProjectName: "P1", Identified: catalog.Identified{PersistentID: "pid-1"}}
	d, err := i.MatchOrBlock(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Blocked, d.Verdict)
	assert.True(t, i.IsBlocked(p))
	assert.Equal(t, []string{"P1", "pid-1"}, i.Blocked(catalog.TypeProject))

	calls := len(s.calls)
	d, err = i.MatchOrBlock(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Blocked, d.Verdict)
	assert.Len(t, s.calls, calls, "already blocked objects are not re-queried")
}

func TestMatchOrBlock_PreferIdentifierPolicy(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeProject, url.Values{"identifier": {"pid-1"}},
		map[string]any{"name": "Renamed", "resource_uri": "/api/v1/project/3/"})
	i := New(s, WithPolicy(PolicyPreferIdentifier))

	d, err := i.MatchOrBlock(context.Background(), &catalog.Project{
		ProjectName: "P1",
		Identified:  catalog.Identified{PersistentID: "pid-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, Matched, d.Verdict)
	assert.Equal(t, catalog.URI("/api/v1/project/3/"), d.URI)
}

func TestMatchOrBlock_PreferIdentifierDoesNotApplyToNames(t *testing.T) {
	s := newStub()
	s.identified = map[catalog.ObjectType]bool{}
	ds := "/api/v1/dataset/5/"
	s.on(catalog.TypeDatafile, url.Values{"filename": {"f.dat"}, "directory": {"raw"}, "dataset": {"5"}},
		map[string]any{"filename": "f.dat", "directory": "other", "dataset": ds, "resource_uri": "/api/v1/dataset_file/1/"})
	i := New(s, WithPolicy(PolicyPreferIdentifier))

	d, err := i.MatchOrBlock(context.Background(), &catalog.Datafile{
		Filename: "f.dat", Directory: "raw", Dataset: "D1", DatasetURI: catalog.URI(ds),
	})
	require.NoError(t, err)
	assert.Equal(t, Blocked, d.Verdict)
}

func TestMatchOrBlock_Datafile(t *testing.T) {
	s := newStub()
	ds := "/api/v1/dataset/5/"
	s.on(catalog.TypeDatafile, url.Values{"filename": {"f.dat"}, "directory": {"raw/a"}, "dataset": {"5"}},
		map[string]any{"filename": "f.dat", "directory": "raw/a/", "dataset": ds, "resource_uri": "/api/v1/dataset_file/11/"})
	i := New(s)

	df := &catalog.Datafile{Filename: "f.dat", Directory: "./raw/a", Dataset: "D1", DatasetURI: catalog.URI(ds)}
	d, err := i.MatchOrBlock(context.Background(), df)
	require.NoError(t, err)
	assert.Equal(t, Matched, d.Verdict)
	assert.Equal(t, catalog.URI("/api/v1/dataset_file/11/"), d.URI)
	require.Len(t, s.calls, 1)
	assert.Equal(t, catalog.TypeDatafile, s.calls[0].t)
}

func TestMatchOrBlock_DatasetInstrument(t *testing.T) {
	tests := []struct {
		name    string
		dataset catalog.Dataset
		stored  any
		want    Verdict
	}{
		{
			name:    "same instrument",
			dataset: catalog.Dataset{Description: "D1", InstrumentURI: "/api/v1/instrument/2/"},
			stored:  "/api/v1/instrument/2/",
			want:    Matched,
		},
		{
			name:    "nested instrument object",
			dataset: catalog.Dataset{Description: "D1", InstrumentURI: "/api/v1/instrument/2/"},
			stored:  map[string]any{"resource_uri": "/api/v1/instrument/2/"},
			want:    Matched,
		},
		{
			name:    "different instrument",
			dataset: catalog.Dataset{Description: "D1", InstrumentURI: "/api/v1/instrument/3/"},
			stored:  "/api/v1/instrument/2/",
			want:    Blocked,
		},
		{
			name:    "unresolved instrument",
			dataset: catalog.Dataset{Description: "D1", Instrument: "other-instrument"},
			stored:  "/api/v1/instrument/2/",
			want:    Blocked,
		},
		{
			name:    "no instrument against one",
			dataset: catalog.Dataset{Description: "D1"},
			stored:  "/api/v1/instrument/2/",
			want:    Blocked,
		},
		{
			name:    "instrument against none",
			dataset: catalog.Dataset{Description: "D1", InstrumentURI: "/api/v1/instrument/2/"},
			stored:  nil,
			want:    Blocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStub()
			s.on(catalog.TypeDataset, url.Values{"description": {"D1"}},
				map[string]any{"description": "D1", "instrument": tt.stored, "resource_uri": "/api/v1/dataset/7/"})
			i := New(s)

			ds := tt.dataset
			d, err := i.MatchOrBlock(context.Background(), &ds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Verdict)
			if tt.want == Matched {
				assert.Equal(t, catalog.URI("/api/v1/dataset/7/"), d.URI)
			} else {
				assert.True(t, i.IsBlocked(&ds))
			}

			require.Len(t, s.calls, 1)
			assert.Equal(t, "description=D1", s.calls[0].query, "the instrument is not a search filter")
		})
	}
}

func TestMatchOrBlock_DatafileWithoutDatasetURI(t *testing.T) {
	i := New(newStub())
	d, err := i.MatchOrBlock(context.Background(), &catalog.Datafile{Filename: "f.dat", Dataset: "D1"})
	require.NoError(t, err)
	assert.Equal(t, Unmatchable, d.Verdict)
}

func TestMatchOrBlock_Unmatchable(t *testing.T) {
	s := newStub()
	i := New(s)

	d, err := i.MatchOrBlock(context.Background(), &catalog.Experiment{})
	require.NoError(t, err)
	assert.Equal(t, Unmatchable, d.Verdict)
	assert.Empty(t, i.Blocked(catalog.TypeExperiment), "unmatchable objects are not blocked")

	d, err = i.MatchOrBlock(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Unmatchable, d.Verdict)

	s.noProjects = true
	d, err = i.MatchOrBlock(context.Background(), &catalog.Project{ProjectName: "P1"})
	require.NoError(t, err)
	assert.Equal(t, Unmatchable, d.Verdict)
	assert.Empty(t, s.calls)
}

func TestMatchOrBlock_BlockingCascades(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeProject, url.Values{"name": {"P1"}},
		map[string]any{"name": "P1", "resource_uri": "/api/v1/project/1/"},
		map[string]any{"name": "P1 ", "resource_uri": "/api/v1/project/2/"})
	s.on(catalog.TypeProject, url.Values{"identifier": {"pid-1"}},
		map[string]any{"name": "Elsewhere", "resource_uri": "/api/v1/project/2/"})
	i := New(s)
	ctx := context.Background()

	p := &catalog.Project{ProjectName: "P1", Identified: catalog.Identified{PersistentID: "pid-1"}}
	d, err := i.MatchOrBlock(ctx, p)
	require.NoError(t, err)
	require.Equal(t, Blocked, d.Verdict)

	calls := len(s.calls)

	e := &catalog.Experiment{Title: "E1", Projects: []string{"pid-1"}}
	ds := &catalog.Dataset{Description: "D1", Experiments: []string{"E1"}}
	df := &catalog.Datafile{Filename: "f.dat", Dataset: "D1"}

	for _, obj := range []catalog.Object{e, ds, df} {
		d, err := i.MatchOrBlock(ctx, obj)
		require.NoError(t, err)
		assert.Equal(t, Blocked, d.Verdict, catalog.Display(obj))
		assert.True(t, i.IsBlockedByParents(obj))
	}
	assert.Len(t, s.calls, calls, "descendants are blocked without catalog queries")
	assert.True(t, i.IsBlocked(e))
	assert.True(t, i.IsBlocked(ds))
	assert.True(t, i.IsBlocked(df))
}

func TestMatchOrBlock_AmbiguousFullMatch(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeDataset, url.Values{"description": {"D1"}},
		map[string]any{"description": "D1", "resource_uri": "/api/v1/dataset/1/"},
		map[string]any{"description": "D1", "resource_uri": "/api/v1/dataset/2/"})
	i := New(s)

	_, err := i.MatchOrBlock(context.Background(), &catalog.Dataset{Description: "D1"})
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err))
	assert.Empty(t, i.Blocked(catalog.TypeDataset))
}

func TestMatchOrBlock_DuplicateResultsDeduplicated(t *testing.T) {
	s := newStub()
	row := map[string]any{"description": "D1", "resource_uri": "/api/v1/dataset/1/"}
	s.on(catalog.TypeDataset, url.Values{"description": {"D1"}}, row, row)
	i := New(s)

	d, err := i.MatchOrBlock(context.Background(), &catalog.Dataset{Description: "D1"})
	require.NoError(t, err)
	assert.Equal(t, Matched, d.Verdict)
}

func TestMatchOrBlock_MissingURI(t *testing.T) {
	s := newStub()
	s.on(catalog.TypeDataset, url.Values{"description": {"D1"}}, map[string]any{"description": "D1"})
	i := New(s)

	_, err := i.MatchOrBlock(context.Background(), &catalog.Dataset{Description: "D1"})
	assert.ErrorIs(t, err, overseer.ErrMissingURI)
}

func TestMatchOrBlock_SearchErrorPropagates(t *testing.T) {
	s := newStub()
	s.failOnQuery = "dataset?description=D1"
	i := New(s)

	_, err := i.MatchOrBlock(context.Background(), &catalog.Dataset{Description: "D1"})
	require.Error(t, err)
	assert.Empty(t, i.Blocked(catalog.TypeDataset))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)

	p, err = ParsePolicy("prefer_identifier")
	require.NoError(t, err)
	assert.Equal(t, PolicyPreferIdentifier, p)

	_, err = ParsePolicy("overwrite")
	assert.Error(t, err)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "novel", Novel.String())
	assert.Equal(t, "matched", Matched.String())
	assert.Equal(t, "blocked", Blocked.String())
	assert.Equal(t, "unmatchable", Unmatchable.String())
	assert.Equal(t, "unknown", Verdict(42).String())
}
