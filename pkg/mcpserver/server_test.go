package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/tardis-ingest/internal/fakecatalog"
	"github.com/txn2/tardis-ingest/pkg/audit"
	"github.com/txn2/tardis-ingest/pkg/checksum"
	"github.com/txn2/tardis-ingest/pkg/client"
	"github.com/txn2/tardis-ingest/pkg/conveyor"
	"github.com/txn2/tardis-ingest/pkg/ingestion"
	"github.com/txn2/tardis-ingest/pkg/overseer"
	"github.com/txn2/tardis-ingest/pkg/smelter"
	"github.com/txn2/tardis-ingest/pkg/storage"
)

func newTestServer(t *testing.T) (*fakecatalog.Server, *mcp.ClientSession) {
	t.Helper()
	fake := fakecatalog.New()
	t.Cleanup(fake.Close)

	c, err := client.New(client.Config{Hostname: fake.URL, MaxAttempts: 1})
	require.NoError(t, err)
	o := overseer.New(c)
	_, err = o.Setup(context.Background())
	require.NoError(t, err)

	mem := audit.NewMemoryLogger(0, nil)
	orch, err := ingestion.New(ingestion.Deps{
		Catalog:  c,
		Resolver: o,
		Smelter:  smelter.New(smelter.Config{StorageBox: "vault"}),
		Conveyor: conveyor.New(&storage.NoopTransport{}),
		Audit:    mem,
	})
	require.NoError(t, err)

	s, err := New(Deps{Runner: orch, Searcher: o, Audit: mem, BlockSize: 4}, "test")
	require.NoError(t, err)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	serverSession, err := s.MCP().Connect(ctx, t1, nil)
	require.NoError(t, err)
	session, err := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil).Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close()
		_ = serverSession.Close()
	})
	return fake, session
}

func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestNew(t *testing.T) {
	_, err := New(Deps{}, "test")
	assert.Error(t, err)
}

func TestListTools(t *testing.T) {
	_, session := newTestServer(t)
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"checksum_file", "inspect_object", "ingest_manifest", "ingestion_history"}, names)
}

func TestChecksumFile(t *testing.T) {
	_, session := newTestServer(t)
	path := filepath.Join(t.TempDir(), "f.dat")
	require.NoError(t, os.WriteFile(path, []byte("hello world\n"), 0o600))

	text, isErr := call(t, session, "checksum_file", map[string]any{"path": path})
	require.False(t, isErr, text)

	var out checksumOutput
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	wantTag, err := checksum.MultipartETag(path, 4)
	require.NoError(t, err)
	assert.Equal(t, wantTag, out.ETag)
	assert.Equal(t, int64(4), out.BlockSize)
	assert.Len(t, out.MD5, 32)

	text, isErr = call(t, session, "checksum_file", map[string]any{"path": filepath.Join(t.TempDir(), "nope")})
	assert.True(t, isErr)
	assert.Contains(t, text, checksum.ErrRetrieval.Error())
}

func TestInspectObject(t *testing.T) {
	fake, session := newTestServer(t)
	uri := fake.Add("project", map[string]any{"name": "P1"})
	fake.Add("project", map[string]any{"name": "Other", "identifiers": []any{"pid-9"}})
	ds := fake.Add("dataset", map[string]any{"description": "D1", "instrument": "/api/v1/instrument/2/"})

	tests := []struct {
		name    string
		args    map[string]any
		verdict string
		uri     string
	}{
		{"matched", map[string]any{"type": "project", "object": map[string]any{"name": "P1"}}, "matched", string(uri)},
		{"novel", map[string]any{"type": "project", "object": map[string]any{"name": "P2"}}, "novel", ""},
		{"blocked", map[string]any{"type": "project", "object": map[string]any{"name": "P3", "persistent_id": "pid-9"}}, "blocked", ""},
		{"unmatchable", map[string]any{"type": "experiment", "object": map[string]any{}}, "unmatchable", ""},
		{"dataset instrument", map[string]any{"type": "dataset", "object": map[string]any{"description": "D1"}, "instrument_uri": "/api/v1/instrument/2/"}, "matched", string(ds)},
		{"dataset other instrument", map[string]any{"type": "dataset", "object": map[string]any{"description": "D1"}, "instrument_uri": "/api/v1/instrument/5/"}, "blocked", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, session, "inspect_object", tt.args)
			require.False(t, isErr, text)
			var out inspectOutput
			require.NoError(t, json.Unmarshal([]byte(text), &out))
			assert.Equal(t, tt.verdict, out.Verdict)
			assert.Equal(t, tt.uri, string(out.URI))
		})
	}

	text, isErr := call(t, session, "inspect_object", map[string]any{"type": "instrument", "object": map[string]any{"name": "x"}})
	assert.True(t, isErr)
	assert.Contains(t, text, "not ingested")
}

func TestIngestManifestAndHistory(t *testing.T) {
	fake, session := newTestServer(t)
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("projects:\n  - name: P1\nexperiments:\n  - title: E1\n    projects: [P1]\n"), 0o600))

	text, isErr := call(t, session, "ingest_manifest", map[string]any{"path": path})
	require.False(t, isErr, text)

	var rep ingestion.Report
	require.NoError(t, json.Unmarshal([]byte(text), &rep))
	assert.Equal(t, 2, rep.Count(ingestion.OutcomeCreated))
	assert.Len(t, fake.Created(), 2)

	text, isErr = call(t, session, "ingestion_history", map[string]any{"run_id": rep.RunID, "type": "experiment"})
	require.False(t, isErr, text)
	var hist historyOutput
	require.NoError(t, json.Unmarshal([]byte(text), &hist))
	require.Equal(t, 1, hist.Count)
	assert.Equal(t, "E1", hist.Events[0].Name)
	assert.Equal(t, "created", hist.Events[0].Outcome)

	_, isErr = call(t, session, "ingestion_history", map[string]any{"since": "yesterday"})
	assert.True(t, isErr)

	_, isErr = call(t, session, "ingest_manifest", map[string]any{"path": filepath.Join(t.TempDir(), "missing.yaml")})
	assert.True(t, isErr)
}
