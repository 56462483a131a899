package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/tardis-ingest/pkg/audit"
	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/checksum"
	"github.com/txn2/tardis-ingest/pkg/inspector"
	"github.com/txn2/tardis-ingest/pkg/manifest"
)

type checksumInput struct {
	Path      string `json:"path" jsonschema:"absolute path of the file to hash"`
	BlockSize int64  `json:"block_size,omitempty" jsonschema:"multipart block size in bytes for the ETag"`
}

type checksumOutput struct {
	Path      string `json:"path"`
	MD5       string `json:"md5"`
	ETag      string `json:"etag"`
	BlockSize int64  `json:"block_size"`
}

func (s *Server) registerChecksumTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "checksum_file",
		Description: "Compute the MD5 digest and the multipart ETag of a local file.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleChecksum)
}

func (s *Server) handleChecksum(_ context.Context, _ *mcp.CallToolRequest, in checksumInput) (*mcp.CallToolResult, any, error) {
	block := in.BlockSize
	if block <= 0 {
		block = s.deps.BlockSize
	}
	if block <= 0 {
		block = checksum.DefaultBlockSize
	}

	sum, err := checksum.ContentHash(in.Path)
	if err != nil {
		return errorResult(err)
	}
	tag, err := checksum.MultipartETag(in.Path, block)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(checksumOutput{Path: in.Path, MD5: sum, ETag: tag, BlockSize: block})
}

type inspectInput struct {
	Type          string         `json:"type" jsonschema:"project, experiment, dataset or datafile"`
	Object        map[string]any `json:"object" jsonschema:"the raw object in manifest form"`
	DatasetURI    string         `json:"dataset_uri,omitempty" jsonschema:"resolved dataset URI, required to match a datafile"`
	InstrumentURI string         `json:"instrument_uri,omitempty" jsonschema:"resolved instrument URI of a dataset"`
}

type inspectOutput struct {
	Verdict string      `json:"verdict"`
	URI     catalog.URI `json:"uri,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

func (s *Server) registerInspectTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inspect_object",
		Description: "Decide whether a raw object matches an existing catalog object, is novel, or would be blocked. Nothing is created.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleInspect)
}

func (s *Server) handleInspect(ctx context.Context, _ *mcp.CallToolRequest, in inspectInput) (*mcp.CallToolResult, any, error) {
	obj, err := decodeObject(in.Type, in.Object)
	if err != nil {
		return errorResult(err)
	}
	if df, ok := obj.(*catalog.Datafile); ok && in.DatasetURI != "" {
		uri, err := catalog.ParseURI(in.DatasetURI)
		if err != nil {
			return errorResult(err)
		}
		df.DatasetURI = uri
	}
	if ds, ok := obj.(*catalog.Dataset); ok && in.InstrumentURI != "" {
		uri, err := catalog.ParseURI(in.InstrumentURI)
		if err != nil {
			return errorResult(err)
		}
		ds.InstrumentURI = uri
	}

	insp := inspector.New(s.deps.Searcher, inspector.WithPolicy(s.deps.Policy), inspector.WithLogger(s.logger))
	dec, err := insp.MatchOrBlock(ctx, obj)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(inspectOutput{Verdict: dec.Verdict.String(), URI: dec.URI, Reason: dec.Reason})
}

// decodeObject converts a generic map into the typed raw object for t.
func decodeObject(t string, raw map[string]any) (catalog.Object, error) {
	ot, err := catalog.ParseObjectType(t)
	if err != nil {
		return nil, err
	}
	var obj catalog.Object
	switch ot {
	case catalog.TypeProject:
		obj = &catalog.Project{}
	case catalog.TypeExperiment:
		obj = &catalog.Experiment{}
	case catalog.TypeDataset:
		obj = &catalog.Dataset{}
	case catalog.TypeDatafile:
		obj = &catalog.Datafile{}
	default:
		return nil, fmt.Errorf("%s objects are not ingested", ot)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding object: %w", err)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ot, err)
	}
	return obj, nil
}

type ingestInput struct {
	Path string `json:"path" jsonschema:"path of the manifest to ingest"`
}

func (s *Server) registerIngestTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ingest_manifest",
		Description: "Ingest a manifest: match or create every object, transfer new datafiles, and return the run report.",
	}, s.handleIngest)
}

func (s *Server) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, in ingestInput) (*mcp.CallToolResult, any, error) {
	batch, err := manifest.Load(in.Path)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.deps.Runner.Run(ctx, batch)
	if err != nil {
		return errorResult(err)
	}
	if err := res.Wait(); err != nil {
		s.logger.Warn("transfer finished with failures", "run_id", res.Report.RunID, "error", err)
	}
	return jsonResult(res.Report)
}

type historyInput struct {
	RunID   string `json:"run_id,omitempty" jsonschema:"only events of this run"`
	Type    string `json:"type,omitempty" jsonschema:"only events for this object type"`
	Outcome string `json:"outcome,omitempty" jsonschema:"created, matched, blocked, failed or skipped"`
	Since   string `json:"since,omitempty" jsonschema:"RFC 3339 lower bound on the event time"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of events, 50 by default"`
}

type historyOutput struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

func (s *Server) registerHistoryTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ingestion_history",
		Description: "List recorded ingestion outcomes, newest first.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleHistory)
}

func (s *Server) handleHistory(ctx context.Context, _ *mcp.CallToolRequest, in historyInput) (*mcp.CallToolResult, any, error) {
	filter := audit.QueryFilter{
		RunID:      in.RunID,
		ObjectType: in.Type,
		Outcome:    in.Outcome,
		Limit:      in.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if in.Since != "" {
		since, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return errorResult(fmt.Errorf("parsing since: %w", err))
		}
		filter.StartTime = &since
	}

	events, err := s.deps.Audit.Query(ctx, filter)
	if err != nil {
		return errorResult(err)
	}
	if events == nil {
		events = []audit.Event{}
	}
	return jsonResult(historyOutput{Events: events, Count: len(events)})
}
