package ingestion

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/txn2/tardis-ingest/pkg/audit"
	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/checksum"
	"github.com/txn2/tardis-ingest/pkg/inspector"
	"github.com/txn2/tardis-ingest/pkg/smelter"
)

// defaultMimeType is used when a datafile's extension is unknown.
const defaultMimeType = "application/octet-stream"

// run is the state of one batch. Keys of resolved, access and failed are
// natural keys, identifiers and URIs of objects seen earlier in the run.
type run struct {
	o      *Orchestrator
	batch  *catalog.Batch
	insp   *inspector.Inspector
	report *Report

	resolved map[catalog.ObjectType]map[string]catalog.URI
	access   map[catalog.ObjectType]map[string]*catalog.AccessControl
	failed   map[catalog.ObjectType]map[string]bool

	created []*catalog.Datafile
}

// parents is what resolveParents found for one object.
type parents struct {
	uris   []catalog.URI
	access *catalog.AccessControl
}

func (r *run) process(ctx context.Context, obj catalog.Object) {
	start := time.Now()
	outcome, uri, reason, err := r.ingest(ctx, obj)
	res := ObjectResult{
		Type:       obj.Type(),
		Name:       obj.Name(),
		Outcome:    outcome,
		URI:        uri,
		Reason:     reason,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.record(ctx, res, err)
}

// ingest decides and carries out the fate of one object. A non-nil error
// always comes with OutcomeFailed.
func (r *run) ingest(ctx context.Context, obj catalog.Object) (Outcome, catalog.URI, string, error) {
	if r.insp.IsBlockedByParents(obj) {
		r.insp.Block(obj)
		return OutcomeBlocked, "", "parent object is blocked", nil
	}
	if r.parentFailed(obj) {
		r.markFailed(obj)
		return OutcomeFailed, "", "", ErrParentFailed
	}

	ps, err := r.resolveParents(ctx, obj)
	if err != nil {
		r.markFailed(obj)
		return OutcomeFailed, "", "", err
	}
	switch o := obj.(type) {
	case *catalog.Datafile:
		o.DatasetURI = ps.uris[0]
	case *catalog.Dataset:
		if err := r.resolveInstrument(ctx, o); err != nil {
			r.markFailed(obj)
			return OutcomeFailed, "", "", err
		}
	}

	if r.insp.IsBlocked(obj) {
		return OutcomeSkipped, "", "object is already blocked in this run", nil
	}

	dec, err := r.insp.MatchOrBlock(ctx, obj)
	if err != nil {
		r.markFailed(obj)
		return OutcomeFailed, "", "", err
	}

	switch dec.Verdict {
	case inspector.Unmatchable:
		return OutcomeSkipped, "", dec.Reason, nil
	case inspector.Blocked:
		return OutcomeBlocked, "", dec.Reason, nil
	case inspector.Matched:
		r.remember(obj, dec.URI, smelter.Access(obj, ps.access))
		return OutcomeMatched, dec.URI, dec.Reason, nil
	}

	uri, err := r.create(ctx, obj, ps)
	if err != nil {
		if uri == "" {
			r.markFailed(obj)
		}
		return OutcomeFailed, uri, "", err
	}
	return OutcomeCreated, uri, "", nil
}

// create smelts and posts a novel object. When only the parameter set
// fails, the object URI is returned with the error and children may still
// reference it.
func (r *run) create(ctx context.Context, obj catalog.Object, ps parents) (catalog.URI, error) {
	refs := smelter.Refs{
		Parents:         ps.uris,
		ParentAccess:    ps.access,
		Identifiers:     r.o.deps.Resolver.SupportsIdentifiers(obj.Type()),
		ProjectsEnabled: r.o.deps.Resolver.ProjectsEnabled(),
	}

	switch o := obj.(type) {
	case *catalog.Project:
		names := o.Institutions
		if len(names) == 0 && r.o.defaultInstitution != "" {
			names = []string{r.o.defaultInstitution}
		}
		for _, name := range names {
			uri, err := r.o.deps.Resolver.ResolveReference(ctx, catalog.TypeInstitution, name)
			if err != nil {
				return "", fmt.Errorf("resolving institution %q: %w", name, err)
			}
			refs.Institutions = append(refs.Institutions, uri)
		}
	case *catalog.Dataset:
		refs.Instrument = o.InstrumentURI
	case *catalog.Datafile:
		if err := r.describeFile(o); err != nil {
			return "", err
		}
	}

	out, err := r.o.deps.Smelter.Smelt(obj, refs)
	if err != nil {
		return "", err
	}

	uri, err := r.o.deps.Catalog.Post(ctx, obj.Type().Endpoint(), out.Payload())
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", catalog.Display(obj), err)
	}
	r.remember(obj, uri, out.Access)
	if df, ok := obj.(*catalog.Datafile); ok {
		r.created = append(r.created, df)
	}

	if ep := out.ParameterSetEndpoint(); ep != "" {
		if _, err := r.o.deps.Catalog.Post(ctx, ep, out.ParameterSetPayload(uri)); err != nil {
			return uri, fmt.Errorf("creating parameter set of %s: %w", catalog.Display(obj), err)
		}
	}
	return uri, nil
}

// resolveInstrument attaches the catalog URI of the dataset's instrument so
// it takes part in matching.
func (r *run) resolveInstrument(ctx context.Context, ds *catalog.Dataset) error {
	if ds.Instrument == "" || ds.InstrumentURI != "" {
		return nil
	}
	if uri, err := catalog.ParseURI(ds.Instrument); err == nil {
		ds.InstrumentURI = uri
		return nil
	}
	uri, err := r.o.deps.Resolver.ResolveReference(ctx, catalog.TypeInstrument, ds.Instrument)
	if err != nil {
		return fmt.Errorf("resolving instrument %q: %w", ds.Instrument, err)
	}
	ds.InstrumentURI = uri
	return nil
}

// describeFile fills the size, digest and media type a datafile leaves
// empty from the file under the batch's data root.
func (r *run) describeFile(df *catalog.Datafile) error {
	if df.MimeType == "" {
		df.MimeType = mime.TypeByExtension(path.Ext(df.Filename))
		if df.MimeType == "" {
			df.MimeType = defaultMimeType
		}
	}

	needSize := df.Size == 0
	needSum := df.MD5Sum == ""
	needTag := r.o.etagBlockSize > 0 && df.ETag == ""
	if !needSize && !needSum && !needTag {
		return nil
	}

	local := filepath.Join(r.batch.DataRoot, filepath.FromSlash(df.RelativePath()))
	if needSize {
		fi, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("%w: %w", checksum.ErrRetrieval, err)
		}
		df.Size = fi.Size()
	}
	if needSum {
		sum, err := checksum.ContentHash(local)
		if err != nil {
			return err
		}
		df.MD5Sum = sum
	}
	if needTag {
		tag, err := checksum.MultipartETag(local, r.o.etagBlockSize)
		if err != nil {
			return err
		}
		df.ETag = tag
	}
	return nil
}

// resolveParents returns the URIs and combined access of obj's parents. An
// unresolvable parent is fatal for obj and its subtree.
func (r *run) resolveParents(ctx context.Context, obj catalog.Object) (parents, error) {
	t := obj.Type()
	info, ok := t.Info()
	if !ok || info.Parent == "" {
		return parents{}, nil
	}
	if t == catalog.TypeExperiment && !r.o.deps.Resolver.ProjectsEnabled() {
		return parents{}, nil
	}

	refs := obj.ParentRefs()
	if t == catalog.TypeDatafile && len(refs) != 1 {
		return parents{}, fmt.Errorf("%w: datafile needs exactly one dataset", smelter.ErrMissingParent)
	}

	var ps parents
	var known []catalog.AccessControl
	unknown := false
	for _, ref := range refs {
		uri, err := r.parentURI(ctx, info.Parent, ref)
		if err != nil {
			return parents{}, fmt.Errorf("resolving parent %s %q: %w", info.Parent, ref, err)
		}
		ps.uris = append(ps.uris, uri)

		acc, ok := r.access[info.Parent][ref]
		if !ok {
			acc, ok = r.access[info.Parent][string(uri)]
		}
		if !ok || acc == nil {
			unknown = true
			continue
		}
		known = append(known, *acc)
	}

	if unknown {
		r.o.logger.Warn("parent access control unknown, nothing inherited from it",
			"run_id", r.report.RunID, "type", t, "name", obj.Name())
	}
	if len(known) > 0 {
		union := catalog.Union(known...)
		ps.access = &union
	}
	return ps, nil
}

func (r *run) parentURI(ctx context.Context, t catalog.ObjectType, ref string) (catalog.URI, error) {
	if uri, err := catalog.ParseURI(ref); err == nil {
		return uri, nil
	}
	if uri, ok := r.resolved[t][ref]; ok {
		return uri, nil
	}
	return r.o.deps.Resolver.ResolveURI(ctx, t, ref)
}

func (r *run) parentFailed(obj catalog.Object) bool {
	info, ok := obj.Type().Info()
	if !ok || info.Parent == "" {
		return false
	}
	for _, ref := range obj.ParentRefs() {
		if r.failed[info.Parent][ref] {
			return true
		}
	}
	return false
}

func (r *run) markFailed(obj catalog.Object) {
	t := obj.Type()
	if r.failed[t] == nil {
		r.failed[t] = map[string]bool{}
	}
	for _, k := range catalog.Keys(obj) {
		r.failed[t][k] = true
	}
}

func (r *run) remember(obj catalog.Object, uri catalog.URI, acc catalog.AccessControl) {
	t := obj.Type()
	if r.resolved[t] == nil {
		r.resolved[t] = map[string]catalog.URI{}
		r.access[t] = map[string]*catalog.AccessControl{}
	}
	keys := append(catalog.Keys(obj), string(uri))
	for _, k := range keys {
		r.resolved[t][k] = uri
		r.access[t][k] = &acc
	}
}

func (r *run) record(ctx context.Context, res ObjectResult, err error) {
	r.report.add(res)
	r.o.deps.Metrics.ObjectOutcome(string(res.Type), string(res.Outcome))

	event := audit.NewEvent(r.report.RunID).
		WithSource(r.report.Source).
		WithObject(string(res.Type), res.Name).
		WithResult(string(res.Outcome), string(res.URI), err, res.DurationMS)
	if logErr := r.o.deps.Audit.Log(ctx, *event); logErr != nil {
		r.o.logger.Warn("audit log failed", "run_id", r.report.RunID, "error", logErr)
	}

	attrs := []any{"run_id", r.report.RunID, "type", res.Type, "name", res.Name, "outcome", res.Outcome}
	if res.URI != "" {
		attrs = append(attrs, "uri", res.URI)
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}
	switch res.Outcome {
	case OutcomeFailed:
		r.o.logger.Error("object failed", append(attrs, "error", res.Error)...)
	case OutcomeBlocked:
		r.o.logger.Warn("object blocked", attrs...)
	default:
		r.o.logger.Info("object processed", attrs...)
	}
}
