package conveyor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/metrics"
	"github.com/txn2/tardis-ingest/pkg/storage"
)

// recordingTransport captures the plan it receives and can be held open.
type recordingTransport struct {
	mu      sync.Mutex
	got     []storage.File
	release chan struct{}
	err     error
}

func (*recordingTransport) Name() string     { return "recording" }
func (*recordingTransport) Protocol() string { return "file" }
func (*recordingTransport) Close() error     { return nil }

func (r *recordingTransport) Transfer(ctx context.Context, _ string, files []storage.File) error {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.got = append(r.got, files...)
	r.mu.Unlock()
	return r.err
}

func datafiles() []*catalog.Datafile {
	return []*catalog.Datafile{
		{Filename: "a.dat", Directory: "./raw/", Size: 5, MD5Sum: "abc", ETag: "def-2"},
		{Filename: "b.dat"},
		{Filename: "a.dat", Directory: "raw"},
	}
}

func TestFileList(t *testing.T) {
	assert.Equal(t, []storage.File{
		{Path: "raw/a.dat", Size: 5, MD5: "abc", ETag: "def-2"},
		{Path: "b.dat"},
	}, FileList(datafiles()))
	assert.Empty(t, FileList(nil))
}

func TestTransfer(t *testing.T) {
	tr := &recordingTransport{}
	m := metrics.New()
	c := New(tr, WithMetrics(m))
	assert.Same(t, storage.Transport(tr), c.Transport())

	require.NoError(t, c.Transfer(context.Background(), "/src", datafiles()))
	assert.Len(t, tr.got, 2)

	require.NoError(t, c.Transfer(context.Background(), "/src", nil))
	assert.Len(t, tr.got, 2, "empty plans never reach the transport")
}

func TestTransfer_PartialFailure(t *testing.T) {
	tr := &recordingTransport{err: &storage.TransferError{
		Transport: "recording",
		Failures:  []storage.FileFailure{{Path: "b.dat", Err: errors.New("disk full")}},
	}}
	m := metrics.New()
	c := New(tr, WithMetrics(m))

	err := c.Transfer(context.Background(), "/src", datafiles())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrFailedTransfer)

	n, gerr := testutil.GatherAndCount(m.Registry(), "tardis_ingest_transfer_files_total")
	require.NoError(t, gerr)
	assert.Equal(t, 2, n, "one success and one failure series")
	var te *storage.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "b.dat", te.Failures[0].Path)
}

func TestTransferAsync(t *testing.T) {
	tr := &recordingTransport{release: make(chan struct{})}
	c := New(tr)

	dfs := datafiles()
	h := c.TransferAsync(context.Background(), "/src", dfs)

	// Mutating the caller's slice after handoff must not change the plan.
	dfs[0].Filename = "changed.dat"

	select {
	case <-h.Done():
		t.Fatal("transfer finished before it was released")
	default:
	}
	assert.Equal(t, "raw/a.dat", h.Files()[0].Path)

	close(tr.release)
	require.NoError(t, h.Wait())
	assert.Equal(t, "raw/a.dat", tr.got[0].Path)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
}

func TestTransferAsync_LocalTransport(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "raw"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "raw", "f.dat"), []byte("hello"), 0o600))

	tr, err := storage.NewLocal(storage.LocalConfig{Destination: dst})
	require.NoError(t, err)

	h := New(tr).TransferAsync(context.Background(), src, []*catalog.Datafile{{Filename: "f.dat", Directory: "raw", Size: 5}})
	require.NoError(t, h.Wait())

	got, err := os.ReadFile(filepath.Join(dst, "raw", "f.dat"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
