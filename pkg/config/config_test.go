package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/inspector"
)

func TestLoad(t *testing.T) {
	t.Setenv("TEST_CATALOG_KEY", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
catalog:
  hostname: https://catalog.example.org
  username: ingest
  api_key: ${TEST_CATALOG_KEY}
  verify_certificate: false
  timeout: 10s
storage:
  box: vault
  transport: s3
  s3:
    bucket: data
    region: us-east-1
ingestion:
  partial_match_policy: prefer_identifier
  default_schema:
    dataset: http://schemas.example.org/dataset
audit:
  enabled: true
  dsn: postgres://localhost/ingest
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Catalog.APIKey)
	assert.False(t, cfg.Catalog.Verify())
	assert.Equal(t, 10*time.Second, cfg.Catalog.Timeout)
	assert.Equal(t, 8, cfg.Catalog.MaxAttempts)
	assert.Equal(t, int64(100<<20), cfg.Storage.S3.MultipartThreshold)
	assert.Equal(t, int64(8<<20), cfg.Storage.S3.BlockSize)
	assert.Equal(t, 4, cfg.Storage.Concurrency)

	policy, err := cfg.Ingestion.Policy()
	require.NoError(t, err)
	assert.Equal(t, inspector.PolicyPreferIdentifier, policy)
	assert.True(t, cfg.Ingestion.ETag())
	assert.Equal(t, map[catalog.ObjectType]string{
		catalog.TypeDataset: "http://schemas.example.org/dataset",
	}, cfg.Ingestion.Schemas())

	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Equal(t, "**/*.yaml", cfg.Watch.Pattern)
	assert.Equal(t, []string{"**/.*"}, cfg.Watch.Ignore)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = Parse([]byte("catalog: [\n"))
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing everything",
			yaml: "{}",
			want: []string{"catalog.hostname is required", "storage.local.destination is required"},
		},
		{
			name: "bad transport and policy",
			yaml: "catalog: {hostname: h}\nstorage: {transport: ftp}\ningestion: {partial_match_policy: guess}",
			want: []string{`storage.transport "ftp"`, "ingestion.partial_match_policy"},
		},
		{
			name: "s3 without bucket and small blocks",
			yaml: "catalog: {hostname: h}\nstorage: {transport: s3, s3: {block_size: 1024}}",
			want: []string{"storage.s3.bucket is required", "block_size must be at least 5MiB"},
		},
		{
			name: "audit without dsn and unknown schema type",
			yaml: "catalog: {hostname: h}\nstorage: {transport: noop}\naudit: {enabled: true}\ningestion: {default_schema: {instrument: x}}",
			want: []string{"audit.dsn is required", `"instrument" is not an ingestible`},
		},
		{
			name: "bad log format",
			yaml: "catalog: {hostname: h}\nstorage: {transport: noop}\nlogging: {format: xml}",
			want: []string{`logging.format "xml"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, TransportLocal, cfg.Storage.Transport)
	assert.True(t, cfg.Catalog.Verify())
	assert.Error(t, cfg.Validate(), "defaults alone name no catalog")
}
