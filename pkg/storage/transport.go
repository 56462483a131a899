package storage

import "context"

// Transport moves files from a local source directory into a storage box.
// LocalTransport and s3.Adapter implement this.
type Transport interface {
	// Name returns the transport name used in logs and metrics.
	Name() string

	// Protocol returns the replica protocol recorded in the catalog.
	Protocol() string

	// Transfer moves files found under src. A partial failure returns a
	// *TransferError naming only the files that failed.
	Transfer(ctx context.Context, src string, files []File) error

	// Close releases resources.
	Close() error
}
