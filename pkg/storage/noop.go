package storage

import "context"

// NoopTransport accepts every file without moving anything. Used for dry runs.
type NoopTransport struct{}

// Name returns the transport name.
func (*NoopTransport) Name() string {
	return "noop"
}

// Protocol returns the replica protocol.
func (*NoopTransport) Protocol() string {
	return "file"
}

// Transfer does nothing.
func (*NoopTransport) Transfer(_ context.Context, _ string, _ []File) error {
	return nil
}

// Close does nothing.
func (*NoopTransport) Close() error {
	return nil
}

// Verify interface compliance.
var _ Transport = (*NoopTransport)(nil)
