// Package storage moves ingested datafiles into their storage box.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFailedTransfer is the sentinel wrapped by every TransferError.
var ErrFailedTransfer = errors.New("file transfer failed")

// File is one datafile to move, addressed relative to the source root.
type File struct {
	// Path is slash-separated and relative to the transfer source.
	Path string `json:"path"`

	// Size is the expected size in bytes, or zero when unknown.
	Size int64 `json:"size,omitempty"`

	// MD5 is the expected content hash, or empty to skip verification.
	MD5 string `json:"md5,omitempty"`

	// ETag is the expected multipart tag at the transport's part size. Empty
	// means a transport that verifies tags computes it from the source.
	ETag string `json:"etag,omitempty"`
}

// FileFailure records why a single file was not transferred.
type FileFailure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// Error implements error.
func (f FileFailure) Error() string {
	return f.Path + ": " + f.Err.Error()
}

// TransferError lists every file that failed in a transfer. Files not
// listed were moved successfully.
type TransferError struct {
	Transport string
	Failures  []FileFailure
}

// Error implements error.
func (e *TransferError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%s: %d file(s) failed: %s", e.Transport, len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap lets errors.Is match ErrFailedTransfer.
func (e *TransferError) Unwrap() error {
	return ErrFailedTransfer
}

// Failed returns the set of failed paths.
func (e *TransferError) Failed() map[string]bool {
	out := make(map[string]bool, len(e.Failures))
	for _, f := range e.Failures {
		out[f.Path] = true
	}
	return out
}

// FailedPaths extracts the failed paths from err. A nil error yields an
// empty set. Any other error marks every file as failed.
func FailedPaths(err error, files []File) map[string]bool {
	if err == nil {
		return map[string]bool{}
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Failed()
	}
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f.Path] = true
	}
	return out
}
