// Package checksum computes datafile content hashes and object-store
// compatible multipart ETags.
package checksum

import (
	"crypto/md5" //nolint:gosec // md5 is the catalog and object-store checksum
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrRetrieval is returned when a file cannot be read for hashing.
var ErrRetrieval = errors.New("file retrieval failed")

// EmptyETag is the tag of a zero-length object: two double-quote characters.
const EmptyETag = `""`

// DefaultBlockSize is the multipart block size used when none is configured.
const DefaultBlockSize = 8 * 1024 * 1024

const readBufferSize = 64 * 1024

// ContentHash returns the hex MD5 digest of the file at path. The file is
// streamed so memory use does not depend on file size.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is a datafile chosen by the operator
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	defer func() { _ = f.Close() }()

	h := md5.New() //nolint:gosec // see import
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", ErrRetrieval, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MultipartETag returns the ETag an object store assigns to the file at path
// when it is uploaded in parts of blockSize bytes.
func MultipartETag(path string, blockSize int64) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is a datafile chosen by the operator
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	defer func() { _ = f.Close() }()

	tag, err := ETagFromReader(f, blockSize)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", ErrRetrieval, path, err)
	}
	return tag, nil
}

// ETagFromReader computes the multipart ETag of everything read from r.
//
// Each block of blockSize bytes is hashed on its own. A single block yields
// its hex digest. Several blocks yield the hex digest of the concatenated raw
// block digests followed by "-<count>". No data yields EmptyETag.
func ETagFromReader(r io.Reader, blockSize int64) (string, error) {
	if blockSize <= 0 {
		return "", fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	var digests []byte
	blocks := 0
	for {
		h := md5.New() //nolint:gosec // see import
		n, err := io.CopyN(h, r, blockSize)
		if n > 0 {
			digests = h.Sum(digests)
			blocks++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}

	switch blocks {
	case 0:
		return EmptyETag, nil
	case 1:
		return hex.EncodeToString(digests), nil
	default:
		sum := md5.Sum(digests) //nolint:gosec // see import
		return hex.EncodeToString(sum[:]) + "-" + strconv.Itoa(blocks), nil
	}
}

// NormalizeETag strips surrounding quotes and whitespace from an ETag header
// value. The empty-object tag is returned unchanged.
func NormalizeETag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == EmptyETag {
		return tag
	}
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

// emptyMD5 is the digest of zero bytes, which object stores report for
// empty objects.
const emptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

// VerifyETag reports whether remote, as returned by an object store, matches
// the multipart ETag of the local file for the given block size.
func VerifyETag(path string, blockSize int64, remote string) (bool, error) {
	local, err := MultipartETag(path, blockSize)
	if err != nil {
		return false, err
	}
	remote = NormalizeETag(remote)
	if local == EmptyETag {
		return remote == EmptyETag || remote == "" || remote == emptyMD5, nil
	}
	return strings.EqualFold(local, remote), nil
}
