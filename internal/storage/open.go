package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// Opener reads an object addressed by a full s3:// URI.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// OpenURI reads a local path, or an s3:// URI through remote. remote may
// be nil when no object store is configured.
func OpenURI(ctx context.Context, uri string, remote Opener) (io.ReadCloser, error) {
	_, _, ok, err := ParseObjectURI(uri)
	if err != nil {
		return nil, err
	}
	if ok {
		if remote == nil {
			return nil, fmt.Errorf("open %s: object store is not configured", uri)
		}
		return remote.Open(ctx, uri)
	}
	file, err := os.Open(uri)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
		}
		return nil, err
	}
	return file, nil
}

// ObjectName is the last path element of a local path or s3:// URI.
func ObjectName(uri string) string {
	if _, key, ok, err := ParseObjectURI(uri); ok && err == nil {
		return path.Base(key)
	}
	return filepath.Base(uri)
}
