// Package blob provides content-addressed byte storage for package
// tarballs and documentation, behind a uniform interface with filesystem
// and S3 backends.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// Storage stores raw bytes under deterministic keys.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// TarballKey is the deterministic key for a release archive.
func TarballKey(pkg, version string) string {
	return fmt.Sprintf("tarballs/%s-%s.tar", pkg, version)
}

// DocsKey is the deterministic key for a release's documentation tarball.
func DocsKey(pkg, version string) string {
	return fmt.Sprintf("docs/%s-%s.tar.gz", pkg, version)
}
