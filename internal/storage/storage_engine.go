// Package storage provides the byte-level persistence layer underneath the
// object store. Backends address content by slash separated names and publish
// writes atomically: a reader observes either nothing or a complete artifact.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
)

// SystemPrefix is the reserved area for server-internal artifacts. Bucket
// names can never start with a dot, so it cannot collide with user data.
const SystemPrefix = ".depot/"

var (
	// ErrNotExist is returned when a named artifact is absent.
	ErrNotExist = fs.ErrNotExist

	// ErrInvalidName is returned for names that are empty, absolute or
	// escape the backend root.
	ErrInvalidName = errors.New("invalid storage name")

	// ErrFinished is returned when a Writer is used after Commit or Abort.
	ErrFinished = errors.New("writer already finished")
)

// Writer stages an artifact. Nothing is visible under the target name until
// Commit returns nil. Abort discards the staged bytes and may be called any
// number of times, including after Commit, in which case it does nothing.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
}

// Reader gives random access to a committed artifact. It remains readable
// until closed even if the artifact is removed or replaced meanwhile.
type Reader interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type StorageBackend interface {
	// Create stages a new artifact to be published under name.
	Create(ctx context.Context, name string) (Writer, error)

	// Open returns a reader for the committed artifact name.
	Open(ctx context.Context, name string) (Reader, error)

	// Clone publishes the content of src under dst without reading it through
	// the caller. Backends share the underlying bytes where they can.
	Clone(ctx context.Context, src string, dst string) error

	// Remove deletes a single artifact.
	Remove(ctx context.Context, name string) error

	// RemoveAll deletes every artifact under the directory prefix. It is not
	// an error if nothing exists there.
	RemoveAll(ctx context.Context, prefix string) error

	// List returns the sorted names of all artifacts under the directory
	// prefix. An empty prefix lists the whole backend.
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanName validates name and returns it in canonical form.
func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", ErrInvalidName
	}
	cleaned := path.Clean(name)
	if cleaned != strings.TrimSuffix(name, "/") || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidName
	}
	return cleaned, nil
}

// cleanPrefix validates a directory prefix. The empty prefix is the root.
func cleanPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	cleaned, err := cleanName(prefix)
	if err != nil {
		return "", err
	}
	return cleaned + "/", nil
}
