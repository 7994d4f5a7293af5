package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
)

// LocalFileStorage stores artifacts as regular files below a root directory.
// Writes are staged under SystemPrefix/tmp on the same filesystem and
// published with a rename, so a crash leaves either the previous artifact or
// the new one, never a partial file.
type LocalFileStorage struct {
	root   string
	tmpDir string
}

// NewLocalFileStorage opens (creating if needed) a backend rooted at dataDir.
// Staged files left behind by an earlier process are discarded.
func NewLocalFileStorage(dataDir string) (*LocalFileStorage, error) {
	root, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	tmpDir := filepath.Join(root, filepath.FromSlash(SystemPrefix), "tmp")
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("purge staging area: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging area: %w", err)
	}

	return &LocalFileStorage{root: root, tmpDir: tmpDir}, nil
}

// Root returns the absolute directory the backend is rooted at.
func (s *LocalFileStorage) Root() string {
	return s.root
}

// path maps a storage name to its location on disk.
func (s *LocalFileStorage) path(name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

type fileWriter struct {
	file   *os.File
	target string
	done   bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrFinished
	}
	return w.file.Write(p)
}

func (w *fileWriter) Commit() error {
	if w.done {
		return ErrFinished
	}
	w.done = true

	tmpPath := w.file.Name()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync staged file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close staged file: %w", err)
	}

	dir := filepath.Dir(w.target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("create directory: %w", err)
	}
	if err := MoveFile(tmpPath, w.target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish %s: %w", w.target, err)
	}
	if err := syncDir(dir); err != nil {
		slog.Warn("Sync directory after publish", "dir", dir, "err", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	tmpPath := w.file.Name()
	closeErr := w.file.Close()
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return closeErr
}

func (s *LocalFileStorage) Create(ctx context.Context, name string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.tmpDir, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	return &fileWriter{file: f, target: target}, nil
}

type fileReader struct {
	*os.File
	size int64
}

func (r *fileReader) Size() int64 { return r.size }

func (s *LocalFileStorage) Open(ctx context.Context, name string) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("open %s: not a regular file: %w", name, ErrNotExist)
	}
	return &fileReader{File: f, size: info.Size()}, nil
}

func (s *LocalFileStorage) Clone(ctx context.Context, src string, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath, err := s.path(src)
	if err != nil {
		return err
	}
	dstPath, err := s.path(dst)
	if err != nil {
		return err
	}

	// Link into the staging area first so dst appears atomically even when
	// the link has to fall back to a full copy.
	staged := filepath.Join(s.tmpDir, "clone-"+uuid.NewString())
	if err := LinkOrCopyFile(srcPath, staged); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		os.Remove(staged)
		return err
	}
	if err := MoveFile(staged, dstPath); err != nil {
		os.Remove(staged)
		return err
	}
	return nil
}

func (s *LocalFileStorage) Remove(ctx context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func (s *LocalFileStorage) RemoveAll(ctx context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}

	// Detach the tree with a single rename so nothing below prefix is visible
	// once this returns, then delete it at leisure.
	trash := filepath.Join(s.tmpDir, "trash-"+uuid.NewString())
	if err := os.Rename(p, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(trash)
}

func (s *LocalFileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(prefix))

	names := make([]string, 0)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p == s.tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(names)
	return names, nil
}
