package storage

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryStorage keeps every artifact in process memory. Committed byte
// slices are never modified, so open readers keep seeing the version they
// opened after a replace or remove.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string][]byte)}
}

type memoryWriter struct {
	store *MemoryStorage
	name  string
	buf   bytes.Buffer
	done  bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrFinished
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Commit() error {
	if w.done {
		return ErrFinished
	}
	w.done = true

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.items[w.name] = w.buf.Bytes()
	return nil
}

func (w *memoryWriter) Abort() error {
	if !w.done {
		w.done = true
		w.buf = bytes.Buffer{}
	}
	return nil
}

type memoryReader struct {
	*bytes.Reader
}

func (r memoryReader) Close() error { return nil }

func (s *MemoryStorage) Create(ctx context.Context, name string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	return &memoryWriter{store: s, name: name}, nil
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.items[name]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, ErrNotExist)
	}
	return memoryReader{bytes.NewReader(data)}, nil
}

func (s *MemoryStorage) Clone(ctx context.Context, src string, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := cleanName(src)
	if err != nil {
		return err
	}
	dst, err = cleanName(dst)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.items[src]
	if !ok {
		return fmt.Errorf("clone %s: %w", src, ErrNotExist)
	}
	s.items[dst] = data
	return nil
}

func (s *MemoryStorage) Remove(ctx context.Context, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, ErrNotExist)
	}
	delete(s.items, name)
	return nil
}

func (s *MemoryStorage) RemoveAll(ctx context.Context, prefix string) error {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.items {
		if strings.HasPrefix(name, prefix) {
			delete(s.items, name)
		}
	}
	return nil
}

func (s *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	names := make([]string, 0)
	for name := range s.items {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()

	slices.Sort(names)
	return names, nil
}
