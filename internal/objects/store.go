// Package objects implements buckets and objects on top of a storage
// backend. Each object is a content artifact plus a sidecar record; the
// in-memory catalog is rebuilt from the sidecars when the store is opened.
package objects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"depot/internal/keylock"
	"depot/internal/s3err"
	"depot/internal/storage"
)

// BucketInfo describes a bucket.
type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// ObjectInfo describes a stored object. ETag is the unquoted entity tag.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time

	content string
}

type bucketState struct {
	info    BucketInfo
	objects map[string]*ObjectInfo
	keys    []string
}

func (b *bucketState) insertKey(key string) {
	if i, found := slices.BinarySearch(b.keys, key); !found {
		b.keys = slices.Insert(b.keys, i, key)
	}
}

func (b *bucketState) removeKey(key string) {
	if i, found := slices.BinarySearch(b.keys, key); found {
		b.keys = slices.Delete(b.keys, i, i+1)
	}
}

// Store is the bucket and object catalog.
//
// Bucket creation and deletion hold the bucket lock exclusively while object
// mutations hold it shared, so a bucket cannot disappear under a write.
// Publishing a new version of a key holds that key's lock. Readers take
// neither: they look the object up in the catalog and open its content
// artifact, which is never modified once published.
type Store struct {
	backend     storage.StorageBackend
	bucketLocks keylock.Table
	keyLocks    keylock.Table
	now         func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucketState
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads the catalog persisted in backend.
func Open(ctx context.Context, backend storage.StorageBackend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		now:     time.Now,
		buckets: make(map[string]*bucketState),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Backend returns the storage backend the store writes to.
func (s *Store) Backend() storage.StorageBackend {
	return s.backend
}

func (s *Store) load(ctx context.Context) error {
	names, err := s.backend.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list storage: %w", err)
	}

	var sidecars, contents []string
	for _, name := range names {
		if strings.HasPrefix(name, storage.SystemPrefix) {
			continue
		}

		parts := strings.Split(name, "/")
		switch {
		case len(parts) == 2 && parts[1] == bucketMarker:
			var rec bucketRecord
			if err := readRecord(ctx, s.backend, name, &rec); err != nil {
				return fmt.Errorf("load bucket %s: %w", parts[0], err)
			}
			s.buckets[parts[0]] = &bucketState{
				info:    BucketInfo{Name: parts[0], CreatedAt: rec.CreatedAt},
				objects: make(map[string]*ObjectInfo),
			}
		case len(parts) == 3 && strings.HasSuffix(parts[2], metaSuffix):
			sidecars = append(sidecars, name)
		default:
			contents = append(contents, name)
		}
	}

	referenced := make(map[string]bool, len(sidecars))
	orphaned := make(map[string]bool)

	for _, name := range sidecars {
		bucket, _, _ := strings.Cut(name, "/")
		b, ok := s.buckets[bucket]
		if !ok {
			orphaned[bucket] = true
			continue
		}

		var rec objectRecord
		if err := readRecord(ctx, s.backend, name, &rec); err != nil {
			slog.Warn("Skipping unreadable object record", "name", name, "err", err)
			continue
		}
		info := rec.info(bucket)
		b.objects[rec.Key] = &info
		b.keys = append(b.keys, rec.Key)
		referenced[rec.Content] = true
	}

	for _, b := range s.buckets {
		slices.Sort(b.keys)
	}

	// Content without a sidecar was staged by a write that never published.
	for _, name := range contents {
		bucket, _, _ := strings.Cut(name, "/")
		if _, ok := s.buckets[bucket]; !ok {
			orphaned[bucket] = true
			continue
		}
		if !referenced[name] {
			slog.Debug("Removing unreferenced content", "name", name)
			s.removeArtifact(ctx, name)
		}
	}

	// A bucket directory without a marker is what an interrupted delete
	// leaves behind.
	for bucket := range orphaned {
		slog.Debug("Removing leftovers of deleted bucket", "bucket", bucket)
		if err := s.backend.RemoveAll(ctx, bucket); err != nil {
			slog.Warn("Remove leftovers of deleted bucket", "bucket", bucket, "err", err)
		}
	}

	slog.Debug("Loaded object catalog", "buckets", len(s.buckets), "objects", len(referenced))
	return nil
}

func (s *Store) removeArtifact(ctx context.Context, name string) {
	if err := s.backend.Remove(ctx, name); err != nil && !errors.Is(err, storage.ErrNotExist) {
		slog.Warn("Remove artifact", "name", name, "err", err)
	}
}

// CreateBucket creates a new, empty bucket.
func (s *Store) CreateBucket(ctx context.Context, name string) (BucketInfo, error) {
	if !ValidBucketName(name) {
		return BucketInfo{}, s3err.ErrInvalidBucketName
	}

	unlock := s.bucketLocks.Lock(name)
	defer unlock()

	if s.bucketExists(name) {
		return BucketInfo{}, s3err.ErrBucketAlreadyExists
	}

	info := BucketInfo{Name: name, CreatedAt: s.now().UTC()}
	rec := bucketRecord{Name: name, CreatedAt: info.CreatedAt}
	if err := writeRecord(ctx, s.backend, bucketMarkerName(name), rec); err != nil {
		return BucketInfo{}, s3err.Internal(fmt.Errorf("write bucket marker: %w", err))
	}

	s.mu.Lock()
	s.buckets[name] = &bucketState{info: info, objects: make(map[string]*ObjectInfo)}
	s.mu.Unlock()

	slog.Debug("Created bucket", "bucket", name)
	return info, nil
}

// DeleteBucket removes an empty bucket.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	unlock := s.bucketLocks.Lock(name)
	defer unlock()

	s.mu.RLock()
	b, ok := s.buckets[name]
	empty := ok && len(b.objects) == 0
	s.mu.RUnlock()

	if !ok {
		return s3err.ErrNoSuchBucket
	}
	if !empty {
		return s3err.ErrBucketNotEmpty
	}

	if err := s.backend.Remove(ctx, bucketMarkerName(name)); err != nil && !errors.Is(err, storage.ErrNotExist) {
		return s3err.Internal(fmt.Errorf("remove bucket marker: %w", err))
	}

	s.mu.Lock()
	delete(s.buckets, name)
	s.mu.Unlock()

	if err := s.backend.RemoveAll(context.WithoutCancel(ctx), name); err != nil {
		slog.Warn("Remove bucket directory", "bucket", name, "err", err)
	}

	slog.Debug("Deleted bucket", "bucket", name)
	return nil
}

func (s *Store) bucketExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok
}

// WithBucket runs fn while holding the bucket shared, so the bucket cannot
// be deleted until fn returns. It fails with NoSuchBucket if the bucket
// does not exist.
func (s *Store) WithBucket(ctx context.Context, name string, fn func() error) error {
	unlock := s.bucketLocks.RLock(name)
	defer unlock()

	if !s.bucketExists(name) {
		return s3err.ErrNoSuchBucket
	}
	return fn()
}

// HeadBucket returns the bucket's description.
func (s *Store) HeadBucket(ctx context.Context, name string) (BucketInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[name]
	if !ok {
		return BucketInfo{}, s3err.ErrNoSuchBucket
	}
	return b.info, nil
}

// ListBuckets returns every bucket ordered by name.
func (s *Store) ListBuckets(ctx context.Context) []BucketInfo {
	s.mu.RLock()
	buckets := make([]BucketInfo, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b.info)
	}
	s.mu.RUnlock()

	slices.SortFunc(buckets, func(a, b BucketInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return buckets
}
