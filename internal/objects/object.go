package objects

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"depot/internal/s3err"
	"depot/internal/storage"

	"github.com/google/uuid"
)

const (
	copyBufferSize = 32 * 1024
	openAttempts   = 3
)

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// CopyContent copies src to dst through a pooled buffer, checking ctx
// between reads. Write failures are reported as internal errors; read
// failures are returned unchanged since they usually describe the client.
func CopyContent(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	bufp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufp)
	buf := *bufp

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, s3err.Internal(fmt.Errorf("write content: %w", werr))
			}
			if wn != n {
				return written, s3err.Internal(io.ErrShortWrite)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// PutOptions carries the optional attributes of a new object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string

	// ContentMD5 is the digest the client declared, if any.
	ContentMD5 []byte

	// ETag replaces the content MD5 as the object's entity tag.
	ETag string
}

// PutObject streams body into a new version of key and publishes it,
// replacing any previous version. Nothing becomes visible unless the whole
// body was stored.
func (s *Store) PutObject(ctx context.Context, bucket string, key string, body io.Reader, opts PutOptions) (ObjectInfo, error) {
	if !ValidObjectKey(key) {
		return ObjectInfo{}, s3err.ErrInvalidObjectName
	}

	unlock := s.bucketLocks.RLock(bucket)
	defer unlock()

	if !s.bucketExists(bucket) {
		return ObjectInfo{}, s3err.ErrNoSuchBucket
	}

	name := contentName(bucket, key, uuid.NewString())
	w, err := s.backend.Create(ctx, name)
	if err != nil {
		return ObjectInfo{}, s3err.Internal(fmt.Errorf("stage content: %w", err))
	}

	h := md5.New()
	size, err := CopyContent(ctx, io.MultiWriter(w, h), body)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			slog.Warn("Abort staged content", "bucket", bucket, "key", key, "err", abortErr)
		}
		return ObjectInfo{}, err
	}

	sum := h.Sum(nil)
	if opts.ContentMD5 != nil && !bytes.Equal(opts.ContentMD5, sum) {
		w.Abort()
		return ObjectInfo{}, s3err.ErrBadDigest
	}

	if err := w.Commit(); err != nil {
		return ObjectInfo{}, s3err.Internal(fmt.Errorf("commit content: %w", err))
	}

	etag := opts.ETag
	if etag == "" {
		etag = hex.EncodeToString(sum)
	}

	info := ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ETag:         etag,
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
		LastModified: s.now().UTC(),
		content:      name,
	}

	if err := s.publish(context.WithoutCancel(ctx), info); err != nil {
		s.removeArtifact(context.WithoutCancel(ctx), name)
		return ObjectInfo{}, err
	}

	slog.Debug("Stored object", "bucket", bucket, "key", key, "size", size, "etag", etag)
	return info, nil
}

// publish makes info the current version of its key. The caller holds the
// bucket lock shared and has committed info's content.
func (s *Store) publish(ctx context.Context, info ObjectInfo) error {
	unlock := s.keyLocks.Lock(info.Bucket + "/" + info.Key)
	defer unlock()

	if err := writeRecord(ctx, s.backend, sidecarName(info.Bucket, info.Key), recordFromInfo(info)); err != nil {
		return s3err.Internal(fmt.Errorf("write object record: %w", err))
	}

	s.mu.Lock()
	b, ok := s.buckets[info.Bucket]
	if !ok {
		s.mu.Unlock()
		return s3err.ErrNoSuchBucket
	}
	old := b.objects[info.Key]
	b.objects[info.Key] = &info
	if old == nil {
		b.insertKey(info.Key)
	}
	s.mu.Unlock()

	if old != nil && old.content != info.content {
		s.removeArtifact(ctx, old.content)
	}
	return nil
}

// HeadObject returns the description of the current version of key.
func (s *Store) HeadObject(ctx context.Context, bucket string, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return ObjectInfo{}, s3err.ErrNoSuchBucket
	}
	o, ok := b.objects[key]
	if !ok {
		return ObjectInfo{}, s3err.ErrNoSuchKey
	}
	return *o, nil
}

// Object is an open object, positioned on the requested section.
type Object struct {
	ObjectInfo

	Body    io.ReadCloser
	Offset  int64
	Length  int64
	Partial bool
}

type sectionReadCloser struct {
	*io.SectionReader
	io.Closer
}

// GetObject opens the current version of key. With a non-nil rng only the
// selected bytes are returned; a range outside the object fails with
// InvalidRange.
func (s *Store) GetObject(ctx context.Context, bucket string, key string, rng *Range) (*Object, error) {
	for range openAttempts {
		info, err := s.HeadObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}

		offset, length := int64(0), info.Size
		if rng != nil {
			if offset, length, err = rng.Resolve(info.Size); err != nil {
				return nil, err
			}
		}

		r, err := s.backend.Open(ctx, info.content)
		if errors.Is(err, storage.ErrNotExist) {
			// Replaced or deleted between lookup and open.
			continue
		}
		if err != nil {
			return nil, s3err.Internal(fmt.Errorf("open content: %w", err))
		}

		return &Object{
			ObjectInfo: info,
			Body:       sectionReadCloser{io.NewSectionReader(r, offset, length), r},
			Offset:     offset,
			Length:     length,
			Partial:    rng != nil,
		}, nil
	}

	return nil, s3err.Internal(fmt.Errorf("content of %s/%s missing", bucket, key))
}

// DeleteObject removes key. Deleting a key that does not exist succeeds.
func (s *Store) DeleteObject(ctx context.Context, bucket string, key string) error {
	unlock := s.bucketLocks.RLock(bucket)
	defer unlock()

	if !s.bucketExists(bucket) {
		return s3err.ErrNoSuchBucket
	}

	unlockKey := s.keyLocks.Lock(bucket + "/" + key)
	defer unlockKey()

	s.mu.RLock()
	old := s.buckets[bucket].objects[key]
	s.mu.RUnlock()

	if old == nil {
		return nil
	}

	if err := s.backend.Remove(ctx, sidecarName(bucket, key)); err != nil && !errors.Is(err, storage.ErrNotExist) {
		return s3err.Internal(fmt.Errorf("remove object record: %w", err))
	}

	s.mu.Lock()
	b := s.buckets[bucket]
	delete(b.objects, key)
	b.removeKey(key)
	s.mu.Unlock()

	s.removeArtifact(context.WithoutCancel(ctx), old.content)

	slog.Debug("Deleted object", "bucket", bucket, "key", key)
	return nil
}

// CopyOptions controls the attributes of a copied object.
type CopyOptions struct {
	// ReplaceMetadata takes ContentType and Metadata from the options
	// instead of the source object.
	ReplaceMetadata bool
	ContentType     string
	Metadata        map[string]string
}

// CopyObject publishes the current content of the source object under the
// destination key.
func (s *Store) CopyObject(ctx context.Context, srcBucket string, srcKey string, dstBucket string, dstKey string, opts CopyOptions) (ObjectInfo, error) {
	if !ValidObjectKey(dstKey) {
		return ObjectInfo{}, s3err.ErrInvalidObjectName
	}
	if srcBucket == dstBucket && srcKey == dstKey && !opts.ReplaceMetadata {
		return ObjectInfo{}, s3err.ErrInvalidRequest.WithMessage("This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata, storage class, website redirect location or encryption attributes.")
	}

	unlock := s.bucketLocks.RLock(dstBucket)
	defer unlock()

	if !s.bucketExists(dstBucket) {
		return ObjectInfo{}, s3err.ErrNoSuchBucket
	}

	for range openAttempts {
		src, err := s.HeadObject(ctx, srcBucket, srcKey)
		if err != nil {
			return ObjectInfo{}, err
		}

		name := contentName(dstBucket, dstKey, uuid.NewString())
		if err := s.backend.Clone(ctx, src.content, name); err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				continue
			}
			return ObjectInfo{}, s3err.Internal(fmt.Errorf("clone content: %w", err))
		}

		info := ObjectInfo{
			Bucket:       dstBucket,
			Key:          dstKey,
			Size:         src.Size,
			ETag:         src.ETag,
			ContentType:  src.ContentType,
			Metadata:     src.Metadata,
			LastModified: s.now().UTC(),
			content:      name,
		}
		if opts.ReplaceMetadata {
			info.ContentType = opts.ContentType
			info.Metadata = opts.Metadata
		}

		if err := s.publish(context.WithoutCancel(ctx), info); err != nil {
			s.removeArtifact(context.WithoutCancel(ctx), name)
			return ObjectInfo{}, err
		}
		return info, nil
	}

	return ObjectInfo{}, s3err.Internal(fmt.Errorf("content of %s/%s missing", srcBucket, srcKey))
}

// DeleteResult is the outcome of deleting one key of a batch.
type DeleteResult struct {
	Key string
	Err error
}

// DeleteObjects deletes every key independently and reports each outcome
// in request order.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeleteResult, error) {
	if _, err := s.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}

	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		if !ValidObjectKey(key) {
			results = append(results, DeleteResult{Key: key, Err: s3err.ErrInvalidObjectName})
			continue
		}
		results = append(results, DeleteResult{Key: key, Err: s.DeleteObject(ctx, bucket, key)})
	}
	return results, nil
}
