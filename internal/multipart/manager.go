// Package multipart implements multipart upload sessions. Parts are staged in
// the storage backend under the system area and assembled into an object of
// the object store on completion.
package multipart

import (
	"cmp"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"depot/internal/keylock"
	"depot/internal/objects"
	"depot/internal/s3err"
	"depot/internal/storage"

	"github.com/google/uuid"
)

const (
	// DefaultMinPartSize is the smallest size allowed for any part but the
	// last one of an upload.
	DefaultMinPartSize = 5 << 20

	MaxPartNumber = 10000

	uploadsPrefix = storage.SystemPrefix + "uploads/"
)

type State int

const (
	Initiated State = iota
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "Initiated"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// UploadInfo describes an upload session. ContentType and Metadata are
// applied to the object produced by completion.
type UploadInfo struct {
	ID          string
	Bucket      string
	Key         string
	Initiated   time.Time
	ContentType string
	Metadata    map[string]string
}

// PartRecord describes a stored part. ETag is the unquoted MD5 of the part.
type PartRecord struct {
	Number       int
	ETag         string
	Size         int64
	LastModified time.Time

	content string
}

// CompletedPart is one entry of a completion request.
type CompletedPart struct {
	Number int
	ETag   string
}

type upload struct {
	UploadInfo

	// session is held shared by part uploads and exclusively by the
	// operations that end the session.
	session sync.RWMutex

	mu    sync.Mutex
	state State
	parts map[int]PartRecord
}

// Manager owns every in-progress upload.
type Manager struct {
	backend     storage.StorageBackend
	store       *objects.Store
	catalog     Catalog
	minPartSize int64
	now         func() time.Time
	partLocks   keylock.Table

	mu      sync.Mutex
	uploads map[string]*upload
}

type Option func(*Manager)

// WithCatalog persists sessions in c so they survive a restart.
func WithCatalog(c Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithMinPartSize overrides DefaultMinPartSize.
func WithMinPartSize(size int64) Option {
	return func(m *Manager) {
		m.minPartSize = size
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New returns a manager that stages parts in the store's backend. Sessions
// recorded in the catalog are restored and staged parts nobody refers to
// are removed.
func New(ctx context.Context, store *objects.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		backend:     store.Backend(),
		store:       store,
		catalog:     MemoryCatalog{},
		minPartSize: DefaultMinPartSize,
		now:         time.Now,
		uploads:     make(map[string]*upload),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.restore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Close releases the catalog.
func (m *Manager) Close() error {
	return m.catalog.Close()
}

func uploadDir(id string) string {
	return uploadsPrefix + id
}

func partName(id string, number int) string {
	return fmt.Sprintf("%s/part-%05d.%s", uploadDir(id), number, uuid.NewString())
}

func (m *Manager) restore(ctx context.Context) error {
	saved, err := m.catalog.Load(ctx)
	if err != nil {
		return fmt.Errorf("load upload catalog: %w", err)
	}

	referenced := make(map[string]bool)
	for _, su := range saved {
		if _, err := m.store.HeadBucket(ctx, su.Bucket); err != nil {
			slog.Debug("Dropping upload of missing bucket", "upload_id", su.ID, "bucket", su.Bucket)
			if err := m.catalog.DeleteUpload(ctx, su.ID); err != nil {
				return fmt.Errorf("drop upload %s: %w", su.ID, err)
			}
			continue
		}

		u := &upload{UploadInfo: su.UploadInfo, parts: make(map[int]PartRecord, len(su.Parts))}
		for _, p := range su.Parts {
			r, err := m.backend.Open(ctx, p.content)
			if err != nil {
				slog.Warn("Dropping part with missing content", "upload_id", su.ID, "part", p.Number, "err", err)
				continue
			}
			r.Close()
			u.parts[p.Number] = p
			referenced[p.content] = true
		}
		m.uploads[su.ID] = u
	}

	names, err := m.backend.List(ctx, strings.TrimSuffix(uploadsPrefix, "/"))
	if err != nil {
		return fmt.Errorf("list staged parts: %w", err)
	}

	stale := make(map[string]bool)
	for _, name := range names {
		id, _, _ := strings.Cut(strings.TrimPrefix(name, uploadsPrefix), "/")
		if _, ok := m.uploads[id]; !ok {
			stale[id] = true
			continue
		}
		if !referenced[name] {
			m.removeArtifact(ctx, name)
		}
	}
	for id := range stale {
		slog.Debug("Removing staging area of unknown upload", "upload_id", id)
		if err := m.backend.RemoveAll(ctx, uploadDir(id)); err != nil {
			slog.Warn("Remove staging area", "upload_id", id, "err", err)
		}
	}

	slog.Debug("Restored multipart uploads", "uploads", len(m.uploads))
	return nil
}

func (m *Manager) removeArtifact(ctx context.Context, name string) {
	if err := m.backend.Remove(ctx, name); err != nil && !errors.Is(err, storage.ErrNotExist) {
		slog.Warn("Remove staged part", "name", name, "err", err)
	}
}

// lookup returns the live upload id, which must belong to bucket and key.
func (m *Manager) lookup(bucket string, key string, id string) (*upload, error) {
	m.mu.Lock()
	u, ok := m.uploads[id]
	m.mu.Unlock()

	if !ok || u.Bucket != bucket || u.Key != key {
		return nil, s3err.ErrNoSuchUpload
	}
	return u, nil
}

func (u *upload) active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == Initiated
}

// Initiate starts a new upload session for key.
func (m *Manager) Initiate(ctx context.Context, bucket string, key string, contentType string, metadata map[string]string) (UploadInfo, error) {
	if !objects.ValidObjectKey(key) {
		return UploadInfo{}, s3err.ErrInvalidObjectName
	}

	info := UploadInfo{
		ID:          uuid.NewString(),
		Bucket:      bucket,
		Key:         key,
		Initiated:   m.now().UTC(),
		ContentType: contentType,
		Metadata:    metadata,
	}

	// The bucket is held until the session is registered, so a concurrent
	// DeleteBucket either sees the session in AbortBucket or wins first.
	err := m.store.WithBucket(ctx, bucket, func() error {
		if err := m.catalog.PutUpload(ctx, info); err != nil {
			return s3err.Internal(fmt.Errorf("record upload: %w", err))
		}
		m.mu.Lock()
		m.uploads[info.ID] = &upload{UploadInfo: info, parts: make(map[int]PartRecord)}
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return UploadInfo{}, err
	}

	slog.Debug("Initiated multipart upload", "bucket", bucket, "key", key, "upload_id", info.ID)
	return info, nil
}

// UploadPart stores body as part number of the upload, replacing any part
// previously stored under that number.
func (m *Manager) UploadPart(ctx context.Context, bucket string, key string, id string, number int, body io.Reader) (PartRecord, error) {
	if number < 1 || number > MaxPartNumber {
		return PartRecord{}, s3err.ErrInvalidPartNumber
	}

	u, err := m.lookup(bucket, key, id)
	if err != nil {
		return PartRecord{}, err
	}

	u.session.RLock()
	defer u.session.RUnlock()

	if !u.active() {
		return PartRecord{}, s3err.ErrNoSuchUpload
	}

	name := partName(id, number)
	w, err := m.backend.Create(ctx, name)
	if err != nil {
		return PartRecord{}, s3err.Internal(fmt.Errorf("stage part: %w", err))
	}

	h := md5.New()
	size, err := objects.CopyContent(ctx, io.MultiWriter(w, h), body)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			slog.Warn("Abort staged part", "upload_id", id, "part", number, "err", abortErr)
		}
		return PartRecord{}, err
	}
	if err := w.Commit(); err != nil {
		return PartRecord{}, s3err.Internal(fmt.Errorf("commit part: %w", err))
	}

	part := PartRecord{
		Number:       number,
		ETag:         hex.EncodeToString(h.Sum(nil)),
		Size:         size,
		LastModified: m.now().UTC(),
		content:      name,
	}

	// Keeps the catalog row and the in-memory record of a part number in
	// the same order when one number is uploaded concurrently.
	unlock := m.partLocks.Lock(fmt.Sprintf("%s/%d", id, number))
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	if err := m.catalog.PutPart(ctx, id, part); err != nil {
		m.removeArtifact(ctx, name)
		return PartRecord{}, s3err.Internal(fmt.Errorf("record part: %w", err))
	}

	u.mu.Lock()
	old, replaced := u.parts[number]
	u.parts[number] = part
	u.mu.Unlock()

	if replaced {
		m.removeArtifact(ctx, old.content)
	}

	slog.Debug("Stored part", "upload_id", id, "part", number, "size", size)
	return part, nil
}

// selectParts validates a completion request against the stored parts.
func (u *upload) selectParts(req []CompletedPart, minPartSize int64) ([]PartRecord, error) {
	if len(req) == 0 {
		return nil, s3err.ErrMalformedXML
	}
	for i := 1; i < len(req); i++ {
		if req[i].Number <= req[i-1].Number {
			return nil, s3err.ErrInvalidPartOrder
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	selected := make([]PartRecord, 0, len(req))
	for _, p := range req {
		rec, ok := u.parts[p.Number]
		if !ok || strings.Trim(p.ETag, `"`) != rec.ETag {
			return nil, s3err.ErrInvalidPart
		}
		selected = append(selected, rec)
	}

	for _, rec := range selected[:len(selected)-1] {
		if rec.Size < minPartSize {
			return nil, s3err.ErrEntityTooSmall
		}
	}
	return selected, nil
}

// compositeETag is the MD5 of the binary part digests followed by the part
// count.
func compositeETag(parts []PartRecord) (string, error) {
	h := md5.New()
	for _, p := range parts {
		sum, err := hex.DecodeString(p.ETag)
		if err != nil {
			return "", s3err.Internal(fmt.Errorf("part %d etag: %w", p.Number, err))
		}
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)), nil
}

// Complete assembles the listed parts into the upload's object. Nothing is
// written unless every part is valid; a failed completion leaves the session
// untouched so it can be retried.
func (m *Manager) Complete(ctx context.Context, bucket string, key string, id string, req []CompletedPart) (objects.ObjectInfo, error) {
	u, err := m.lookup(bucket, key, id)
	if err != nil {
		return objects.ObjectInfo{}, err
	}

	u.session.Lock()
	defer u.session.Unlock()

	if !u.active() {
		return objects.ObjectInfo{}, s3err.ErrNoSuchUpload
	}

	parts, err := u.selectParts(req, m.minPartSize)
	if err != nil {
		return objects.ObjectInfo{}, err
	}
	etag, err := compositeETag(parts)
	if err != nil {
		return objects.ObjectInfo{}, err
	}

	body := &concatReader{ctx: ctx, backend: m.backend, parts: parts}
	defer body.Close()

	info, err := m.store.PutObject(ctx, bucket, key, body, objects.PutOptions{
		ContentType: u.ContentType,
		Metadata:    u.Metadata,
		ETag:        etag,
	})
	if err != nil {
		return objects.ObjectInfo{}, err
	}

	m.finish(context.WithoutCancel(ctx), u, Completed)

	slog.Debug("Completed multipart upload", "bucket", bucket, "key", key, "upload_id", id, "parts", len(parts))
	return info, nil
}

// Abort discards the upload and all of its parts.
func (m *Manager) Abort(ctx context.Context, bucket string, key string, id string) error {
	u, err := m.lookup(bucket, key, id)
	if err != nil {
		return err
	}

	u.session.Lock()
	defer u.session.Unlock()

	if !u.active() {
		return s3err.ErrNoSuchUpload
	}

	m.finish(context.WithoutCancel(ctx), u, Aborted)

	slog.Debug("Aborted multipart upload", "bucket", bucket, "key", key, "upload_id", id)
	return nil
}

// AbortBucket aborts every upload targeting bucket.
func (m *Manager) AbortBucket(ctx context.Context, bucket string) {
	m.mu.Lock()
	var doomed []*upload
	for _, u := range m.uploads {
		if u.Bucket == bucket {
			doomed = append(doomed, u)
		}
	}
	m.mu.Unlock()

	for _, u := range doomed {
		if err := m.Abort(ctx, u.Bucket, u.Key, u.ID); err != nil && !errors.Is(err, s3err.ErrNoSuchUpload) {
			slog.Warn("Abort upload of deleted bucket", "upload_id", u.ID, "err", err)
		}
	}
}

// finish moves u into a terminal state and reclaims its parts. The caller
// holds the session exclusively.
func (m *Manager) finish(ctx context.Context, u *upload, state State) {
	u.mu.Lock()
	u.state = state
	u.parts = nil
	u.mu.Unlock()

	m.mu.Lock()
	delete(m.uploads, u.ID)
	m.mu.Unlock()

	if err := m.catalog.DeleteUpload(ctx, u.ID); err != nil {
		slog.Warn("Remove upload from catalog", "upload_id", u.ID, "err", err)
	}
	if err := m.backend.RemoveAll(ctx, uploadDir(u.ID)); err != nil {
		slog.Warn("Remove staging area", "upload_id", u.ID, "err", err)
	}
}

// PartsPage is one page of ListParts.
type PartsPage struct {
	Upload               UploadInfo
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// ListParts returns the parts numbered above marker in ascending order, at
// most maxParts of them.
func (m *Manager) ListParts(ctx context.Context, bucket string, key string, id string, marker int, maxParts int) (PartsPage, error) {
	u, err := m.lookup(bucket, key, id)
	if err != nil {
		return PartsPage{}, err
	}

	u.mu.Lock()
	if u.state != Initiated {
		u.mu.Unlock()
		return PartsPage{}, s3err.ErrNoSuchUpload
	}
	parts := make([]PartRecord, 0, len(u.parts))
	for n, p := range u.parts {
		if n > marker {
			parts = append(parts, p)
		}
	}
	u.mu.Unlock()

	slices.SortFunc(parts, func(a, b PartRecord) int {
		return cmp.Compare(a.Number, b.Number)
	})

	page := PartsPage{Upload: u.UploadInfo}
	if maxParts >= 0 && len(parts) > maxParts {
		parts = parts[:maxParts]
		page.IsTruncated = true
	}
	page.Parts = parts
	if len(parts) > 0 {
		page.NextPartNumberMarker = parts[len(parts)-1].Number
	}
	return page, nil
}

// ListUploads returns the in-progress uploads of bucket whose key starts
// with prefix, ordered by key and then by initiation time.
func (m *Manager) ListUploads(ctx context.Context, bucket string, prefix string) ([]UploadInfo, error) {
	if _, err := m.store.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var uploads []UploadInfo
	for _, u := range m.uploads {
		if u.Bucket == bucket && strings.HasPrefix(u.Key, prefix) {
			uploads = append(uploads, u.UploadInfo)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(uploads, func(a, b UploadInfo) int {
		return cmp.Or(
			strings.Compare(a.Key, b.Key),
			a.Initiated.Compare(b.Initiated),
			strings.Compare(a.ID, b.ID),
		)
	})
	return uploads, nil
}

// concatReader reads the content of parts back to back, opening each one
// only when the previous one is exhausted.
type concatReader struct {
	ctx     context.Context
	backend storage.StorageBackend
	parts   []PartRecord

	cur     storage.Reader
	section *io.SectionReader
}

func (c *concatReader) Read(p []byte) (int, error) {
	for {
		if c.section == nil {
			if len(c.parts) == 0 {
				return 0, io.EOF
			}
			part := c.parts[0]
			r, err := c.backend.Open(c.ctx, part.content)
			if err != nil {
				return 0, s3err.Internal(fmt.Errorf("open part %d: %w", part.Number, err))
			}
			c.parts = c.parts[1:]
			c.cur = r
			c.section = io.NewSectionReader(r, 0, r.Size())
		}

		n, err := c.section.Read(p)
		if errors.Is(err, io.EOF) {
			if cerr := c.Close(); cerr != nil {
				slog.Debug("Close part", "err", cerr)
			}
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *concatReader) Close() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	c.section = nil
	return err
}
