package objects

import (
	"context"
	"fmt"
	"io"
	"time"

	"depot/internal/storage"

	"github.com/fxamacker/cbor/v2"
)

var recordEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// bucketRecord is persisted as the bucket marker.
type bucketRecord struct {
	Name      string    `cbor:"name"`
	CreatedAt time.Time `cbor:"created_at"`
}

// objectRecord is the sidecar persisted next to an object's content.
type objectRecord struct {
	Key          string            `cbor:"key"`
	Size         int64             `cbor:"size"`
	ETag         string            `cbor:"etag"`
	ContentType  string            `cbor:"content_type,omitempty"`
	Metadata     map[string]string `cbor:"metadata,omitempty"`
	LastModified time.Time         `cbor:"last_modified"`
	Content      string            `cbor:"content"`
}

func recordFromInfo(info ObjectInfo) objectRecord {
	return objectRecord{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		Metadata:     info.Metadata,
		LastModified: info.LastModified,
		Content:      info.content,
	}
}

func (r objectRecord) info(bucket string) ObjectInfo {
	return ObjectInfo{
		Bucket:       bucket,
		Key:          r.Key,
		Size:         r.Size,
		ETag:         r.ETag,
		ContentType:  r.ContentType,
		Metadata:     r.Metadata,
		LastModified: r.LastModified,
		content:      r.Content,
	}
}

// writeRecord CBOR-encodes v and publishes it atomically under name.
func writeRecord(ctx context.Context, backend storage.StorageBackend, name string, v any) error {
	data, err := recordEncMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	w, err := backend.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return w.Commit()
}

// readRecord decodes the CBOR record stored under name into v.
func readRecord(ctx context.Context, backend storage.StorageBackend, name string, v any) error {
	r, err := backend.Open(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()

	data, err := io.ReadAll(io.NewSectionReader(r, 0, r.Size()))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
