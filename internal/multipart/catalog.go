package multipart

import "context"

// SavedUpload is an upload session as persisted by a Catalog.
type SavedUpload struct {
	UploadInfo
	Parts []PartRecord
}

// Catalog persists upload sessions. Part content lives in the storage
// backend; the catalog only records which artifact holds each part.
type Catalog interface {
	PutUpload(ctx context.Context, info UploadInfo) error

	// PutPart records part, replacing the record of the same part number.
	PutPart(ctx context.Context, uploadID string, part PartRecord) error

	DeleteUpload(ctx context.Context, uploadID string) error

	// Load returns every recorded session with its parts.
	Load(ctx context.Context) ([]SavedUpload, error)

	Close() error
}

// MemoryCatalog keeps nothing. Sessions live only as long as the Manager.
type MemoryCatalog struct{}

func (MemoryCatalog) PutUpload(context.Context, UploadInfo) error { return nil }
func (MemoryCatalog) PutPart(context.Context, string, PartRecord) error { return nil }
func (MemoryCatalog) DeleteUpload(context.Context, string) error { return nil }
func (MemoryCatalog) Load(context.Context) ([]SavedUpload, error) { return nil, nil }
func (MemoryCatalog) Close() error { return nil }
