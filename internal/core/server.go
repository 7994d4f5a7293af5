// Package core serves the S3 HTTP API: requests are classified, then
// authenticated, then dispatched to the handler of their operation.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"depot/internal/auth"
	"depot/internal/multipart"
	"depot/internal/objects"
	"depot/internal/storage"
)

// Server provides an S3-compatible HTTP API.
type Server struct {
	Config Config

	store   *objects.Store
	uploads *multipart.Manager
	browser http.Handler
}

// NewServer opens the storage described by cfg and returns a Server ready
// to serve it.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	var catalog multipart.Catalog = multipart.MemoryCatalog{}

	if cfg.Backend == nil {
		switch {
		case cfg.InMemory:
			cfg.Backend = storage.NewMemoryStorage()
		case cfg.DataDir == "":
			return nil, errors.New("DataDir must not be empty")
		default:
			backend, err := storage.NewLocalFileStorage(cfg.DataDir)
			if err != nil {
				return nil, fmt.Errorf("open data dir: %w", err)
			}
			cfg.Backend = backend

			dbPath := filepath.Join(cfg.DataDir, filepath.FromSlash(storage.SystemPrefix), "catalog.sqlite")
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return nil, fmt.Errorf("create catalog dir: %w", err)
			}
			sqlite, err := multipart.OpenSQLiteCatalog(ctx, dbPath)
			if err != nil {
				return nil, err
			}
			catalog = sqlite
		}
	}

	if cfg.Authenticator == nil {
		engine := auth.NewAwsHmacAuthEngine(cfg.Region, cfg.Credentials...)
		engine.Service = cfg.Service
		engine.ClockSkew = cfg.ClockSkew
		cfg.Authenticator = engine
	}

	store, err := objects.Open(ctx, cfg.Backend)
	if err != nil {
		_ = catalog.Close()
		return nil, fmt.Errorf("open object store: %w", err)
	}

	uploads, err := multipart.New(ctx, store,
		multipart.WithCatalog(catalog),
		multipart.WithMinPartSize(cfg.MinPartSize),
	)
	if err != nil {
		_ = catalog.Close()
		return nil, fmt.Errorf("open multipart uploads: %w", err)
	}

	s := &Server{Config: cfg, store: store, uploads: uploads}
	if cfg.Browser {
		s.browser, err = newBrowser(s)
		if err != nil {
			_ = uploads.Close()
			return nil, err
		}
	}

	slog.Debug("Server ready", "region", cfg.Region, "in_memory", cfg.InMemory, "data_dir", cfg.DataDir, "browser", cfg.Browser)
	return s, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.uploads.Close()
}

// Handler returns an http.Handler implementing the S3 API.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.serveS3)
	handler = CORS(s.Config.AllowedOrigins)(handler)
	if s.browser != nil {
		handler = routeBrowser(s.browser, handler)
	}
	handler = LogRequest(handler)
	handler = RequestID(handler)
	handler = Recoverer(handler)
	return handler
}

type handlerFunc func(s *Server, w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error

var handlers = [numOperations]handlerFunc{
	OpListBuckets:             (*Server).handleListBuckets,
	OpCreateBucket:            (*Server).handleCreateBucket,
	OpDeleteBucket:            (*Server).handleDeleteBucket,
	OpHeadBucket:              (*Server).handleHeadBucket,
	OpGetBucketLocation:       (*Server).handleGetBucketLocation,
	OpListObjects:             (*Server).handleListObjects,
	OpListObjectsV2:           (*Server).handleListObjectsV2,
	OpListMultipartUploads:    (*Server).handleListMultipartUploads,
	OpDeleteObjects:           (*Server).handleDeleteObjects,
	OpPutObject:               (*Server).handlePutObject,
	OpCopyObject:              (*Server).handleCopyObject,
	OpGetObject:               (*Server).handleGetObject,
	OpHeadObject:              (*Server).handleHeadObject,
	OpDeleteObject:            (*Server).handleDeleteObject,
	OpInitiateMultipartUpload: (*Server).handleInitiateMultipartUpload,
	OpUploadPart:              (*Server).handleUploadPart,
	OpCompleteMultipartUpload: (*Server).handleCompleteMultipartUpload,
	OpAbortMultipartUpload:    (*Server).handleAbortMultipartUpload,
	OpListParts:               (*Server).handleListParts,
	OpPostObject:              (*Server).handlePostObject,
	OpPresignURL:              (*Server).handlePresignURL,
	OpPreflight:               (*Server).handlePreflight,
}

func (s *Server) serveS3(w http.ResponseWriter, r *http.Request) {
	route, err := Classify(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noteOperation(r.Context(), route.Op)

	var user *auth.User
	if route.Op.signed() {
		user, err = s.Config.Authenticator.AuthenticateRequest(r.Context(), r)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := handlers[route.Op](s, w, r, route, user); err != nil {
		writeError(w, r, err)
	}
}
