package core

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"depot/internal/auth"
	"depot/internal/objects"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

// handlePutObject implements PutObject: PUT /bucket/key
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	digest, err := contentMD5(r)
	if err != nil {
		return err
	}

	body, _, err := auth.PayloadReader(r, user)
	if err != nil {
		return err
	}

	info, err := s.store.PutObject(r.Context(), route.Bucket, route.Key, body, objects.PutOptions{
		ContentType: r.Header.Get(headers.ContentType),
		Metadata:    userMetadata(r.Header),
		ContentMD5:  digest,
	})
	if err != nil {
		return err
	}

	w.Header().Set(headers.ETag, createETag(info.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

// parseCopySource splits an x-amz-copy-source value into bucket and key.
func parseCopySource(v string) (string, string, error) {
	invalid := s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: sourcebucket/sourcekey")

	// Versions are not kept, so a version id selects the current object.
	v, _, _ = strings.Cut(v, "?")
	src, err := url.PathUnescape(v)
	if err != nil {
		return "", "", invalid
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(src, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", invalid
	}
	return bucket, key, nil
}

// handleCopyObject implements CopyObject: PUT /bucket/key with
// x-amz-copy-source
func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	srcBucket, srcKey, err := parseCopySource(r.Header.Get(headerCopySource))
	if err != nil {
		return err
	}

	opts := objects.CopyOptions{}
	switch directive := r.Header.Get(headerMetadataDirective); directive {
	case "", "COPY":
	case "REPLACE":
		opts.ReplaceMetadata = true
		opts.ContentType = r.Header.Get(headers.ContentType)
		opts.Metadata = userMetadata(r.Header)
	default:
		return s3err.ErrInvalidArgument.WithMessage("Unknown metadata directive.")
	}

	info, err := s.store.CopyObject(r.Context(), srcBucket, srcKey, route.Bucket, route.Key, opts)
	if err != nil {
		return err
	}

	resp := CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: formatTime(info.LastModified),
		ETag:         createETag(info.ETag),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode copy object XML", "bucket", route.Bucket, "key", route.Key, "err", err)
	}
	return nil
}

// handleGetObject implements GetObject: GET /bucket/key
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	obj, err := s.store.GetObject(r.Context(), route.Bucket, route.Key, route.Range)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	setObjectHeaders(w, obj.ObjectInfo)
	w.Header().Set(headers.ContentLength, strconv.FormatInt(obj.Length, 10))

	status := http.StatusOK
	if obj.Partial {
		w.Header().Set(headers.ContentRange, fmt.Sprintf("bytes %d-%d/%d", obj.Offset, obj.Offset+obj.Length-1, obj.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	// The status line is out; a failure from here on can only cut the
	// response short.
	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Warn("Stream object", "bucket", route.Bucket, "key", route.Key, "err", err)
	}
	return nil
}

// handleHeadObject implements HeadObject: HEAD /bucket/key
func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	info, err := s.store.HeadObject(r.Context(), route.Bucket, route.Key)
	if err != nil {
		return err
	}

	setObjectHeaders(w, info)
	w.Header().Set(headers.ContentLength, strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDeleteObject implements DeleteObject: DELETE /bucket/key
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	if err := s.store.DeleteObject(r.Context(), route.Bucket, route.Key); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
