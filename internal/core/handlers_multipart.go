package core

import (
	"log/slog"
	"net/http"
	"strconv"

	"depot/internal/auth"
	"depot/internal/multipart"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

// handleInitiateMultipartUpload implements CreateMultipartUpload:
// POST /bucket/key?uploads
func (s *Server) handleInitiateMultipartUpload(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	info, err := s.uploads.Initiate(r.Context(), route.Bucket, route.Key, r.Header.Get(headers.ContentType), userMetadata(r.Header))
	if err != nil {
		return err
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   info.Bucket,
		Key:      info.Key,
		UploadID: info.ID,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode initiate multipart upload XML", "bucket", route.Bucket, "key", route.Key, "err", err)
	}
	return nil
}

// handleUploadPart implements UploadPart:
// PUT /bucket/key?partNumber=N&uploadId=ID
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	body, _, err := auth.PayloadReader(r, user)
	if err != nil {
		return err
	}

	part, err := s.uploads.UploadPart(r.Context(), route.Bucket, route.Key, route.UploadID, route.PartNumber, body)
	if err != nil {
		return err
	}

	w.Header().Set(headers.ETag, createETag(part.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleCompleteMultipartUpload implements CompleteMultipartUpload:
// POST /bucket/key?uploadId=ID
func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	body, _, err := auth.PayloadReader(r, user)
	if err != nil {
		return err
	}

	var req CompleteMultipartUpload
	if err := decodeXMLBody(body, &req); err != nil {
		return err
	}

	parts := make([]multipart.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, multipart.CompletedPart{Number: p.PartNumber, ETag: p.ETag})
	}

	info, err := s.uploads.Complete(r.Context(), route.Bucket, route.Key, route.UploadID, parts)
	if err != nil {
		return err
	}

	resp := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: "/" + route.Bucket + "/" + route.Key,
		Bucket:   route.Bucket,
		Key:      route.Key,
		ETag:     createETag(info.ETag),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode complete multipart upload XML", "bucket", route.Bucket, "key", route.Key, "err", err)
	}
	return nil
}

// handleAbortMultipartUpload implements AbortMultipartUpload:
// DELETE /bucket/key?uploadId=ID
func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	if err := s.uploads.Abort(r.Context(), route.Bucket, route.Key, route.UploadID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleListParts implements ListParts: GET /bucket/key?uploadId=ID
func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	q := r.URL.Query()

	marker := 0
	if v := q.Get("part-number-marker"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s3err.ErrInvalidArgument.WithMessage("Argument part-number-marker must be an integer between 0 and 2147483647")
		}
		marker = n
	}

	maxParts := MaxMaxKeys
	if v := q.Get("max-parts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s3err.ErrInvalidArgument.WithMessage("Argument max-parts must be an integer between 0 and 2147483647")
		}
		maxParts = min(n, MaxMaxKeys)
	}

	page, err := s.uploads.ListParts(r.Context(), route.Bucket, route.Key, route.UploadID, marker, maxParts)
	if err != nil {
		return err
	}

	owner := s.owner(user)
	resp := ListPartsResult{
		XMLNS:                s3XMLNamespace,
		Bucket:               route.Bucket,
		Key:                  route.Key,
		UploadID:             route.UploadID,
		Initiator:            owner,
		Owner:                owner,
		StorageClass:         "STANDARD",
		PartNumberMarker:     marker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, p := range page.Parts {
		resp.Parts = append(resp.Parts, PartSummary{
			PartNumber:   p.Number,
			LastModified: formatTime(p.LastModified),
			ETag:         createETag(p.ETag),
			Size:         p.Size,
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list parts XML", "bucket", route.Bucket, "key", route.Key, "err", err)
	}
	return nil
}
