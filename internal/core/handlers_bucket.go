package core

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"depot/internal/auth"
	"depot/internal/objects"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

func (s *Server) owner(user *auth.User) Owner {
	return Owner{ID: user.AccessKeyID, DisplayName: user.AccessKeyID}
}

// handleListBuckets implements ListBuckets: GET /
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	resp := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
		Owner: s.owner(user),
	}
	for _, b := range s.store.ListBuckets(r.Context()) {
		resp.Buckets = append(resp.Buckets, ListAllMyBucketsEntry{
			Name:         b.Name,
			CreationDate: formatTime(b.CreatedAt),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
	return nil
}

// handleCreateBucket implements CreateBucket: PUT /bucket
func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	// The optional CreateBucketConfiguration body only names a location,
	// which has no meaning here.
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxXMLBodySize))
	}

	if _, err := s.store.CreateBucket(r.Context(), route.Bucket); err != nil {
		return err
	}

	w.Header().Set(headers.Location, "/"+route.Bucket)
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDeleteBucket implements DeleteBucket: DELETE /bucket
func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	if err := s.store.DeleteBucket(r.Context(), route.Bucket); err != nil {
		return err
	}
	s.uploads.AbortBucket(r.Context(), route.Bucket)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleHeadBucket implements HeadBucket: HEAD /bucket
func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	if _, err := s.store.HeadBucket(r.Context(), route.Bucket); err != nil {
		return err
	}
	w.Header().Set(headerBucketRegion, s.Config.Region)
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleGetBucketLocation implements GetBucketLocation: GET /bucket?location
func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	if _, err := s.store.HeadBucket(r.Context(), route.Bucket); err != nil {
		return err
	}

	// us-east-1 is reported as an empty constraint.
	resp := LocationConstraint{XMLNS: s3XMLNamespace}
	if s.Config.Region != auth.DefaultRegion {
		resp.Region = s.Config.Region
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", route.Bucket, "err", err)
	}
	return nil
}

// maxKeys reads the max-keys parameter, clamped to the configured maximum.
func (s *Server) maxKeys(r *http.Request) (int, error) {
	v := r.URL.Query().Get("max-keys")
	if v == "" {
		return s.Config.DefaultMaxKeys, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidMaxKeys
	}
	return min(n, s.Config.MaxKeys), nil
}

func objectSummaries(infos []objects.ObjectInfo) []ObjectSummary {
	summaries := make([]ObjectSummary, 0, len(infos))
	for _, o := range infos {
		summaries = append(summaries, ObjectSummary{
			Key:          o.Key,
			LastModified: formatTime(o.LastModified),
			ETag:         createETag(o.ETag),
			Size:         o.Size,
			StorageClass: "STANDARD",
		})
	}
	return summaries
}

func commonPrefixes(prefixes []string) []CommonPrefix {
	var out []CommonPrefix
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: p})
	}
	return out
}

// handleListObjects implements ListObjects (v1): GET /bucket
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	q := r.URL.Query()
	maxKeys, err := s.maxKeys(r)
	if err != nil {
		return err
	}

	opts := objects.ListOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: q.Get("marker"),
		MaxKeys:    maxKeys,
	}
	res, err := s.store.ListObjects(r.Context(), route.Bucket, opts)
	if err != nil {
		return err
	}

	resp := ListBucketResult{
		XMLNS:          s3XMLNamespace,
		Name:           route.Bucket,
		Prefix:         opts.Prefix,
		Marker:         opts.StartAfter,
		Delimiter:      opts.Delimiter,
		MaxKeys:        maxKeys,
		IsTruncated:    res.IsTruncated,
		Contents:       objectSummaries(res.Objects),
		CommonPrefixes: commonPrefixes(res.CommonPrefixes),
	}
	if res.IsTruncated {
		resp.NextMarker = res.Last
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", route.Bucket, "err", err)
	}
	return nil
}

// handleListObjectsV2 implements ListObjectsV2: GET /bucket?list-type=2
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	q := r.URL.Query()
	maxKeys, err := s.maxKeys(r)
	if err != nil {
		return err
	}

	opts := objects.ListOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: q.Get("start-after"),
		MaxKeys:    maxKeys,
	}

	token := q.Get("continuation-token")
	if _, ok := q["continuation-token"]; ok {
		last, err := objects.DecodeContinuationToken(token)
		if err != nil {
			return err
		}
		opts.StartAfter = max(opts.StartAfter, last)
	}

	res, err := s.store.ListObjects(r.Context(), route.Bucket, opts)
	if err != nil {
		return err
	}

	resp := ListBucketResultV2{
		XMLNS:             s3XMLNamespace,
		Name:              route.Bucket,
		Prefix:            opts.Prefix,
		Delimiter:         opts.Delimiter,
		KeyCount:          len(res.Objects) + len(res.CommonPrefixes),
		MaxKeys:           maxKeys,
		IsTruncated:       res.IsTruncated,
		ContinuationToken: token,
		StartAfter:        q.Get("start-after"),
		Contents:          objectSummaries(res.Objects),
		CommonPrefixes:    commonPrefixes(res.CommonPrefixes),
	}
	if res.IsTruncated {
		resp.NextContinuationToken = objects.EncodeContinuationToken(res.Last)
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", route.Bucket, "err", err)
	}
	return nil
}

// handleDeleteObjects implements DeleteObjects: POST /bucket?delete
func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	body, _, err := auth.PayloadReader(r, user)
	if err != nil {
		return err
	}

	var req Delete
	if err := decodeXMLBody(body, &req); err != nil {
		return err
	}
	if len(req.Objects) == 0 || len(req.Objects) > MaxMaxKeys {
		return s3err.ErrMalformedXML
	}

	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}

	results, err := s.store.DeleteObjects(r.Context(), route.Bucket, keys)
	if err != nil {
		return err
	}

	resp := DeleteResult{XMLNS: s3XMLNamespace}
	for _, res := range results {
		if res.Err != nil {
			e := s3err.From(res.Err)
			resp.Errors = append(resp.Errors, DeleteError{Key: res.Key, Code: e.Code, Message: e.Message})
			continue
		}
		if !req.Quiet {
			resp.Deleted = append(resp.Deleted, DeletedObject{Key: res.Key})
		}
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode delete objects XML", "bucket", route.Bucket, "err", err)
	}
	return nil
}

// handleListMultipartUploads implements ListMultipartUploads:
// GET /bucket?uploads
func (s *Server) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	q := r.URL.Query()

	maxUploads := MaxMaxKeys
	if v := q.Get("max-uploads"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s3err.ErrInvalidArgument.WithMessage("Argument max-uploads must be an integer between 0 and 2147483647")
		}
		maxUploads = min(n, MaxMaxKeys)
	}

	uploads, err := s.uploads.ListUploads(r.Context(), route.Bucket, q.Get("prefix"))
	if err != nil {
		return err
	}

	keyMarker, idMarker := q.Get("key-marker"), q.Get("upload-id-marker")
	resp := ListMultipartUploadsResult{
		XMLNS:          s3XMLNamespace,
		Bucket:         route.Bucket,
		KeyMarker:      keyMarker,
		UploadIDMarker: idMarker,
		Prefix:         q.Get("prefix"),
		MaxUploads:     maxUploads,
	}

	owner := s.owner(user)
	pastMarker := keyMarker == ""
	for _, u := range uploads {
		if !pastMarker {
			// Without an upload id marker every upload of the marker key
			// is skipped; with one, uploads up to and including it are.
			if u.Key < keyMarker || (u.Key == keyMarker && (idMarker == "" || u.ID != idMarker)) {
				continue
			}
			pastMarker = true
			if u.Key == keyMarker {
				continue
			}
		}

		if len(resp.Uploads) == maxUploads {
			resp.IsTruncated = true
			break
		}
		resp.Uploads = append(resp.Uploads, UploadSummary{
			Key:          u.Key,
			UploadID:     u.ID,
			Initiator:    owner,
			Owner:        owner,
			StorageClass: "STANDARD",
			Initiated:    formatTime(u.Initiated),
		})
	}
	if resp.IsTruncated && len(resp.Uploads) > 0 {
		last := resp.Uploads[len(resp.Uploads)-1]
		resp.NextKeyMarker = last.Key
		resp.NextUploadIDMarker = last.UploadID
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list multipart uploads XML", "bucket", route.Bucket, "err", err)
	}
	return nil
}
