package core

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"depot/internal/auth"
	"depot/internal/objects"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

// maxPostFieldsSize bounds the form fields preceding the file.
const maxPostFieldsSize = 64 << 10

// handlePostObject implements browser uploads: POST /bucket with a
// multipart/form-data body. The fields before the file carry the key, a
// signed policy and optional metadata. Fields after the file are ignored.
func (s *Server) handlePostObject(w http.ResponseWriter, r *http.Request, route Route, _ *auth.User) error {
	verifier, ok := s.Config.Authenticator.(auth.PostFormVerifier)
	if !ok {
		return s3err.ErrNotImplemented.WithMessage("The configured authenticator cannot verify POST policies.")
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return s3err.ErrMalformedPOSTRequest
	}

	fields := make(map[string]string)
	remaining := int64(maxPostFieldsSize)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return s3err.ErrInvalidArgument.WithMessage("POST requires exactly one file upload per request.")
		}
		if err != nil {
			return s3err.Wrap(s3err.ErrMalformedPOSTRequest, err)
		}

		name := strings.ToLower(part.FormName())
		switch name {
		case "":
			continue
		case "file":
			return s.storePostedFile(w, r, route, verifier, fields, part)
		}

		value, err := io.ReadAll(io.LimitReader(part, remaining+1))
		if err != nil {
			return s3err.Wrap(s3err.ErrMalformedPOSTRequest, err)
		}
		remaining -= int64(len(value))
		if remaining < 0 {
			return s3err.ErrMalformedPOSTRequest.WithMessage("Your POST request fields preceding the upload file were too large.")
		}
		if _, dup := fields[name]; dup {
			return s3err.ErrInvalidArgument.WithMessage(fmt.Sprintf("The form field %q was given more than once.", name))
		}
		fields[name] = string(value)
	}
}

func (s *Server) storePostedFile(w http.ResponseWriter, r *http.Request, route Route, verifier auth.PostFormVerifier, fields map[string]string, file *multipart.Part) error {
	if b, ok := fields["bucket"]; ok && b != route.Bucket {
		return s3err.ErrInvalidArgument.WithMessage("The bucket field does not name the bucket the form was posted to.")
	}
	fields["bucket"] = route.Bucket

	key := fields["key"]
	if key == "" {
		return s3err.ErrInvalidArgument.WithMessage("Bucket POST must contain a field named 'key'.")
	}
	key = strings.ReplaceAll(key, "${filename}", file.FileName())
	fields["key"] = key

	user, policy, err := verifier.VerifyPostForm(fields)
	if err != nil {
		return err
	}

	contentType := fields["content-type"]
	if contentType == "" {
		contentType = file.Header.Get(headers.ContentType)
	}

	var metadata map[string]string
	for name, value := range fields {
		if meta, ok := strings.CutPrefix(name, "x-amz-meta-"); ok && meta != "" {
			if metadata == nil {
				metadata = make(map[string]string)
			}
			metadata[meta] = value
		}
	}

	info, err := s.store.PutObject(r.Context(), route.Bucket, key, policy.LimitReader(file), objects.PutOptions{
		ContentType: contentType,
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	slog.Debug("Stored form upload", "bucket", info.Bucket, "key", info.Key, "access_key", user.AccessKeyID)

	location := requestURL(r, "/"+route.Bucket+"/"+info.Key, nil).String()
	etag := createETag(info.ETag)
	w.Header().Set(headers.ETag, etag)
	w.Header().Set(headers.Location, location)

	if redirect := fields["success_action_redirect"]; redirect != "" {
		if target, err := url.Parse(redirect); err == nil {
			query := target.Query()
			query.Set("bucket", route.Bucket)
			query.Set("key", info.Key)
			query.Set("etag", etag)
			target.RawQuery = query.Encode()
			http.Redirect(w, r, target.String(), http.StatusSeeOther)
			return nil
		}
	}

	switch fields["success_action_status"] {
	case "200":
		w.WriteHeader(http.StatusOK)
	case "201":
		return writeXMLStatus(w, http.StatusCreated, PostResponse{
			Location: location,
			Bucket:   route.Bucket,
			Key:      info.Key,
			ETag:     etag,
		})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}
