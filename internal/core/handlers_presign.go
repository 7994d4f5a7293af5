package core

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"depot/internal/auth"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

const defaultPresignExpiry = time.Hour

// requestURL returns the absolute URL of path on the host r was sent to.
func requestURL(r *http.Request, path string, query url.Values) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: r.Host, Path: path, RawQuery: query.Encode()}
}

// handlePresignURL implements presigned URL generation:
// POST /?presigned-url&method=GET&path=/bucket/key&expiration=3600
// The parameters travel in the signed query string. The response is the
// URL as plain text, signed with the caller's own key.
func (s *Server) handlePresignURL(w http.ResponseWriter, r *http.Request, route Route, user *auth.User) error {
	presigner, ok := s.Config.Authenticator.(auth.Presigner)
	if !ok {
		return s3err.ErrNotImplemented.WithMessage("The configured authenticator cannot presign URLs.")
	}

	query := r.URL.Query()

	method := strings.ToUpper(query.Get("method"))
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(query.Get("path"))
	if err != nil || target.Scheme != "" || target.Host != "" || !strings.HasPrefix(target.Path, "/") || len(target.Path) < 2 {
		return s3err.ErrInvalidArgument.WithMessage("path must be a request path such as /bucket/key.")
	}

	accessKey := query.Get("accessKey")
	switch {
	case accessKey == "":
		accessKey = user.AccessKeyID
	case accessKey != user.AccessKeyID:
		return s3err.ErrAccessDenied.WithMessage("URLs can only be presigned with the caller's own access key.")
	}

	expires := defaultPresignExpiry
	if v := query.Get("expiration"); v != "" {
		seconds, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seconds < 1 || seconds > 604800 {
			return s3err.ErrInvalidArgument.WithMessage("expiration must be between 1 and 604800 seconds.")
		}
		expires = time.Duration(seconds) * time.Second
	}

	signed, err := presigner.Presign(method, requestURL(r, target.Path, target.Query()), accessKey, expires)
	if err != nil {
		return err
	}

	w.Header().Set(headers.ContentType, "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, signed.String())
	return nil
}
