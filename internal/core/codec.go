package core

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"depot/internal/objects"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

const (
	headerRequestID         = "X-Amz-Request-Id"
	headerCopySource        = "X-Amz-Copy-Source"
	headerMetadataDirective = "X-Amz-Metadata-Directive"
	headerBucketRegion      = "X-Amz-Bucket-Region"
	metadataHeaderPrefix    = "X-Amz-Meta-"

	defaultContentType = "binary/octet-stream"

	// iso8601Millis is the timestamp layout of XML documents.
	iso8601Millis = "2006-01-02T15:04:05.000Z"

	// maxXMLBodySize bounds request documents such as DeleteObjects and
	// CompleteMultipartUpload.
	maxXMLBodySize = 2 << 20
)

// writeS3Error writes an S3-style XML error response.
func writeS3Error(w http.ResponseWriter, r *http.Request, e *s3err.Error) {
	w.Header().Set(headers.ContentType, "application/xml")
	w.WriteHeader(e.Status)

	// HEAD responses carry no body.
	if r.Method == http.MethodHead {
		return
	}

	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  r.URL.Path,
		RequestID: w.Header().Get(headerRequestID),
	})
}

// writeError renders err. Internal causes are logged and never reach the
// client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := s3err.From(err)
	if e.Kind == s3err.StorageIO {
		slog.Error("Internal error", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		slog.Debug("Request failed", "method", r.Method, "path", r.URL.Path, "code", e.Code, "err", err)
	}
	writeS3Error(w, r, e)
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	return writeXMLStatus(w, http.StatusOK, v)
}

func writeXMLStatus(w http.ResponseWriter, status int, v any) error {
	w.Header().Set(headers.ContentType, "application/xml")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// decodeXMLBody decodes a request document into v.
func decodeXMLBody(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, maxXMLBodySize+1))
	if err != nil {
		return err
	}
	if len(data) > maxXMLBodySize {
		return s3err.ErrMalformedXML.WithMessage("The XML you provided was too large.")
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return s3err.ErrMalformedXML
	}
	return nil
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return strconv.Quote(hashHex)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(iso8601Millis)
}

// contentMD5 returns the digest declared by the Content-MD5 header, or nil
// when there is none.
func contentMD5(r *http.Request) ([]byte, error) {
	v := r.Header.Get(headers.ContentMD5)
	if v == "" {
		return nil, nil
	}
	sum, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(sum) != md5.Size {
		return nil, s3err.ErrInvalidDigest
	}
	return sum, nil
}

// userMetadata collects the x-amz-meta-* headers, keyed by the lowercase
// name without the prefix.
func userMetadata(h http.Header) map[string]string {
	var md map[string]string
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, metadataHeaderPrefix) || len(values) == 0 {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		md[strings.ToLower(strings.TrimPrefix(canonical, metadataHeaderPrefix))] = strings.Join(values, ",")
	}
	return md
}

// setObjectHeaders writes the headers describing info.
func setObjectHeaders(w http.ResponseWriter, info objects.ObjectInfo) {
	h := w.Header()
	contentType := info.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set(headers.ContentType, contentType)
	h.Set(headers.ETag, createETag(info.ETag))
	h.Set(headers.LastModified, info.LastModified.UTC().Format(http.TimeFormat))
	h.Set(headers.AcceptRanges, "bytes")
	for k, v := range info.Metadata {
		h.Set(metadataHeaderPrefix+k, v)
	}
}
