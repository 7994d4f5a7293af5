package core

import (
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"depot/internal/objects"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
)

// Operation is the S3 operation a request asks for.
type Operation int

const (
	OpUnknown Operation = iota
	OpListBuckets
	OpCreateBucket
	OpDeleteBucket
	OpHeadBucket
	OpGetBucketLocation
	OpListObjects
	OpListObjectsV2
	OpListMultipartUploads
	OpDeleteObjects
	OpPutObject
	OpCopyObject
	OpGetObject
	OpHeadObject
	OpDeleteObject
	OpInitiateMultipartUpload
	OpUploadPart
	OpCompleteMultipartUpload
	OpAbortMultipartUpload
	OpListParts
	OpPostObject
	OpPresignURL
	OpPreflight

	numOperations
)

var operationNames = [numOperations]string{
	OpUnknown:                 "Unknown",
	OpListBuckets:             "ListBuckets",
	OpCreateBucket:            "CreateBucket",
	OpDeleteBucket:            "DeleteBucket",
	OpHeadBucket:              "HeadBucket",
	OpGetBucketLocation:       "GetBucketLocation",
	OpListObjects:             "ListObjects",
	OpListObjectsV2:           "ListObjectsV2",
	OpListMultipartUploads:    "ListMultipartUploads",
	OpDeleteObjects:           "DeleteObjects",
	OpPutObject:               "PutObject",
	OpCopyObject:              "CopyObject",
	OpGetObject:               "GetObject",
	OpHeadObject:              "HeadObject",
	OpDeleteObject:            "DeleteObject",
	OpInitiateMultipartUpload: "CreateMultipartUpload",
	OpUploadPart:              "UploadPart",
	OpCompleteMultipartUpload: "CompleteMultipartUpload",
	OpAbortMultipartUpload:    "AbortMultipartUpload",
	OpListParts:               "ListParts",
	OpPostObject:              "PostObject",
	OpPresignURL:              "PresignURL",
	OpPreflight:               "PreflightRequest",
}

// signed reports whether requests for op must carry a SigV4 signature.
// Browser uploads authenticate through their form's policy instead, and
// CORS preflights carry no credentials at all.
func (op Operation) signed() bool {
	return op != OpPostObject && op != OpPreflight
}

func (op Operation) String() string {
	if op < 0 || op >= numOperations {
		return operationNames[OpUnknown]
	}
	return operationNames[op]
}

// Route is a classified request.
type Route struct {
	Op         Operation
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int

	// Range is set for GetObject requests carrying a single satisfiable
	// looking byte range.
	Range *objects.Range
}

// Subresources the server recognizes but does not serve.
var unsupportedSubresources = []string{
	"accelerate", "acl", "analytics", "attributes", "cors", "encryption",
	"intelligent-tiering", "inventory", "legal-hold", "lifecycle", "logging",
	"metrics", "notification", "object-lock", "ownershipControls", "policy",
	"policyStatus", "publicAccessBlock", "replication", "requestPayment",
	"restore", "retention", "select", "tagging", "torrent", "versioning",
	"versions", "website",
}

func invalidRequest(r *http.Request) error {
	return s3err.ErrInvalidRequest.WithMessage("Unsupported request: " + r.Method + " " + r.URL.Path)
}

// Classify maps a request to exactly one operation. Requests matching none
// fail with InvalidRequest, those asking for a known but unserved
// subresource with NotImplemented.
func Classify(r *http.Request) (Route, error) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	route := Route{Bucket: bucket, Key: key}

	query := r.URL.Query()
	has := func(name string) bool {
		_, ok := query[name]
		return ok
	}

	if r.Method == http.MethodOptions {
		route.Op = OpPreflight
		return route, nil
	}

	if bucket == "" {
		switch {
		case r.Method == http.MethodGet && len(query) == 0:
			route.Op = OpListBuckets
		case r.Method == http.MethodPost && has("presigned-url"):
			route.Op = OpPresignURL
		default:
			return route, invalidRequest(r)
		}
		return route, nil
	}

	for _, sub := range unsupportedSubresources {
		if has(sub) {
			return route, s3err.ErrNotImplemented.WithMessage("The " + sub + " subresource is not implemented.")
		}
	}

	if key == "" {
		return classifyBucket(r, route, query, has)
	}
	return classifyObject(r, route, query, has)
}

// isFormUpload reports whether r carries an HTML form upload.
func isFormUpload(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(headers.ContentType))
	return err == nil && mediaType == "multipart/form-data"
}

func classifyBucket(r *http.Request, route Route, query url.Values, has func(string) bool) (Route, error) {
	switch r.Method {
	case http.MethodPut:
		route.Op = OpCreateBucket
	case http.MethodDelete:
		route.Op = OpDeleteBucket
	case http.MethodHead:
		route.Op = OpHeadBucket
	case http.MethodGet:
		switch {
		case has("location"):
			route.Op = OpGetBucketLocation
		case has("uploads"):
			route.Op = OpListMultipartUploads
		case query.Get("list-type") == "2":
			route.Op = OpListObjectsV2
		case has("list-type") && query.Get("list-type") != "1":
			return route, s3err.ErrInvalidArgument.WithMessage("Invalid list type")
		default:
			route.Op = OpListObjects
		}
	case http.MethodPost:
		switch {
		case has("delete"):
			route.Op = OpDeleteObjects
		case isFormUpload(r):
			route.Op = OpPostObject
		default:
			return route, invalidRequest(r)
		}
	default:
		return route, invalidRequest(r)
	}
	return route, nil
}

func classifyObject(r *http.Request, route Route, query url.Values, has func(string) bool) (Route, error) {
	route.UploadID = query.Get("uploadId")
	inUpload := has("uploadId")
	if inUpload && route.UploadID == "" {
		return route, s3err.ErrNoSuchUpload
	}

	if has("partNumber") {
		n, err := strconv.Atoi(query.Get("partNumber"))
		if err != nil {
			return route, s3err.ErrInvalidPartNumber
		}
		route.PartNumber = n
	}

	copySource := r.Header.Get("X-Amz-Copy-Source") != ""

	switch r.Method {
	case http.MethodPut:
		switch {
		case inUpload && has("partNumber"):
			if copySource {
				return route, s3err.ErrNotImplemented.WithMessage("UploadPartCopy is not implemented.")
			}
			route.Op = OpUploadPart
		case inUpload:
			return route, s3err.ErrInvalidRequest.WithMessage("UploadPart requires a partNumber.")
		case copySource:
			route.Op = OpCopyObject
		default:
			route.Op = OpPutObject
		}
	case http.MethodGet:
		switch {
		case inUpload:
			route.Op = OpListParts
		case has("partNumber"):
			return route, s3err.ErrNotImplemented.WithMessage("Reading a single part is not implemented.")
		default:
			route.Op = OpGetObject
			if rng, ok := objects.ParseRange(r.Header.Get(headers.Range)); ok {
				route.Range = rng
			}
		}
	case http.MethodHead:
		route.Op = OpHeadObject
	case http.MethodDelete:
		if inUpload {
			route.Op = OpAbortMultipartUpload
		} else {
			route.Op = OpDeleteObject
		}
	case http.MethodPost:
		switch {
		case has("uploads"):
			route.Op = OpInitiateMultipartUpload
		case inUpload:
			route.Op = OpCompleteMultipartUpload
		default:
			return route, invalidRequest(r)
		}
	default:
		return route, invalidRequest(r)
	}
	return route, nil
}
