package core_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"depot/internal/auth"
	"depot/internal/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = auth.DefaultAccessKeyID
	SecretAccessKey = auth.DefaultSecretAccessKey
	region          = auth.DefaultRegion
)

// NewTestServer creates a Server backed by a temporary data directory and
// returns it along with an httptest.Server wrapping its handler.
func NewTestServer(t *testing.T, opts ...core.ConfigOption) (*core.Server, *httptest.Server) {
	t.Helper()

	opts = append([]core.ConfigOption{core.WithDataDir(t.TempDir())}, opts...)
	srv, err := core.NewServer(t.Context(), core.NewConfig(opts...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())

	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

type RequestOption func(*http.Request)

func WithContentType(contentType string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	}
}

func WithContent(body []byte) RequestOption {
	return func(req *http.Request) {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
	}
}

func WithHeader(key string, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// Unsigned skips request signing.
func Unsigned() RequestOption {
	return func(req *http.Request) {
		req.Header.Set("X-Test-Unsigned", "1")
	}
}

// SignedWith signs the request with the given key pair instead of the
// server's default credentials.
func SignedWith(accessKey string, secret string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set("X-Test-Access-Key", accessKey)
		req.Header.Set("X-Test-Secret-Key", secret)
	}
}

func signRequest(t *testing.T, req *http.Request) {
	t.Helper()

	creds := aws.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey}
	if v := req.Header.Get("X-Test-Access-Key"); v != "" {
		creds = aws.Credentials{AccessKeyID: v, SecretAccessKey: req.Header.Get("X-Test-Secret-Key")}
	}
	req.Header.Del("X-Test-Access-Key")
	req.Header.Del("X-Test-Secret-Key")

	req.Header.Set("X-Amz-Content-Sha256", auth.UnsignedPayload)
	signer := v4.NewSigner(func(o *v4.SignerOptions) {
		o.DisableURIPathEscaping = true
	})
	err := signer.SignHTTP(t.Context(), creds, req, auth.UnsignedPayload, "s3", region, time.Now())
	require.NoError(t, err, "signing request")
}

func DoMethod(t *testing.T, method string, url string, opts ...RequestOption) *http.Response {
	t.Helper()
	client := http.DefaultClient
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err, "creating "+method+" request")
	for _, opt := range opts {
		opt(req)
	}
	if req.Header.Get("X-Test-Unsigned") == "" {
		signRequest(t, req)
	}
	req.Header.Del("X-Test-Unsigned")
	resp, err := client.Do(req)
	require.NoErrorf(t, err, "%s %s error", method, url)
	return resp
}

func DoPut(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPut, url, opts...)
}

func DoGet(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodGet, url, opts...)
}

func DoHead(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodHead, url, opts...)
}

func DoDelete(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodDelete, url, opts...)
}

func DoPost(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPost, url, opts...)
}

// WithXMLBody encodes v as XML and attaches it as the request body with
// Content-Type set to application/xml.
func WithXMLBody(t *testing.T, v any) RequestOption {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xml.NewEncoder(&buf).Encode(v), "encoding XML body")
	body := buf.Bytes()
	return func(req *http.Request) {
		WithContent(body)(req)
		WithContentType("application/xml")(req)
	}
}

// DecodeS3Error decodes an S3 error document.
func DecodeS3Error(t *testing.T, r io.Reader) core.S3Error {
	t.Helper()
	var s3Err core.S3Error
	require.NoError(t, xml.NewDecoder(r).Decode(&s3Err), "decoding S3 error XML")
	return s3Err
}

// RequireS3Error checks the status and error code of resp and closes it.
func RequireS3Error(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode, "status code")
	require.Equal(t, code, DecodeS3Error(t, resp.Body).Code, "error code")
}

func DecodeXML(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "status code")
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(v), "decoding XML response")
}

func MustCreateBucket(t *testing.T, httpSrv *httptest.Server, bucket string) {
	t.Helper()
	resp := DoPut(t, httpSrv.URL+"/"+bucket)
	defer resp.Body.Close()
	require.Equalf(t, http.StatusOK, resp.StatusCode, "PUT bucket %s status", bucket)
}

func MustPutObject(t *testing.T, httpSrv *httptest.Server, bucket string, key string, data []byte, opts ...RequestOption) {
	t.Helper()
	resp := DoPut(t, httpSrv.URL+"/"+bucket+"/"+key, append([]RequestOption{WithContent(data)}, opts...)...)
	defer resp.Body.Close()
	require.Equalf(t, http.StatusOK, resp.StatusCode, "PUT object %s/%s status", bucket, key)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestCreateAndListBuckets(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	for _, b := range []string{"bucket2", "bucket1"} {
		resp := DoPut(t, httpSrv.URL+"/"+b)
		defer resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "PUT bucket %s status", b)
		require.Equal(t, "/"+b, resp.Header.Get("Location"))
	}

	resp := DoPut(t, httpSrv.URL+"/bucket1")
	RequireS3Error(t, resp, http.StatusConflict, "BucketAlreadyExists")

	var listResp core.ListAllMyBucketsResult
	DecodeXML(t, DoGet(t, httpSrv.URL+"/"), &listResp)

	var names []string
	for _, b := range listResp.Buckets {
		names = append(names, b.Name)
		require.NotEmpty(t, b.CreationDate)
	}
	require.Equal(t, []string{"bucket1", "bucket2"}, names)
	require.Equal(t, AccessKeyID, listResp.Owner.ID)
}

func TestInvalidBucketNames(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	for _, name := range []string{"ab", "UpperCase", "bad_name", "-leading", "192.168.1.1", strings.Repeat("a", 64)} {
		resp := DoPut(t, httpSrv.URL+"/"+name)
		RequireS3Error(t, resp, http.StatusBadRequest, "InvalidBucketName")
	}
}

func TestHeadAndDeleteBucket(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	resp := DoHead(t, httpSrv.URL+"/bucket")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, region, resp.Header.Get("X-Amz-Bucket-Region"))

	MustPutObject(t, httpSrv, "bucket", "k", []byte("x"))
	RequireS3Error(t, DoDelete(t, httpSrv.URL+"/bucket"), http.StatusConflict, "BucketNotEmpty")

	resp = DoDelete(t, httpSrv.URL+"/bucket/k")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = DoDelete(t, httpSrv.URL+"/bucket")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = DoHead(t, httpSrv.URL+"/bucket")
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	RequireS3Error(t, DoDelete(t, httpSrv.URL+"/bucket"), http.StatusNotFound, "NoSuchBucket")
}

func TestPutGetHeadDeleteObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	data := []byte("hello")
	resp := DoPut(t, httpSrv.URL+"/bucket/dir/hello.txt",
		WithContentType("text/plain"),
		WithContent(data),
		WithHeader("X-Amz-Meta-Color", "blue"),
	)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `"5d41402abc4b2a76b9719d911017c592"`, resp.Header.Get("ETag"))

	resp = DoGet(t, httpSrv.URL+"/bucket/dir/hello.txt")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "blue", resp.Header.Get("X-Amz-Meta-Color"))
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	require.NotEmpty(t, resp.Header.Get("Last-Modified"))

	resp = DoHead(t, httpSrv.URL+"/bucket/dir/hello.txt")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get("Content-Length"))
	require.Equal(t, `"5d41402abc4b2a76b9719d911017c592"`, resp.Header.Get("ETag"))

	resp = DoDelete(t, httpSrv.URL+"/bucket/dir/hello.txt")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Deleting again still succeeds.
	resp = DoDelete(t, httpSrv.URL+"/bucket/dir/hello.txt")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	RequireS3Error(t, DoGet(t, httpSrv.URL+"/bucket/dir/hello.txt"), http.StatusNotFound, "NoSuchKey")
}

func TestPutObjectRejectsNonUTF8Key(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	RequireS3Error(t, DoPut(t, httpSrv.URL+"/bucket/k%FFz", WithContent([]byte("x"))), http.StatusBadRequest, "InvalidObjectName")

	resp := DoGet(t, httpSrv.URL+"/bucket?list-type=2")
	var result core.ListBucketResultV2
	DecodeXML(t, resp, &result)
	require.Zero(t, result.KeyCount)
	require.Empty(t, result.Contents)
}

func TestPutObjectDefaults(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithInMemory())
	MustCreateBucket(t, httpSrv, "bucket")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPut, httpSrv.URL+"/bucket/empty", nil)
	require.NoError(t, err)
	signRequest(t, req)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `"d41d8cd98f00b204e9800998ecf8427e"`, resp.Header.Get("ETag"))

	resp = DoHead(t, httpSrv.URL+"/bucket/empty")
	resp.Body.Close()
	require.Equal(t, "binary/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "0", resp.Header.Get("Content-Length"))
}

func TestPutObjectContentMD5(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	data := []byte("checked payload")
	sum := md5.Sum(data)
	good := base64.StdEncoding.EncodeToString(sum[:])
	MustPutObject(t, httpSrv, "bucket", "k", data, WithHeader("Content-MD5", good))

	wrong := md5.Sum([]byte("something else"))
	resp := DoPut(t, httpSrv.URL+"/bucket/k",
		WithContent([]byte("tampered")),
		WithHeader("Content-MD5", base64.StdEncoding.EncodeToString(wrong[:])),
	)
	RequireS3Error(t, resp, http.StatusBadRequest, "BadDigest")

	resp = DoPut(t, httpSrv.URL+"/bucket/k", WithContent(data), WithHeader("Content-MD5", "not base64!"))
	RequireS3Error(t, resp, http.StatusBadRequest, "InvalidDigest")

	// The failed writes left the first version in place.
	resp = DoGet(t, httpSrv.URL+"/bucket/k")
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutObjectNoSuchBucket(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	resp := DoPut(t, httpSrv.URL+"/missing/k", WithContent([]byte("data")))
	RequireS3Error(t, resp, http.StatusNotFound, "NoSuchBucket")
}

func TestErrorDocument(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	resp := DoGet(t, httpSrv.URL+"/bucket/missing.txt")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

	requestID := resp.Header.Get("X-Amz-Request-Id")
	require.Len(t, requestID, 16)

	got := DecodeS3Error(t, resp.Body)
	want := core.S3Error{
		XMLName:   xml.Name{Local: "Error"},
		Code:      "NoSuchKey",
		Message:   "The specified key does not exist.",
		Resource:  "/bucket/missing.txt",
		RequestID: requestID,
	}
	require.Empty(t, cmp.Diff(want, got))
}

func TestHeadErrorHasNoBody(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	resp := DoHead(t, httpSrv.URL+"/bucket/missing")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestRequestIDsAreUnique(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	seen := map[string]bool{}
	for range 10 {
		resp := DoGet(t, httpSrv.URL+"/")
		resp.Body.Close()
		id := resp.Header.Get("X-Amz-Request-Id")
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	resp := DoGet(t, httpSrv.URL+"/bucket", Unsigned())
	RequireS3Error(t, resp, http.StatusForbidden, "AccessDenied")

	resp = DoGet(t, httpSrv.URL+"/bucket", Unsigned(), WithHeader("Authorization", "Basic ZGVwb3Q6ZGVwb3Q="))
	RequireS3Error(t, resp, http.StatusBadRequest, "AuthorizationHeaderMalformed")

	// A request signed with an unknown key.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, httpSrv.URL+"/bucket", nil)
	require.NoError(t, err)
	req.Header.Set("X-Amz-Content-Sha256", auth.UnsignedPayload)
	creds := aws.Credentials{AccessKeyID: "someone", SecretAccessKey: "else"}
	require.NoError(t, v4.NewSigner().SignHTTP(t.Context(), creds, req, auth.UnsignedPayload, "s3", region, time.Now()))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	RequireS3Error(t, resp, http.StatusForbidden, "InvalidAccessKeyId")
}

func TestWrongSecretChangesNothing(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithMinPartSize(1))
	MustCreateBucket(t, httpSrv, "bucket")
	MustPutObject(t, httpSrv, "bucket", "kept", []byte("original"))

	var initiated core.InitiateMultipartUploadResult
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket/big?uploads"), &initiated)
	base := httpSrv.URL + "/bucket/big?uploadId=" + url.QueryEscape(initiated.UploadID)

	forged := SignedWith(AccessKeyID, "not-the-secret")
	RequireS3Error(t, DoPut(t, httpSrv.URL+"/bucket/kept", WithContent([]byte("forged")), forged), http.StatusForbidden, "SignatureDoesNotMatch")
	RequireS3Error(t, DoPut(t, httpSrv.URL+"/bucket/fresh", WithContent([]byte("forged")), forged), http.StatusForbidden, "SignatureDoesNotMatch")
	RequireS3Error(t, DoPut(t, httpSrv.URL+"/other", forged), http.StatusForbidden, "SignatureDoesNotMatch")
	RequireS3Error(t, DoPut(t, base+"&partNumber=1", WithContent([]byte("forged")), forged), http.StatusForbidden, "SignatureDoesNotMatch")

	resp := DoGet(t, httpSrv.URL+"/bucket/kept")
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "original", string(got))

	resp = DoHead(t, httpSrv.URL+"/bucket/fresh")
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var buckets core.ListAllMyBucketsResult
	DecodeXML(t, DoGet(t, httpSrv.URL+"/"), &buckets)
	require.Len(t, buckets.Buckets, 1)
	require.Equal(t, "bucket", buckets.Buckets[0].Name)

	var parts core.ListPartsResult
	DecodeXML(t, DoGet(t, base), &parts)
	require.Empty(t, parts.Parts)
}

func TestCustomCredentials(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithCredentials(auth.Credential{AccessKeyID: "other", SecretAccessKey: "secret"}))

	// The default key is only used when no credentials are configured.
	RequireS3Error(t, DoGet(t, httpSrv.URL+"/"), http.StatusForbidden, "InvalidAccessKeyId")
}

func TestPresignedGetObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")
	MustPutObject(t, httpSrv, "bucket", "shared.txt", []byte("shared"))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, httpSrv.URL+"/bucket/shared.txt?X-Amz-Expires=300", nil)
	require.NoError(t, err)
	creds := aws.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey}
	uri, _, err := v4.NewSigner().PresignHTTP(t.Context(), creds, req, auth.UnsignedPayload, "s3", region, time.Now())
	require.NoError(t, err)

	resp := DoGet(t, uri, Unsigned())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "shared", string(got))
}

func TestGetObjectRange(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i % 251)
	}
	MustPutObject(t, httpSrv, "bucket", "blob", data)

	tests := []struct {
		name         string
		header       string
		status       int
		contentRange string
		want         []byte
	}{
		{name: "closed", header: "bytes=0-99", status: http.StatusPartialContent, contentRange: "bytes 0-99/500", want: data[:100]},
		{name: "open", header: "bytes=450-", status: http.StatusPartialContent, contentRange: "bytes 450-499/500", want: data[450:]},
		{name: "suffix", header: "bytes=-10", status: http.StatusPartialContent, contentRange: "bytes 490-499/500", want: data[490:]},
		{name: "clamped end", header: "bytes=400-9999", status: http.StatusPartialContent, contentRange: "bytes 400-499/500", want: data[400:]},
		{name: "multi range ignored", header: "bytes=0-1,5-6", status: http.StatusOK, want: data},
		{name: "garbage ignored", header: "pages=1-2", status: http.StatusOK, want: data},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := DoGet(t, httpSrv.URL+"/bucket/blob", WithHeader("Range", tt.header))
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.contentRange, resp.Header.Get("Content-Range"))
			require.Equal(t, fmt.Sprint(len(tt.want)), resp.Header.Get("Content-Length"))

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	resp := DoGet(t, httpSrv.URL+"/bucket/blob", WithHeader("Range", "bytes=1000-2000"))
	RequireS3Error(t, resp, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
}

func TestCopyObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "src")
	MustCreateBucket(t, httpSrv, "dst")

	data := []byte("copy me")
	MustPutObject(t, httpSrv, "src", "a-b.txt", data,
		WithContentType("text/plain"),
		WithHeader("X-Amz-Meta-Origin", "source"),
	)

	var result core.CopyObjectResult
	DecodeXML(t, DoPut(t, httpSrv.URL+"/dst/copy.txt", WithHeader("X-Amz-Copy-Source", "/src/a%2Db.txt")), &result)
	require.Equal(t, `"`+md5Hex(data)+`"`, result.ETag)
	require.NotEmpty(t, result.LastModified)

	resp := DoGet(t, httpSrv.URL+"/dst/copy.txt")
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "source", resp.Header.Get("X-Amz-Meta-Origin"))

	// REPLACE takes the attributes from the request.
	DecodeXML(t, DoPut(t, httpSrv.URL+"/dst/replaced.txt",
		WithHeader("X-Amz-Copy-Source", "src/a-b.txt?versionId=null"),
		WithHeader("X-Amz-Metadata-Directive", "REPLACE"),
		WithHeader("X-Amz-Meta-Origin", "replaced"),
		WithContentType("application/json"),
	), &result)

	resp = DoHead(t, httpSrv.URL+"/dst/replaced.txt")
	resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, "replaced", resp.Header.Get("X-Amz-Meta-Origin"))

	resp = DoPut(t, httpSrv.URL+"/dst/x", WithHeader("X-Amz-Copy-Source", "/src/missing"))
	RequireS3Error(t, resp, http.StatusNotFound, "NoSuchKey")

	resp = DoPut(t, httpSrv.URL+"/dst/x", WithHeader("X-Amz-Copy-Source", "/nobucket/k"))
	RequireS3Error(t, resp, http.StatusNotFound, "NoSuchBucket")

	resp = DoPut(t, httpSrv.URL+"/dst/x", WithHeader("X-Amz-Copy-Source", "just-a-bucket"))
	RequireS3Error(t, resp, http.StatusBadRequest, "InvalidArgument")

	resp = DoPut(t, httpSrv.URL+"/dst/x", WithHeader("X-Amz-Copy-Source", "/src/a%2Db.txt"), WithHeader("X-Amz-Metadata-Directive", "MERGE"))
	RequireS3Error(t, resp, http.StatusBadRequest, "InvalidArgument")

	resp = DoPut(t, httpSrv.URL+"/src/a-b.txt", WithHeader("X-Amz-Copy-Source", "/src/a%2Db.txt"))
	RequireS3Error(t, resp, http.StatusBadRequest, "InvalidRequest")
}

func TestListObjects(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")
	for _, key := range []string{"a/1", "a/2", "b", "c/x/1", "c/y", "d"} {
		MustPutObject(t, httpSrv, "bucket", key, []byte(key))
	}

	keys := func(summaries []core.ObjectSummary) []string {
		var out []string
		for _, s := range summaries {
			out = append(out, s.Key)
		}
		return out
	}
	prefixes := func(cps []core.CommonPrefix) []string {
		var out []string
		for _, p := range cps {
			out = append(out, p.Prefix)
		}
		return out
	}

	var v1 core.ListBucketResult
	DecodeXML(t, DoGet(t, httpSrv.URL+"/bucket?delimiter=/"), &v1)
	require.Equal(t, []string{"b", "d"}, keys(v1.Contents))
	require.Equal(t, []string{"a/", "c/"}, prefixes(v1.CommonPrefixes))
	require.False(t, v1.IsTruncated)
	require.Equal(t, 1000, v1.MaxKeys)

	v1 = core.ListBucketResult{}
	DecodeXML(t, DoGet(t, httpSrv.URL+"/bucket?max-keys=2&marker=a/1"), &v1)
	require.Equal(t, []string{"a/2", "b"}, keys(v1.Contents))
	require.True(t, v1.IsTruncated)
	require.Equal(t, "b", v1.NextMarker)
	require.Equal(t, "a/1", v1.Marker)

	var v2 core.ListBucketResultV2
	DecodeXML(t, DoGet(t, httpSrv.URL+"/bucket?list-type=2&prefix=c/&delimiter=/"), &v2)
	require.Equal(t, []string{"c/y"}, keys(v2.Contents))
	require.Equal(t, []string{"c/x/"}, prefixes(v2.CommonPrefixes))
	require.Equal(t, 2, v2.KeyCount)

	entry := v2.Contents[0]
	require.Equal(t, core.ObjectSummary{
		Key:          "c/y",
		LastModified: entry.LastModified,
		ETag:         `"` + md5Hex([]byte("c/y")) + `"`,
		Size:         3,
		StorageClass: "STANDARD",
	}, entry)

	RequireS3Error(t, DoGet(t, httpSrv.URL+"/bucket?max-keys=-1"), http.StatusBadRequest, "InvalidArgument")
	RequireS3Error(t, DoGet(t, httpSrv.URL+"/bucket?max-keys=ten"), http.StatusBadRequest, "InvalidArgument")
	RequireS3Error(t, DoGet(t, httpSrv.URL+"/missing?list-type=2"), http.StatusNotFound, "NoSuchBucket")
}

func TestListObjectsV2Pagination(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	var want []string
	for i := range 7 {
		key := fmt.Sprintf("obj-%02d", i)
		want = append(want, key)
		MustPutObject(t, httpSrv, "bucket", key, []byte(key))
	}

	var got []string
	token := ""
	pages := 0
	for {
		target := httpSrv.URL + "/bucket?list-type=2&max-keys=3"
		if token != "" {
			target += "&continuation-token=" + url.QueryEscape(token)
		}

		var page core.ListBucketResultV2
		DecodeXML(t, DoGet(t, target), &page)
		pages++
		require.Equal(t, token, page.ContinuationToken)
		for _, c := range page.Contents {
			got = append(got, c.Key)
		}
		if !page.IsTruncated {
			require.Empty(t, page.NextContinuationToken)
			break
		}
		require.NotEmpty(t, page.NextContinuationToken)
		token = page.NextContinuationToken
	}

	require.Equal(t, 3, pages)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("listed keys mismatch (-want +got):\n%s", diff)
	}

	resp := DoGet(t, httpSrv.URL+"/bucket?list-type=2&continuation-token=%25%25%25")
	RequireS3Error(t, resp, http.StatusBadRequest, "InvalidArgument")
}

func TestDeleteObjects(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")
	for _, key := range []string{"one", "two", "three"} {
		MustPutObject(t, httpSrv, "bucket", key, []byte(key))
	}

	req := core.Delete{Objects: []core.ObjectIdentifier{{Key: "one"}, {Key: "missing"}, {Key: ""}}}
	var result core.DeleteResult
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket?delete", WithXMLBody(t, req)), &result)

	var deleted []string
	for _, d := range result.Deleted {
		deleted = append(deleted, d.Key)
	}
	require.Equal(t, []string{"one", "missing"}, deleted)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "InvalidObjectName", result.Errors[0].Code)

	quiet := core.Delete{Quiet: true, Objects: []core.ObjectIdentifier{{Key: "two"}}}
	result = core.DeleteResult{}
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket?delete", WithXMLBody(t, quiet)), &result)
	require.Empty(t, result.Deleted)
	require.Empty(t, result.Errors)

	var list core.ListBucketResultV2
	DecodeXML(t, DoGet(t, httpSrv.URL+"/bucket?list-type=2"), &list)
	require.Len(t, list.Contents, 1)
	require.Equal(t, "three", list.Contents[0].Key)

	resp := DoPost(t, httpSrv.URL+"/bucket?delete", WithContent([]byte("<Delete><Object>")), WithContentType("application/xml"))
	RequireS3Error(t, resp, http.StatusBadRequest, "MalformedXML")

	resp = DoPost(t, httpSrv.URL+"/missing?delete", WithXMLBody(t, quiet))
	RequireS3Error(t, resp, http.StatusNotFound, "NoSuchBucket")
}

func TestGetBucketLocation(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	var loc core.LocationConstraint
	DecodeXML(t, DoGet(t, httpSrv.URL+"/bucket?location"), &loc)
	require.Empty(t, loc.Region)

	RequireS3Error(t, DoGet(t, httpSrv.URL+"/missing?location"), http.StatusNotFound, "NoSuchBucket")
}

func TestUnsupportedRoutes(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	tests := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodPost, "/", http.StatusBadRequest, "InvalidRequest"},
		{http.MethodPost, "/bucket", http.StatusBadRequest, "InvalidRequest"},
		{http.MethodPatch, "/bucket/key", http.StatusBadRequest, "InvalidRequest"},
		{http.MethodGet, "/bucket?acl", http.StatusNotImplemented, "NotImplemented"},
		{http.MethodPut, "/bucket?tagging", http.StatusNotImplemented, "NotImplemented"},
		{http.MethodGet, "/bucket/key?tagging", http.StatusNotImplemented, "NotImplemented"},
		{http.MethodGet, "/bucket?versions", http.StatusNotImplemented, "NotImplemented"},
	}

	for _, tt := range tests {
		resp := DoMethod(t, tt.method, httpSrv.URL+tt.path)
		RequireS3Error(t, resp, tt.status, tt.code)
	}
}

func TestMultipartUploadOverHTTP(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithMinPartSize(4))
	MustCreateBucket(t, httpSrv, "bucket")

	var initiated core.InitiateMultipartUploadResult
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket/big?uploads", WithContentType("text/plain")), &initiated)
	require.Equal(t, "bucket", initiated.Bucket)
	require.Equal(t, "big", initiated.Key)
	require.NotEmpty(t, initiated.UploadID)
	base := httpSrv.URL + "/bucket/big?uploadId=" + url.QueryEscape(initiated.UploadID)

	parts := [][]byte{[]byte("first-"), []byte("second-"), []byte("end")}
	var complete core.CompleteMultipartUpload
	for i, data := range parts {
		resp := DoPut(t, fmt.Sprintf("%s&partNumber=%d", base, i+1), WithContent(data))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		etag := resp.Header.Get("ETag")
		require.Equal(t, `"`+md5Hex(data)+`"`, etag)
		complete.Parts = append(complete.Parts, core.CompletePart{PartNumber: i + 1, ETag: etag})
	}

	var listed core.ListPartsResult
	DecodeXML(t, DoGet(t, base+"&max-parts=2"), &listed)
	require.Len(t, listed.Parts, 2)
	require.True(t, listed.IsTruncated)
	require.Equal(t, 2, listed.NextPartNumberMarker)

	listed = core.ListPartsResult{}
	DecodeXML(t, DoGet(t, base+"&part-number-marker=2"), &listed)
	require.Len(t, listed.Parts, 1)
	require.Equal(t, 3, listed.Parts[0].PartNumber)
	require.Equal(t, int64(3), listed.Parts[0].Size)

	var uploads core.ListMultipartUploadsResult
	DecodeXML(t, DoGet(t, httpSrv.URL+"/bucket?uploads"), &uploads)
	require.Len(t, uploads.Uploads, 1)
	require.Equal(t, initiated.UploadID, uploads.Uploads[0].UploadID)

	// Out of order parts are refused and the upload stays usable.
	reversed := core.CompleteMultipartUpload{Parts: []core.CompletePart{complete.Parts[1], complete.Parts[0]}}
	RequireS3Error(t, DoPost(t, base, WithXMLBody(t, reversed)), http.StatusBadRequest, "InvalidPartOrder")

	var done core.CompleteMultipartUploadResult
	DecodeXML(t, DoPost(t, base, WithXMLBody(t, complete)), &done)
	require.True(t, strings.HasSuffix(done.ETag, `-3"`), "composite ETag %s", done.ETag)

	resp := DoGet(t, httpSrv.URL+"/bucket/big")
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "first-second-end", string(got))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, done.ETag, resp.Header.Get("ETag"))

	RequireS3Error(t, DoPost(t, base, WithXMLBody(t, complete)), http.StatusNotFound, "NoSuchUpload")
	RequireS3Error(t, DoPut(t, base+"&partNumber=0", WithContent([]byte("x"))), http.StatusBadRequest, "InvalidArgument")
}

func TestDeleteBucketAbortsUploads(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	MustCreateBucket(t, httpSrv, "bucket")

	var initiated core.InitiateMultipartUploadResult
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket/k?uploads"), &initiated)

	resp := DoDelete(t, httpSrv.URL+"/bucket")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := os.Stat(filepath.Join(srv.Config.DataDir, ".depot", "uploads", initiated.UploadID))
	require.True(t, os.IsNotExist(err), "staging area should be gone, stat: %v", err)

	MustCreateBucket(t, httpSrv, "bucket")
	resp = DoPut(t, httpSrv.URL+"/bucket/k?partNumber=1&uploadId="+url.QueryEscape(initiated.UploadID), WithContent([]byte("x")))
	RequireS3Error(t, resp, http.StatusNotFound, "NoSuchUpload")
}

func TestServerRestartKeepsState(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	first, err := core.NewServer(t.Context(), core.NewConfig(core.WithDataDir(dataDir), core.WithMinPartSize(1)))
	require.NoError(t, err)
	httpSrv := httptest.NewServer(first.Handler())

	MustCreateBucket(t, httpSrv, "bucket")
	MustPutObject(t, httpSrv, "bucket", "kept", []byte("kept"))
	var initiated core.InitiateMultipartUploadResult
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket/pending?uploads"), &initiated)
	resp := DoPut(t, httpSrv.URL+"/bucket/pending?partNumber=1&uploadId="+url.QueryEscape(initiated.UploadID), WithContent([]byte("part")))
	resp.Body.Close()
	etag := resp.Header.Get("ETag")

	httpSrv.Close()
	require.NoError(t, first.Close())

	_, httpSrv = NewTestServer(t, core.WithDataDir(dataDir), core.WithMinPartSize(1))

	resp = DoGet(t, httpSrv.URL+"/bucket/kept")
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "kept", string(got))

	complete := core.CompleteMultipartUpload{Parts: []core.CompletePart{{PartNumber: 1, ETag: etag}}}
	var done core.CompleteMultipartUploadResult
	DecodeXML(t, DoPost(t, httpSrv.URL+"/bucket/pending?uploadId="+url.QueryEscape(initiated.UploadID), WithXMLBody(t, complete)), &done)
	require.Equal(t, "pending", done.Key)
}

// newMinioClient creates a MinIO client configured to talk to the test
// server using path-style bucket lookup and the default credentials.
func newMinioClient(t *testing.T, httpSrv *httptest.Server) *minio.Client {
	t.Helper()

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(AccessKeyID, SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating MinIO client")

	return client
}

func newMinioCore(t *testing.T, httpSrv *httptest.Server) *minio.Core {
	t.Helper()

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")

	coreClient, err := minio.NewCore(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(AccessKeyID, SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating MinIO Core client")

	return coreClient
}

// TestMultipartUploadUsingMinioClient verifies that a large object uploaded
// via the MinIO Go client goes through multipart upload and can be read back
// intact.
func TestMultipartUploadUsingMinioClient(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	client := newMinioClient(t, httpSrv)
	ctx := t.Context()

	const (
		bucket = "minio-multipart-bucket"
		object = "large-object.bin"
	)

	err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
	require.NoError(t, err, "MakeBucket via MinIO client")

	// minio-go switches to multipart above 16MiB.
	size := int64(20 * 1024 * 1024)
	data := bytes.Repeat([]byte("0123456789abcdef"), int(size/16))

	putInfo, err := client.PutObject(ctx, bucket, object, bytes.NewReader(data), size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err, "PutObject via MinIO client")
	require.Equal(t, size, putInfo.Size, "uploaded size")

	stat, err := client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	require.NoError(t, err, "StatObject via MinIO client")
	require.Equal(t, size, stat.Size)
	require.True(t, strings.HasSuffix(stat.ETag, "-2"), "multipart ETag %s", stat.ETag)

	obj, err := client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	require.NoError(t, err, "GetObject via MinIO client")
	defer obj.Close()

	got, err := io.ReadAll(obj)
	require.NoError(t, err, "reading object data")
	require.Equal(t, data, got, "round-trip multipart payload mismatch")
}

func TestListAndRemoveUsingMinioClient(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithInMemory())
	client := newMinioClient(t, httpSrv)
	ctx := t.Context()

	require.NoError(t, client.MakeBucket(ctx, "listing", minio.MakeBucketOptions{Region: region}))

	var want []string
	for i := range 5 {
		key := fmt.Sprintf("dir/file-%d.txt", i)
		want = append(want, key)
		_, err := client.PutObject(ctx, "listing", key, strings.NewReader(key), int64(len(key)), minio.PutObjectOptions{})
		require.NoError(t, err)
	}

	var got []string
	for info := range client.ListObjects(ctx, "listing", minio.ListObjectsOptions{Prefix: "dir/", Recursive: true, MaxKeys: 2}) {
		require.NoError(t, info.Err)
		got = append(got, info.Key)
	}
	require.Equal(t, want, got)

	objectsCh := make(chan minio.ObjectInfo, len(want))
	for _, key := range want {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)
	for rerr := range client.RemoveObjects(ctx, "listing", objectsCh, minio.RemoveObjectsOptions{}) {
		require.NoError(t, rerr.Err, "removing %s", rerr.ObjectName)
	}

	require.NoError(t, client.RemoveBucket(ctx, "listing"))

	exists, err := client.BucketExists(ctx, "listing")
	require.NoError(t, err)
	require.False(t, exists)
}

// TestAbortMultipartUploadUsingMinioCore verifies that aborting a multipart
// upload removes its staging directory.
func TestAbortMultipartUploadUsingMinioCore(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	ctx := t.Context()
	coreClient := newMinioCore(t, httpSrv)

	const (
		bucket = "minio-abort-multipart-bucket"
		object = "multipart-object.bin"
	)

	client := newMinioClient(t, httpSrv)
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}), "MakeBucket via MinIO client")

	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err, "NewMultipartUpload via MinIO Core")
	require.NotEmpty(t, uploadID, "uploadID should not be empty")

	data := []byte("staged part")
	_, err = coreClient.PutObjectPart(ctx, bucket, object, uploadID, 1, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	require.NoError(t, err, "PutObjectPart via MinIO Core")

	uploadDir := filepath.Join(srv.Config.DataDir, ".depot", "uploads", uploadID)
	_, err = os.Stat(uploadDir)
	require.NoError(t, err, "upload directory should exist while the upload is open")

	require.NoError(t, coreClient.AbortMultipartUpload(ctx, bucket, object, uploadID), "AbortMultipartUpload via MinIO Core")

	_, err = os.Stat(uploadDir)
	require.True(t, os.IsNotExist(err), "expected upload directory to not exist after abort")

	err = coreClient.AbortMultipartUpload(ctx, bucket, object, uploadID)
	require.Error(t, err)
	require.Equal(t, "NoSuchUpload", minio.ToErrorResponse(err).Code)
}

// TestExplicitMultipartUploadUsingMinioCore performs a full multipart upload
// through the MinIO Core API and reads the result back with a plain GET.
func TestExplicitMultipartUploadUsingMinioCore(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithMinPartSize(1<<20))
	ctx := t.Context()
	coreClient := newMinioCore(t, httpSrv)

	const (
		bucket = "minio-core-multipart-bucket"
		object = "core-multipart-object.bin"
	)

	client := newMinioClient(t, httpSrv)
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}), "MakeBucket via MinIO client")

	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err, "NewMultipartUpload via MinIO Core")

	partData := [][]byte{
		bytes.Repeat([]byte("AAAA"), 256*1024),
		bytes.Repeat([]byte("BBBB"), 256*1024),
		bytes.Repeat([]byte("CCCC"), 128*1024),
	}

	var full bytes.Buffer
	var parts []minio.CompletePart

	for i, data := range partData {
		partNumber := i + 1
		full.Write(data)

		objPart, err := coreClient.PutObjectPart(ctx, bucket, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		require.NoErrorf(t, err, "PutObjectPart via MinIO Core for part %d", partNumber)

		parts = append(parts, minio.CompletePart{
			PartNumber: partNumber,
			ETag:       objPart.ETag,
		})
	}

	_, err = coreClient.CompleteMultipartUpload(ctx, bucket, object, uploadID, parts, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err, "CompleteMultipartUpload via MinIO Core")

	resp := DoGet(t, httpSrv.URL+"/"+bucket+"/"+object)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET completed multipart object status")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading completed multipart object")
	require.Equal(t, full.Bytes(), got, "completed multipart object payload mismatch")
}

func newS3Client(httpSrv *httptest.Server) *s3.Client {
	return s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(httpSrv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: AccessKeyID, SecretAccessKey: SecretAccessKey}, nil
		}),
	})
}

func TestAWSSDKClient(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithInMemory())
	client := newS3Client(httpSrv)
	ctx := t.Context()

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("sdk")})
	require.NoError(t, err, "CreateBucket")

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String("sdk"),
		Key:         aws.String("greeting.txt"),
		Body:        strings.NewReader("hello from the sdk"),
		ContentType: aws.String("text/plain"),
		Metadata:    map[string]string{"lang": "en"},
	})
	require.NoError(t, err, "PutObject")

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("sdk"),
		Key:    aws.String("greeting.txt"),
		Range:  aws.String("bytes=6-9"),
	})
	require.NoError(t, err, "GetObject")
	defer out.Body.Close()
	got, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	require.Equal(t, "from", string(got))
	require.Equal(t, "bytes 6-9/18", aws.ToString(out.ContentRange))
	require.Equal(t, "en", out.Metadata["lang"])

	list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String("sdk")})
	require.NoError(t, err, "ListObjectsV2")
	require.Len(t, list.Contents, 1)
	require.Equal(t, "greeting.txt", aws.ToString(list.Contents[0].Key))

	_, err = client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("sdk"), Key: aws.String("missing")})
	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr), "expected an API error, got %v", err)
	require.Equal(t, "NoSuchKey", apiErr.ErrorCode())

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("sdk")})
	require.True(t, errors.As(err, &apiErr), "expected an API error, got %v", err)
	require.Equal(t, "BucketAlreadyExists", apiErr.ErrorCode())
}
