// Command depot-smoke drives a depot server through the common S3 calls
// with the MinIO client. Without DEPOT_ENDPOINT it starts an in-memory
// server of its own.
package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"

	"depot/internal/auth"
	"depot/internal/core"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName    = "smoke-bucket"
	OtherBucket   = "smoke-other-bucket"
	ObjectName    = "greeting.txt"
	ObjectContent = "Hello from depot!\n"
	NestedObject  = "home/reports/2024/summary.txt"

	// partSize is the smallest part size a default server accepts.
	partSize = 5 << 20
)

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: auth.DefaultRegion}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

// UploadFile uploads an object to the specified bucket.
func UploadFile(ctx context.Context, client *minio.Client, bucketName string, objectName string, content []byte) error {
	_, err := client.PutObject(ctx, bucketName, objectName, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "text/plain",
		UserMetadata: map[string]string{"origin": "depot-smoke"},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", objectName, bucketName, err)
	}

	slog.Info("Uploaded object to bucket", "object", objectName, "bucket", bucketName)
	return nil
}

// VerifyObject reads an object back and compares it with want.
func VerifyObject(ctx context.Context, client *minio.Client, bucketName string, objectName string, want []byte) error {
	obj, err := client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object %q: %w", objectName, err)
	}
	defer obj.Close()

	got, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("failed to read object %q: %w", objectName, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("object %q: read %d bytes that differ from the %d uploaded", objectName, len(got), len(want))
	}

	slog.Info("Verified object", "object", objectName, "bucket", bucketName, "size", len(got))
	return nil
}

// VerifyRange reads a byte range of an object.
func VerifyRange(ctx context.Context, client *minio.Client, bucketName string, objectName string, start int64, end int64, want []byte) error {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return err
	}
	obj, err := client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return fmt.Errorf("failed to get range of %q: %w", objectName, err)
	}
	defer obj.Close()

	got, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("failed to read range of %q: %w", objectName, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("range %d-%d of %q is %q, want %q", start, end, objectName, got, want)
	}
	return nil
}

// ListBucketObjects lists all objects in the specified bucket.
func ListBucketObjects(ctx context.Context, client *minio.Client, bucketName string) ([]string, error) {
	var keys []string
	for objectInfo := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if objectInfo.Err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, objectInfo.Err)
		}
		slog.Info("Object in bucket", "bucket", bucketName, "key", objectInfo.Key, "size", objectInfo.Size)
		keys = append(keys, objectInfo.Key)
	}
	return keys, nil
}

func CopyObject(ctx context.Context, client *minio.Client, srcBucket string, srcObject string, destBucket string, destObject string) error {
	copySrc := minio.CopySrcOptions{Bucket: srcBucket, Object: srcObject}
	copyDst := minio.CopyDestOptions{Bucket: destBucket, Object: destObject}
	if _, err := client.CopyObject(ctx, copyDst, copySrc); err != nil {
		return fmt.Errorf("failed to copy object from %q/%q to %q/%q: %w", srcBucket, srcObject, destBucket, destObject, err)
	}
	slog.Info("Copied object", "source_object", srcObject, "dest_object", destObject, "source_bucket", srcBucket, "dest_bucket", destBucket)
	return nil
}

// MultipartUpload uploads three parts with the low-level Core client,
// completes them, and checks the composite ETag.
func MultipartUpload(ctx context.Context, coreClient *minio.Core, bucket string, object string) ([]byte, error) {
	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	log := slog.With("bucket", bucket, "object", object, "upload_id", uploadID)
	log.Info("Started multipart upload")

	partData := [][]byte{
		bytes.Repeat([]byte("A"), partSize),
		bytes.Repeat([]byte("B"), partSize),
		bytes.Repeat([]byte("C"), 1024), // smaller last part
	}

	var (
		parts   []minio.CompletePart
		full    bytes.Buffer
		digests []byte
	)
	for i, data := range partData {
		partNumber := i + 1

		objPart, err := coreClient.PutObjectPart(ctx, bucket, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		parts = append(parts, minio.CompletePart{
			PartNumber: partNumber,
			ETag:       objPart.ETag,
		})
		full.Write(data)
		sum := md5.Sum(data)
		digests = append(digests, sum[:]...)
	}

	info, err := coreClient.CompleteMultipartUpload(ctx, bucket, object, uploadID, parts, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	composite := md5.Sum(digests)
	want := fmt.Sprintf("%s-%d", hex.EncodeToString(composite[:]), len(parts))
	if strings.Trim(info.ETag, `"`) != want {
		return nil, fmt.Errorf("multipart ETag is %s, want %s", info.ETag, want)
	}

	log.Info("Completed multipart upload", "total_size", full.Len(), "etag", want)
	return full.Bytes(), nil
}

// AbortedUpload checks that an aborted upload can no longer be used.
func AbortedUpload(ctx context.Context, coreClient *minio.Core, bucket string, object string) error {
	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}
	if err := coreClient.AbortMultipartUpload(ctx, bucket, object, uploadID); err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	data := []byte("too late")
	_, err = coreClient.PutObjectPart(ctx, bucket, object, uploadID, 1, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if code := minio.ToErrorResponse(err).Code; code != "NoSuchUpload" {
		return fmt.Errorf("part upload after abort: got %q (%v), want NoSuchUpload", code, err)
	}

	slog.Info("Aborted multipart upload", "bucket", bucket, "object", object, "upload_id", uploadID)
	return nil
}

// Cleanup removes every object of bucket and then the bucket.
func Cleanup(ctx context.Context, client *minio.Client, bucket string) error {
	objectsCh := client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true})
	for rerr := range client.RemoveObjects(ctx, bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		return fmt.Errorf("failed to remove %q: %w", rerr.ObjectName, rerr.Err)
	}
	if err := client.RemoveBucket(ctx, bucket); err != nil {
		return fmt.Errorf("failed to remove bucket %q: %w", bucket, err)
	}
	slog.Info("Removed bucket", "bucket", bucket)
	return nil
}

func Run(ctx context.Context, client *minio.Client, coreClient *minio.Core) error {
	if err := EnsureBucket(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	if err := EnsureBucket(ctx, client, OtherBucket); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err := UploadFile(ctx, client, BucketName, ObjectName, []byte(ObjectContent)); err != nil {
		return err
	}
	if err := VerifyObject(ctx, client, BucketName, ObjectName, []byte(ObjectContent)); err != nil {
		return err
	}
	if err := VerifyRange(ctx, client, BucketName, ObjectName, 6, 10, []byte("from ")); err != nil {
		return err
	}

	if err := CopyObject(ctx, client, BucketName, ObjectName, BucketName, NestedObject); err != nil {
		return err
	}
	if err := CopyObject(ctx, client, BucketName, NestedObject, OtherBucket, "copied/"+ObjectName); err != nil {
		return err
	}
	if err := VerifyObject(ctx, client, OtherBucket, "copied/"+ObjectName, []byte(ObjectContent)); err != nil {
		return err
	}

	keys, err := ListBucketObjects(ctx, client, BucketName)
	if err != nil {
		return err
	}
	if len(keys) != 2 {
		return fmt.Errorf("bucket %q lists %d objects, want 2", BucketName, len(keys))
	}

	data, err := MultipartUpload(ctx, coreClient, OtherBucket, "large.bin")
	if err != nil {
		return err
	}
	if err := VerifyObject(ctx, client, OtherBucket, "large.bin", data); err != nil {
		return err
	}
	if err := AbortedUpload(ctx, coreClient, OtherBucket, "aborted.bin"); err != nil {
		return err
	}

	_, err = client.StatObject(ctx, BucketName, "missing", minio.StatObjectOptions{})
	if code := minio.ToErrorResponse(err).Code; code != "NoSuchKey" {
		return fmt.Errorf("stat of missing object: got %q (%v), want NoSuchKey", code, err)
	}

	return errors.Join(Cleanup(ctx, client, BucketName), Cleanup(ctx, client, OtherBucket))
}

// localServer starts an in-memory depot and returns its address.
func localServer(ctx context.Context) (string, func(), error) {
	srv, err := core.NewServer(ctx, core.NewConfig(core.WithInMemory()))
	if err != nil {
		return "", nil, err
	}
	httpSrv := httptest.NewServer(srv.Handler())

	u, err := url.Parse(httpSrv.URL)
	if err != nil {
		httpSrv.Close()
		_ = srv.Close()
		return "", nil, err
	}
	return u.Host, func() {
		httpSrv.Close()
		_ = srv.Close()
	}, nil
}

func smoke(ctx context.Context) error {
	endpoint := getenv("DEPOT_ENDPOINT", "")
	accessKey := getenv("DEPOT_ACCESS_KEY", auth.DefaultAccessKeyID)
	secretKey := getenv("DEPOT_SECRET_KEY", auth.DefaultSecretAccessKey)

	if endpoint == "" {
		host, stop, err := localServer(ctx)
		if err != nil {
			return fmt.Errorf("failed to start local depot: %w", err)
		}
		defer stop()
		endpoint = host
		slog.Info("Started local in-memory depot", "endpoint", endpoint)
	}

	opts := &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       false,
		Region:       auth.DefaultRegion,
		BucketLookup: minio.BucketLookupPath,
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %w", err)
	}
	coreClient, err := minio.NewCore(endpoint, opts)
	if err != nil {
		return fmt.Errorf("failed to create MinIO core client: %w", err)
	}

	return Run(ctx, client, coreClient)
}

func main() {
	if err := smoke(context.Background()); err != nil {
		slog.Error("Smoke run failed", "err", err)
		os.Exit(1)
	}
	slog.Info("Smoke run passed")
}
