package objects

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	bucketMarker = ".bucket"
	metaSuffix   = ".meta"
)

// Regex for validating S3 bucket names.
// matches lowercase letters, digits, dots, and hyphens,
// must start and end with a letter or digit, and must be between 3 and 63 characters long.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func ValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}
	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// ValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes of UTF-8, and no control characters.
func ValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 || !utf8.ValidString(key) {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// objectBase is the storage name shared by the sidecar and the content
// versions of key. Keys are hashed so arbitrary key bytes never reach the
// filesystem.
func objectBase(bucket string, key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return bucket + "/" + h[:2] + "/" + h
}

func sidecarName(bucket string, key string) string {
	return objectBase(bucket, key) + metaSuffix
}

func contentName(bucket string, key string, version string) string {
	return objectBase(bucket, key) + "." + version
}

func bucketMarkerName(bucket string) string {
	return bucket + "/" + bucketMarker
}
