package objects

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"

	"depot/internal/s3err"
)

const tokenVersion = "1:"

// EncodeContinuationToken wraps the last key or common prefix of a page into
// an opaque token.
func EncodeContinuationToken(last string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(tokenVersion + last))
}

// DecodeContinuationToken returns the resume point carried by token.
func DecodeContinuationToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", s3err.ErrInvalidContinuationToken
	}
	last, ok := strings.CutPrefix(string(raw), tokenVersion)
	if !ok {
		return "", s3err.ErrInvalidContinuationToken
	}
	return last, nil
}

// ListOptions selects a page of a bucket listing.
type ListOptions struct {
	Prefix    string
	Delimiter string

	// StartAfter is exclusive: the page begins with the first key or common
	// prefix sorting after it.
	StartAfter string

	MaxKeys int
}

// ListResult is one page of a listing. Last is the final key or common
// prefix in the page and is where the next page resumes.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool
	Last           string
}

// ListObjects returns keys in ascending byte order. With a delimiter, keys
// sharing the part of the key up to and including the first delimiter after
// the prefix are rolled up into one common prefix; keys and common prefixes
// together count against MaxKeys.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts ListOptions) (ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return ListResult{}, s3err.ErrNoSuchBucket
	}

	var res ListResult
	if opts.MaxKeys <= 0 {
		return res, nil
	}

	keys := b.keys
	i := sort.SearchStrings(keys, opts.Prefix)
	if opts.StartAfter != "" {
		j := sort.SearchStrings(keys, opts.StartAfter)
		if j < len(keys) && keys[j] == opts.StartAfter {
			j++
		}
		i = max(i, j)
	}

	count := 0
	for i < len(keys) {
		key := keys[i]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}

		if opts.Delimiter != "" {
			if idx := strings.Index(key[len(opts.Prefix):], opts.Delimiter); idx >= 0 {
				prefix := key[:len(opts.Prefix)+idx+len(opts.Delimiter)]

				// A prefix sorting at or before StartAfter was returned by an
				// earlier page.
				if prefix > opts.StartAfter {
					if count == opts.MaxKeys {
						res.IsTruncated = true
						break
					}
					res.CommonPrefixes = append(res.CommonPrefixes, prefix)
					res.Last = prefix
					count++
				}

				rest := keys[i:]
				i += sort.Search(len(rest), func(j int) bool {
					return !strings.HasPrefix(rest[j], prefix)
				})
				continue
			}
		}

		if count == opts.MaxKeys {
			res.IsTruncated = true
			break
		}
		res.Objects = append(res.Objects, *b.objects[key])
		res.Last = key
		count++
		i++
	}

	return res, nil
}
