package auth

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"depot/internal/s3err"
)

// presignMethods are the methods a presigned URL may be issued for.
var presignMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Presigner issues presigned URLs.
type Presigner interface {
	Presign(method string, u *url.URL, accessKeyID string, expires time.Duration) (*url.URL, error)
}

// Presign returns a copy of u carrying SigV4 query authentication for a
// request of the given method, signed with the secret of accessKeyID and
// valid for expires. u must be absolute: its host is signed.
func (e *AwsHmacAuthEngine) Presign(method string, u *url.URL, accessKeyID string, expires time.Duration) (*url.URL, error) {
	if !presignMethods[method] {
		return nil, s3err.ErrInvalidArgument.WithMessage(fmt.Sprintf("Cannot presign a %s request.", method))
	}
	secret, ok := e.secrets[accessKeyID]
	if !ok {
		return nil, s3err.ErrInvalidAccessKeyID
	}
	if expires < time.Second || expires > maxPresignExpiry {
		return nil, s3err.ErrInvalidArgument.WithMessage("Expires must be between 1 and 604800 seconds.")
	}
	if u.Host == "" {
		return nil, s3err.ErrInvalidArgument.WithMessage("A presigned URL needs a host.")
	}

	now := e.now().UTC()
	amzDate := now.Format(amzDateFormat)
	cred := credentialScope{
		accessKeyID: accessKeyID,
		dateStamp:   now.Format(dateStampFormat),
		region:      e.Region,
		service:     e.Service,
	}
	scope := cred.String()

	signed := *u
	query := signed.Query()
	query.Del("X-Amz-Signature")
	query.Set("X-Amz-Algorithm", signingAlgorithm)
	query.Set("X-Amz-Credential", accessKeyID+"/"+scope)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.FormatInt(int64(expires/time.Second), 10))
	query.Set("X-Amz-SignedHeaders", "host")
	signed.RawQuery = query.Encode()

	req := &http.Request{Method: method, URL: &signed, Host: signed.Host, Header: http.Header{}}
	key := SigningKey(secret, cred.dateStamp, cred.region, cred.service)
	canonicalReq := BuildCanonicalRequest(req, []string{"host"}, UnsignedPayload)
	signature := HmacSHA256(key, stringToSign(amzDate, scope, canonicalReq))

	query.Set("X-Amz-Signature", hex.EncodeToString(signature))
	signed.RawQuery = query.Encode()
	return &signed, nil
}
