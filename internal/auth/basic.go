package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"depot/internal/s3err"
)

const (
	BasicAuthPrefix = "Basic "
)

// BasicAuthEngine accepts HTTP Basic credentials of the form
// accessKeyID:secretAccessKey. It guards the HTML browser, where requests
// come from a web browser rather than an S3 client.
type BasicAuthEngine struct {
	secrets map[string]string
}

// NewBasicAuthEngine creates an engine accepting the given credentials.
// Without credentials the default key pair is installed.
func NewBasicAuthEngine(creds ...Credential) *BasicAuthEngine {
	if len(creds) == 0 {
		creds = []Credential{{AccessKeyID: DefaultAccessKeyID, SecretAccessKey: DefaultSecretAccessKey}}
	}
	secrets := make(map[string]string, len(creds))
	for _, c := range creds {
		secrets[c.AccessKeyID] = c.SecretAccessKey
	}
	return &BasicAuthEngine{secrets: secrets}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, s3err.ErrAccessDenied
	}
	if !strings.HasPrefix(auth, BasicAuthPrefix) {
		return nil, s3err.ErrAuthorizationHeaderMalformed
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(BasicAuthPrefix):]))
	if err != nil {
		return nil, s3err.ErrAuthorizationHeaderMalformed
	}

	id, secret, ok := strings.Cut(string(payload), ":")
	if !ok {
		return nil, s3err.ErrAuthorizationHeaderMalformed
	}

	want, known := e.secrets[id]
	if !known {
		return nil, s3err.ErrInvalidAccessKeyID
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(want)) != 1 {
		return nil, s3err.ErrSignatureDoesNotMatch
	}
	return &User{AccessKeyID: id}, nil
}
