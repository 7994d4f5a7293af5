// Package auth verifies AWS Signature Version 4 requests against a static
// set of credentials and decodes signed request payloads.
package auth

import (
	"context"
	"net/http"
)

const (
	DefaultAccessKeyID     = "depotadmin"
	DefaultSecretAccessKey = "depotadmin"
)

// Credential is an access key pair. Credentials are fixed for the lifetime of
// the engine that holds them.
type Credential struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// User is the principal a request was authenticated as.
type User struct {
	AccessKeyID string

	// signing is kept for header-signed requests so that streaming chunk
	// signatures can be chained from the request signature.
	signing *signingContext
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for a valid
	// signature. It returns the authenticated User, or an *s3err.Error
	// describing why the request was rejected.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}
