package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"depot/internal/s3err"
)

const (
	AWSv4Prefix = "AWS4-HMAC-SHA256 "

	signingAlgorithm = "AWS4-HMAC-SHA256"
	scopeTerminator  = "aws4_request"
	amzDateFormat    = "20060102T150405Z"
	dateStampFormat  = "20060102"

	UnsignedPayload                 = "UNSIGNED-PAYLOAD"
	StreamingSignedPayload          = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	StreamingSignedPayloadTrailer   = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	StreamingUnsignedPayloadTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"

	DefaultRegion    = "us-east-1"
	DefaultService   = "s3"
	DefaultClockSkew = 15 * time.Minute

	maxPresignExpiry = 7 * 24 * time.Hour
)

// signingContext is what a verified request leaves behind for verifying the
// chunk signatures of a streaming payload.
type signingContext struct {
	key     []byte
	amzDate string
	scope   string
	seed    string
}

// AwsHmacAuthEngine authenticates requests signed with AWS Signature
// Version 4, either through the Authorization header or through presigned
// query parameters.
type AwsHmacAuthEngine struct {
	Region    string
	Service   string
	ClockSkew time.Duration
	Now       func() time.Time

	secrets map[string]string
}

// NewAwsHmacAuthEngine creates an engine accepting the given credentials for
// the given signing region. Without credentials the default key pair is
// installed.
func NewAwsHmacAuthEngine(region string, creds ...Credential) *AwsHmacAuthEngine {
	if region == "" {
		region = DefaultRegion
	}
	if len(creds) == 0 {
		creds = []Credential{{AccessKeyID: DefaultAccessKeyID, SecretAccessKey: DefaultSecretAccessKey}}
	}

	secrets := make(map[string]string, len(creds))
	for _, c := range creds {
		secrets[c.AccessKeyID] = c.SecretAccessKey
	}

	return &AwsHmacAuthEngine{
		Region:    region,
		Service:   DefaultService,
		ClockSkew: DefaultClockSkew,
		Now:       time.Now,
		secrets:   secrets,
	}
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// canonicalQueryString sorts the encoded query parameters, leaving out the
// signature of a presigned request.
func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	type pair struct{ key, value string }

	values := u.Query()
	pairs := make([]pair, 0, len(values))
	for k, vs := range values {
		if k == "X-Amz-Signature" {
			continue
		}
		encodedKey := awsURLEncode(k, true)
		for _, v := range vs {
			pairs = append(pairs, pair{encodedKey, awsURLEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

func headerValue(r *http.Request, name string) string {
	switch name {
	case "host":
		if r.Host != "" {
			return r.Host
		}
		return r.URL.Host
	case "content-length":
		if v := r.Header.Get("Content-Length"); v != "" {
			return v
		}
		if r.ContentLength > 0 {
			return strconv.FormatInt(r.ContentLength, 10)
		}
		return ""
	}

	values := r.Header.Values(name)
	for i, v := range values {
		values[i] = canonicalHeaderValue(v)
	}
	return strings.Join(values, ",")
}

// BuildCanonicalRequest renders the SigV4 canonical request for r.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := awsURLEncode(r.URL.Path, false)
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQS := canonicalQueryString(r.URL)

	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		if name := strings.ToLower(strings.TrimSpace(h)); name != "" {
			lowerNames = append(lowerNames, name)
		}
	}
	sort.Strings(lowerNames)

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(canonicalHeaderValue(headerValue(r, name)))
		hdrBuilder.WriteString("\n")
	}

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(hdrBuilder.String())
	b.WriteString("\n")
	b.WriteString(strings.Join(lowerNames, ";"))
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String()
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// SigningKey derives the SigV4 signing key for a date, region and service.
func SigningKey(secret string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, scopeTerminator)
}

func stringToSign(amzDate string, scope string, canonicalRequest string) string {
	return strings.Join([]string{
		signingAlgorithm,
		amzDate,
		scope,
		sha256Hex(canonicalRequest),
	}, "\n")
}

// credentialScope is the parsed form of "<key>/<date>/<region>/<service>/aws4_request".
type credentialScope struct {
	accessKeyID string
	dateStamp   string
	region      string
	service     string
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.dateStamp, c.region, c.service, scopeTerminator}, "/")
}

func parseCredential(s string, malformed *s3err.Error) (credentialScope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[4] != scopeTerminator {
		return credentialScope{}, malformed.WithMessage(fmt.Sprintf("The credential %q is not well-formed.", s))
	}
	for _, p := range parts {
		if p == "" {
			return credentialScope{}, malformed.WithMessage(fmt.Sprintf("The credential %q is not well-formed.", s))
		}
	}
	return credentialScope{
		accessKeyID: parts[0],
		dateStamp:   parts[1],
		region:      parts[2],
		service:     parts[3],
	}, nil
}

func parseSignedHeaders(s string, malformed *s3err.Error) ([]string, error) {
	names := strings.Split(s, ";")
	hasHost := false
	for _, n := range names {
		if n == "" || n != strings.ToLower(n) {
			return nil, malformed.WithMessage("SignedHeaders is not well-formed.")
		}
		if n == "host" {
			hasHost = true
		}
	}
	if !hasHost {
		return nil, malformed.WithMessage("SignedHeaders must include the host header.")
	}
	return names, nil
}

func validPayloadHash(v string) bool {
	switch v {
	case UnsignedPayload, StreamingSignedPayload, StreamingSignedPayloadTrailer, StreamingUnsignedPayloadTrailer:
		return true
	}
	if len(v) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}

func (e *AwsHmacAuthEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// verify checks the signature of r for the given parsed parameters and
// returns the signing context on success.
func (e *AwsHmacAuthEngine) verify(r *http.Request, cred credentialScope, signedHeaders []string, amzDate string, payloadHash string, signatureHex string, malformed *s3err.Error) (*signingContext, error) {
	secret, ok := e.secrets[cred.accessKeyID]
	if !ok {
		return nil, s3err.ErrInvalidAccessKeyID
	}
	if cred.region != e.Region {
		return nil, malformed.WithMessage(fmt.Sprintf("The authorization header is malformed; the region '%s' is wrong; expecting '%s'", cred.region, e.Region))
	}
	if cred.service != e.Service {
		return nil, malformed.WithMessage(fmt.Sprintf("The authorization header is malformed; incorrect service '%s'. This endpoint belongs to '%s'.", cred.service, e.Service))
	}
	if !strings.HasPrefix(amzDate, cred.dateStamp) {
		return nil, malformed.WithMessage(fmt.Sprintf("The authorization header is malformed; Invalid credential date %q. This date is not the same as X-Amz-Date: %q.", cred.dateStamp, amzDate[:len(dateStampFormat)]))
	}

	provided, err := hex.DecodeString(signatureHex)
	if err != nil || len(provided) != sha256.Size {
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	scope := cred.String()
	key := SigningKey(secret, cred.dateStamp, cred.region, cred.service)
	canonicalReq := BuildCanonicalRequest(r, signedHeaders, payloadHash)
	computed := HmacSHA256(key, stringToSign(amzDate, scope, canonicalReq))

	if !hmac.Equal(computed, provided) {
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	return &signingContext{
		key:     key,
		amzDate: amzDate,
		scope:   scope,
		seed:    hex.EncodeToString(computed),
	}, nil
}

// AuthenticateRequest verifies the SigV4 signature of r. Presigned query
// parameters take the place of the Authorization header when present.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	query := r.URL.Query()
	if query.Has("X-Amz-Algorithm") || query.Has("X-Amz-Signature") || query.Has("X-Amz-Credential") {
		if r.Header.Get("Authorization") != "" {
			return nil, s3err.ErrInvalidRequest.WithMessage("Only one auth mechanism allowed; only the X-Amz-Algorithm query parameter or the Authorization header should be specified")
		}
		return e.authenticatePresigned(r, query)
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, s3err.ErrAccessDenied
	}
	if !strings.HasPrefix(auth, AWSv4Prefix) {
		return nil, s3err.ErrAuthorizationHeaderMalformed.WithMessage("Unsupported authorization type; only AWS4-HMAC-SHA256 is accepted.")
	}

	params := strings.TrimSpace(strings.TrimPrefix(auth, AWSv4Prefix))
	kv := make(map[string]string, 3)
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			return nil, s3err.ErrAuthorizationHeaderMalformed
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, s3err.ErrAuthorizationHeaderMalformed
	}

	cred, err := parseCredential(credStr, s3err.ErrAuthorizationHeaderMalformed)
	if err != nil {
		return nil, err
	}
	signedHeaders, err := parseSignedHeaders(signedHeadersStr, s3err.ErrAuthorizationHeaderMalformed)
	if err != nil {
		return nil, err
	}

	amzDate := r.Header.Get("X-Amz-Date")
	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, s3err.ErrAccessDenied.WithMessage("AWS authentication requires a valid Date or x-amz-date header")
	}
	if skew := e.now().Sub(requestTime); skew > e.ClockSkew || skew < -e.ClockSkew {
		return nil, s3err.ErrRequestTimeTooSkewed
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, s3err.ErrMissingContentSHA256
	}
	if !validPayloadHash(payloadHash) {
		return nil, s3err.ErrInvalidContentSHA256Value
	}

	signing, err := e.verify(r, cred, signedHeaders, amzDate, payloadHash, signatureHex, s3err.ErrAuthorizationHeaderMalformed)
	if err != nil {
		return nil, err
	}

	return &User{AccessKeyID: cred.accessKeyID, signing: signing}, nil
}

func (e *AwsHmacAuthEngine) authenticatePresigned(r *http.Request, query url.Values) (*User, error) {
	malformed := s3err.ErrAuthorizationQueryParametersError

	if query.Get("X-Amz-Algorithm") != signingAlgorithm {
		return nil, malformed.WithMessage(`X-Amz-Algorithm only supports "AWS4-HMAC-SHA256"`)
	}

	credStr := query.Get("X-Amz-Credential")
	signedHeadersStr := query.Get("X-Amz-SignedHeaders")
	signatureHex := query.Get("X-Amz-Signature")
	amzDate := query.Get("X-Amz-Date")
	expiresStr := query.Get("X-Amz-Expires")
	if credStr == "" || signedHeadersStr == "" || signatureHex == "" || amzDate == "" || expiresStr == "" {
		return nil, malformed.WithMessage("Query-string authentication version 4 requires the X-Amz-Algorithm, X-Amz-Credential, X-Amz-Signature, X-Amz-Date, X-Amz-SignedHeaders, and X-Amz-Expires parameters.")
	}

	cred, err := parseCredential(credStr, malformed)
	if err != nil {
		return nil, err
	}
	signedHeaders, err := parseSignedHeaders(signedHeadersStr, malformed)
	if err != nil {
		return nil, err
	}

	expiresSeconds, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return nil, malformed.WithMessage("X-Amz-Expires should be a number")
	}
	if expiresSeconds < 0 {
		return nil, malformed.WithMessage("X-Amz-Expires must be non-negative")
	}
	expires := time.Duration(expiresSeconds) * time.Second
	if expires > maxPresignExpiry {
		return nil, malformed.WithMessage("X-Amz-Expires must be less than a week (in seconds) that is 604800")
	}

	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, malformed.WithMessage("X-Amz-Date must be in the ISO8601 Long Format \"yyyyMMdd'T'HHmmss'Z'\"")
	}

	now := e.now()
	if requestTime.Sub(now) > e.ClockSkew {
		return nil, s3err.ErrAccessDenied.WithMessage("Request is not valid yet")
	}
	if now.After(requestTime.Add(expires)) {
		return nil, s3err.ErrAccessDenied.WithMessage("Request has expired")
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	} else if !validPayloadHash(payloadHash) {
		return nil, s3err.ErrInvalidContentSHA256Value
	}

	if _, err := e.verify(r, cred, signedHeaders, amzDate, payloadHash, signatureHex, malformed); err != nil {
		return nil, err
	}

	// Presigned requests carry no seed signature, so they cannot use signed
	// streaming payloads.
	return &User{AccessKeyID: cred.accessKeyID}, nil
}
