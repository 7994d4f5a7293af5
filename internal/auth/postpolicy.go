package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"depot/internal/s3err"
)

// postExpirationFormat is the layout of a policy's expiration.
const postExpirationFormat = "2006-01-02T15:04:05.000Z"

// PostPolicy is a decoded browser upload policy.
type PostPolicy struct {
	Expiration time.Time
	Conditions []PolicyCondition

	// MinLength and MaxLength bound the size of the uploaded file.
	// MaxLength is negative when the policy sets no bound.
	MinLength int64
	MaxLength int64
}

// PolicyCondition constrains one form field. Field is the lowercase field
// name without the leading "$".
type PolicyCondition struct {
	Op    string
	Field string
	Value string
}

func (c PolicyCondition) String() string {
	return fmt.Sprintf(`["%s", "$%s", "%s"]`, c.Op, c.Field, c.Value)
}

func (c PolicyCondition) match(v string) bool {
	if c.Op == "starts-with" {
		return strings.HasPrefix(v, c.Value)
	}
	return v == c.Value
}

type postPolicyDocument struct {
	Expiration string            `json:"expiration"`
	Conditions []json.RawMessage `json:"conditions"`
}

func invalidPolicy(format string, args ...any) error {
	return s3err.ErrInvalidPolicyDocument.WithMessage("Invalid Policy: " + fmt.Sprintf(format, args...))
}

// ParsePostPolicy decodes a policy document. Conditions are either arrays
// of the form [op, "$field", value] and ["content-length-range", min, max],
// or objects whose members each require an exact field value.
func ParsePostPolicy(data []byte) (*PostPolicy, error) {
	var doc postPolicyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalidPolicy("Invalid JSON.")
	}

	expiration, err := time.Parse(time.RFC3339, doc.Expiration)
	if err != nil {
		return nil, invalidPolicy("Invalid 'expiration' value: %q", doc.Expiration)
	}

	p := &PostPolicy{Expiration: expiration, MaxLength: -1}
	for _, raw := range doc.Conditions {
		if err := p.addCondition(raw); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PostPolicy) addCondition(raw json.RawMessage) error {
	var exact map[string]string
	if err := json.Unmarshal(raw, &exact); err == nil {
		for field, value := range exact {
			p.Conditions = append(p.Conditions, PolicyCondition{Op: "eq", Field: strings.ToLower(field), Value: value})
		}
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) != 3 {
		return invalidPolicy("Invalid condition %s", raw)
	}

	var op string
	if err := json.Unmarshal(elems[0], &op); err != nil {
		return invalidPolicy("Invalid condition %s", raw)
	}
	op = strings.ToLower(op)

	if op == "content-length-range" {
		lo, errLo := policyInt(elems[1])
		hi, errHi := policyInt(elems[2])
		if errLo != nil || errHi != nil || lo < 0 || hi < lo {
			return invalidPolicy("Invalid content-length-range %s", raw)
		}
		p.MinLength, p.MaxLength = lo, hi
		return nil
	}

	if op != "eq" && op != "starts-with" {
		return invalidPolicy("Unknown condition %q", op)
	}

	var field, value string
	if json.Unmarshal(elems[1], &field) != nil || json.Unmarshal(elems[2], &value) != nil || !strings.HasPrefix(field, "$") {
		return invalidPolicy("Invalid condition %s", raw)
	}
	p.Conditions = append(p.Conditions, PolicyCondition{Op: op, Field: strings.ToLower(field[1:]), Value: value})
	return nil
}

// policyInt reads a number given either bare or as a string.
func policyInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Fields a policy need not mention.
func exemptField(name string) bool {
	switch name {
	case "policy", "x-amz-signature", "file", "bucket":
		return true
	}
	return strings.HasPrefix(name, "x-ignore-")
}

// Check reports whether fields, keyed by lowercase name, satisfy every
// condition and whether every field is covered by some condition.
func (p *PostPolicy) Check(fields map[string]string) error {
	covered := make(map[string]bool, len(p.Conditions))
	for _, c := range p.Conditions {
		covered[c.Field] = true
		if !c.match(fields[c.Field]) {
			return s3err.ErrAccessDenied.WithMessage("Invalid according to Policy: Policy Condition failed: " + c.String())
		}
	}
	for name := range fields {
		if !exemptField(name) && !covered[name] {
			return s3err.ErrAccessDenied.WithMessage(fmt.Sprintf("Invalid according to Policy: Extra input fields: %s", name))
		}
	}
	return nil
}

// LimitReader returns r bounded by the policy's content-length-range.
// Reading fails with EntityTooLarge past the maximum, and with
// EntityTooSmall when r ends short of the minimum.
func (p *PostPolicy) LimitReader(r io.Reader) io.Reader {
	return &lengthRangeReader{r: r, min: p.MinLength, max: p.MaxLength}
}

type lengthRangeReader struct {
	r        io.Reader
	n        int64
	min, max int64
}

func (l *lengthRangeReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max >= 0 && l.n > l.max {
		return n, s3err.ErrEntityTooLarge
	}
	if err == io.EOF && l.n < l.min {
		return n, s3err.ErrEntityTooSmall.WithMessage("Your proposed upload is smaller than the minimum allowed size.")
	}
	return n, err
}

// PostFormVerifier authenticates browser upload forms.
type PostFormVerifier interface {
	VerifyPostForm(fields map[string]string) (*User, *PostPolicy, error)
}

// VerifyPostForm authenticates a browser upload form. fields holds every
// non-file field keyed by lowercase name, with the key already expanded.
// The policy signature is checked against the signing key of the form's
// credential, then the policy's expiry and conditions against fields.
func (e *AwsHmacAuthEngine) VerifyPostForm(fields map[string]string) (*User, *PostPolicy, error) {
	policyB64 := fields["policy"]
	if policyB64 == "" {
		return nil, nil, s3err.ErrAccessDenied.WithMessage("Bucket POST must contain a signed policy.")
	}
	if fields["x-amz-algorithm"] != signingAlgorithm {
		return nil, nil, s3err.ErrInvalidArgument.WithMessage(`Bucket POST requires x-amz-algorithm "AWS4-HMAC-SHA256".`)
	}

	malformed := s3err.ErrInvalidArgument
	cred, err := parseCredential(fields["x-amz-credential"], malformed)
	if err != nil {
		return nil, nil, err
	}
	secret, ok := e.secrets[cred.accessKeyID]
	if !ok {
		return nil, nil, s3err.ErrInvalidAccessKeyID
	}
	if cred.region != e.Region || cred.service != e.Service {
		return nil, nil, malformed.WithMessage(fmt.Sprintf("The credential scope %q does not belong to this endpoint.", cred.String()))
	}
	amzDate := fields["x-amz-date"]
	if _, err := time.Parse(amzDateFormat, amzDate); err != nil || !strings.HasPrefix(amzDate, cred.dateStamp) {
		return nil, nil, malformed.WithMessage("x-amz-date must match the date of the credential scope.")
	}

	provided, err := hex.DecodeString(fields["x-amz-signature"])
	if err != nil {
		return nil, nil, s3err.ErrSignatureDoesNotMatch
	}
	key := SigningKey(secret, cred.dateStamp, cred.region, cred.service)
	if !hmac.Equal(HmacSHA256(key, policyB64), provided) {
		return nil, nil, s3err.ErrSignatureDoesNotMatch
	}

	data, err := base64.StdEncoding.DecodeString(policyB64)
	if err != nil {
		return nil, nil, invalidPolicy("Policy is not valid base64.")
	}
	policy, err := ParsePostPolicy(data)
	if err != nil {
		return nil, nil, err
	}
	if e.now().After(policy.Expiration) {
		return nil, nil, s3err.ErrAccessDenied.WithMessage("Invalid according to Policy: Policy expired.")
	}
	if err := policy.Check(fields); err != nil {
		return nil, nil, err
	}

	return &User{AccessKeyID: cred.accessKeyID}, policy, nil
}

// PostForm describes a browser upload form to sign.
type PostForm struct {
	Bucket    string
	KeyPrefix string

	// Redirect, when set, is where the browser is sent after the upload.
	Redirect string

	MaxSize int64
	Expires time.Duration
}

// SignPostForm returns the hidden fields of a browser upload form for
// keys starting with form.KeyPrefix, signed with accessKeyID's secret.
// The key field expands ${filename} to the name of the uploaded file.
func (e *AwsHmacAuthEngine) SignPostForm(accessKeyID string, form PostForm) (map[string]string, error) {
	secret, ok := e.secrets[accessKeyID]
	if !ok {
		return nil, s3err.ErrInvalidAccessKeyID
	}

	now := e.now().UTC()
	cred := credentialScope{
		accessKeyID: accessKeyID,
		dateStamp:   now.Format(dateStampFormat),
		region:      e.Region,
		service:     e.Service,
	}
	fields := map[string]string{
		"key":              form.KeyPrefix + "${filename}",
		"x-amz-algorithm":  signingAlgorithm,
		"x-amz-credential": accessKeyID + "/" + cred.String(),
		"x-amz-date":       now.Format(amzDateFormat),
	}

	conditions := []any{
		map[string]string{"bucket": form.Bucket},
		[]any{"starts-with", "$key", form.KeyPrefix},
		[]any{"eq", "$x-amz-algorithm", fields["x-amz-algorithm"]},
		[]any{"eq", "$x-amz-credential", fields["x-amz-credential"]},
		[]any{"eq", "$x-amz-date", fields["x-amz-date"]},
		[]any{"starts-with", "$content-type", ""},
	}
	if form.Redirect != "" {
		fields["success_action_redirect"] = form.Redirect
		conditions = append(conditions, []any{"eq", "$success_action_redirect", form.Redirect})
	}
	if form.MaxSize > 0 {
		conditions = append(conditions, []any{"content-length-range", 0, form.MaxSize})
	}

	doc, err := json.Marshal(map[string]any{
		"expiration": now.Add(form.Expires).Format(postExpirationFormat),
		"conditions": conditions,
	})
	if err != nil {
		return nil, err
	}

	fields["policy"] = base64.StdEncoding.EncodeToString(doc)
	key := SigningKey(secret, cred.dateStamp, cred.region, cred.service)
	fields["x-amz-signature"] = hex.EncodeToString(HmacSHA256(key, fields["policy"]))
	return fields, nil
}
