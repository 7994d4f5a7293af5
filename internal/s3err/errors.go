// Package s3err defines the S3 error taxonomy shared by every layer of the
// server. Each error carries the wire code, canonical message and HTTP status
// that the response codec renders.
package s3err

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// Kind groups error codes by the failure class that produced them.
type Kind int

const (
	ClientProtocol Kind = iota + 1
	Authentication
	NotFound
	Conflict
	Validation
	StorageIO
)

func (k Kind) String() string {
	switch k {
	case ClientProtocol:
		return "ClientProtocolError"
	case Authentication:
		return "AuthenticationError"
	case NotFound:
		return "NotFoundError"
	case Conflict:
		return "ConflictError"
	case Validation:
		return "ValidationError"
	case StorageIO:
		return "StorageIOError"
	default:
		return "UnknownError"
	}
}

// Error is an S3 error as it appears on the wire.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is reports whether target is an *Error with the same code, so that copies
// made by WithMessage still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

func newError(kind Kind, code string, status int, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: status, Message: message}
}

var (
	ErrInvalidRequest                    = newError(ClientProtocol, "InvalidRequest", http.StatusBadRequest, "Invalid Request")
	ErrMalformedXML                      = newError(ClientProtocol, "MalformedXML", http.StatusBadRequest, "The XML you provided was not well-formed or did not validate against our published schema.")
	ErrInvalidBucketName                 = newError(ClientProtocol, "InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid.")
	ErrInvalidObjectName                 = newError(ClientProtocol, "InvalidObjectName", http.StatusBadRequest, "The specified key is not valid.")
	ErrAuthorizationHeaderMalformed      = newError(ClientProtocol, "AuthorizationHeaderMalformed", http.StatusBadRequest, "The authorization header is malformed.")
	ErrAuthorizationQueryParametersError = newError(ClientProtocol, "AuthorizationQueryParametersError", http.StatusBadRequest, "Error parsing the X-Amz-Credential parameter.")
	ErrNotImplemented                    = newError(ClientProtocol, "NotImplemented", http.StatusNotImplemented, "A header you provided implies functionality that is not implemented.")
	ErrMalformedPOSTRequest              = newError(ClientProtocol, "MalformedPOSTRequest", http.StatusBadRequest, "The body of your POST request is not well-formed multipart/form-data.")
	ErrInvalidPolicyDocument             = newError(ClientProtocol, "InvalidPolicyDocument", http.StatusBadRequest, "The content of the form does not meet the conditions specified in the policy document.")

	ErrAccessDenied          = newError(Authentication, "AccessDenied", http.StatusForbidden, "Access Denied")
	ErrInvalidAccessKeyID    = newError(Authentication, "InvalidAccessKeyId", http.StatusForbidden, "The AWS Access Key Id you provided does not exist in our records.")
	ErrSignatureDoesNotMatch = newError(Authentication, "SignatureDoesNotMatch", http.StatusForbidden, "The request signature we calculated does not match the signature you provided. Check your key and signing method.")
	ErrRequestTimeTooSkewed  = newError(Authentication, "RequestTimeTooSkewed", http.StatusForbidden, "The difference between the request time and the server's time is too large.")

	ErrNoSuchBucket = newError(NotFound, "NoSuchBucket", http.StatusNotFound, "The specified bucket does not exist.")
	ErrNoSuchKey    = newError(NotFound, "NoSuchKey", http.StatusNotFound, "The specified key does not exist.")
	ErrNoSuchUpload = newError(NotFound, "NoSuchUpload", http.StatusNotFound, "The specified upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.")

	ErrBucketAlreadyExists = newError(Conflict, "BucketAlreadyExists", http.StatusConflict, "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.")
	ErrBucketNotEmpty      = newError(Conflict, "BucketNotEmpty", http.StatusConflict, "The bucket you tried to delete is not empty.")

	ErrInvalidArgument           = newError(Validation, "InvalidArgument", http.StatusBadRequest, "Invalid Argument")
	ErrEntityTooLarge            = newError(Validation, "EntityTooLarge", http.StatusBadRequest, "Your proposed upload exceeds the maximum allowed size.")
	ErrEntityTooSmall            = newError(Validation, "EntityTooSmall", http.StatusBadRequest, "Your proposed upload is smaller than the minimum allowed object size.")
	ErrInvalidPart               = newError(Validation, "InvalidPart", http.StatusBadRequest, "One or more of the specified parts could not be found. The part may not have been uploaded, or the specified entity tag may not match the part's entity tag.")
	ErrInvalidPartOrder          = newError(Validation, "InvalidPartOrder", http.StatusBadRequest, "The list of parts was not in ascending order. Parts must be ordered by part number.")
	ErrContentSHA256Mismatch     = newError(Validation, "XAmzContentSHA256Mismatch", http.StatusBadRequest, "The provided 'x-amz-content-sha256' header does not match what was computed.")
	ErrBadDigest                 = newError(Validation, "BadDigest", http.StatusBadRequest, "The Content-MD5 you specified did not match what we received.")
	ErrInvalidDigest             = newError(Validation, "InvalidDigest", http.StatusBadRequest, "The Content-MD5 you specified is not valid.")
	ErrIncompleteBody            = newError(Validation, "IncompleteBody", http.StatusBadRequest, "You did not provide the number of bytes specified by the Content-Length HTTP header.")
	ErrInvalidRange              = newError(Validation, "InvalidRange", http.StatusRequestedRangeNotSatisfiable, "The requested range is not satisfiable")
	ErrInvalidContinuationToken  = newError(Validation, "InvalidArgument", http.StatusBadRequest, "The continuation token provided is incorrect")
	ErrInvalidPartNumber         = newError(Validation, "InvalidArgument", http.StatusBadRequest, "Part number must be an integer between 1 and 10000, inclusive")
	ErrInvalidMaxKeys            = newError(Validation, "InvalidArgument", http.StatusBadRequest, "Provided max-keys not an integer or within integer range")
	ErrMissingContentSHA256      = newError(Validation, "InvalidRequest", http.StatusBadRequest, "Missing required header for this request: x-amz-content-sha256")
	ErrInvalidContentSHA256Value = newError(Validation, "InvalidArgument", http.StatusBadRequest, "x-amz-content-sha256 must be UNSIGNED-PAYLOAD, STREAMING-AWS4-HMAC-SHA256-PAYLOAD, or a valid sha256 value.")

	ErrInternal = newError(StorageIO, "InternalError", http.StatusInternalServerError, "We encountered an internal error. Please try again.")
)

// causeError attaches an internal cause to an S3 error. The cause is visible
// to errors.Is/As and to logs but never to clients.
type causeError struct {
	s3    *Error
	cause error
}

func (c *causeError) Error() string {
	return c.s3.Code + ": " + c.cause.Error()
}

func (c *causeError) Unwrap() []error {
	return []error{c.s3, c.cause}
}

// Wrap returns an error that matches e and carries cause.
func Wrap(e *Error, cause error) error {
	if cause == nil {
		return e
	}
	return &causeError{s3: e, cause: cause}
}

// Internal wraps a storage or I/O failure as an InternalError. Errors that
// already carry an S3 code are returned unchanged.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var s3 *Error
	if errors.As(err, &s3) {
		return err
	}
	return Wrap(ErrInternal, err)
}

// From resolves the S3 error that should be reported for err.
func From(err error) *Error {
	var s3 *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &s3):
		return s3
	case errors.Is(err, io.ErrUnexpectedEOF):
		return ErrIncompleteBody
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrIncompleteBody.WithMessage("The request was cancelled before the body was received.")
	default:
		return ErrInternal
	}
}
