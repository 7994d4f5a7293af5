package auth

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"

	"depot/internal/s3err"
)

const (
	chunkSignaturePrefix = "chunk-signature="
	maxChunkHeaderLen    = 4096
	maxTrailerLines      = 64
)

var (
	emptySHA256 = sha256Hex("")

	errMalformedChunk = s3err.ErrInvalidRequest.WithMessage("The chunked encoding of the request body is malformed.")
)

// PayloadReader returns the body of r as the client meant it: aws-chunked
// streams are decoded (verifying chunk signatures when signed) and bodies
// declared with a SHA-256 digest are verified when fully read. It also
// returns the decoded length, or -1 if unknown.
func PayloadReader(r *http.Request, user *User) (io.Reader, int64, error) {
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if r.Body == nil || r.Body == http.NoBody {
		if err := checkEmptyPayload(payloadHash); err != nil {
			return nil, 0, err
		}
		return http.NoBody, 0, nil
	}

	switch payloadHash {
	case StreamingSignedPayload, StreamingSignedPayloadTrailer:
		if user == nil || user.signing == nil {
			return nil, 0, s3err.ErrInvalidRequest.WithMessage("Streaming payloads require a signed Authorization header.")
		}
		decodedLen, err := decodedContentLength(r)
		if err != nil {
			return nil, 0, err
		}
		return newChunkedReader(r.Body, user.signing, decodedLen), decodedLen, nil

	case StreamingUnsignedPayloadTrailer:
		decodedLen, err := decodedContentLength(r)
		if err != nil {
			return nil, 0, err
		}
		return newChunkedReader(r.Body, nil, decodedLen), decodedLen, nil

	case "", UnsignedPayload:
		return r.Body, r.ContentLength, nil

	default:
		want, err := hex.DecodeString(payloadHash)
		if err != nil || len(want) != sha256.Size {
			return nil, 0, s3err.ErrInvalidContentSHA256Value
		}
		return &sha256Reader{r: r.Body, h: sha256.New(), want: want}, r.ContentLength, nil
	}
}

// checkEmptyPayload verifies a declared digest against an empty body.
func checkEmptyPayload(payloadHash string) error {
	switch payloadHash {
	case "", UnsignedPayload, StreamingSignedPayload, StreamingSignedPayloadTrailer, StreamingUnsignedPayloadTrailer:
		return nil
	}
	if want, err := hex.DecodeString(payloadHash); err != nil || len(want) != sha256.Size {
		return s3err.ErrInvalidContentSHA256Value
	}
	if !strings.EqualFold(payloadHash, emptySHA256) {
		return s3err.ErrContentSHA256Mismatch
	}
	return nil
}

func decodedContentLength(r *http.Request) (int64, error) {
	v := r.Header.Get("X-Amz-Decoded-Content-Length")
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.WithMessage("x-amz-decoded-content-length is not a valid length")
	}
	return n, nil
}

// sha256Reader fails at EOF when the bytes read do not hash to want.
type sha256Reader struct {
	r    io.Reader
	h    hash.Hash
	want []byte
}

func (s *sha256Reader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.h.Write(p[:n])
	if errors.Is(err, io.EOF) && !bytes.Equal(s.h.Sum(nil), s.want) {
		return n, s3err.ErrContentSHA256Mismatch
	}
	return n, err
}

// chunkedReader decodes an aws-chunked body:
//
//	<hex-size>[;chunk-signature=<sig>]\r\n<data>\r\n ... 0[;chunk-signature=<sig>]\r\n[trailers]\r\n
//
// Each chunk's signature chains from the previous one, starting at the
// request signature. Trailers are consumed and ignored.
type chunkedReader struct {
	br       *bufio.Reader
	signing  *signingContext
	prevSig  string
	chunkSig string
	h        hash.Hash

	inChunk   bool
	remaining int64
	decoded   int64
	expected  int64
	err       error
}

func newChunkedReader(body io.Reader, signing *signingContext, expected int64) *chunkedReader {
	c := &chunkedReader{
		br:       bufio.NewReaderSize(body, maxChunkHeaderLen),
		signing:  signing,
		h:        sha256.New(),
		expected: expected,
	}
	if signing != nil {
		c.prevSig = signing.seed
	}
	return c
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for c.err == nil && c.remaining == 0 {
		if err := c.nextChunk(); err != nil {
			c.err = err
		}
	}
	if c.err != nil {
		return 0, c.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.h.Write(p[:n])
	c.remaining -= int64(n)
	c.decoded += int64(n)

	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.err = err
		if n == 0 {
			return 0, err
		}
	}
	return n, nil
}

// nextChunk finishes the current chunk, if any, and reads the next header.
// It returns io.EOF after the final chunk and its trailers.
func (c *chunkedReader) nextChunk() error {
	if c.inChunk {
		if err := c.expectCRLF(); err != nil {
			return err
		}
		if err := c.verifyChunk(); err != nil {
			return err
		}
		c.inChunk = false
	}

	line, err := c.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	sizeHex, ext, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
	if err != nil || size < 0 {
		return errMalformedChunk
	}

	c.chunkSig = ""
	if sig, ok := strings.CutPrefix(strings.TrimSpace(ext), chunkSignaturePrefix); ok {
		c.chunkSig = sig
	}
	if c.signing != nil && c.chunkSig == "" {
		return errMalformedChunk
	}
	c.h.Reset()

	if size == 0 {
		if err := c.verifyChunk(); err != nil {
			return err
		}
		if err := c.skipTrailers(); err != nil {
			return err
		}
		if c.expected >= 0 && c.decoded != c.expected {
			return s3err.ErrIncompleteBody
		}
		return io.EOF
	}

	c.inChunk = true
	c.remaining = size
	return nil
}

func (c *chunkedReader) verifyChunk() error {
	if c.signing == nil {
		return nil
	}

	sts := strings.Join([]string{
		signingAlgorithm + "-PAYLOAD",
		c.signing.amzDate,
		c.signing.scope,
		c.prevSig,
		emptySHA256,
		hex.EncodeToString(c.h.Sum(nil)),
	}, "\n")
	expected := hex.EncodeToString(HmacSHA256(c.signing.key, sts))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(c.chunkSig))) {
		return s3err.ErrSignatureDoesNotMatch
	}
	c.prevSig = expected
	return nil
}

func (c *chunkedReader) readLine() (string, error) {
	line, err := c.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errMalformedChunk
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimRight(string(line), "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (c *chunkedReader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(c.br, crlf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if crlf != [2]byte{'\r', '\n'} {
		return errMalformedChunk
	}
	return nil
}

func (c *chunkedReader) skipTrailers() error {
	for range maxTrailerLines {
		line, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
	return errMalformedChunk
}
