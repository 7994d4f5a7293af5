package core

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"depot/internal/auth"
	"depot/internal/s3err"

	"github.com/go-http-utils/headers"
	"github.com/google/uuid"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
	Operation  Operation
	RequestID  string
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"operation", e.Operation.String(),
		"request_id", e.RequestID,
	)
}

type logEntryKey struct{}

// noteOperation records the classified operation in the request's log
// entry, if it has one.
func noteOperation(ctx context.Context, op Operation) {
	if entry, ok := ctx.Value(logEntryKey{}).(*LogEntry); ok {
		entry.Operation = op
	}
}

// LogRequest is middleware that logs incoming HTTP requests.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := &LogEntry{
			IP:        r.RemoteAddr,
			Method:    r.Method,
			URL:       r.URL.String(),
			Proto:     r.Proto,
			RequestID: w.Header().Get(headerRequestID),
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r.WithContext(context.WithValue(r.Context(), logEntryKey{}, entry)))
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}
	})
}

// newRequestID returns a 16 character uppercase hex identifier.
func newRequestID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:16])
}

// RequestID is middleware that tags every response with a fresh
// x-amz-request-id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerRequestID, newRequestID())
		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr, "path", r.URL.Path)

				if r.Header.Get("Connection") != "Upgrade" {
					writeS3Error(w, r, s3err.ErrInternal)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}

var corsMethods = []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodHead}

const (
	corsExposedHeaders = "ETag, Content-Length, Content-Range, Last-Modified, Location, X-Amz-Request-Id"
	corsMaxAge         = "3600"
)

func originAllowed(allowed []string, origin string) bool {
	return slices.ContainsFunc(allowed, func(o string) bool {
		return o == "*" || strings.EqualFold(o, origin)
	})
}

// CORS is middleware that lets browsers on the allowed origins read
// responses of cross-origin requests.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add(headers.Vary, headers.Origin)
			if origin := r.Header.Get(headers.Origin); origin != "" && originAllowed(allowed, origin) {
				w.Header().Set(headers.AccessControlAllowOrigin, origin)
				w.Header().Set(headers.AccessControlExposeHeaders, corsExposedHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handlePreflight answers CORS preflight requests: OPTIONS on any path. A
// request without an Origin gets an empty 200.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request, route Route, _ *auth.User) error {
	origin := r.Header.Get(headers.Origin)
	if origin == "" {
		w.WriteHeader(http.StatusOK)
		return nil
	}

	denied := s3err.ErrAccessDenied.WithMessage("CORSResponse: This CORS request is not allowed.")
	if !originAllowed(s.Config.AllowedOrigins, origin) {
		return denied
	}
	if method := r.Header.Get(headers.AccessControlRequestMethod); method != "" && !slices.Contains(corsMethods, method) {
		return denied
	}

	h := w.Header()
	h.Set(headers.AccessControlAllowMethods, strings.Join(corsMethods, ", "))
	if requested := r.Header.Get(headers.AccessControlRequestHeaders); requested != "" {
		h.Set(headers.AccessControlAllowHeaders, requested)
	}
	h.Set(headers.AccessControlMaxAge, corsMaxAge)
	w.WriteHeader(http.StatusOK)
	return nil
}
