// Package accesslog writes the per-request access log line described in
// spec.md §6: one JSON object per completed request, plus an error-log
// line for every internally generated 5xx.
package accesslog

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// Entry is one access-log line. Field names match spec.md §6 verbatim.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteIP   string    `json:"remote_ip"`
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	BytesSent  int64     `json:"bytes_sent"`
	DurationMs int64     `json:"duration_ms"`
	Upstream   string    `json:"upstream,omitempty"`
	Decision   string    `json:"decision"`
}

// Sink serializes Entry values as newline-delimited JSON, and error
// lines through the stdlib logger, matching the teacher's choice of
// encoding/json + log over a third-party logging library for this
// concern (see DESIGN.md).
type Sink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err *log.Logger
}

// NewSink builds a Sink writing access lines to access and error lines
// to errs. Either may be io.Discard.
func NewSink(access, errs io.Writer) *Sink {
	return &Sink{
		enc: json.NewEncoder(access),
		err: log.New(errs, "", log.LstdFlags),
	}
}

// Log writes one access-log line. It never returns an error; a write
// failure is reported through the error logger instead, since losing an
// access-log line must not abort the request it describes.
func (s *Sink) Log(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		s.err.Printf("access log write failed: %v", err)
	}
}

// Error logs an internally generated failure (spec.md §6: "one error-log
// line on every 5xx generated internally, with cause").
func (s *Sink) Error(status int, host, path string, cause error) {
	s.err.Printf("error status=%d host=%s path=%s cause=%v", status, host, path, cause)
}

// ResponseRecorder wraps an http.ResponseWriter to capture the status
// code and byte count needed to build an Entry, mirroring the teacher's
// loggingResponseWriter (internal/handler/gateway.go).
type ResponseRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int64
}

func (w *ResponseRecorder) WriteHeader(code int) {
	w.Status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *ResponseRecorder) Write(b []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.Bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying ResponseWriter's Flusher, if any,
// since the promoted method set of an embedded interface field does not
// include methods outside that interface (http.ResponseWriter itself
// has no Flush).
func (w *ResponseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
