package util

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON shape of every error response the router emits.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a RoutingError as a JSON body with the status its kind
// maps to. Causes are never exposed to the client.
func WriteError(w http.ResponseWriter, err *RoutingError) {
	WriteJSON(w, err.Kind.StatusCode(), ErrorBody{Error: err.Kind.PublicMessage()})
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track the
// status code and body size written by a handler.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	Size          int
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter wraps w with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code once.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	w.HeaderWritten = true
	n, err := w.ResponseWriter.Write(b)
	w.Size += n
	return n, err
}

// Flush implements http.Flusher.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)

// BufferedResponse is an upstream response held fully in memory so it can
// be cached, shared between coalesced callers and replayed.
type BufferedResponse struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// Replay copies the response to w. Headers already set on w are kept
// unless the response carries the same header.
func (r *BufferedResponse) Replay(w http.ResponseWriter) error {
	dst := w.Header()
	for k, vv := range r.Header {
		dst[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// Clone returns a deep copy of r.
func (r *BufferedResponse) Clone() *BufferedResponse {
	return &BufferedResponse{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
	}
}
