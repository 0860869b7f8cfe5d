package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
)

// JSONPrefix is the anti-JSON-hijacking marker prepended to JSON response
// bodies on authenticated routes. Browser frameworks strip it before
// parsing; a cross-site <script> include chokes on it.
const JSONPrefix = ")]}',\n"

// prefixWriter buffers the response so the finished body can be tested for
// JSON validity before transmission. Non-JSON bodies pass through
// unmodified.
type prefixWriter struct {
	inner       http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func newPrefixWriter(w http.ResponseWriter) *prefixWriter {
	return &prefixWriter{inner: w}
}

func (w *prefixWriter) Header() http.Header {
	return w.inner.Header()
}

func (w *prefixWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *prefixWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

// finalize transmits the buffered body, prefixed when it parses as JSON.
func (w *prefixWriter) finalize() error {
	body := w.buf.Bytes()
	if len(body) > 0 && json.Valid(body) {
		body = append([]byte(JSONPrefix), body...)
	}
	h := w.inner.Header()
	if h.Get("Content-Length") != "" {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if w.wroteHeader {
		w.inner.WriteHeader(w.status)
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.inner.Write(body)
	return err
}
