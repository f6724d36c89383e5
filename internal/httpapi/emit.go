package httpapi

import (
	"bufio"
	"net/http"
	"strconv"
)

const (
	contentTypeText   = "text/plain; charset=utf-8"
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// Result is the completed outcome of one request.
type Result struct {
	Status      int
	Body        string
	ContentType string      // defaults to text/plain
	Header      http.Header // extra response headers
	Err         error  // logged, never written
}

// Emit writes res to w: headers, status, then the body through a buffered
// writer that is flushed before Emit returns, on success and on error.
// HEAD responses carry headers only.
func Emit(w http.ResponseWriter, method string, res Result) (err error) {
	h := w.Header()
	for k, vs := range res.Header {
		h[k] = vs
	}
	ct := res.ContentType
	if ct == "" {
		ct = contentTypeText
	}
	h.Set("Content-Type", ct)
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(res.Status)

	if method == http.MethodHead || res.Body == "" {
		return nil
	}

	body := bufio.NewWriter(w)
	defer func() {
		if flushErr := body.Flush(); err == nil {
			err = flushErr
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}()
	_, err = body.WriteString(res.Body)
	return err
}
