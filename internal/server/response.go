package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Response buffers a handler's response so lifecycle hooks can inspect
// it before it is written. It implements http.ResponseWriter.
type Response struct {
	header http.Header
	status int
	body   bytes.Buffer
	stream io.ReadCloser
}

func newResponse() *Response {
	return &Response{header: make(http.Header)}
}

func (r *Response) Header() http.Header { return r.header }

func (r *Response) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

// WriteHeader records the status. Later calls override earlier ones
// until the response is flushed.
func (r *Response) WriteHeader(status int) {
	r.status = status
}

// Status returns the recorded status, 200 if none was set.
func (r *Response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Body returns the buffered body.
func (r *Response) Body() []byte { return r.body.Bytes() }

// SetStream makes body the response body, copied to the client on flush
// instead of being buffered.
func (r *Response) SetStream(body io.ReadCloser) {
	r.stream = body
}

func (r *Response) reset() {
	r.body.Reset()
	if r.stream != nil {
		_ = r.stream.Close()
		r.stream = nil
	}
	r.header.Del("Content-Type")
	r.header.Del("Content-Length")
}

func (r *Response) flush(w http.ResponseWriter) error {
	dst := w.Header()
	for k, v := range r.header {
		dst[k] = v
	}
	w.WriteHeader(r.Status())

	if r.stream != nil {
		defer r.stream.Close()
		_, err := io.Copy(w, r.stream)
		return err
	}
	_, err := w.Write(r.body.Bytes())
	return err
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// Stream sends body as the response. When w is a *Response the copy is
// deferred until the response is flushed to the client.
func Stream(w http.ResponseWriter, body io.ReadCloser) error {
	if resp, ok := w.(*Response); ok {
		resp.SetStream(body)
		return nil
	}
	defer body.Close()
	_, err := io.Copy(w, body)
	return err
}
