package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response is a stored copy of an HTTP response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// cookieHeaders are never stored: a replayed copy must not reset the
// browser's session.
var cookieHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// NewResponse buffers resp's body and returns a stored copy. resp stays
// readable: its body is replaced with the bytes read, even when reading fails.
func NewResponse(resp *http.Response) (*Response, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		body = b
	} else {
		resp.Body = http.NoBody
	}

	return &Response{
		Status: resp.StatusCode,
		Header: storedHeader(resp.Header),
		Body:   body,
	}, nil
}

func storedHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range cookieHeaders {
		out.Del(name)
	}
	return out
}

// HTTPResponse builds a fresh *http.Response answering req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := storedHeader(r.Header)
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
