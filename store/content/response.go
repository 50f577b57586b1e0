// Package content stores cached responses in named content stores on a
// backend, with an in-memory hot tier in front.
package content

import (
	"net/http"
	"time"
)

// Response is a cached network response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	// TTL is the lifetime the response was stored with. Zero never expires.
	TTL time.Duration
}

// Size approximates the bytes the response occupies: body plus headers.
func (r *Response) Size() int64 {
	n := int64(len(r.Body))
	for name, values := range r.Header {
		for _, v := range values {
			n += int64(len(name) + len(v))
		}
	}
	return n
}

// Expired reports whether the response outlived its TTL at now.
func (r *Response) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return !now.Before(r.StoredAt.Add(r.TTL))
}

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}
