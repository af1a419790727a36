// Package models holds the flow types shared by the classifier, the
// strategy engine, the tape subsystem, and the proxy pipeline.
package models

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request is a fully buffered HTTP request captured by the proxy.
// Strategies mutate Body in place and refresh Content-Length via SetBody.
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header http.Header
	Body   []byte
}

// ContentType returns the media type portion of the Content-Type header,
// lowercased, without parameters.
func (r *Request) ContentType() string {
	return mediaType(r.Header.Get("Content-Type"))
}

// SetBody replaces the buffered body and updates Content-Length.
func (r *Request) SetBody(b []byte) {
	r.Body = b
	r.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

// Response is a fully buffered upstream or locally synthesized HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse builds a buffered response with Content-Length already set.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	resp := &Response{StatusCode: status, Header: header, Body: body}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}

// ContentType returns the media type portion of the Content-Type header,
// lowercased, without parameters.
func (r *Response) ContentType() string {
	return mediaType(r.Header.Get("Content-Type"))
}

// SetBody replaces the buffered body and updates Content-Length.
func (r *Response) SetBody(b []byte) {
	r.Body = b
	r.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

// Flow carries one intercepted exchange through the chaos pipeline.
// A flow is owned by a single goroutine; fields are not synchronized.
type Flow struct {
	ID        string
	StartedAt time.Time

	Request  *Request
	Response *Response

	TrafficType    TrafficType
	TrafficSubtype string
	AgentRole      string

	// Synthesized marks a response produced locally (tape playback or a
	// blocking strategy) that must not be fetched from upstream.
	Synthesized bool

	// Fuzzed is set by schema-aware fuzzing for the structured log line.
	Fuzzed bool

	// Metadata carries free-form annotations set by the pipeline, e.g.
	// the agent role resolved before strategies run.
	Metadata map[string]string

	applied []string
}

// MarkApplied records a strategy name on the flow. Names are kept in
// application order and deduplicated; the return value reports whether
// the name was newly added.
func (f *Flow) MarkApplied(name string) bool {
	for _, a := range f.applied {
		if a == name {
			return false
		}
	}
	f.applied = append(f.applied, name)
	return true
}

// Applied returns the strategy names recorded on this flow, in order.
func (f *Flow) Applied() []string {
	return f.applied
}

// AppliedJoined renders applied strategy names as a comma-joined string,
// empty when nothing fired.
func (f *Flow) AppliedJoined() string {
	return strings.Join(f.applied, ",")
}

// Meta returns a metadata annotation, empty string when absent.
func (f *Flow) Meta(key string) string {
	if f.Metadata == nil {
		return ""
	}
	return f.Metadata[key]
}

// SetMeta records a metadata annotation on the flow.
func (f *Flow) SetMeta(key, value string) {
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	f.Metadata[key] = value
}

func mediaType(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}
