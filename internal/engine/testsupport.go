package engine

// This file exports fake constructors for use by tests in this and other
// packages, adapted from the teacher's pkg/commands/dummies.go convention
// of exporting non-_test.go dummy/fake constructors for cross-package use.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
)

// FakeRoute matches an outbound Engine-API request by method and a regexp
// over its URL path, then answers it. Handle receives the 1-indexed call
// count for this route, so a scripted sequence (e.g. "stopped, then
// running") can vary its response across calls.
type FakeRoute struct {
	Method string
	Path   *regexp.Regexp
	Handle func(req *http.Request, call int) (*http.Response, error)
}

// FakeTransport is a scripted http.RoundTripper double for the container
// engine's HTTP API, letting tests drive a real Client (and anything built
// on it, like the Lifecycle Engine) end-to-end without a live socket.
// Routes are matched in order; the first match wins.
type FakeTransport struct {
	routes []FakeRoute
	calls  map[string]int
}

// NewFakeTransport builds a FakeTransport from routes.
func NewFakeTransport(routes ...FakeRoute) *FakeTransport {
	return &FakeTransport{routes: routes, calls: make(map[string]int)}
}

// RoundTrip implements http.RoundTripper.
func (f *FakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for _, r := range f.routes {
		if r.Method != "" && r.Method != req.Method {
			continue
		}
		if r.Path != nil && !r.Path.MatchString(req.URL.Path) {
			continue
		}
		key := r.Method + " " + req.URL.Path
		f.calls[key]++
		return r.Handle(req, f.calls[key])
	}
	return nil, fmt.Errorf("fake transport: no route for %s %s", req.Method, req.URL.Path)
}

// Calls reports how many times the route matching method+path was invoked.
func (f *FakeTransport) Calls(method, path string) int {
	return f.calls[method+" "+path]
}

// JSONResponse builds a canned *http.Response carrying body as JSON, for
// use inside a FakeRoute.Handle.
func JSONResponse(status int, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

// EmptyResponse builds a canned, bodyless *http.Response with status.
func EmptyResponse(status int) (*http.Response, error) {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Header:     make(http.Header),
	}, nil
}
