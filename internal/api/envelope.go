package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// errAlreadyRetried is returned by markRetry on an envelope that has used its
// single replay.
var errAlreadyRetried = errors.New("api: envelope already replayed")

// Envelope is a replayable description of one HTTP operation. The body is
// held as bytes so the request can be rebuilt for a replay. Each issue of an
// envelope works on its own copy, so the caller may reuse an envelope for
// independent calls.
type Envelope struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header

	// Stream marks requests whose response body is consumed incrementally.
	Stream bool
	// Anonymous requests carry no bearer token and are never refreshed;
	// a 401 surfaces as a RequestError (login, refresh).
	Anonymous bool
	// SkipRefresh requests carry the bearer token but a 401 is returned as a
	// RequestError without refreshing or clearing credentials (logout).
	SkipRefresh bool

	retried bool
}

// NewEnvelope describes a bodiless request.
func NewEnvelope(method, path string) *Envelope {
	return &Envelope{Method: method, Path: path}
}

// JSONEnvelope describes a request with v encoded as the JSON body.
func JSONEnvelope(method, path string, v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("api: encoding %s %s body: %w", method, path, err)
	}

	return &Envelope{Method: method, Path: path, Body: data}, nil
}

// WithQuery sets the query parameters and returns the envelope.
func (e *Envelope) WithQuery(q url.Values) *Envelope {
	e.Query = q
	return e
}

// Retried reports whether this issued copy has been replayed.
func (e *Envelope) Retried() bool {
	return e.retried
}

// markRetry records the single permitted replay. A second call fails, which
// is what stops a request from cycling through refreshes.
func (e *Envelope) markRetry() error {
	if e.retried {
		return errAlreadyRetried
	}

	e.retried = true

	return nil
}

// issue returns the per-call copy that carries the retry marker.
func (e *Envelope) issue() *Envelope {
	cp := *e
	cp.retried = false

	return &cp
}

// build materializes a fresh *http.Request. Safe to call once per attempt.
func (e *Envelope) build(ctx context.Context, baseURL string) (*http.Request, error) {
	target := baseURL + e.Path
	if len(e.Query) > 0 {
		target += "?" + e.Query.Encode()
	}

	var body io.Reader
	if e.Body != nil {
		body = bytes.NewReader(e.Body)
	}

	req, err := http.NewRequestWithContext(ctx, e.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	for k, vs := range e.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if e.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if !e.Stream && req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	return req, nil
}
