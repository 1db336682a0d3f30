package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SearchPath is the search endpoint. Premium searches stream their answer.
const SearchPath = "/search"

// Search options accepted by the backend.
const (
	OptionStandard = "standard"
	OptionPremium  = "premium"
)

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query  string `json:"query"            validate:"required"`
	Option string `json:"option,omitempty" validate:"omitempty,oneof=standard premium"`
}

// SearchResult is the structured (non-streaming) search response. The
// backend's answer shape varies by option, so the full body is kept as Raw.
type SearchResult struct {
	JobID   JobID  `json:"jobId,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (r SearchRequest) envelope() (*Envelope, error) {
	if err := validate.Struct(r); err != nil {
		return nil, fmt.Errorf("api: invalid search request: %w", err)
	}

	return JSONEnvelope(http.MethodPost, SearchPath, r)
}

// Search submits a query and decodes the JSON result.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	env, err := req.envelope()
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.Do(ctx, env, &raw); err != nil {
		return nil, err
	}

	var result SearchResult

	// Not every answer is an object; Raw always carries the body.
	_ = json.Unmarshal(raw, &result)
	result.Raw = raw

	return &result, nil
}

// SearchStream submits a query over the streaming path. The option is forced
// to premium, which is what makes the backend stream.
func (c *Client) SearchStream(ctx context.Context, req SearchRequest) (*StreamResponse, error) {
	req.Option = OptionPremium

	env, err := req.envelope()
	if err != nil {
		return nil, err
	}

	return c.Stream(ctx, env)
}
