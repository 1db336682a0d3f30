package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Backend paths for search jobs.
const (
	JobsPath = "/search/jobs"
)

// JobPath returns the detail path for one job.
func JobPath(id JobID) string {
	return JobsPath + "/" + url.PathEscape(string(id))
}

// JobID accepts both JSON strings and numbers; the backend has used both.
type JobID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *JobID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*id = JobID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("api: job id must be a string or number: %w", err)
	}

	*id = JobID(n.String())

	return nil
}

// Job is one entry of the jobs list.
type Job struct {
	ID        JobID   `json:"id"`
	Status    string  `json:"status"`
	Query     string  `json:"query,omitempty"`
	Option    string  `json:"option,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Error     string  `json:"error,omitempty"`
	CreatedAt string  `json:"createdAt,omitempty"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

// JobDetail is the expanded record for one job.
type JobDetail struct {
	Job

	Summary string           `json:"summary,omitempty"`
	Sources []string         `json:"sources,omitempty"`
	Results []map[string]any `json:"results,omitempty"`
}

// ListJobs returns the caller's jobs. The backend wraps the list as
// {"jobs": [...]} or {"data": [...]}; a bare array is accepted too.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var raw json.RawMessage
	if err := c.Do(ctx, NewEnvelope(http.MethodGet, JobsPath), &raw); err != nil {
		return nil, err
	}

	return decodeJobs(raw)
}

func decodeJobs(raw json.RawMessage) ([]Job, error) {
	list := bytes.TrimSpace(raw)

	if len(list) == 0 || list[0] != '[' {
		var wrapped struct {
			Jobs json.RawMessage `json:"jobs"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(list, &wrapped); err != nil {
			return nil, fmt.Errorf("api: decoding jobs: %w", err)
		}

		switch {
		case wrapped.Jobs != nil:
			list = wrapped.Jobs
		case wrapped.Data != nil:
			list = wrapped.Data
		default:
			return nil, fmt.Errorf("api: decoding jobs: response has no jobs list: %s", truncateBody(raw))
		}
	}

	var jobs []Job
	if err := json.Unmarshal(list, &jobs); err != nil {
		return nil, fmt.Errorf("api: decoding jobs: %w", err)
	}

	if jobs == nil {
		jobs = []Job{}
	}

	return jobs, nil
}

// truncateBody shortens a response body for error messages.
func truncateBody(b []byte) string {
	const maxLen = 120

	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}

	return string(b)
}

// JobDetail returns one job's expanded record.
func (c *Client) JobDetail(ctx context.Context, id JobID) (*JobDetail, error) {
	if id == "" {
		return nil, fmt.Errorf("api: job id is required")
	}

	var detail JobDetail
	if err := c.Get(ctx, JobPath(id), &detail); err != nil {
		return nil, err
	}

	return &detail, nil
}

// String implements fmt.Stringer.
func (id JobID) String() string {
	return string(id)
}

// ParseJobID validates a job id given on the command line.
func ParseJobID(s string) (JobID, error) {
	if s == "" {
		return "", fmt.Errorf("api: job id is required")
	}

	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return JobID(s), nil
	}

	if err := validate.Var(s, "printascii,excludesall=/?#"); err != nil {
		return "", fmt.Errorf("api: invalid job id %q", s)
	}

	return JobID(s), nil
}
