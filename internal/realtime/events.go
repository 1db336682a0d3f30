package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tonimelisma/taskwatch/internal/api"
)

// Poll keys shared by the CLI and the event mapper.
const (
	JobsKey      = "jobs"
	jobKeyPrefix = "job:"
)

// JobKey returns the poll key for one job's detail record.
func JobKey(id api.JobID) string {
	return jobKeyPrefix + string(id)
}

// Event types sent by the backend.
const (
	TypeJobsUpdate       = "jobs_update"
	TypeJobUpdate        = "job_update"
	typeJobDetailsPrefix = "job_details_"
)

// Event is one server push. Only Type and JobID are interpreted; the rest is
// a hint and the poller refetches the authoritative state.
type Event struct {
	Type  string          `json:"type"`
	JobID api.JobID       `json:"jobId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes one text frame.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("realtime: decoding event: %w", err)
	}

	if ev.Type == "" {
		return Event{}, fmt.Errorf("realtime: event without type")
	}

	return ev, nil
}

// Keys maps an event to the poll keys it invalidates. Unknown events map to
// nothing.
func (ev Event) Keys() []string {
	switch {
	case ev.Type == TypeJobsUpdate:
		return []string{JobsKey}
	case ev.Type == TypeJobUpdate && ev.JobID != "":
		// A status change shows up in the list as well as the detail.
		return []string{JobKey(ev.JobID), JobsKey}
	case strings.HasPrefix(ev.Type, typeJobDetailsPrefix):
		id := strings.TrimPrefix(ev.Type, typeJobDetailsPrefix)
		if id == "" {
			return nil
		}

		return []string{JobKey(api.JobID(id))}
	default:
		return nil
	}
}
