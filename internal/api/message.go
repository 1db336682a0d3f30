package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ExtractMessage picks the most useful human-readable message out of an error
// body. Order: "message", "error.message", "error" (string), "detail"
// (string), a bare JSON string, the raw text body, then the status line.
func ExtractMessage(body []byte, statusCode int, status string) string {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && json.Valid(trimmed) {
		if msg := messageFromJSON(trimmed); msg != "" {
			return msg
		}

		return statusLine(statusCode, status)
	}

	if len(trimmed) > 0 {
		return string(trimmed)
	}

	return statusLine(statusCode, status)
}

func messageFromJSON(data []byte) string {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var obj struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}

	if msg := rawString(obj.Message); msg != "" {
		return msg
	}

	if len(obj.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(obj.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}

		if msg := rawString(obj.Error); msg != "" {
			return msg
		}
	}

	return rawString(obj.Detail)
}

// rawString returns the value when raw is a non-empty JSON string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}

	return strings.TrimSpace(s)
}

func statusLine(statusCode int, status string) string {
	if status != "" {
		return status
	}

	if text := http.StatusText(statusCode); text != "" {
		return fmt.Sprintf("%d %s", statusCode, text)
	}

	return fmt.Sprintf("HTTP status %d", statusCode)
}
