package worker

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Status is the status field of a response line.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
	StatusOK      Status = "ok"
)

// Fixed protocol messages. The parent process matches on these strings.
const (
	MsgLoading        = "Loading Detoxify model..."
	MsgUnavailable    = "Module 'detoxify' not found. Run: pip install detoxify"
	MsgLoadFailedFmt  = "Failed to load model: %s"
	MsgReady          = "Model loaded"
	MsgInvalidJSON    = "Invalid JSON input"
	MsgNoTextProvided = "No text provided"
)

// Request is one decoded input line.
type Request struct {
	Text string          `json:"text"`
	ID   json.RawMessage `json:"id,omitempty"`
}

// Announcement reports startup progress; it is not tied to a request.
type Announcement struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Result is the success response. ID is always present, null when the
// request had none.
type Result struct {
	Status  Status             `json:"status"`
	Results map[string]float64 `json:"results"`
	ID      json.RawMessage    `json:"id"`
}

// Failure is a per-request error response. ID is omitted when absent.
type Failure struct {
	Status  Status          `json:"status"`
	Message string          `json:"message"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// NoText is the empty-text response. It has no status field; existing
// parents key on "error" for this case.
type NoText struct {
	Error string          `json:"error"`
	ID    json.RawMessage `json:"id"`
}

var errNotObject = errors.New("request is not a JSON object")

// decodeRequest parses one line. Only the exact keys "text" and "id" are
// read; other spellings are ignored. Syntax errors, non-object values and a
// non-string text all fail. A null text counts as empty.
func decodeRequest(line []byte) (Request, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, errNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Request{}, err
	}

	var req Request
	if raw, ok := fields["text"]; ok {
		if err := json.Unmarshal(raw, &req.Text); err != nil {
			return Request{}, err
		}
	}
	req.ID = normalizeID(fields["id"])
	return req, nil
}

// normalizeID maps an explicit null id to absent.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 || bytes.Equal(bytes.TrimSpace(id), []byte("null")) {
		return nil
	}
	return id
}
