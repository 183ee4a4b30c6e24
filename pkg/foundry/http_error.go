package foundry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/redact"
)

// maxSnippetBytes bounds how much of a non-Conjure error body is kept.
const maxSnippetBytes = 256

// HTTPError summarizes a non-2xx dataset API response. It never carries the raw body: Conjure
// errors keep only their name, code and instance id, anything else a short redacted snippet.
type HTTPError struct {
	Op              string
	StatusCode      int
	Status          string
	ErrorName       string
	ErrorCode       string
	ErrorInstanceID string
	Snippet         string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "foundry http error"
	}
	var b strings.Builder
	b.WriteString("foundry api error: op=" + e.Op + " status=" + e.Status)
	for _, kv := range [][2]string{
		{"errorName", e.ErrorName},
		{"errorCode", e.ErrorCode},
		{"instance", e.ErrorInstanceID},
		{"body", e.Snippet},
	} {
		if kv[1] != "" {
			b.WriteString(" " + kv[0] + "=" + kv[1])
		}
	}
	return b.String()
}

// Temporary reports whether the response status is worth retrying.
func (e *HTTPError) Temporary() bool {
	return e != nil && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500)
}

func statusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the dataset API.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsOpenTransactionConflict reports whether a transaction could not be created because the branch
// already has an open one.
func IsOpenTransactionConflict(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusConflict {
		return false
	}
	return he.ErrorName == "OpenTransactionAlreadyExists" || he.ErrorCode == "CONFLICT"
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: strings.TrimSpace(op)}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	var env struct {
		ErrorCode       string `json:"errorCode"`
		ErrorName       string `json:"errorName"`
		ErrorInstanceID string `json:"errorInstanceId"`
	}
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		h.ErrorName = strings.TrimSpace(env.ErrorName)
		h.ErrorCode = strings.TrimSpace(env.ErrorCode)
		h.ErrorInstanceID = strings.TrimSpace(env.ErrorInstanceID)
	}
	if h.ErrorName == "" && h.ErrorCode == "" && h.ErrorInstanceID == "" {
		h.Snippet = redact.Snippet(string(body), maxSnippetBytes)
	}
	return h
}
