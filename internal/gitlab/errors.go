package gitlab

import (
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the GitLab API. Endpoint names the
// logical operation, not the literal URL.
type APIError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Body)
}

// Retriable reports whether repeating the request can succeed. Rate limits
// and server-side failures can; other client errors are permanent.
func (e *APIError) Retriable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// positionRejected matches the ways GitLab phrases a 400 caused by an
// inline position it will not accept.
func (e *APIError) positionRejected() bool {
	if e.Status != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(e.Body)
	if strings.Contains(body, "line_code") ||
		strings.Contains(body, "can't be blank") ||
		strings.Contains(body, "must be a valid line code") {
		return true
	}
	return strings.Contains(body, "bad request") && strings.Contains(body, "note")
}

// PositionRejectedError is a 400 from the discussions endpoint caused by an
// invalid inline position. The publisher falls back to a general note when
// it sees this type.
type PositionRejectedError struct {
	APIError
}

func (e *PositionRejectedError) Unwrap() error {
	return &e.APIError
}
