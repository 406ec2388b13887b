package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrStreamClosed is returned by EventStream.Next once the stream has
// delivered its last item.
var ErrStreamClosed = errors.New("event stream closed")

// ErrWSScheme is returned when the base URL's scheme has no WebSocket
// equivalent.
var ErrWSScheme = errors.New("base URL scheme has no WebSocket equivalent")

// APIError is a non-2xx answer from the service. Body is the response body;
// JSON is additionally set when the body is valid JSON, which is how the
// service reports prompt validation failures.
type APIError struct {
	StatusCode int
	Body       string
	JSON       json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code %d: %s", e.StatusCode, e.Body)
}

// responseError converts a non-2xx response into an *APIError, consuming
// the body for detail.
func responseError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	var body string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	} else {
		body = string(b)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}
	if json.Valid(b) {
		apiErr.JSON = json.RawMessage(b)
	}
	return apiErr
}
