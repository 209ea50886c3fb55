package flowr

import (
	"errors"
	"fmt"
)

// ErrResponseTooLarge is wrapped in a RemoteServiceError when an answer
// exceeds the body size limit.
var ErrResponseTooLarge = errors.New("response body too large")

// RemoteServiceError reports a transport failure (Err set) or a non-success
// HTTP status from the service.
type RemoteServiceError struct {
	Command    string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.Err != nil {
		if e.StatusCode != 0 {
			return fmt.Sprintf("flowr %s status=%d: %v", e.Command, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("flowr %s request failed: %v", e.Command, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("flowr %s status=%d", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("flowr %s status=%d body=%s", e.Command, e.StatusCode, e.Body)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is returned when a command that answers with JSON
// sends something else.
type MalformedResponseError struct {
	Command string
	Body    string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("flowr %s malformed json response: %v; body: %s", e.Command, e.Err, e.Body)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
