package rancher

import (
	"fmt"

	"github.com/pkg/errors"
)

// CodeActionNotAvailable is the error code returned when the platform will
// not run an action in the entity's current state.
const CodeActionNotAvailable = "ActionNotAvailable"

var (
	ErrNotFound         = errors.New("not found")
	ErrSidekickNotFound = errors.New("sidekick not found")
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rancher returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rancher returned status %d: %s", e.StatusCode, e.Body)
}

// Describe is the status and code of the answer, for operator messages.
func (e *APIError) Describe() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d, %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Refused returns the platform's answer when err is a request it received
// and turned down, as opposed to one it never answered or failed on.
func Refused(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return apiErr, true
	}
	return nil, false
}

func IsActionNotAvailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeActionNotAvailable
}
