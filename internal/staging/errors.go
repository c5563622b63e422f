package staging

import (
	"errors"
	"fmt"
	"net/http"
)

// StagingError is a failed call to the hosting API. StatusCode is zero for
// transport failures.
type StagingError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *StagingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("staging: %s (status %d)", e.Message, e.StatusCode)
	}
	return "staging: " + e.Message
}

func (e *StagingError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a 404 from the hosting API.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, status int) bool {
	var serr *StagingError
	return errors.As(err, &serr) && serr.StatusCode == status
}
