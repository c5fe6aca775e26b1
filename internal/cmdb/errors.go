package cmdb

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned, without a request being sent, when the
// credential precondition fails.
var ErrMissingCredential = errors.New("no valid kerberos credential")

// ExpectedFailureError is an HTTP 400 from the CMDB. It usually means "not
// found" or one of the CMDB's known benign failures; callers decide whether
// to ignore it.
type ExpectedFailureError struct {
	Desc string
	Text string
}

func (e *ExpectedFailureError) Error() string {
	return fmt.Sprintf("%s: cmdb rejected request: %s", e.Desc, e.Text)
}

// ConnectionError is any other non-200 outcome, including transport failures.
type ConnectionError struct {
	Desc   string
	Status int
	Body   string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed %s: %v", e.Desc, e.Err)
	}
	return fmt.Sprintf("failed %s: %d - %s", e.Desc, e.Status, e.Body)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsExpectedFailure reports whether err carries an ExpectedFailureError.
func IsExpectedFailure(err error) bool {
	var ef *ExpectedFailureError
	return errors.As(err, &ef)
}
