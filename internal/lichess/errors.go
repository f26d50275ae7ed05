package lichess

import (
	"errors"
	"fmt"
)

// ErrGaveUp is returned once the retry budget of a request or stream is spent.
var ErrGaveUp = errors.New("lichess: retry budget exhausted")

// ErrStreamIdle is returned when a stream stayed silent past the idle timeout.
var ErrStreamIdle = errors.New("lichess: stream went silent")

// StatusError is a non-2xx response that was not retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lichess api error: status=%d body=%s", e.Code, e.Body)
}

// IsClientError reports whether err carries a 4xx status other than 429.
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != 429
}

func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 404
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
