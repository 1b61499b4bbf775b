package poll

import (
	"errors"
	"net"
	"strings"

	"github.com/learnhub/reportd/client"
)

// retryableStatus holds the HTTP response codes worth retrying.
var retryableStatus = map[int]bool{
	408: true, // Request Timeout
	429: true, // Too Many Requests
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsTransient reports whether err is likely recoverable by retrying.
//
// Errors carrying a retryable HTTP status, network timeouts and errors
// whose text points to network conditions are transient; everything
// else is fatal to a polling session.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var se *client.StatusError
	if errors.As(err, &se) {
		return retryableStatus[se.Code]
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout",
		"timed out",
		"network",
		"connection refused",
		"connection reset",
		"no such host",
		"broken pipe",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
