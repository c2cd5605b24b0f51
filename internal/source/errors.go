package source

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	pkgerrors "promorelay/pkg/errors"
)

var ErrNotConnected = pkgerrors.NewError("NOT_CONNECTED", "source client is not connected", http.StatusServiceUnavailable).AsRetryable()

// RateLimitError carries the wait the platform mandated before the next call.
type RateLimitError struct {
	Op   string
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, a wait of %d seconds is required", e.Op, int(e.Wait.Seconds()))
}

func (e *RateLimitError) Unwrap() error {
	return pkgerrors.ErrRateLimited
}

var waitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`FLOOD_WAIT_(\d+)`),
	regexp.MustCompile(`(?i)wait of (\d+) seconds`),
	regexp.MustCompile(`(?i)retry after (\d+)`),
}

// RateLimitWait extracts a mandated wait from err. It understands
// *RateLimitError, rate-limited *errors.Error values carrying a wait_seconds
// detail, and the textual forms platforms embed in error messages.
func RateLimitWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}

	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) && appErr.Code == pkgerrors.ErrRateLimited.Code {
		switch v := appErr.Details["wait_seconds"].(type) {
		case int:
			return time.Duration(v) * time.Second, true
		case float64:
			return time.Duration(v * float64(time.Second)), true
		}
	}

	msg := err.Error()
	for _, re := range waitPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil {
				return time.Duration(n) * time.Second, true
			}
		}
	}

	return 0, false
}

// IsRateLimited reports whether err asks the caller to back off.
func IsRateLimited(err error) bool {
	if pkgerrors.IsRateLimited(err) {
		return true
	}
	_, ok := RateLimitWait(err)
	return ok
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
