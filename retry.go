package azmanagers

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// StatusError is returned by the Azure REST client when a response
// carries an HTTP status of 300 or above. It lets retryable classify
// the failure without re-parsing the response.
type StatusError struct {
	Status     int
	Body       []byte
	URL        string
	RetryAfter int // seconds, 0 if the response did not specify one
}

func (e *StatusError) Error() string {
	return "azure request to " + e.URL + " failed: status " + strconv.Itoa(e.Status) + ": " + string(e.Body)
}

// retryable reports whether err is worth retrying: HTTP 409/429/500,
// transient network errors, or a cause classified as temporary by
// the grailbio/base/errors taxonomy.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusConflict, http.StatusTooManyRequests, http.StatusInternalServerError:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return baseerrors.IsTemporary(err)
}

// backoffFor returns the sleep duration before retry attempt i
// (0-indexed), honoring a retry-after header value in seconds when
// present.
func backoffFor(i int, retryAfterSeconds int) time.Duration {
	if retryAfterSeconds > 0 {
		return time.Duration(retryAfterSeconds)*time.Second + jitter()
	}
	base := math.Min(math.Pow(2, float64(i-1)), 256)
	if i <= 0 {
		base = 0
	}
	return time.Duration(base*float64(time.Second)) + jitter()
}

func jitter() time.Duration {
	return time.Duration(rand.Float64() * float64(time.Second))
}

// RetryAfterFromHeader parses the integer-second value of an HTTP
// Retry-After header, returning 0 if absent or malformed.
func RetryAfterFromHeader(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithRetry runs op up to n+1 times, sleeping between attempts
// according to backoffFor, and returns the last error if every
// attempt fails or the first non-retryable error encountered.
func WithRetry(ctx context.Context, n int, op func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i <= n; i++ {
		if i > 0 {
			ra := 0
			var statusErr *StatusError
			if errors.As(lastErr, &statusErr) {
				ra = statusErr.RetryAfter
			}
			d := backoffFor(i, ra)
			log.Debug.Printf("retrying after %s (attempt %d/%d): %v", d, i, n, lastErr)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
