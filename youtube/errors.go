package youtube

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrorCode classifies an external API failure into a closed taxonomy.
// The sync engine reacts structurally to some codes (stop the run, refresh a
// stale identifier) instead of burning retry budget on them.
type ErrorCode string

const (
	// CodeQuotaExceeded means the daily API quota is spent. Not retryable;
	// the sync pauses rather than fails.
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	// CodeRateLimited means the API asked us to slow down. Retryable with backoff.
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeUnauthorized means credentials are missing, expired, or revoked.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// CodeNotFound means the requested resource does not exist. Not retryable;
	// for an uploads list it signals a stale identifier that must be re-resolved.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodePrivateOrDeleted means the item exists but is not accessible.
	CodePrivateOrDeleted ErrorCode = "PRIVATE_OR_DELETED"
	// CodeNetworkError means the call never got a usable response. Retryable.
	CodeNetworkError ErrorCode = "NETWORK_ERROR"
	// CodeUnknown is the fallback classification. Retryable, logged with context.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Retryable reports whether calls failing with this code should be retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeNetworkError, CodeUnknown:
		return true
	default:
		return false
	}
}

// APIError wraps an external API failure with its classification.
type APIError struct {
	// Code is the taxonomy classification.
	Code ErrorCode
	// Op is the API operation that failed ("playlistItems.list", ...).
	Op string
	// Err is the underlying error.
	Err error
}

// Error returns a string representation of the API error.
func (e *APIError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("youtube: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("youtube: %s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the wrapped failure should be retried.
func (e *APIError) Retryable() bool { return e.Code.Retryable() }

// CodeOf extracts the taxonomy code from err, classifying on the fly if err
// is not already an *APIError. Returns CodeUnknown for nil-safe fallbacks.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return classifyCode(err)
}

// IsCode reports whether err classifies as the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Classify wraps err in an *APIError carrying its taxonomy code.
// Already-classified errors pass through unchanged.
func Classify(op string, err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Code: classifyCode(err), Op: op, Err: err}
}

// classifyCode maps raw errors into the taxonomy.
func classifyCode(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyGoogleAPI(gErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetworkError
	}

	return CodeUnknown
}

// classifyGoogleAPI maps a Data API error response into the taxonomy.
// Reason strings follow the API's published error model: a 403 can mean
// quota exhaustion, per-user rate limiting, or a genuinely forbidden item.
func classifyGoogleAPI(gErr *googleapi.Error) ErrorCode {
	reasons := make([]string, 0, len(gErr.Errors))
	for _, item := range gErr.Errors {
		reasons = append(reasons, item.Reason)
	}

	switch gErr.Code {
	case 401:
		return CodeUnauthorized
	case 404:
		return CodeNotFound
	case 429:
		return CodeRateLimited
	case 403:
		if hasReason(reasons, "quotaExceeded", "dailyLimitExceeded") {
			return CodeQuotaExceeded
		}
		if hasReason(reasons, "rateLimitExceeded", "userRateLimitExceeded") {
			return CodeRateLimited
		}
		if hasReason(reasons, "forbidden", "videoNotFound", "playlistItemsNotAccessible", "watchHistoryNotAccessible") {
			return CodePrivateOrDeleted
		}
		return CodeUnauthorized
	}

	if gErr.Code >= 500 {
		return CodeNetworkError
	}
	if strings.Contains(strings.ToLower(gErr.Message), "quota") {
		return CodeQuotaExceeded
	}
	return CodeUnknown
}

func hasReason(reasons []string, wanted ...string) bool {
	for _, r := range reasons {
		for _, w := range wanted {
			if r == w {
				return true
			}
		}
	}
	return false
}

// retryableAPIError is the retry classifier used for every outbound call.
// Context errors are never retried.
func retryableAPIError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
