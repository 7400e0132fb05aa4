package reconciler

import (
	"errors"
	"fmt"
	"regexp"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"kreconcile/internal/store"
	kstrings "kreconcile/pkg/strings"
)

// maxConditionMessage bounds messages written into conditions.
const maxConditionMessage = 1024

var (
	credentialPattern = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|apikey|api_key|access_key)\s*[=:]\s*\S+`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
	pathPattern       = regexp.MustCompile(`(?:^|\s)(/[^\s/"']+)+/`)
	opaquePattern     = regexp.MustCompile(`[A-Za-z0-9+/_\-]{48,}={0,2}`)
)

// SanitizeErrorMessage strips credentials, filesystem paths and long opaque
// tokens from msg so it can be stored in a condition.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = bearerPattern.ReplaceAllString(msg, "bearer [REDACTED]")
	msg = pathPattern.ReplaceAllStringFunc(msg, func(m string) string {
		if m[0] != '/' {
			return m[:1] + "[PATH]/"
		}
		return "[PATH]/"
	})
	msg = opaquePattern.ReplaceAllString(msg, "[REDACTED]")
	return kstrings.Truncate(msg, maxConditionMessage)
}

// OwnershipError reports a dependent that exists but is controlled by
// another object.
type OwnershipError struct {
	Dependent string
	Owner     string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s exists and is not controlled by %s", e.Dependent, e.Owner)
}

// IsOwnershipError reports whether err is or wraps an OwnershipError.
func IsOwnershipError(err error) bool {
	var oe *OwnershipError
	return errors.As(err, &oe)
}

// IsConflictError reports whether err is an optimistic concurrency conflict.
func IsConflictError(err error) bool {
	return apierrors.IsConflict(err)
}

// failureReason maps an error to the Reason of a Ready=False condition.
func failureReason(err error) string {
	if IsOwnershipError(err) {
		return ReasonOwnershipConflict
	}
	return string(store.Classify(err))
}
