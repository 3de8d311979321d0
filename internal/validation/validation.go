// Package validation provides input validation helpers for the Tradebay API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// Reason length bounds for dispute and cancellation reasons.
const (
	MinReasonLength = 4
	MaxReasonLength = 500
)

var (
	// idempotencyKeyRegex validates client-supplied idempotency keys
	idempotencyKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9:_-]{8,120}$`)
	// userIDRegex validates external user identifiers
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdempotencyKey checks a client idempotency key. Keys are optional
// on most endpoints; an empty key is handled by the caller, not here.
func IsValidIdempotencyKey(key string) bool {
	return idempotencyKeyRegex.MatchString(key)
}

// IsValidUserID checks an external user identifier
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// IsValidReason checks a free-text dispute or cancellation reason
func IsValidReason(reason string) bool {
	n := len(strings.TrimSpace(reason))
	return n >= MinReasonLength && n <= MaxReasonLength
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
