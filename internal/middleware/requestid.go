package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored.
	RequestIDKey = "request_id"

	// maxRequestIDLength bounds caller-supplied identifiers before they reach the logs.
	maxRequestIDLength = 128
)

type requestIDContextKey struct{}

// RequestIDMiddleware returns a Gin handler that gives every request an identifier.
//
// An inbound X-Request-ID header is reused when it is a short token of letters, digits,
// '-', '_' or '.'; anything else is replaced by a fresh UUID v4. The identifier is stored
// in gin.Context under RequestIDKey, attached to the request's context.Context (see
// RequestIDFromContext) and echoed in the response header.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDContextKey{}, id))
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// RequestIDFromContext returns the request identifier attached by RequestIDMiddleware,
// or "" when ctx did not come from a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
