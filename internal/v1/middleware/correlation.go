// Package middleware contains Gin middleware shared by the node's HTTP
// surfaces.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meshchat/meshchat/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags every request with a correlation ID. Peer nodes
// forward the header on inter-node calls, so one client action can be
// traced across the fan-out; requests without the header get a fresh
// id. The id lands in the request context where the logging package
// picks it up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Echo on the response so callers can correlate their side.
		c.Header(HeaderXCorrelationID, correlationID)

		// Both the gin keys and the request context carry the id; the
		// zap field extraction reads the latter.
		c.Set(string(logging.CorrelationIDKey), correlationID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
