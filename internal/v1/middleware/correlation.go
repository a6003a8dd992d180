// Package middleware contains Gin middleware for the node's HTTP surfaces.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/types"
)

const (
	// HeaderXCorrelationID carries a request id across node hops, so one
	// client write forwarded between peers stays one trace in the logs.
	HeaderXCorrelationID = "X-Correlation-ID"

	// HeaderXNodeID names the cluster member that served the response.
	// Behind a load balancer this is how you find the right node's logs.
	HeaderXNodeID = "X-Node-ID"
)

// Correlation propagates (or mints) a correlation id on every request and
// stamps the serving node's id on the response.
func Correlation(nodeID types.NodeID) gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Header(HeaderXNodeID, string(nodeID))

		// Exposed to handlers for contextual logging
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
