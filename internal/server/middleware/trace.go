package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/formahq/forma/internal/tracing"
)

// WithLoggingTracing saves the trace ID and operation name to the request
// context so subsequent logs carry them.
func WithLoggingTracing(config tracing.Config) gin.HandlerFunc {
	traceHeader := config.TraceHeader
	if traceHeader == "" {
		traceHeader = "FM-Trace-Id"
	}

	return func(c *gin.Context) {
		// Use the trace header from the request first.
		traceID := c.GetHeader(traceHeader)
		if traceID == "" {
			for _, header := range config.ExtraTraceHeaders {
				if traceID = c.GetHeader(header); traceID != "" {
					break
				}
			}
		}

		if traceID == "" {
			traceID = tracing.GenerateTraceID()
		}

		c.Header(traceHeader, traceID)

		ctx := tracing.WithTraceID(c.Request.Context(), traceID)
		ctx = tracing.WithOperationName(ctx, fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()))

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
