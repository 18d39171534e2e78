package pipeline

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware adapts the pipeline for gin-based applications. Semantics
// match Middleware: blocked requests are answered and aborted here, allowed
// ones are observed after the chain completes.
func (p *Pipeline) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		desc := FromRequest(c.Request)
		if p.IdentityFunc != nil {
			if userID, ok := p.IdentityFunc(c.Request); ok {
				desc.Authenticated = true
				desc.UserID = userID
			}
		}

		decision := p.Inspect(c.Request.Context(), desc)
		if !decision.Allow {
			if decision.StatusCode == http.StatusTooManyRequests {
				seconds := int(decision.RetryAfter / time.Second)
				if seconds <= 0 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":       "Rate limit exceeded",
					"retry_after": seconds,
				})
				return
			}
			c.String(decision.StatusCode, "Access denied")
			c.Abort()
			return
		}

		start := time.Now()
		c.Next()

		p.Observe(desc, decision.Analysis, c.Writer.Status(), time.Since(start))
	}
}
