package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stats are the live counters reported by the health endpoint.
type Stats interface {
	Count() int
	Pending() int
}

type statsFuncs struct {
	count   func() int
	pending func() int
}

func (s statsFuncs) Count() int   { return s.count() }
func (s statsFuncs) Pending() int { return s.pending() }

// NewStats combines the connection count and buffered message count.
func NewStats(connections, pending func() int) Stats {
	return statsFuncs{count: connections, pending: pending}
}

// Health answers liveness probes with a few live counters.
func Health(stats Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "OK",
			"connections": stats.Count(),
			"pending":     stats.Pending(),
		})
	}
}
