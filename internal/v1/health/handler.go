// Package health serves the kubernetes-style liveness and readiness probes.
// Liveness only proves the process is alive; readiness additionally requires
// a registered XMPP connection and at least one operational bridge.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// XMPPStatus reports whether the signaling connection is registered.
type XMPPStatus interface {
	Registered() bool
}

// BridgeFleet reports how many bridges can currently take allocations.
type BridgeFleet interface {
	OperationalCount() int
}

// Handler serves the probe endpoints.
type Handler struct {
	xmpp   XMPPStatus
	fleet  BridgeFleet
	nowUTC func() time.Time
}

func NewHandler(xmpp XMPPStatus, fleet BridgeFleet) *Handler {
	return &Handler{
		xmpp:   xmpp,
		fleet:  fleet,
		nowUTC: func() time.Time { return time.Now().UTC() },
	}
}

// LivenessResponse is the liveness probe payload.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse carries a per-dependency check map so operators can see
// which dependency degraded.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It returns 200 whenever the process
// can serve HTTP, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: h.nowUTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. 200 only when every dependency is
// healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	checks := map[string]string{
		"xmpp":    h.checkXMPP(),
		"bridges": h.checkBridges(),
	}

	status := "ready"
	code := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			code = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.nowUTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkXMPP() string {
	if h.xmpp == nil || !h.xmpp.Registered() {
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBridges() string {
	if h.fleet == nil || h.fleet.OperationalCount() == 0 {
		return "unhealthy"
	}
	return "healthy"
}
