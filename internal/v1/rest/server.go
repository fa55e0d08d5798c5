// Package rest is the operator HTTP surface: health probes, version, stats,
// debug views of live conferences, bridge-version pinning, and manual
// endpoint moves.
package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/bridge"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/health"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/middleware"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/ratelimit"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/registry"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Options wires the router to the running focus instance.
type Options struct {
	Store         *registry.Store
	Selector      *bridge.Selector
	Redistributor *bridge.Redistributor
	Health        *health.Handler
	Version       string
	// AllowedOrigins feeds the CORS policy. Empty allows no cross-origin
	// callers.
	AllowedOrigins []string
	// APIRate is the per-client-IP limit in limiter shorthand ("100-M").
	// Empty disables API rate limiting.
	APIRate string
}

// NewRouter builds the full operator router.
func NewRouter(opts Options) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("focus"))
	r.Use(middleware.CorrelationID())

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  opts.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", middleware.HeaderXCorrelationID},
			ExposeHeaders: []string{middleware.HeaderXCorrelationID},
			MaxAge:        12 * time.Hour,
		}))
	}
	if opts.APIRate != "" {
		mw, err := ratelimit.APIMiddleware(opts.APIRate)
		if err != nil {
			return nil, err
		}
		r.Use(mw)
	}

	s := &server{opts: opts}

	r.GET("/health/live", opts.Health.Liveness)
	r.GET("/health/ready", opts.Health.Readiness)
	r.GET("/about/health", opts.Health.Readiness)
	r.GET("/about/version", s.version)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats", s.stats)
	r.GET("/debug", s.debug)
	r.GET("/debug/conference/:room", s.debugConference)
	r.POST("/pin", s.pin)
	r.POST("/unpin", s.unpin)
	r.GET("/move-endpoint", s.moveEndpoint)
	r.POST("/move-endpoint", s.moveEndpoint)
	r.GET("/move-endpoints", s.moveEndpoints)
	r.POST("/move-endpoints", s.moveEndpoints)
	r.GET("/move-fraction", s.moveFraction)
	r.POST("/move-fraction", s.moveFraction)

	return r, nil
}

type server struct {
	opts Options
}

func (s *server) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.opts.Version})
}

// stats aggregates the fleet and conference state into one payload.
func (s *server) stats(c *gin.Context) {
	conferences := s.opts.Store.All()
	participants := 0
	for _, conf := range conferences {
		participants += conf.Snapshot(false).SessionCount
	}

	fleet := s.opts.Selector.All()
	operational := 0
	for _, b := range fleet {
		if b.Operational {
			operational++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"conferences":         len(conferences),
		"participants":        participants,
		"bridges":             len(fleet),
		"operational_bridges": operational,
		"pins":                s.opts.Store.Pins(),
	})
}

// debug lists every live conference. ?full=true includes per-participant
// detail, which is more expensive because each snapshot crosses into the
// conference's executor.
func (s *server) debug(c *gin.Context) {
	full := c.Query("full") == "true"
	conferences := s.opts.Store.All()
	out := make([]any, 0, len(conferences))
	for _, conf := range conferences {
		out = append(out, conf.Snapshot(full))
	}
	c.JSON(http.StatusOK, gin.H{
		"conferences": out,
		"bridges":     s.opts.Selector.All(),
	})
}

func (s *server) debugConference(c *gin.Context) {
	room := types.RoomID(c.Param("room"))
	conf, ok := s.opts.Store.Get(room)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conference not found"})
		return
	}
	c.JSON(http.StatusOK, conf.Snapshot(true))
}

type pinRequest struct {
	Conference string `json:"conference" binding:"required"`
	Version    string `json:"version" binding:"required"`
	Minutes    int    `json:"minutes" binding:"required"`
}

func (s *server) pin(c *gin.Context) {
	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Minutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be positive"})
		return
	}
	s.opts.Store.Pin(types.RoomID(req.Conference), types.BridgeVersion(req.Version),
		time.Duration(req.Minutes)*time.Minute)
	c.JSON(http.StatusOK, gin.H{"pins": s.opts.Store.Pins()})
}

type unpinRequest struct {
	Conference string `json:"conference" binding:"required"`
}

func (s *server) unpin(c *gin.Context) {
	var req unpinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.opts.Store.Unpin(types.RoomID(req.Conference))
	c.JSON(http.StatusOK, gin.H{"pins": s.opts.Store.Pins()})
}

// moveEndpoint moves one named endpoint off its bridge. Parameters arrive as
// query or form values so the endpoint works from both curl and dashboards.
func (s *server) moveEndpoint(c *gin.Context) {
	room := types.RoomID(param(c, "conference"))
	endpoint := types.EndpointID(param(c, "endpoint"))
	bridgeJID := xmpp.JID(param(c, "bridge"))

	if room == "" || endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conference and endpoint are required"})
		return
	}
	if err := s.opts.Redistributor.MoveEndpoint(room, endpoint, bridgeJID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"moved": 1})
}

// moveEndpoints moves up to numEndpoints off a bridge, optionally scoped to
// one conference.
func (s *server) moveEndpoints(c *gin.Context) {
	bridgeJID := xmpp.JID(param(c, "bridge"))
	if bridgeJID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bridge is required"})
		return
	}
	n, err := intParam(c, "endpoints", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room := types.RoomID(param(c, "conference"))
	moved := s.opts.Redistributor.MoveEndpoints(bridgeJID, room, n)
	c.JSON(http.StatusOK, gin.H{"moved": moved})
}

// moveFraction moves the given fraction of a bridge's endpoints.
func (s *server) moveFraction(c *gin.Context) {
	bridgeJID := xmpp.JID(param(c, "bridge"))
	if bridgeJID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bridge is required"})
		return
	}
	raw := param(c, "fraction")
	fraction, err := strconv.ParseFloat(raw, 64)
	if err != nil || fraction <= 0 || fraction > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid fraction '%s'", raw)})
		return
	}
	moved := s.opts.Redistributor.MoveFraction(bridgeJID, fraction)
	c.JSON(http.StatusOK, gin.H{"moved": moved})
}

func param(c *gin.Context, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.PostForm(name)
}

func intParam(c *gin.Context, name string, fallback int) (int, error) {
	raw := param(c, name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s '%s'", name, raw)
	}
	return n, nil
}
