package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coremachine/coremachine/internal/core/engine"
)

// Options configures the router: CORS origins and whether /metrics is
// mounted (spec §6's metrics_enabled toggle).
type Options struct {
	AllowedOrigins []string
	MetricsEnabled bool
}

// NewRouter wires CoreMachine's HTTP surface the way the teacher's
// internal/server composes gin.Engine + middleware + handler groups.
func NewRouter(core *engine.Core, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(attachTraceContext())
	r.Use(corsMiddleware(opts.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if opts.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	jobs := NewJobHandler(core)
	r.POST("/jobs", jobs.PostJobs)
	r.GET("/jobs/:id", jobs.GetJob)

	return r
}
