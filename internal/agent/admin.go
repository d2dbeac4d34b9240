package agent

import (
	"net/http"
	"time"

	"github.com/danmuck/frr-agent/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Version is reported by /health and the version subcommand.
var Version = "1.0.0"

// Admin is the read-only HTTP view of a Service.
type Admin struct {
	svc    *Service
	router *gin.Engine
}

func NewAdmin(svc *Service) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log.Logger))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{svc: svc, router: r}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		st := a.svc.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(st.StartedAt).String(),
			"service": "frr-agent",
			"version": Version,
		})
	})

	a.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.svc.Status())
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
