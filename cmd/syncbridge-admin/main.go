// syncbridge-admin is the companion health/metrics binary, kept separate
// from the webhook ingress server so operational surfaces (liveness,
// readiness against postgres, and a Prometheus scrape endpoint) can be
// scaled and exposed independently, fronted by CORS so a browser-based
// status dashboard can poll it directly.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncbridge/core/internal/config"
	"github.com/syncbridge/core/internal/logging"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("syncbridge-admin: load config: %v", err)
	}
	logger := logging.NewComponentLoggerAt("syncbridge-admin", logging.ParseLevel(cfg.LogLevel))

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("syncbridge-admin: connect postgres: %v", err)
		}
		defer pool.Close()
	} else {
		logger.Warn("syncbridge-admin: no postgres_dsn configured, readiness check is always healthy")
	}

	router := newRouter(pool, logger)

	srv := &http.Server{
		Addr:              adminAddr(cfg),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("syncbridge-admin: listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("syncbridge-admin: server exited: %v", err)
	}
}

// adminAddr comes from cfg.AdminAddr (default ":8081") rather than being
// derived from cfg.HTTPAddr: the admin
// surface is a separate process deployed alongside the main server, not
// an alternate port for the same listener.
func adminAddr(cfg config.Config) string {
	if cfg.AdminAddr != "" {
		return cfg.AdminAddr
	}
	return ":8081"
}

func newRouter(pool *pgxpool.Pool, logger logging.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	router.GET("/readyz", func(c *gin.Context) {
		if pool == nil {
			c.String(http.StatusOK, "ok")
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("syncbridge-admin: readiness ping failed: %v", err)
			c.String(http.StatusServiceUnavailable, "postgres unreachable: %v", err)
			return
		}
		c.String(http.StatusOK, "ok")
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func corsMiddleware() gin.HandlerFunc {
	c := cors.DefaultConfig()
	c.AllowAllOrigins = true
	c.AllowMethods = []string{http.MethodGet}
	return cors.New(c)
}
