// Package status serves the operational HTTP endpoints: a liveness probe
// and a JSON snapshot of the bot's runtime state.
package status

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Port    int
	Version string
	// InFlight reports the number of reasoning calls currently admitted.
	InFlight func() int
	// PollingState reports the transport supervisor's lifecycle state.
	PollingState func() string
	Out          io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	started := time.Now()

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	router.GET("/api/status", func(c *gin.Context) {
		inflight := 0
		if opts.InFlight != nil {
			inflight = opts.InFlight()
		}
		polling := "unknown"
		if opts.PollingState != nil {
			polling = opts.PollingState()
		}
		c.JSON(http.StatusOK, gin.H{
			"version":    opts.Version,
			"uptime_sec": int(time.Since(started).Seconds()),
			"inflight":   inflight,
			"polling":    polling,
		})
	})

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status server running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}
