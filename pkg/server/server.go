package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aigoflow/inference-router/internal/handlers"
)

// Server hosts the HTTP surface: chat completions, the admin API
// and the Prometheus scrape endpoint.
type Server struct {
	httpAddr string
	chat     *handlers.ChatHandler
	admin    *handlers.AdminHandler
	promReg  *prometheus.Registry
}

func NewServer(httpAddr string, chat *handlers.ChatHandler, admin *handlers.AdminHandler, promReg *prometheus.Registry) *Server {
	return &Server{
		httpAddr: httpAddr,
		chat:     chat,
		admin:    admin,
		promReg:  promReg,
	}
}

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s.chat.RegisterRoutes(engine)
	s.admin.RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:    s.httpAddr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", s.httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
