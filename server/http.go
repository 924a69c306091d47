package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"media-enricher/config"
	"media-enricher/constant"
	"media-enricher/repository"
)

// httpService serves /health and /metrics under the supervisor.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func newHTTPService(cfg *config.Config, repo repository.Repository, role constant.Role) *httpService {
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	addHealth(r, repo, role)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &httpService{
		server: &http.Server{
			Handler:           r,
			Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	}
}

func (h *httpService) String() string {
	return "http-server"
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		zerolog.Ctx(ctx).Info().Str("addr", h.server.Addr).Msg("start http server")
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()
	zerolog.Ctx(ctx).Info().Msg("shutting down http server")
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("http server shutdown")
		return err
	}
	return ctx.Err()
}

func addHealth(r *gin.Engine, repo repository.Repository, role constant.Role) {
	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		db, err := repo.GetDB().DB()
		if err == nil {
			err = db.PingContext(c.Request.Context())
		}
		if err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": status,
			"role":   role.String(),
		})
	})
}
