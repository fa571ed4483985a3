package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires the middleware chain and the bot routes.
func NewRouter(bots BotService, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), Logger(logger), Recovery(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	h := NewBotHandler(bots, logger)
	v1 := router.Group("/api/v1", RequireOwner())
	{
		v1.POST("/bots", h.CreateBot)
		v1.GET("/bots", h.ListBots)
		v1.GET("/bots/:id", h.GetBot)
		v1.PUT("/bots/:id", h.ReplaceBot)
		v1.DELETE("/bots/:id", h.DeleteBot)
		v1.POST("/bots/:id/start", h.StartBot)
		v1.POST("/bots/:id/stop", h.StopBot)
		v1.POST("/bots/:id/reset", h.ResetBot)
	}
	return router
}

// Serve runs the HTTP server until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP 控制接口启动", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("HTTP 控制接口已关闭")
		return nil
	}
}
