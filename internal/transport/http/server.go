// Package http provides the HTTP server implementation for the executor.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/metrics"
	"github.com/catface996/aiops-executor/internal/service"
	v1 "github.com/catface996/aiops-executor/internal/transport/http/v1"
)

// NewServer creates and configures the public HTTP server: team registry,
// executions, event streams and metrics.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := v1.NewHandler(svc)
	h.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return e
}

func requestLogger() echo.MiddlewareFunc {
	logger := log.GetLogger()
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	})
}
