// Package httpapi implements the v1 HTTP surface (§6.1): request
// validation, the `X-Api-Key` auth middleware, and the structured
// error envelope every handler shares.
package httpapi

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
)

// Version is stamped into the health response; overridden at build
// time in real deployments via -ldflags.
var Version = "dev"

var startedAt = time.Now()

// New builds the echo application, wires the shared middleware stack,
// and mounts every route group under /api/v1.
func New(cfg config.ServerConfig, research *ResearchHandler, sessions *SessionsHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", bodyLimitOrDefault(cfg.BodyMaxBytes))))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Api-Key"},
	}))
	e.HTTPErrorHandler = errorHandler(logger)

	e.GET("/api/v1/health", healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.Use(apiKeyMiddleware(cfg.APIKey))

	research.Register(v1)
	sessions.Register(v1)

	return e
}

func bodyLimitOrDefault(configured int64) int64 {
	if configured > 0 {
		return configured
	}
	return 50 * 1024 // 50 KB per §6.1.
}

// apiKeyMiddleware compares X-Api-Key against the configured key in
// constant time, per §6.1's auth requirement.
func apiKeyMiddleware(expected string) echo.MiddlewareFunc {
	expectedBytes := []byte(expected)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := []byte(c.Request().Header.Get("X-Api-Key"))
			if len(got) != len(expectedBytes) || subtle.ConstantTimeCompare(got, expectedBytes) != 1 {
				return apperr.New(apperr.Auth, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"uptime":    time.Since(startedAt).String(),
	})
}

// errorHandler renders every error, classified or not, into §6.1's
// envelope: `{success:false, error:{code, message, details?}}`.
// Unclassified errors collapse to INTERNAL_ERROR with a generic
// message so internals never leak to clients.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		req := c.Request()

		if appErr, ok := err.(*apperr.Error); ok {
			logger.Printf("%d %s %s: %s", appErr.HTTPStatus, req.Method, req.URL.Path, appErr.Error())
			body := map[string]any{"code": string(appErr.Code), "message": appErr.Message}
			if appErr.Details != nil {
				body["details"] = appErr.Details
			}
			_ = c.JSON(appErr.HTTPStatus, map[string]any{"success": false, "error": body})
			return
		}

		if he, ok := err.(*echo.HTTPError); ok {
			logger.Printf("%d %s %s: %v", he.Code, req.Method, req.URL.Path, he.Message)
			_ = c.JSON(he.Code, map[string]any{"success": false, "error": map[string]any{
				"code":    "VALIDATION",
				"message": fmt.Sprint(he.Message),
			}})
			return
		}

		logger.Printf("500 %s %s: %v", req.Method, req.URL.Path, err)
		_ = c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "error": map[string]any{
			"code":    "INTERNAL_ERROR",
			"message": "an unexpected error occurred",
		}})
	}
}
