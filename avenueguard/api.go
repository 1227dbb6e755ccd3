package avenueguard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealthCheck = "/healthz"
	apiPathStatus      = "/status"
	apiPathMetrics     = "/metrics"

	xRequestIDHeader = "X-Request-ID"
)

// API is the local status HTTP server. It only reports state, never
// mutates it.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	ag *AvenueGuard
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type statusResponse struct {
	Version                 string `json:"version"`
	UptimeSeconds           int64  `json:"uptime_seconds"`
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	CurrentWeek             string `json:"current_week"`
	CurrentWeekMessages     int64  `json:"current_week_messages"`
	CurrentWeekCounters     int64  `json:"current_week_counters"`
}

func newAPI(ag *AvenueGuard, config *APIConfig) *API {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		ag:             ag,
		requestMetrics: map[string]int{},
		logger:         setupLogger.With(loggerNameKey, "api"),
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)

	r.GET(apiPathHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.status)
	r.GET(apiPathMetrics, api.metrics)

	return api
}

// Serve blocks until the server stops. The caller is responsible for
// calling Shutdown via the returned http.Server on context cancellation.
func (a *API) Serve() error {
	a.logger.Info("starting http server", "listen", a.config.Listen)
	err := a.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *API) healthCheck(c *gin.Context) {
	runtimeConfig := a.ag.RuntimeConfig()
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  runtimeConfig.Paused,
			DiscordGatewayConnected: a.ag.discord.connected.Load(),
		},
	)
}

func (a *API) status(c *gin.Context) {
	ctx := c.Request.Context()
	runtimeConfig := a.ag.RuntimeConfig()
	guildID := a.ag.config.Discord.GuildID
	week := weekStartKey(time.Now())

	total, err := a.ag.tracker.WeekMessageTotal(ctx, guildID, week)
	if err != nil {
		ginContextLogger(c, a.logger).Error(
			"error reading week totals",
			tint.Err(err),
		)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	counters, err := a.ag.tracker.WeekCounterRows(ctx, guildID, week)
	if err != nil {
		ginContextLogger(c, a.logger).Error(
			"error counting tracked members",
			tint.Err(err),
		)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(
		http.StatusOK, statusResponse{
			Version:                 Version,
			UptimeSeconds:           int64(time.Since(a.ag.startedAt).Seconds()),
			Paused:                  runtimeConfig.Paused,
			DiscordGatewayConnected: a.ag.discord.connected.Load(),
			CurrentWeek:             week,
			CurrentWeekMessages:     total,
			CurrentWeekCounters:     counters,
		},
	)
}

// metrics reports the per-route request counts collected by
// metricMiddleware.
func (a *API) metrics(c *gin.Context) {
	a.requestMetricsMu.Lock()
	counts := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		counts[k] = v
	}
	a.requestMetricsMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"request_counts": counts})
}

func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger, creating and
// caching one on the context if absent.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, lok := v.(*slog.Logger); lok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"id", requestID,
			"method", c.Request.Method,
			"path", path,
			"client_ip", c.ClientIP(),
		),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
