// Package gateway serves the public HTTP and WebSocket surface of the
// platform: plugin discovery, computation dispatch, the live notification
// stream and artifact access.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/sender"
	"github.com/climatoology/climatoology/version"
)

// Dispatcher is the sender slice the gateway drives.
type Dispatcher interface {
	ListActivePlugins(ctx context.Context) ([]string, error)
	RequestInfo(ctx context.Context, pluginID, pluginVersion string) (info.Info, error)
	SendCompute(ctx context.Context, req sender.ComputeRequest) (*sender.Handle, error)
}

// EventSource taps the computation notification fan-out.
type EventSource interface {
	Subscribe(ctx context.Context, filter *uuid.UUID) (<-chan computation.ComputeCommandResult, func(), error)
}

// ArtifactStore serves stored computation outputs.
type ArtifactStore interface {
	ListAll(ctx context.Context, correlationUUID uuid.UUID) ([]artifact.Descriptor, error)
	Get(ctx context.Context, correlationUUID uuid.UUID, storeID string) (io.ReadCloser, int64, error)
}

// Config carries the HTTP surface settings.
type Config struct {
	ServiceName string
	// Host is the bind address; empty binds all interfaces.
	Host           string
	Port           int
	BodyLimit      string
	AllowedOrigins []string
	// APIKey protects the dispatch route; empty disables the check.
	APIKey string
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "climatoology-gateway"
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.BodyLimit == "" {
		c.BodyLimit = "10M"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	return c
}

// Gateway is the assembled HTTP surface.
type Gateway struct {
	dispatcher Dispatcher
	events     EventSource
	artifacts  ArtifactStore
	cfg        Config
	logger     *logrus.Entry
	echo       *echo.Echo
	started    time.Time
}

// New assembles the gateway routes over the given collaborators. A nil
// logger falls back to the process logger.
func New(d Dispatcher, events EventSource, artifacts ArtifactStore, cfg Config, logger *logrus.Logger) *Gateway {
	g := &Gateway{
		dispatcher: d,
		events:     events,
		artifacts:  artifacts,
		cfg:        cfg.withDefaults(),
		logger:     common.ComponentLogger(logger, "gateway"),
		started:    time.Now().UTC(),
	}
	g.echo = g.router()
	return g
}

func (g *Gateway) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(g.cfg.BodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: g.cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			"X-API-Key",
		},
	}))
	e.Use(middleware.RequestID())

	e.GET("/health", g.health)
	e.GET("/plugin", g.listPlugins)
	e.GET("/plugin/:id", g.pluginInfo)
	e.POST("/plugin/:id", g.compute, APIKeyAuth(g.cfg.APIKey))
	e.GET("/computation", g.stream)
	e.GET("/store/:correlation_uuid", g.listArtifacts)
	e.GET("/store/:correlation_uuid/:store_id", g.downloadArtifact)
	return e
}

// APIKeyAuth validates the X-API-Key header. An empty configured key
// disables the check.
func APIKeyAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}
			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			if key != apiKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}

// Start serves until Shutdown or a listener failure.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.logger.WithField("address", addr).Info("gateway listening")
	return g.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.echo.Shutdown(ctx)
}

// ServeHTTP makes the gateway mountable and testable as a plain handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.echo.ServeHTTP(w, r)
}

type healthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (g *Gateway) health(c echo.Context) error {
	build := version.GetBuildInfo()
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Service: g.cfg.ServiceName,
		Version: build.Library,
		Details: map[string]interface{}{
			"go_version":   build.GoVersion,
			"main_version": build.MainVersion,
			"started":      humanize.Time(g.started),
		},
	})
}

func (g *Gateway) listPlugins(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := g.dispatcher.ListActivePlugins(ctx)
	if err != nil {
		g.logger.WithError(err).Error("failed to list active plugins")
		return echo.NewHTTPError(http.StatusBadGateway, "plugin registry unavailable")
	}
	infos := make([]info.Info, 0, len(ids))
	for _, id := range ids {
		i, err := g.dispatcher.RequestInfo(ctx, id, "")
		if err != nil {
			// Went offline between the registry ping and the info request.
			g.logger.WithField("plugin", id).WithError(err).Warn("skipping unreachable plugin")
			continue
		}
		infos = append(infos, i)
	}
	return c.JSON(http.StatusOK, infos)
}

func (g *Gateway) pluginInfo(c echo.Context) error {
	id := c.Param("id")
	i, err := g.dispatcher.RequestInfo(c.Request().Context(), id, "")
	if err != nil {
		return g.pluginError(id, err)
	}
	return c.JSON(http.StatusOK, i)
}

type computeBody struct {
	Aoi    json.RawMessage `json:"aoi,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type computeResponse struct {
	CorrelationUUID uuid.UUID `json:"correlation_uuid"`
}

// compute dispatches a computation. A request without an area runs the
// plugin's demo area; a request without params falls back to the demo
// params. The response carries the canonical correlation uuid, which is
// shared between deduplicated requests.
func (g *Gateway) compute(c echo.Context) error {
	id := c.Param("id")
	var body computeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	pluginInfo, err := g.dispatcher.RequestInfo(ctx, id, "")
	if err != nil {
		return g.pluginError(id, err)
	}

	area, err := resolveArea(body.Aoi, pluginInfo)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	params := body.Params
	if len(params) == 0 {
		params = pluginInfo.DemoConfig.Params
	}
	if len(params) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "params are required")
	}

	handle, err := g.dispatcher.SendCompute(ctx, sender.ComputeRequest{
		PluginID:        id,
		CorrelationUUID: uuid.New(),
		Area:            area,
		Params:          params,
	})
	if err != nil {
		return g.pluginError(id, err)
	}
	return c.JSON(http.StatusAccepted, computeResponse{CorrelationUUID: handle.CorrelationUUID})
}

// resolveArea prefers the request area over the plugin's demo area.
func resolveArea(raw json.RawMessage, pluginInfo info.Info) (aoi.Aoi, error) {
	if len(raw) > 0 {
		area, err := aoi.FromFeatureJSON(raw)
		if err != nil {
			return aoi.Aoi{}, fmt.Errorf("invalid area of interest: %w", err)
		}
		return area, nil
	}
	if pluginInfo.DemoConfig.Aoi != nil {
		return *pluginInfo.DemoConfig.Aoi, nil
	}
	return aoi.Aoi{}, errors.New("no area of interest given and the plugin has no demo area")
}

func (g *Gateway) pluginError(id string, err error) error {
	var mismatch *info.VersionMismatchError
	switch {
	case errors.Is(err, sender.ErrInfoNotReceived):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("plugin %s is not available", id))
	case errors.As(err, &mismatch):
		g.logger.WithField("plugin", id).WithError(err).Error("library version mismatch")
		return echo.NewHTTPError(http.StatusBadGateway, mismatch.Error())
	default:
		g.logger.WithField("plugin", id).WithError(err).Error("plugin request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "plugin request failed")
	}
}
