package gateway

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/climatoology/climatoology/objectstore"
)

func (g *Gateway) listArtifacts(c echo.Context) error {
	corr, err := uuid.Parse(c.Param("correlation_uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid correlation uuid")
	}
	descriptors, err := g.artifacts.ListAll(c.Request().Context(), corr)
	if err != nil {
		g.logger.WithField("correlation_uuid", corr).WithError(err).Error("failed to list artifacts")
		return echo.NewHTTPError(http.StatusBadGateway, "artifact store unavailable")
	}
	return c.JSON(http.StatusOK, descriptors)
}

// downloadArtifact streams one data blob. The optional file_name query
// names the download and drives its content type.
func (g *Gateway) downloadArtifact(c echo.Context) error {
	corr, err := uuid.Parse(c.Param("correlation_uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid correlation uuid")
	}
	storeID := c.Param("store_id")

	body, size, err := g.artifacts.Get(c.Request().Context(), corr, storeID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
		}
		g.logger.WithField("store_id", storeID).WithError(err).Error("failed to get artifact")
		return echo.NewHTTPError(http.StatusBadGateway, "artifact store unavailable")
	}
	defer body.Close()

	filename := c.QueryParam("file_name")
	if filename == "" {
		filename = storeID
	}
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	if size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Stream(http.StatusOK, contentType, body)
}
