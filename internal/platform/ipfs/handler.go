package ipfs

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

var cidPattern = regexp.MustCompile(`^[a-zA-Z0-9]{32,128}$`)

type Handler struct {
	pinner Pinner
}

func NewHandler(pinner Pinner) *Handler {
	return &Handler{pinner: pinner}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/ipfs/verify/:cid", h.Verify)
}

// Verify reports whether a CID is reachable through the configured gateway.
func (h *Handler) Verify(c echo.Context) error {
	cid := c.Param("cid")
	if !cidPattern.MatchString(cid) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cid")
	}
	v, err := h.pinner.Verify(c.Request().Context(), cid)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "ipfs gateway unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cid":          v.CID,
		"accessible":   v.Accessible,
		"ipfs_url":     h.pinner.GatewayURL(cid),
		"content_type": v.ContentType,
		"size":         v.ContentLength,
	})
}
