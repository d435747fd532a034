package ledger

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ledger", auth.RequireRole(auth.RoleAdmin))
	g.GET("/verify", h.VerifyChain)
	g.GET("/:tx", h.GetEntry)
}

func (h *Handler) GetEntry(c echo.Context) error {
	entry, err := h.ledger.Lookup(c.Request().Context(), c.Param("tx"))
	if errors.Is(err, ErrTxNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "ledger unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) VerifyChain(c echo.Context) error {
	n, err := h.ledger.Verify(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"valid":    false,
			"verified": n,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":    true,
		"verified": n,
	})
}
