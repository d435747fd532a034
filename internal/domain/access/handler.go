package access

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

// ActorResolver turns the authenticated request context into an actor.
type ActorResolver interface {
	CurrentActor(ctx context.Context) (authz.Actor, error)
}

type Handler struct {
	svc    *Service
	actors ActorResolver
}

func NewHandler(svc *Service, actors ActorResolver) *Handler {
	return &Handler{svc: svc, actors: actors}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	members := auth.RequireRole(auth.RolePatient, auth.RoleDoctor)
	g := api.Group("/auth/access")
	g.GET("", h.List, members)
	g.POST("", h.Request, auth.RequireRole(auth.RolePatient))
	// Revoke and approve resolve the grant scoped to the caller; the wrong
	// role gets the same NotFound as an unknown id.
	g.POST("/:id/revoke", h.Revoke, members)
	g.POST("/:id/approve", h.Approve, members)
}

func (h *Handler) actor(c echo.Context) (authz.Actor, error) {
	a, err := h.actors.CurrentActor(c.Request().Context())
	if err != nil {
		return authz.Actor{}, apperr.HTTPError(err)
	}
	return a, nil
}

func (h *Handler) List(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	grants, err := h.svc.ListGrants(c.Request().Context(), actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, grants)
}

func (h *Handler) Request(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var in RequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	grant, err := h.svc.RequestAccess(c.Request().Context(), actor, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, grant)
}

func (h *Handler) Revoke(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "access grant not found")
	}
	grant, err := h.svc.Revoke(c.Request().Context(), actor, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Access revoked successfully",
		"grant":   grant,
	})
}

func (h *Handler) Approve(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "access grant not found")
	}
	grant, err := h.svc.Approve(c.Request().Context(), actor, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, grant)
}
