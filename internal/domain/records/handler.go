package records

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/auth"
	"github.com/healthsecure/healthsecure/internal/platform/blobstore"
	"github.com/healthsecure/healthsecure/pkg/pagination"
)

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
	api.GET("/records", h.List, members)
	api.POST("/records", h.Create, auth.RequireRole(auth.RoleDoctor))
	api.GET("/records/:id", h.Get, members)
	api.GET("/records/:id/document", h.Document, members)
	api.PATCH("/records/:id/visibility", h.ToggleVisibility, members)
	api.GET("/patients/:health_id/records", h.PatientRecords, auth.RequireRole(auth.RoleDoctor))
	api.GET("/auth/stats", h.Stats, members)
}

func (h *Handler) actor(c echo.Context) (authz.Actor, error) {
	a, err := h.actors.CurrentActor(c.Request().Context())
	if err != nil {
		return authz.Actor{}, apperr.HTTPError(err)
	}
	return a, nil
}

func recordID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	views, total, err := h.svc.ListRecords(c.Request().Context(), actor, p)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, p))
}

// Create accepts JSON, or a multipart form with an optional "document"
// file part.
func (h *Handler) Create(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		in = CreateInput{
			PatientHealthID: c.FormValue("patient_health_id"),
			RecordType:      c.FormValue("record_type"),
			Diagnosis:       c.FormValue("diagnosis"),
			Notes:           c.FormValue("notes"),
		}
		file, err := c.FormFile("document")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid document upload")
		default:
			src, err := file.Open()
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file").SetInternal(err)
			}
			defer src.Close()
			contentType := file.Header.Get(echo.HeaderContentType)
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			in.Document = &Upload{FileName: file.Filename, ContentType: contentType, Content: src}
		}
	} else if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	view, err := h.svc.CreateRecord(c.Request().Context(), actor, in)
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := recordID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.GetRecord(c.Request().Context(), actor, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Document(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := recordID(c)
	if err != nil {
		return err
	}
	rc, meta, err := h.svc.GetDocument(c.Request().Context(), actor, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	defer rc.Close()
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *Handler) ToggleVisibility(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := recordID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.ToggleVisibility(c.Request().Context(), actor, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PatientRecords(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	set, err := h.svc.GetPatientRecordset(c.Request().Context(), actor, c.Param("health_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, set)
}

func (h *Handler) Stats(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Stats(c.Request().Context(), actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
