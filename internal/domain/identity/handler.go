package identity

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	tokens *auth.TokenIssuer
}

func NewHandler(svc *Service, tokens *auth.TokenIssuer) *Handler {
	return &Handler{svc: svc, tokens: tokens}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	a := api.Group("/auth")
	a.POST("/register/patient", h.RegisterPatient)
	a.POST("/register/doctor", h.RegisterDoctor)
	a.POST("/login", h.Login)
	a.POST("/token/refresh", h.Refresh)
	a.POST("/logout", h.Logout)

	a.GET("/profile", h.GetProfile)
	a.PUT("/profile", h.UpdateProfile, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	a.GET("/patients/:health_id", h.SearchPatient, auth.RequireRole(auth.RoleDoctor))

	api.POST("/admin/doctors/:doctor_id/verify", h.VerifyDoctor, auth.RequireRole(auth.RoleAdmin))
}

type sessionResponse struct {
	*auth.TokenPair
	User *Profile `json:"user"`
}

func (h *Handler) session(c echo.Context, status int, p *Profile) error {
	pair, err := h.tokens.Issue(p.Account.ID.String(), p.Account.Role)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue tokens").SetInternal(err)
	}
	return c.JSON(status, sessionResponse{TokenPair: pair, User: p})
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var in RegisterPatientInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.RegisterPatient(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return h.session(c, http.StatusCreated, p)
}

func (h *Handler) RegisterDoctor(c echo.Context) error {
	var in RegisterDoctorInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.RegisterDoctor(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return h.session(c, http.StatusCreated, p)
}

func (h *Handler) Login(c echo.Context) error {
	var in LoginInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if in.Email == "" || in.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	p, err := h.svc.Authenticate(c.Request().Context(), in)
	if errors.Is(err, ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid email or password")
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	return h.session(c, http.StatusOK, p)
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (h *Handler) Refresh(c echo.Context) error {
	var in refreshRequest
	if err := c.Bind(&in); err != nil || in.Refresh == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh token is required")
	}
	pair, err := h.tokens.Refresh(in.Refresh)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid refresh token")
	}
	return c.JSON(http.StatusOK, pair)
}

// Logout revokes the presented refresh token and the access token the
// request was made with.
func (h *Handler) Logout(c echo.Context) error {
	var in refreshRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if in.Refresh != "" {
		h.tokens.Logout(in.Refresh)
	}
	if jti, ok := c.Get("token_id").(string); ok && jti != "" {
		if exp, ok := c.Get("token_expires_at").(*jwt.NumericDate); ok && exp != nil {
			h.tokens.RevokeAccess(jti, exp.Time)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *Handler) GetProfile(c echo.Context) error {
	actor, err := h.svc.CurrentActor(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	p, err := h.svc.GetProfile(c.Request().Context(), actor)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	actor, err := h.svc.CurrentActor(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	var in UpdateProfileInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), actor, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SearchPatient(c echo.Context) error {
	actor, err := h.svc.CurrentActor(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	summary, err := h.svc.SearchPatient(c.Request().Context(), actor, c.Param("health_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) VerifyDoctor(c echo.Context) error {
	d, err := h.svc.VerifyDoctor(c.Request().Context(), c.Param("doctor_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}
