package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

// AuditEntry describes one request that touched patient data.
type AuditEntry struct {
	UserID     string
	UserRole   string
	Resource   string
	HealthID   string
	RecordID   string
	Action     string // read, create, update, delete
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

var (
	healthIDPattern = regexp.MustCompile(`HID-[A-Z0-9]+-[A-Z0-9]+`)
	recordPathRe    = regexp.MustCompile(`^/api/v1/records/([^/]+)`)
)

// Audit logs every /api/v1 request after the handler ran, with the
// authenticated actor and the patient or record it touched.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			// the auth middleware replaces the request, so read it again
			req := c.Request()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRole:   auth.RoleFromContext(req.Context()),
				Action:     httpMethodToAction(req.Method),
				Resource:   extractResource(path),
				HealthID:   extractHealthID(c),
				RecordID:   extractRecordID(path),
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				}
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("user_role", entry.UserRole).
				Str("resource", entry.Resource).
				Str("health_id", entry.HealthID).
				Str("record_id", entry.RecordID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first path segment under /api/v1/.
//   - /api/v1/records/abc           -> records
//   - /api/v1/patients/HID-X/records -> patients
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

func extractHealthID(c echo.Context) string {
	if m := healthIDPattern.FindString(c.Request().URL.Path); m != "" {
		return m
	}
	if hid := c.QueryParam("health_id"); healthIDPattern.MatchString(hid) {
		return hid
	}
	return ""
}

func extractRecordID(path string) string {
	m := recordPathRe.FindStringSubmatch(path)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
