package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cardio/consult/internal/platform/auth"
)

const patientsPrefix = "/api/v1/patients"

// AccessEntry records who touched which patient record, and how.
type AccessEntry struct {
	UserID     string
	UserRoles  []string
	PatientID  string
	Resource   string // patient, profile, bpm, checkup
	Action     string // read, create, update
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AccessRecorder persists access entries somewhere other than the log.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// Audit logs every request against a patient record after it completes.
// Entries are always logged; recorders, if any, also receive them.
func Audit(logger zerolog.Logger, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, patientsPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status, _ = errorResponse(err)
			}
			entry := AccessEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				PatientID:  patientFromPath(path),
				Resource:   resourceFromPath(path),
				Action:     actionFor(req.Method),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("patient_id", entry.PatientID).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_access")

			return err
		}
	}
}

func actionFor(method string) string {
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

// pathSegments returns the segments after /api/v1/patients.
func pathSegments(path string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, patientsPrefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func patientFromPath(path string) string {
	segs := pathSegments(path)
	if len(segs) == 0 {
		return ""
	}
	if _, err := uuid.Parse(segs[0]); err != nil {
		return ""
	}
	return segs[0]
}

func resourceFromPath(path string) string {
	segs := pathSegments(path)
	switch {
	case len(segs) == 0:
		return "patients"
	case len(segs) == 1:
		return "patient"
	default:
		return strings.TrimSuffix(segs[1], ".xlsx")
	}
}
