package consult

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/cardio/consult/internal/domain/checkup"
	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/auth"
	"github.com/cardio/consult/pkg/pagination"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.Register)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id/profile", h.UpdateProfile)

	// BPM
	api.POST("/patients/:id/bpm", h.SubmitSample)
	api.GET("/patients/:id/bpm/latest", h.GetLatest)
	api.GET("/patients/:id/bpm/daily/:date", h.GetDailyAverage)
	api.GET("/patients/:id/bpm/weekly", h.GetWeeklyAverages)
	api.GET("/patients/:id/bpm/monthly", h.GetMonthlyAverages)
	api.GET("/patients/:id/bpm/dates", h.ListDates)
	api.GET("/patients/:id/bpm/records", h.ListRecords)
	api.GET("/patients/:id/bpm/records.xlsx", h.ExportRecords)

	// Checkups
	api.GET("/patients/:id/checkup", h.GetScheduleRequest)
	api.POST("/patients/:id/checkup", h.SubmitScheduleRequest)

	// Doctor dashboard
	doctorOnly := auth.RequireRole(auth.RoleDoctor)
	api.GET("/patients", h.ListPatients, doctorOnly)
	api.POST("/patients/:id/checkup/approve", h.ApproveSchedule, doctorOnly)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func caller(c echo.Context) Caller {
	return CallerFromContext(c.Request().Context())
}

// -- Patients --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Register(c.Request().Context(), caller(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), caller(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req ProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), caller(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f := patient.Filter{Email: c.QueryParam("email")}
	if raw := c.QueryParam("pending"); raw != "" {
		pending, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "pending must be true or false")
		}
		f.PendingSchedule = &pending
	}
	items, total, err := h.svc.ListPatients(c.Request().Context(), caller(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

// -- BPM --

func (h *Handler) SubmitSample(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req SampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.SubmitSample(c.Request().Context(), caller(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetLatest(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetLatest(c.Request().Context(), caller(c), id, c.QueryParam("date"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetDailyAverage(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetDailyAverage(c.Request().Context(), caller(c), id, c.Param("date"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetWeeklyAverages(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetWeeklyAverages(c.Request().Context(), caller(c), id, c.QueryParam("anchor"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetMonthlyAverages(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetMonthlyAverages(c.Request().Context(), caller(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListDates(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.ListDates(c.Request().Context(), caller(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListRecords(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.ListRecords(c.Request().Context(), caller(c), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) ExportRecords(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	data, err := h.svc.ExportRecords(c.Request().Context(), caller(c), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="bpm-records-%s.xlsx"`, id))
	return c.Blob(http.StatusOK, xlsxMIME, data)
}

// -- Checkups --

func (h *Handler) GetScheduleRequest(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetScheduleRequest(c.Request().Context(), caller(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitScheduleRequest(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var in checkup.SubmitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.SubmitScheduleRequest(c.Request().Context(), caller(c), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ApproveSchedule(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.ApproveSchedule(c.Request().Context(), caller(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
