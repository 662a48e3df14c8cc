package billing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/bills", h.CreateBill, auth.RequireRank(auth.RankStaff))
	api.GET("/bills/:id", h.GetBill, auth.RequireRank(auth.RankPatient))
	api.GET("/patients/:id/bills", h.ListPatientBills, auth.RequireRank(auth.RankPatient))
}

type createBillRequest struct {
	PatientID     int64            `json:"patient_id"`
	AppointmentID *int64           `json:"appointment_id"`
	Amount        *decimal.Decimal `json:"amount"`
	Status        string           `json:"status"`
	Description   string           `json:"description"`
}

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == 0 || req.Amount == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing required fields")
	}

	b := &Bill{
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Amount:        *req.Amount,
		Status:        req.Status,
		Description:   req.Description,
	}
	if err := h.svc.CreateBill(c.Request().Context(), b); err != nil {
		switch {
		case errors.Is(err, ErrInvalid):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrPatientNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Bill created successfully",
		"bill_id": b.ID,
	})
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBill(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Bill not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListPatientBills(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	bills, err := h.svc.ListPatientBills(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(bills) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "No bills found for this patient")
	}
	return c.JSON(http.StatusOK, bills)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
