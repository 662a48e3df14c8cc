package payment

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/mpesa"
	"github.com/hms/hms/pkg/pagination"
)

// maxCallbackBytes bounds a provider callback body.
const maxCallbackBytes = 64 << 10

type Handler struct {
	initiator  *Initiator
	reconciler *Reconciler
	ledger     *Ledger
}

func NewHandler(initiator *Initiator, reconciler *Reconciler, ledger *Ledger) *Handler {
	return &Handler{initiator: initiator, reconciler: reconciler, ledger: ledger}
}

// RegisterRoutes mounts the transaction endpoints. depositMW wraps only the
// deposit route, typically with Idempotency-Key replay.
func (h *Handler) RegisterRoutes(api *echo.Group, depositMW ...echo.MiddlewareFunc) {
	g := api.Group("/transactions")

	// The provider calls this without credentials.
	g.POST("/callback", h.Callback)

	deposit := append([]echo.MiddlewareFunc{auth.RequireRank(auth.RankPatient)}, depositMW...)
	g.POST("/deposit", h.Deposit, deposit...)

	g.GET("", h.ListTransactions, auth.RequireRank(auth.RankStaff))
	g.GET("/:id", h.GetTransaction, auth.RequireRank(auth.RankStaff))
	g.POST("", h.CreateTransaction, auth.RequireRank(auth.RankAdmin))
}

func (h *Handler) Deposit(c echo.Context) error {
	var req InitiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.initiator.Initiate(c.Request().Context(), req)
	if err != nil {
		var rejected *GatewayRejectedError
		switch {
		case errors.As(err, &rejected):
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"message": "Failed to initiate STK Push",
				"error":   rejected.Reason,
			})
		case errors.Is(err, ErrInvalidRequest):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrBillNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "Bill not found")
		case errors.Is(err, ErrBillSettled):
			return echo.NewHTTPError(http.StatusConflict, "Bill is already paid")
		case errors.Is(err, mpesa.ErrAuth):
			return echo.NewHTTPError(http.StatusBadGateway, "Payment gateway rejected our credentials")
		case errors.Is(err, mpesa.ErrUnavailable):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "Payment gateway unavailable")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to record transaction")
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":             "STK Push initiated successfully",
		"transaction_id":      res.TransactionID,
		"checkout_request_id": res.CheckoutRequestID,
	})
}

// Callback answers the provider. Handled outcomes, including declines and
// redeliveries, get 200 so the provider stops retrying.
func (h *Handler) Callback(c echo.Context) error {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxCallbackBytes))
	if err != nil {
		log := zerolog.Ctx(c.Request().Context())
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("callback body exceeds size limit")
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "callback body too large"})
		}
		log.Warn().Err(err).Msg("callback body unreadable")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	out, err := h.reconciler.HandleCallback(c.Request().Context(), raw)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"message": out.Message})
	case errors.Is(err, ErrUnknownTransaction):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Transaction not found"})
	case errors.Is(err, ErrAmountMismatch):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) ListTransactions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.ledger.ListTransactions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Transaction{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetTransaction(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.ledger.GetTransaction(c.Request().Context(), id)
	if errors.Is(err, ErrUnknownTransaction) {
		return echo.NewHTTPError(http.StatusNotFound, "Transaction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CreateTransaction(c echo.Context) error {
	var req CreateTransactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.ledger.CreateTransaction(c.Request().Context(), req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateCheckout):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":        "Transaction added",
		"transaction_id": t.ID,
	})
}
