package billing

import (
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

// GatewayTokenHeader carries the shared secret on gateway callbacks.
const GatewayTokenHeader = "X-Gateway-Token"

type Handler struct {
	svc          *Service
	gatewayToken string
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetGatewayToken requires callbacks to present token. Without one every
// callback is accepted, which only suits development.
func (h *Handler) SetGatewayToken(token string) { h.gatewayToken = token }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/payments", auth.RequireRole(auth.RolePatient, auth.RoleCashier, auth.RoleReceptionist, auth.RoleAdmin))
	read.GET("", h.List)
	read.GET("/:id", h.Get)
	read.GET("/by-appointment/:id", h.GetByAppointment)
	read.GET("/:id/installments", h.ListInstallments)
	read.GET("/:id/transactions", h.ListTransactions)
	read.GET("/:id/qr", h.InvoiceQR)

	online := api.Group("/payments", auth.RequireRole(auth.RolePatient, auth.RoleCashier, auth.RoleAdmin))
	online.POST("/:id/transactions", h.CreateTransaction)

	desk := api.Group("/payments", auth.RequireRole(auth.RoleCashier, auth.RoleAdmin))
	desk.POST("", h.Create)
	desk.POST("/:id/pay", h.Pay)
	desk.POST("/:id/recompute", h.Recompute)
	desk.POST("/:id/installments", h.CreateInstallments)
	desk.POST("/installments/:id/pay", h.PayInstallment)

	verify := api.Group("/payment-transactions", auth.RequireRole(auth.RoleCashier, auth.RoleAdmin))
	verify.POST("/:id/verify", h.VerifyTransaction)
}

// RegisterCallbackRoutes mounts the gateway callback. It lives outside the
// authenticated API because the gateway has no user token.
func (h *Handler) RegisterCallbackRoutes(g *echo.Group) {
	g.POST("/payment-transactions/:ref/callback", h.Callback)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type createRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AppointmentID == uuid.Nil {
		return validation.HTTPError(validation.Fieldf("appointment_id", "is required"))
	}
	p, err := h.svc.CreateForAppointment(c.Request().Context(), actor, req.AppointmentID)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetByAppointment(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetByAppointment(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := PaymentFilter{
		Status: PaymentStatus(c.QueryParam("status")),
		Method: Method(c.QueryParam("method")),
		Search: c.QueryParam("search"),
	}
	items, total, err := h.svc.List(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Pay(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PayInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Pay(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Recompute(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Recompute(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) InvoiceQR(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payload, err := h.svc.InvoiceQR(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"qr_data": payload})
}

func (h *Handler) CreateInstallments(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in InstallmentPlanInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, err := h.svc.CreateInstallments(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, items)
}

func (h *Handler) ListInstallments(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListInstallments(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type noteRequest struct {
	Note *string `json:"note,omitempty"`
}

func (h *Handler) PayInstallment(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it, err := h.svc.PayInstallment(c.Request().Context(), actor, id, req.Note)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) CreateTransaction(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in TransactionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.CreateTransaction(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTransactions(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) VerifyTransaction(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.VerifyTransaction(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Callback(c echo.Context) error {
	if h.gatewayToken != "" {
		got := c.Request().Header.Get(GatewayTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.gatewayToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid gateway token")
		}
	}
	var in CallbackInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.ReportTransaction(c.Request().Context(), c.Param("ref"), in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}
