package pharmacy

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Any signed-in user may browse the formulary.
	catalog := api.Group("/medications")
	catalog.GET("", h.ListMedications)
	catalog.GET("/low-stock", h.LowStock)
	catalog.GET("/expiring", h.Expiring)
	catalog.GET("/expired", h.Expired)
	catalog.GET("/:id", h.GetMedication)

	stock := api.Group("/medications", auth.RequireRole(auth.RolePharmacist, auth.RoleAdmin))
	stock.POST("", h.CreateMedication)
	stock.PUT("/:id", h.UpdateMedication)
	stock.POST("/:id/adjust", h.AdjustStock)
	stock.GET("/:id/adjustments", h.ListAdjustments)

	read := api.Group("/prescriptions", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RolePharmacist, auth.RoleAdmin))
	read.GET("", h.ListPrescriptions)
	read.GET("/:id", h.GetPrescription)

	write := api.Group("/prescriptions", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	write.POST("", h.CreatePrescription)
	write.POST("/:id/lines", h.AddLine)
	write.PUT("/lines/:id", h.UpdateLine)
	write.DELETE("/lines/:id", h.RemoveLine)

	dispense := api.Group("/prescriptions", auth.RequireRole(auth.RolePharmacist, auth.RoleAdmin))
	dispense.POST("/:id/process", h.Process)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListMedications(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := MedicationFilter{
		Search:     c.QueryParam("search"),
		Category:   c.QueryParam("category"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	items, total, err := h.svc.ListMedications(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMedication(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) LowStock(c echo.Context) error {
	items, err := h.svc.LowStock(c.Request().Context())
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"threshold": h.svc.LowStockThreshold(),
		"data":      items,
	})
}

func (h *Handler) Expiring(c echo.Context) error {
	days := 30
	if raw := c.QueryParam("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
		days = n
	}
	items, err := h.svc.ExpiringWithin(c.Request().Context(), days)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Expired(c echo.Context) error {
	items, err := h.svc.Expired(c.Request().Context())
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateMedication(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in MedicationInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.CreateMedication(c.Request().Context(), actor, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) UpdateMedication(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateMedicationInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.UpdateMedication(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) AdjustStock(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in AdjustStockInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	adj, err := h.svc.AdjustStock(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, adj)
}

func (h *Handler) ListAdjustments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAdjustments(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := PrescriptionFilter{Status: PrescriptionStatus(c.QueryParam("status"))}
	if raw := c.QueryParam("medical_record_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid medical_record_id")
		}
		f.MedicalRecordID = &id
	}
	items, total, err := h.svc.ListPrescriptions(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPrescription(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type createPrescriptionRequest struct {
	MedicalRecordID uuid.UUID   `json:"medical_record_id"`
	Lines           []LineInput `json:"lines"`
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var req createPrescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CreatePrescription(c.Request().Context(), actor, req.MedicalRecordID, req.Lines)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) AddLine(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in LineInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.AddLine(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateLine(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateLineInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateLine(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RemoveLine(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.RemoveLine(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Process(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ProcessInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Process(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}
