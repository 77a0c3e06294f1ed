package clinical

import (
	"net/http"

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
	api.GET("/procedures", h.ListProcedures)
	api.GET("/procedures/:id", h.GetProcedure)
	catalog := api.Group("/procedures", auth.RequireRole(auth.RoleAdmin))
	catalog.POST("", h.CreateProcedure)
	catalog.PUT("/:id", h.UpdateProcedure)

	read := api.Group("/medical-records", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	read.GET("", h.List)
	read.GET("/:id", h.Get)
	read.GET("/by-appointment/:id", h.GetByAppointment)

	write := api.Group("/medical-records", auth.RequireRole(auth.RoleDoctor))
	write.POST("", h.Create)
	write.POST("/:id/start", h.Start)
	write.POST("/:id/finish", h.Finish)

	amend := api.Group("/medical-records", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	amend.PUT("/:id", h.Update)
	amend.POST("/:id/procedures", h.AttachProcedure)
	amend.DELETE("/:id/procedures/:procedure_id", h.DetachProcedure)
}

func parseUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// -- Procedures --

func (h *Handler) CreateProcedure(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in ProcedureInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CreateProcedure(c.Request().Context(), actor, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateProcedure(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateProcedureInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateProcedure(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetProcedure(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetProcedure(c.Request().Context(), id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProcedures(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ProcedureFilter{
		Category:   ProcedureCategory(c.QueryParam("category")),
		ActiveOnly: c.QueryParam("active") == "true",
		Search:     c.QueryParam("search"),
	}
	items, total, err := h.svc.ListProcedures(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Medical records --

func (h *Handler) Create(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in CreateRecordInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CreateMedicalRecord(c.Request().Context(), actor, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) Update(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateRecordInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.UpdateMedicalRecord(c.Request().Context(), actor, id, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

type procedureRequest struct {
	ProcedureID uuid.UUID `json:"procedure_id"`
}

func (h *Handler) AttachProcedure(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var req procedureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ProcedureID == uuid.Nil {
		return validation.HTTPError(validation.Fieldf("procedure_id", "is required"))
	}
	m, err := h.svc.AttachProcedure(c.Request().Context(), actor, id, req.ProcedureID)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DetachProcedure(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	procID, err := parseUUID(c, "procedure_id")
	if err != nil {
		return err
	}
	m, err := h.svc.DetachProcedure(c.Request().Context(), actor, id, procID)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Start(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.StartConsultation(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Finish(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.FinishConsultation(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) GetByAppointment(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.GetByAppointment(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// List serves the patient history (?patient_id=) and the doctor's worklist
// (?doctor_id=) as well as the unfiltered listing.
func (h *Handler) List(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	patientID, err := queryUUID(c, "patient_id")
	if err != nil {
		return err
	}
	doctorID, err := queryUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		items []*MedicalRecord
		total int
	)
	switch {
	case patientID != nil && doctorID == nil:
		items, total, err = h.svc.ListByPatient(ctx, actor, *patientID, pg.Limit, pg.Offset)
	case doctorID != nil && patientID == nil:
		items, total, err = h.svc.ListByDoctor(ctx, actor, *doctorID, pg.Limit, pg.Offset)
	default:
		f := RecordFilter{PatientID: patientID, DoctorID: doctorID, Search: c.QueryParam("search")}
		items, total, err = h.svc.List(ctx, actor, f, pg.Limit, pg.Offset)
	}
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
