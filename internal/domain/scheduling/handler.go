package scheduling

import (
	"net/http"
	"time"

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
	read := api.Group("/appointments", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleReceptionist, auth.RoleAdmin, auth.RoleCashier))
	read.GET("", h.List)
	read.GET("/:id", h.Get)

	book := api.Group("/appointments", auth.RequireRole(auth.RolePatient, auth.RoleReceptionist, auth.RoleAdmin))
	book.POST("", h.Book)
	book.POST("/:id/cancel", h.Cancel)

	desk := api.Group("/appointments", auth.RequireRole(auth.RoleReceptionist, auth.RoleDoctor, auth.RoleAdmin))
	desk.GET("/queue", h.Queue)
	desk.POST("/:id/confirm", h.Confirm)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func optionalDate(c echo.Context) (*time.Time, error) {
	raw := c.QueryParam("date")
	if raw == "" {
		return nil, nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid date")
	}
	return &d, nil
}

func (h *Handler) Book(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	var in BookInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Book(c.Request().Context(), actor, in)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
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
	a, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := Filter{Status: Status(c.QueryParam("status")), Search: c.QueryParam("search")}
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.DoctorID, err = optionalUUID(c, "doctor_id"); err != nil {
		return err
	}
	if f.Date, err = optionalDate(c); err != nil {
		return err
	}
	items, total, err := h.svc.List(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Queue(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	doctorID, err := optionalUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	date, err := optionalDate(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Queue(c.Request().Context(), actor, doctorID, date)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Confirm(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Confirm(c.Request().Context(), actor, id)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Note string `json:"note"`
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Cancel(c.Request().Context(), actor, id, req.Note)
	if err != nil {
		return validation.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}
