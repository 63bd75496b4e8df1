package scheduling

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/booking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/windows", h.CreateWindow)
	api.GET("/windows", h.ListWindows)
	api.GET("/windows/:id", h.GetWindow)
	api.PUT("/windows/:id", h.UpdateWindow)
	api.PATCH("/windows/:id/slots", h.ReplaceSlots)
	api.DELETE("/windows/:id", h.DeleteWindow)
	api.GET("/windows/:id/open-slots", h.ListOpenSlots)

	api.POST("/reservations", h.CreateReservation)
	api.GET("/reservations", h.ListReservations)
	api.GET("/reservations/:id", h.GetReservation)
	api.PUT("/reservations/:id", h.UpdateReservation)
	api.DELETE("/reservations/:id", h.CancelReservation)
}

// HTTPError maps booking errors onto status codes.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrTemporal), errors.Is(err, ErrUnknownIdentity), errors.Is(err, ErrUnknownSlot):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrDuplicateBooking), errors.Is(err, ErrStateConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
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

// -- Window Handlers --

func (h *Handler) CreateWindow(c echo.Context) error {
	var in WindowInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.CreateAvailabilityWindow(c.Request().Context(), in)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) GetWindow(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.GetWindow(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ListWindows(c echo.Context) error {
	var f WindowFilter
	var err error
	if f.DoctorID, err = optionalUUID(c, "doctor_id"); err != nil {
		return err
	}
	if f.ClinicID, err = optionalUUID(c, "clinic_id"); err != nil {
		return err
	}
	if raw := c.QueryParam("date"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Date = &d
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchWindows(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*AvailabilityWindow{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c))
}

func (h *Handler) UpdateWindow(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in WindowInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.UpdateWindow(c.Request().Context(), id, in)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

type replaceSlotsRequest struct {
	Slots *SlotMap `json:"slots"`
}

func (h *Handler) ReplaceSlots(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req replaceSlotsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.ReplaceSlots(c.Request().Context(), id, req.Slots)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeleteWindow(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteWindow(c.Request().Context(), id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListOpenSlots(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	keys, err := h.svc.ListOpenSlots(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"window_id":  id,
		"open_slots": keys,
	})
}

// -- Reservation Handlers --

type createReservationRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	WindowID  uuid.UUID `json:"window_id"`
	SlotKey   string    `json:"slot_key"`
}

func (h *Handler) CreateReservation(c echo.Context) error {
	var req createReservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.WindowID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "window_id is required")
	}
	if req.SlotKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slot_key is required")
	}
	r, err := h.svc.CreateReservation(c.Request().Context(), req.PatientID, req.WindowID, req.SlotKey)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetReservation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetReservation(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListReservations(c echo.Context) error {
	var f ReservationFilter
	var err error
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.WindowID, err = optionalUUID(c, "window_id"); err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReservations(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Reservation{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c))
}

type updateReservationRequest struct {
	SlotKey string `json:"slot_key"`
}

func (h *Handler) UpdateReservation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateReservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SlotKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slot_key is required")
	}
	r, err := h.svc.UpdateReservationSlot(c.Request().Context(), id, req.SlotKey)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) CancelReservation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CancelReservation(c.Request().Context(), id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
