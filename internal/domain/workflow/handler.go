package workflow

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicqueue/internal/domain/consultation"
	"github.com/ehr/clinicqueue/internal/domain/queue"
	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/auth"
	"github.com/ehr/clinicqueue/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePhysician))
	staff.POST("/queue", h.AddEntry)
	staff.GET("/queue", h.ListQueue)
	staff.GET("/queue/:id", h.GetEntry)
	staff.PATCH("/queue/:id", h.EditEntry)
	staff.DELETE("/queue/:id", h.DeleteEntry)
	staff.GET("/queue/:id/actions", h.AllowedActions)
	staff.GET("/queue/:id/history", h.History)
	staff.POST("/queue/:id/events", h.Transition)

	// Documentation is restricted to clinical staff.
	clinical := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	clinical.GET("/consultations/:id", h.GetConsultation)
	clinical.POST("/consultations/:id/soap", h.EnsureSoap)
	clinical.PATCH("/consultations/:id/soap/:type", h.UpdateSoap)
	clinical.POST("/consultations/:id/finalize", h.Finalize)
}

func actorFrom(c echo.Context) queue.Actor {
	ctx := c.Request().Context()
	return queue.Actor{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Queue --

func (h *Handler) AddEntry(c echo.Context) error {
	var in queue.NewEntry
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.engine.Queue().AddEntry(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.engine.Queue().GetEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) EditEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var changes queue.EntryChanges
	if err := c.Bind(&changes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.engine.Queue().EditEntry(c.Request().Context(), actorFrom(c), id, changes)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) DeleteEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.engine.Queue().DeleteEntry(c.Request().Context(), actorFrom(c), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListQueue(c echo.Context) error {
	f, key, err := parseListQuery(c)
	if err != nil {
		return err
	}
	rows, err := h.engine.Queue().ListQueue(c.Request().Context(), actorFrom(c), f, key)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(rows, pg), len(rows), pg.Limit, pg.Offset))
}

func (h *Handler) AllowedActions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	actions, err := h.engine.Queue().AllowedActions(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if actions == nil {
		actions = []queue.Action{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entry_id": id, "actions": actions})
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	changes, err := h.engine.Queue().History(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, changes)
}

type transitionRequest struct {
	Event   queue.Event   `json:"event"`
	Payload queue.Payload `json:"payload"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Event == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event is required")
	}
	out, err := h.engine.Transition(c.Request().Context(), actorFrom(c), id, req.Event, req.Payload)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Consultations --

func (h *Handler) GetConsultation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	cons, err := h.engine.Consultations().Get(ctx, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	soap, err := h.engine.Consultations().Records(ctx, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ConsultationRecord{Consultation: cons, SOAP: soap})
}

func (h *Handler) EnsureSoap(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	records, err := h.engine.Consultations().EnsureSoapRecords(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, records)
}

type soapUpdateRequest struct {
	Content *string         `json:"content"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) UpdateSoap(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := consultation.ParseSOAPType(c.Param("type"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	var req soapUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	upd := consultation.SectionUpdate{Content: req.Content}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if upd.Payload, err = consultation.DecodeSection(t, req.Payload); err != nil {
			return apperr.ToHTTP(err)
		}
	}
	rec, err := h.engine.Consultations().UpdateSoapSection(c.Request().Context(), actorFrom(c).ID, id, string(t), upd)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.engine.FinalizeConsultation(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Query parsing --

const dateLayout = "2006-01-02"

// parseListQuery reads the queue filter. Multi-valued parameters accept
// repeats and comma-separated lists.
func parseListQuery(c echo.Context) (queue.Filter, queue.SortKey, error) {
	q := c.QueryParams()
	var f queue.Filter

	for _, s := range multi(q["status"]) {
		st := queue.Status(s)
		if !st.Valid() {
			return f, "", echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.ServiceTypes = multi(q["service"])
	f.Teams = multi(q["team"])
	for _, s := range multi(q["professional"]) {
		id, err := uuid.Parse(s)
		if err != nil {
			return f, "", echo.NewHTTPError(http.StatusBadRequest, "invalid professional: "+s)
		}
		f.Professionals = append(f.Professionals, id)
	}

	var err error
	if f.From, err = parseTime(c.QueryParam("from"), false); err != nil {
		return f, "", echo.NewHTTPError(http.StatusBadRequest, "invalid from: "+err.Error())
	}
	if f.To, err = parseTime(c.QueryParam("to"), true); err != nil {
		return f, "", echo.NewHTTPError(http.StatusBadRequest, "invalid to: "+err.Error())
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, "", echo.NewHTTPError(http.StatusBadRequest, "to is before from")
	}

	f.OnlyUnfinished = truthy(c.QueryParam("only_unfinished"))
	f.OnlyMine = truthy(c.QueryParam("only_mine"))
	f.Search = strings.TrimSpace(c.QueryParam("q"))

	key, err := queue.ParseSortKey(c.QueryParam("sort"))
	if err != nil {
		return f, "", apperr.ToHTTP(err)
	}
	return f, key, nil
}

func multi(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseTime accepts RFC 3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}
