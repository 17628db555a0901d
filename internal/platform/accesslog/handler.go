package accesslog

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/auth"
)

// GrantHeader carries the grant id on record reads.
const GrantHeader = "X-Access-Grant"

// RecordReader loads the record returned after a grant is verified.
type RecordReader func(ctx context.Context, patientID uuid.UUID) (interface{}, error)

type Handler struct {
	svc    *Service
	record RecordReader
}

func NewHandler(svc *Service, record RecordReader) *Handler {
	return &Handler{svc: svc, record: record}
}

// RegisterRoutes mounts the record routes. grantMW wraps only the grant
// request, typically with a rate limit.
func (h *Handler) RegisterRoutes(api *echo.Group, grantMW ...echo.MiddlewareFunc) {
	clinical := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	clinical.POST("/patients/:id/record-access", h.RequestAccess, grantMW...)
	clinical.GET("/patients/:id/record", h.ReadRecord)

	audit := api.Group("", auth.RequireRole(auth.RoleAdmin))
	audit.GET("/patients/:id/record-access", h.ListAccesses)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

type accessRequest struct {
	Justification string `json:"justification"`
}

func (h *Handler) RequestAccess(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r := c.Request()
	ctx := WithOrigin(r.Context(), c.RealIP(), r.UserAgent())
	grant, err := h.svc.RequestMedicalRecordView(ctx, auth.UserIDFromContext(ctx), pid, req.Justification)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, grant)
}

func (h *Handler) ReadRecord(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	grantID, err := uuid.Parse(c.Request().Header.Get(GrantHeader))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, apperr.Body{
			Kind:    "missing_justification",
			Message: "request record access with a justification first",
			Detail:  GrantHeader + " header is missing or malformed",
		})
	}
	ctx := c.Request().Context()
	if _, err := h.svc.VerifyGrant(ctx, grantID, auth.UserIDFromContext(ctx), pid); err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			return echo.NewHTTPError(http.StatusForbidden, apperr.Body{
				Kind:    apperr.KindOf(err),
				Message: "the record access grant is invalid or has expired",
				Detail:  err.Error(),
			})
		}
		return apperr.ToHTTP(err)
	}
	rec, err := h.record(ctx, pid)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListAccesses(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.ListAccesses(c.Request().Context(), pid)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, entries)
}
