// Package apperr defines the error kinds returned by the queue and
// documentation engine. Every kind is a sentinel so callers can branch with
// errors.Is; the presentation layer maps kinds to a status code and a
// user-facing message.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	// ErrInvalidTransition means the requested event is not legal from the
	// entry's current status, or the status changed underneath the caller.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrActionNotApplicable means the action is not offered in the current status.
	ErrActionNotApplicable = errors.New("action not applicable")
	// ErrUnauthorized means the actor lacks rights for an otherwise applicable action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConsultationConflict means the patient already has a consultation in progress.
	ErrConsultationConflict = errors.New("consultation conflict")
	// ErrUnknownSoapType means the SOAP section is not one of the four canonical types.
	ErrUnknownSoapType = errors.New("unknown soap type")
	// ErrRecordNotFound means the SOAP records were never initialised.
	ErrRecordNotFound = errors.New("record not found")
	// ErrMissingJustification means a record view was requested without a reason.
	ErrMissingJustification = errors.New("missing justification")

	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

type kind struct {
	err     error
	name    string
	status  int
	message string
}

var kinds = []kind{
	{ErrInvalidTransition, "invalid_transition", http.StatusConflict,
		"this action is no longer possible for the entry's current status; refresh the queue"},
	{ErrActionNotApplicable, "action_not_applicable", http.StatusUnprocessableEntity,
		"this action is not available for the entry's current status"},
	{ErrUnauthorized, "unauthorized", http.StatusForbidden,
		"only the professional who registered this entry may delete it"},
	{ErrConsultationConflict, "consultation_conflict", http.StatusConflict,
		"the patient already has a consultation in progress"},
	{ErrUnknownSoapType, "unknown_soap_type", http.StatusBadRequest,
		"the SOAP section must be subjective, objective, assessment or plan"},
	{ErrRecordNotFound, "record_not_found", http.StatusNotFound,
		"the SOAP record has not been initialised for this consultation"},
	{ErrMissingJustification, "missing_justification", http.StatusBadRequest,
		"a justification is required to view the medical record"},
	{ErrNotFound, "not_found", http.StatusNotFound, "resource not found"},
	{ErrValidation, "validation", http.StatusBadRequest, "invalid request"},
}

func lookup(err error) (kind, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k, true
		}
	}
	return kind{}, false
}

// KindOf returns the machine-readable kind of err, or "internal".
func KindOf(err error) string {
	if k, ok := lookup(err); ok {
		return k.name
	}
	return "internal"
}

// HTTPStatus returns the status code for err.
func HTTPStatus(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Message returns the user-facing message for err.
func Message(err error) string {
	if k, ok := lookup(err); ok {
		return k.message
	}
	return "internal server error"
}

// Body is the JSON error envelope returned by handlers.
type Body struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ToHTTP converts err into an echo HTTP error carrying the kind, the
// user-facing message and the wrapped detail.
func ToHTTP(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}
	k, ok := lookup(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, Body{
			Kind:    "internal",
			Message: "internal server error",
		})
	}
	return echo.NewHTTPError(k.status, Body{
		Kind:    k.name,
		Message: k.message,
		Detail:  err.Error(),
	})
}
