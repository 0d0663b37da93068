package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/storage"
	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"github.com/gin-gonic/gin"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// GrammarDetails points at the offending byte of a channel list.
type GrammarDetails struct {
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Reason string `json:"reason"`
}

// abortWithError maps domain errors onto status codes. prefix is the
// resource part of the error code, e.g. "SURFACE".
func abortWithError(c *gin.Context, prefix string, err error) {
	status := statusFor(err)
	var details any = err.Error()

	var ge *channellist.GrammarError
	if errors.As(err, &ge) {
		details = GrammarDetails{Kind: ge.Kind.String(), Offset: ge.Offset, Reason: ge.Msg}
	}

	c.AbortWithStatusJSON(status, NewErrorResponse(
		prefix+"_"+strconv.Itoa(status),
		http.StatusText(status),
		details,
	))
}

func statusFor(err error) int {
	var (
		ge  *channellist.GrammarError
		ise *trigger.InvalidStateError
		dce *trigger.DeviceCommError
		be  *binding.BindingError
	)

	switch {
	case errors.As(err, &ge):
		return http.StatusBadRequest
	case errors.As(err, &ise), errors.Is(err, surface.ErrRouteUnbound):
		return http.StatusConflict
	case errors.As(err, &dce), errors.As(err, &be):
		return http.StatusBadGateway
	case errors.Is(err, surface.ErrUnknownDevice),
		errors.Is(err, plans.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, surface.ErrNoPlanSource):
		return http.StatusServiceUnavailable
	case errors.Is(err, surface.ErrUnknownCommand),
		errors.Is(err, surface.ErrInvalidCommand),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, trigger.ErrInvalidPlan):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
