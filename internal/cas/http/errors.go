package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
)

// writeTicketError maps the error taxonomy onto protocol error codes. Each
// failure mode keeps its own code so relying applications can tell expiry
// from replay from misconfiguration.
func writeTicketError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		httpx.WriteJSON(w, http.StatusNotFound, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidTicket,
			Description: "Ticket not recognized",
		})
	case errors.Is(err, registry.ErrExpired):
		httpx.WriteJSON(w, http.StatusGone, casapi.ErrorResponse{
			Code:        casapi.CodeTicketExpired,
			Description: "Ticket has expired; re-authentication required",
		})
	case errors.Is(err, registry.ErrAlreadyConsumed):
		httpx.WriteJSON(w, http.StatusConflict, casapi.ErrorResponse{
			Code:        casapi.CodeTicketConsumed,
			Description: "Ticket was already used",
		})
	case errors.Is(err, registry.ErrWrongType):
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidTicketType,
			Description: "Ticket is not of the expected kind",
		})
	case errors.Is(err, service.ErrServiceMismatch):
		httpx.WriteJSON(w, http.StatusForbidden, casapi.ErrorResponse{
			Code:        casapi.CodeServiceMismatch,
			Description: "Ticket was issued for a different service",
		})
	case errors.Is(err, service.ErrUnauthorizedService):
		httpx.WriteJSON(w, http.StatusForbidden, casapi.ErrorResponse{
			Code:        casapi.CodeUnauthorizedService,
			Description: "Service is not authorized for this deployment",
		})
	case errors.Is(err, service.ErrProxyDepthExceeded):
		httpx.WriteJSON(w, http.StatusForbidden, casapi.ErrorResponse{
			Code:        casapi.CodeProxyDepthExceeded,
			Description: "Proxy chain depth limit exceeded",
		})
	case errors.Is(err, registry.ErrUnavailable):
		log.Error("registry unavailable", "err", err)
		httpx.WriteJSON(w, http.StatusServiceUnavailable, casapi.ErrorResponse{
			Code:        casapi.CodeRegistryUnavailable,
			Description: "Ticket registry is temporarily unavailable",
		})
	default:
		log.Error("unexpected ticket operation failure", "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, casapi.ErrorResponse{
			Code:        casapi.CodeServerError,
			Description: "Internal error",
		})
	}
}
