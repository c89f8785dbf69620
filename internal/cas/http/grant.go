package http

import (
	"encoding/json"
	"net/http"

	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
	"github.com/castlegate/casd/pkg/slogx"
)

type GrantHandler struct {
	TicketService *service.TicketService
}

// ServeHTTP godoc
//
//	@Summary		Grant Service Ticket
//	@Description	Grant a single-use service ticket against a granting ticket, scoped to an authorized service URL.
//	@Tags			Protocol
//	@Accept			json
//	@Produce		json
//	@Param			tgt		path		string					true	"Granting ticket id"
//	@Param			request	body		casapi.GrantRequest		true	"Target service"
//	@Success		200		{object}	casapi.GrantResponse	"ticket, from_new_login"
//	@Failure		400		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		403		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		404		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		410		{object}	casapi.ErrorResponse	"code, description"
//	@Router			/v1/tickets/{tgt} [post].
func (h *GrantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	tgt := r.PathValue("tgt")

	var req casapi.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "Invalid JSON body",
		})
		return
	}

	if req.Service == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "service is required",
		})
		return
	}

	res, err := h.TicketService.GrantServiceTicket(ctx, tgt, req.Service)
	if err != nil {
		writeTicketError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, casapi.GrantResponse{
		Ticket:       res.TicketID,
		FromNewLogin: res.FromNewLogin,
	})
}
