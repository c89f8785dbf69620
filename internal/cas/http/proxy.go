package http

import (
	"encoding/json"
	"net/http"

	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
	"github.com/castlegate/casd/pkg/slogx"
)

type ProxyHandler struct {
	TicketService *service.TicketService
}

// ServeHTTP godoc
//
//	@Summary		Create Proxy Granting Ticket
//	@Description	Consume a service ticket and mint a proxy-granting ticket chained below its owner, allowing the
//	@Description	relying service to request further service tickets on the user's behalf.
//	@Tags			Protocol
//	@Accept			json
//	@Produce		json
//	@Param			request	body		casapi.ProxyRequest		true	"Service ticket to exchange"
//	@Success		200		{object}	casapi.ProxyResponse	"ticket"
//	@Failure		400		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		403		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		404		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		409		{object}	casapi.ErrorResponse	"code, description"
//	@Router			/v1/proxy [post].
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req casapi.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "Invalid JSON body",
		})
		return
	}

	if req.Ticket == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "ticket is required",
		})
		return
	}

	pgt, err := h.TicketService.CreateProxyGrantingTicket(ctx, req.Ticket)
	if err != nil {
		writeTicketError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, casapi.ProxyResponse{Ticket: pgt})
}
