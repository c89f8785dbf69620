package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
	"github.com/castlegate/casd/pkg/slogx"
)

type LoginHandler struct {
	TicketService *service.TicketService
}

// ServeHTTP godoc
//
//	@Summary		Issue Granting Ticket
//	@Description	Issue a granting ticket for a principal whose credentials were verified by the upstream credential layer.
//	@Description	The returned ticket anchors the principal's single sign-on session.
//	@Tags			Protocol
//	@Accept			json
//	@Produce		json
//	@Param			request	body		casapi.LoginRequest		true	"Verified principal"
//	@Success		200		{object}	casapi.LoginResponse	"ticket"
//	@Failure		400		{object}	casapi.ErrorResponse	"code, description"
//	@Failure		503		{object}	casapi.ErrorResponse	"code, description"
//	@Router			/v1/login [post].
func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req casapi.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "Invalid JSON body",
		})
		return
	}

	if req.PrincipalID == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "principal_id is required",
		})
		return
	}

	principal := domain.Principal{
		ID:              req.PrincipalID,
		Attributes:      req.Attributes,
		AuthnHandler:    req.AuthnHandler,
		CredentialClass: req.CredentialClass,
	}
	if req.AuthnTime != 0 {
		principal.AuthnTime = time.Unix(req.AuthnTime, 0).UTC()
	} else {
		principal.AuthnTime = time.Now().UTC()
	}

	ticket, err := h.TicketService.IssueGrantingTicket(ctx, principal)
	if err != nil {
		writeTicketError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, casapi.LoginResponse{Ticket: ticket})
}
