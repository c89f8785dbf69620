package http

import (
	"net/http"
	"time"

	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
	"github.com/castlegate/casd/pkg/jwtx"
	"github.com/castlegate/casd/pkg/slogx"
)

// assertionTTL bounds how long a relying service may treat a signed
// validation response as fresh.
const assertionTTL = 5 * time.Minute

type ValidateHandler struct {
	TicketService *service.TicketService
	Signer        *jwtx.Signer
	Issuer        string
}

// ServeHTTP godoc
//
//	@Summary		Validate Service Ticket
//	@Description	Validate and consume a service ticket on behalf of a relying application. The ticket is burned on
//	@Description	success; a second call reports TICKET_CONSUMED. Pass format=jwt to receive the principal assertion
//	@Description	as a signed JWT instead of plain JSON.
//	@Tags			Protocol
//	@Produce		json
//	@Param			ticket	query		string						true	"Service ticket id"
//	@Param			service	query		string						true	"Service URL the ticket was granted for"
//	@Param			format	query		string						false	"Response format: json (default) or jwt"
//	@Success		200		{object}	casapi.ValidationResponse	"principal assertion"
//	@Failure		400		{object}	casapi.ErrorResponse		"code, description"
//	@Failure		403		{object}	casapi.ErrorResponse		"code, description"
//	@Failure		404		{object}	casapi.ErrorResponse		"code, description"
//	@Failure		409		{object}	casapi.ErrorResponse		"code, description"
//	@Failure		410		{object}	casapi.ErrorResponse		"code, description"
//	@Router			/v1/serviceValidate [get].
func (h *ValidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	ticket := r.URL.Query().Get("ticket")
	svc := r.URL.Query().Get("service")
	format := r.URL.Query().Get("format")

	if ticket == "" || svc == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "ticket and service are required",
		})
		return
	}
	if format != "" && format != "json" && format != "jwt" {
		httpx.WriteJSON(w, http.StatusBadRequest, casapi.ErrorResponse{
			Code:        casapi.CodeInvalidRequest,
			Description: "format must be json or jwt",
		})
		return
	}

	res, err := h.TicketService.ValidateServiceTicket(ctx, ticket, svc)
	if err != nil {
		writeTicketError(w, log, err)
		return
	}

	if format == "jwt" {
		now := time.Now().UTC()
		claims := jwtx.NewValidationClaims(h.Issuer, res.Principal.ID, res.Service, assertionTTL, now)
		claims.Attributes = res.Principal.Attributes
		claims.AuthnHandler = res.Principal.AuthnHandler
		claims.CredentialClass = res.Principal.CredentialClass
		claims.FromNewLogin = res.FromNewLogin
		if !res.Principal.AuthnTime.IsZero() {
			claims.AuthnTime = res.Principal.AuthnTime.Unix()
		}

		token, err := h.Signer.Sign(claims)
		if err != nil {
			log.Error("failed to sign validation response", "err", err)
			httpx.WriteJSON(w, http.StatusInternalServerError, casapi.ErrorResponse{
				Code:        casapi.CodeServerError,
				Description: "Failed to sign response",
			})
			return
		}

		httpx.WriteJSON(w, http.StatusOK, casapi.JWTValidationResponse{Token: token})
		return
	}

	response := casapi.ValidationResponse{
		PrincipalID:     res.Principal.ID,
		Attributes:      res.Principal.Attributes,
		AuthnHandler:    res.Principal.AuthnHandler,
		CredentialClass: res.Principal.CredentialClass,
		Service:         res.Service,
		FromNewLogin:    res.FromNewLogin,
	}
	if !res.Principal.AuthnTime.IsZero() {
		response.AuthnTime = res.Principal.AuthnTime.Unix()
	}

	httpx.WriteJSON(w, http.StatusOK, response)
}
