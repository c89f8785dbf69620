package http

import (
	"net/http"

	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
	"github.com/castlegate/casd/pkg/slogx"
)

type LogoutHandler struct {
	TicketService *service.TicketService
}

// ServeHTTP godoc
//
//	@Summary		Destroy Granting Ticket
//	@Description	Log out: destroy a granting ticket and cascade through every ticket granted from it, including
//	@Description	proxy chains. Destroying an already-absent ticket succeeds with a zero count.
//	@Tags			Protocol
//	@Produce		json
//	@Param			tgt	path		string					true	"Granting ticket id"
//	@Success		200	{object}	casapi.LogoutResponse	"removed"
//	@Failure		503	{object}	casapi.ErrorResponse	"code, description"
//	@Router			/v1/tickets/{tgt} [delete].
func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	removed, err := h.TicketService.DestroyGrantingTicket(ctx, r.PathValue("tgt"))
	if err != nil {
		writeTicketError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, casapi.LogoutResponse{Removed: removed})
}
