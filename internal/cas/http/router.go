package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/pkg/httpx"
	"github.com/castlegate/casd/pkg/jwtx"
	"github.com/castlegate/casd/pkg/slogx"

	httpSwagger "github.com/swaggo/http-swagger"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	issuer       string
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	registry registry.Registry
	signer   *jwtx.Signer

	TicketService *service.TicketService
}

func NewRouter(
	issuer, buildVersion string,
	reg registry.Registry,
	signer *jwtx.Signer,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		issuer:       issuer,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		registry:     reg,
		signer:       signer,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerProtocol()
	r.registerSystem()

	r.Mux.Handle("/swagger/", httpSwagger.Handler())
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
//
//	@title			CAS Ticket Service API
//	@version		0.1.0
//	@description	Ticket-granting core of a CAS-style single sign-on deployment: issues
//	@description	granting tickets for verified principals, grants single-use service
//	@description	tickets, and validates them on behalf of relying applications.
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerProtocol() {
	// POST /login - strict rate limit (session minting)
	loginHandler := &LoginHandler{TicketService: r.TicketService}
	r.Mux.Handle("POST /v1/login",
		httpx.Chain(loginHandler,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /tickets/{tgt} - moderate rate limit (one per service hop)
	grantHandler := &GrantHandler{TicketService: r.TicketService}
	r.Mux.Handle("POST /v1/tickets/{tgt}",
		httpx.Chain(grantHandler,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	// GET /serviceValidate - moderate rate limit (relying services call
	// this once per ticket; a hot loop here is a misbehaving client)
	validateHandler := &ValidateHandler{
		TicketService: r.TicketService,
		Signer:        r.signer,
		Issuer:        r.issuer,
	}
	r.Mux.Handle("GET /v1/serviceValidate",
		httpx.Chain(validateHandler,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	// POST /proxy - moderate rate limit
	proxyHandler := &ProxyHandler{TicketService: r.TicketService}
	r.Mux.Handle("POST /v1/proxy",
		httpx.Chain(proxyHandler,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	// DELETE /tickets/{tgt} - logout, lenient (idempotent and cheap)
	logoutHandler := &LogoutHandler{TicketService: r.TicketService}
	r.Mux.Handle("DELETE /v1/tickets/{tgt}",
		httpx.Chain(logoutHandler,
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.registry),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}
