// Package casapi holds the wire types of the ticket server's HTTP API.
// Clients and relying services can import it instead of redeclaring the
// request and response shapes.
package casapi

// LoginRequest carries a principal whose credentials were already verified
// by the deployment's credential layer. The ticket server trusts it as
// stated; it never sees raw credentials.
type LoginRequest struct {
	PrincipalID     string            `json:"principal_id"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	AuthnHandler    string            `json:"authn_handler,omitempty"`
	AuthnTime       int64             `json:"authn_time,omitempty"`
	CredentialClass string            `json:"credential_class,omitempty"`
}

// LoginResponse returns the granting ticket anchoring the SSO session.
type LoginResponse struct {
	Ticket string `json:"ticket"`
}

// GrantRequest asks for a service ticket scoped to a service URL.
type GrantRequest struct {
	Service string `json:"service"`
}

// GrantResponse returns the single-use service ticket.
type GrantResponse struct {
	Ticket       string `json:"ticket"`
	FromNewLogin bool   `json:"from_new_login"`
}

// ValidationResponse is the payload of a successful consuming validation.
type ValidationResponse struct {
	PrincipalID     string            `json:"principal_id"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	AuthnHandler    string            `json:"authn_handler,omitempty"`
	AuthnTime       int64             `json:"authn_time,omitempty"`
	CredentialClass string            `json:"credential_class,omitempty"`
	Service         string            `json:"service"`
	FromNewLogin    bool              `json:"from_new_login"`
}

// JWTValidationResponse wraps the signed form of a validation response.
type JWTValidationResponse struct {
	Token string `json:"token"`
}

// ProxyRequest asks to extend the proxy chain from a service ticket.
type ProxyRequest struct {
	Ticket string `json:"ticket"`
}

// ProxyResponse returns the proxy-granting ticket.
type ProxyResponse struct {
	Ticket string `json:"ticket"`
}

// LogoutResponse reports how many tickets a logout cascade removed.
type LogoutResponse struct {
	Removed int `json:"removed"`
}

// Protocol error codes. Each failure mode gets its own code because each
// implies a different remediation: expiry means re-login, replay means a
// suspected attack, mismatch means misconfiguration.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidTicket       = "INVALID_TICKET"
	CodeInvalidTicketType   = "INVALID_TICKET_TYPE"
	CodeTicketExpired       = "TICKET_EXPIRED"
	CodeTicketConsumed      = "TICKET_CONSUMED"
	CodeServiceMismatch     = "SERVICE_MISMATCH"
	CodeUnauthorizedService = "UNAUTHORIZED_SERVICE"
	CodeProxyDepthExceeded  = "PROXY_DEPTH_EXCEEDED"
	CodeRegistryUnavailable = "REGISTRY_UNAVAILABLE"
	CodeServerError         = "SERVER_ERROR"
)

// ErrorResponse is the structured failure payload.
type ErrorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// HealthChecks reports the status of critical dependencies.
type HealthChecks struct {
	Registry string `json:"registry"`
}

// HealthResponse is returned by the livez and readyz probes.
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *HealthChecks `json:"checks,omitempty"`
}
