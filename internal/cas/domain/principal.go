package domain

import "time"

// Principal identifies the authenticated subject a ticket was issued for.
// Credential verification happens upstream; by the time a principal reaches
// this core it is opaque beyond its id and metadata.
type Principal struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// AuthnHandler names the upstream handler that verified the
	// credentials (e.g. "ldap", "static", "saml").
	AuthnHandler string `json:"authn_handler,omitempty"`

	// AuthnTime is when the credentials were verified.
	AuthnTime time.Time `json:"authn_time,omitzero"`

	// CredentialClass describes the kind of credential presented
	// (e.g. "password", "x509").
	CredentialClass string `json:"credential_class,omitempty"`
}
