// Package services answers the single question the protocol engine asks
// about a relying application: is this service URL one the deployment
// trusts? Trust is expressed as glob patterns over the URL, compiled once
// at startup.
package services

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Allowlist authorizes service URLs against a fixed set of patterns.
// Patterns use glob syntax with '/' as the separator, so
// "https://*.example.org/**" matches any host under example.org but not
// "https://evil.org/https://app.example.org/".
type Allowlist struct {
	patterns []glob.Glob
	raw      []string
}

// New compiles the given patterns. An empty pattern set authorizes
// nothing; a deployment that wants to trust everything says so with "**".
func New(patterns []string) (*Allowlist, error) {
	al := &Allowlist{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		compiled, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid service pattern %q: %w", p, err)
		}
		al.patterns = append(al.patterns, compiled)
		al.raw = append(al.raw, p)
	}
	return al, nil
}

// IsAuthorized reports whether the service URL matches any pattern.
func (a *Allowlist) IsAuthorized(service string) bool {
	for _, p := range a.patterns {
		if p.Match(service) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled pattern sources, for startup logging.
func (a *Allowlist) Patterns() []string {
	return a.raw
}
