// Package access decides who may read and write cache entries and what
// response content may be stored.
package access

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Mode is the kind of cache access being requested.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// AnonymousScope is the user scope of requests without a principal.
const AnonymousScope = "anonymous"

// Principal is the authenticated caller.
type Principal struct {
	ID string `json:"id"`
}

// Scope returns the cache scope entries of this principal are isolated under.
func (p Principal) Scope() string {
	return "user:" + p.ID
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal carried by ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

// Decision is the outcome of an access check.
type Decision struct {
	Valid     bool     `json:"valid"`
	UserScope string   `json:"user_scope"`
	Errors    []string `json:"errors,omitempty"`
}

// Validator checks whether the caller in ctx may access url.
type Validator interface {
	ValidateCacheAccess(ctx context.Context, rawURL string, mode Mode) Decision
}

// HostPolicy allows access to URLs on a set of hosts. Writes need an
// authenticated principal.
type HostPolicy struct {
	// AllowedHosts lists exact hosts or "*.domain" wildcards. Empty allows all.
	AllowedHosts   []string
	AllowedSchemes []string
}

// NewHostPolicy creates a policy for http and https URLs on hosts.
func NewHostPolicy(hosts ...string) *HostPolicy {
	return &HostPolicy{
		AllowedHosts:   hosts,
		AllowedSchemes: []string{"http", "https"},
	}
}

// ValidateCacheAccess implements Validator.
func (p *HostPolicy) ValidateCacheAccess(ctx context.Context, rawURL string, mode Mode) Decision {
	d := Decision{UserScope: AnonymousScope}
	principal, authenticated := PrincipalFromContext(ctx)
	if authenticated {
		d.UserScope = principal.Scope()
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		d.Errors = append(d.Errors, fmt.Sprintf("invalid url %q", rawURL))
		return d
	}
	if !p.schemeAllowed(u.Scheme) {
		d.Errors = append(d.Errors, fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}
	if !p.hostAllowed(u.Hostname()) {
		d.Errors = append(d.Errors, fmt.Sprintf("host %q not allowed", u.Hostname()))
	}
	if mode == ModeWrite && !authenticated {
		d.Errors = append(d.Errors, "write access requires an authenticated principal")
	}

	d.Valid = len(d.Errors) == 0
	return d
}

func (p *HostPolicy) schemeAllowed(scheme string) bool {
	for _, s := range p.AllowedSchemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

func (p *HostPolicy) hostAllowed(host string) bool {
	if len(p.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

var _ Validator = (*HostPolicy)(nil)
