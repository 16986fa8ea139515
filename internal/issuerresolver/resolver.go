// Package issuerresolver derives the issuer string for a newly issued token
// from the request's host, and classifies an issuer URL as local, official,
// or foreign for downstream trust decisions (spec §4.3).
package issuerresolver

import "strings"

// Classification is the trust bucket an issuer falls into.
type Classification string

const (
	Local    Classification = "local"
	Official Classification = "official"
	Foreign  Classification = "foreign"
)

// Config holds the host-matching data the resolver needs. It is immutable
// after construction; callers build one at startup from internal/config.
type Config struct {
	// BaseDomain is the substring a request host must contain for the
	// resolver to mint a host-specific issuer rather than falling back to
	// the default.
	BaseDomain string
	// DefaultIssuer is returned verbatim when the request host doesn't
	// contain BaseDomain.
	DefaultIssuer string
	// LocalHosts are hosts (no scheme, no port) this deployment considers
	// itself. Typically includes the host behind DefaultIssuer.
	LocalHosts []string
	// OfficialHosts is the allow-list of vendor-operated hosts.
	OfficialHosts []string
}

// Resolver implements issuer derivation and classification.
type Resolver struct {
	cfg Config
}

// New builds a Resolver from a static configuration.
func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		// Guard against bare IPv6 literals without a port, e.g. "::1".
		if !strings.Contains(host[i+1:], ":") {
			return host[:i]
		}
	}
	return host
}

// ResolveForRequest returns the issuer URL a token minted for this request
// should carry in its `iss` claim.
func (r *Resolver) ResolveForRequest(hostHeader string) string {
	host := stripPort(hostHeader)
	if host != "" && strings.Contains(host, r.cfg.BaseDomain) {
		return "https://" + host
	}
	return r.cfg.DefaultIssuer
}

func hostOf(issuerURL string) string {
	host := strings.TrimPrefix(issuerURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.Index(host, "/"); i != -1 {
		host = host[:i]
	}
	return stripPort(host)
}

// Classify buckets an issuer URL for trust decisions.
func (r *Resolver) Classify(issuerURL string) Classification {
	host := hostOf(issuerURL)
	for _, h := range r.cfg.LocalHosts {
		if h == host {
			return Local
		}
	}
	for _, h := range r.cfg.OfficialHosts {
		if h == host {
			return Official
		}
	}
	return Foreign
}
