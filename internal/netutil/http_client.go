// Package netutil builds outbound HTTP clients for the core's only network
// dependency: fetching a foreign issuer's JWKS document (spec §4.4, §5).
package netutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultTimeout is the hard deadline spec §5 puts on a JWKS fetch.
const DefaultTimeout = 5 * time.Second

// HttpClientBuilder assembles an *http.Client with the handful of options
// this system needs: a custom CA bundle, a bearer token read from a file,
// an SSRF guard against private/loopback addresses, and a request timeout.
type HttpClientBuilder struct {
	caBundlePath    string
	tokenFilePath   string
	allowPrivateIPs bool
	timeout         time.Duration
}

// NewHttpClientBuilder starts a builder with the package default timeout.
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{timeout: DefaultTimeout}
}

// WithCABundle trusts the PEM certificates at path in addition to the
// system root pool. An empty path is a no-op.
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caBundlePath = path
	return b
}

// WithTokenFromFile attaches a Bearer token, re-read from path on every
// request so a rotated token file is picked up without a rebuild.
func (b *HttpClientBuilder) WithTokenFromFile(path string) *HttpClientBuilder {
	b.tokenFilePath = path
	return b
}

// WithPrivateIPs controls whether the built client is allowed to dial
// private, loopback, or link-local addresses. Federation fetches default to
// false: a foreign issuer URL resolving into the deployment's own network is
// refused rather than trusted.
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivateIPs = allow
	return b
}

// WithTimeout overrides the default per-request deadline.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	b.timeout = d
	return b
}

// Build returns the configured *http.Client.
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if b.caBundlePath != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(b.caBundlePath)
		if err != nil {
			return nil, fmt.Errorf("netutil: read CA bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("netutil: no certificates parsed from %s", b.caBundlePath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	if !b.allowPrivateIPs {
		baseDial := transport.DialContext
		if baseDial == nil {
			baseDial = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if ip := net.ParseIP(host); ip != nil && isDisallowed(ip) {
				return nil, fmt.Errorf("netutil: refusing to dial private/loopback address %s", host)
			}
			return baseDial(ctx, network, addr)
		}
	}

	var rt http.RoundTripper = transport
	if b.tokenFilePath != "" {
		rt = &tokenInjectingTransport{base: transport, tokenFilePath: b.tokenFilePath}
	}

	return &http.Client{Transport: rt, Timeout: b.timeout}, nil
}

func isDisallowed(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

type tokenInjectingTransport struct {
	base          http.RoundTripper
	tokenFilePath string
}

func (t *tokenInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := os.ReadFile(t.tokenFilePath)
	if err != nil {
		return nil, fmt.Errorf("netutil: read token file: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	return t.base.RoundTrip(req)
}
