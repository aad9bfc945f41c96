// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the HTTP client used for outbound deliveries
// to endpoints registered by clients: CIBA notification endpoints,
// back-channel logout URIs, and remote JWKS documents. Those URLs are
// attacker-influenced, so the client refuses plain HTTP and connections
// into private address space unless explicitly allowed.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// ErrPrivateAddress is returned when a delivery target resolves to a
// private or loopback address.
var ErrPrivateAddress = errors.New("delivery target resolves to a private address")

// DefaultTimeout bounds one outbound delivery end to end.
const DefaultTimeout = 10 * time.Second

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns ErrPrivateAddress when the dial
// address is a private or loopback IP. The check runs after DNS
// resolution, so a public hostname pointing into private space is still
// caught.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if isPrivateIP(net.ParseIP(host)) {
		return ErrPrivateAddress
	}
	return nil
}

func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport rejects non-HTTPS requests before they leave the
// process.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return nil, fmt.Errorf("delivery target %s is not an https URL", req.URL.Redacted())
	}
	return t.Transport.RoundTrip(req)
}

// ClientBuilder provides a fluent interface for building the outbound
// client.
type ClientBuilder struct {
	timeout               time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowPrivate          bool
}

// NewClientBuilder returns a builder with the default timeouts.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		timeout:               DefaultTimeout,
		tlsHandshakeTimeout:   5 * time.Second,
		responseHeaderTimeout: 5 * time.Second,
	}
}

// WithTimeout overrides the end-to-end request timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.timeout = d
	return b
}

// WithCABundle sets a CA certificate bundle path for deployments whose
// delivery targets use a private CA.
func (b *ClientBuilder) WithCABundle(path string) *ClientBuilder {
	b.caCertPath = path
	return b
}

// WithPrivateIPs allows connections to private address space, for
// development setups where relying parties run on localhost.
func (b *ClientBuilder) WithPrivateIPs(allow bool) *ClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("parsing CA certificate bundle")
		}
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    pool,
		}
	}

	var rt http.RoundTripper = transport
	if !b.allowPrivate {
		rt = &ValidatingTransport{Transport: transport}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   b.timeout,
	}, nil
}
