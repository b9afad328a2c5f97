// Package httpclient builds the outbound HTTP clients used to probe scan targets.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
)

// ErrBlockedAddress is returned when SSRF protection refuses a destination.
var ErrBlockedAddress = errors.New("SSRF protection: blocked address")

type SecureClientConfig struct {
	Timeout         time.Duration
	EnableSSRF      bool // If true, blocks requests to private IPs
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
	// Nameservers used for SSRF-checked resolution; empty means the system resolver.
	Nameservers []string
	DialTimeout time.Duration
}

func DefaultConfig() SecureClientConfig {
	return SecureClientConfig{
		Timeout:         30 * time.Second,
		EnableSSRF:      true,
		FollowRedirects: true,
		MaxRedirects:    10,
		DialTimeout:     5 * time.Second,
	}
}

// FromConfig maps the http section of the service configuration.
func FromConfig(cfg config.HTTPConfig) SecureClientConfig {
	return SecureClientConfig{
		Timeout:         cfg.Timeout,
		EnableSSRF:      cfg.EnableSSRF && !cfg.AllowPrivateIPs,
		FollowRedirects: cfg.MaxRedirects > 0,
		MaxRedirects:    cfg.MaxRedirects,
		UserAgent:       cfg.UserAgent,
		Nameservers:     cfg.Nameservers,
		DialTimeout:     cfg.DialTimeout,
	}
}

// NewSecureClient creates an HTTP client that, with EnableSSRF, resolves each
// host once, refuses private addresses and dials the vetted IP directly.
func NewSecureClient(cfg SecureClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	if dialer.Timeout <= 0 {
		dialer.Timeout = 5 * time.Second
	}
	resolver := NewResolver(cfg.Nameservers, dialer.Timeout)

	dial := dialer.DialContext
	if cfg.EnableSSRF {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialVetted(ctx, dialer, resolver, network, addr)
		}
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
	if cfg.UserAgent != "" {
		client.Transport = &userAgentTransport{next: transport, agent: cfg.UserAgent}
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if cfg.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if cfg.EnableSSRF {
				if err := validateRedirect(req); err != nil {
					return err
				}
			}
			return nil
		}
	}

	return client
}

// NewUnsafeClient creates a client WITHOUT SSRF protection.
// Use only for tests and authorised internal targets.
func NewUnsafeClient(timeout time.Duration) *http.Client {
	return NewSecureClient(SecureClientConfig{
		Timeout:         timeout,
		EnableSSRF:      false,
		FollowRedirects: true,
		MaxRedirects:    10,
	})
}

func dialVetted(ctx context.Context, dialer *net.Dialer, resolver *Resolver, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if validation.IsPrivateHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}

	ips, err := resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		if validation.IsPrivateIP(ip) {
			lastErr = fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, ip)
			continue
		}
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable address for %s", host)
	}
	return nil, lastErr
}

func validateRedirect(req *http.Request) error {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: redirect to %s scheme", ErrBlockedAddress, req.URL.Scheme)
	}
	if validation.IsPrivateHost(req.URL.Hostname()) {
		return fmt.Errorf("%w: redirect to %s", ErrBlockedAddress, req.URL.Hostname())
	}
	return nil
}

type userAgentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}

// DoWithContext performs req bound to ctx and reports cancellation distinctly.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// ReadBody reads at most limit bytes of the response body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 2 << 20
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// CloseBody drains and closes a response body so the connection can be reused.
//
//	defer httpclient.CloseBody(resp)
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
