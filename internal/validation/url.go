package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidURL is wrapped by every rejection so callers can map it to a 400.
var ErrInvalidURL = errors.New("invalid url")

var internalSuffixes = []string{
	".local",
	".internal",
	".lan",
	".test",
	".localhost",
	".home.arpa",
}

type URLOptions struct {
	// AllowPrivate permits loopback, private and internal-TLD hosts.
	AllowPrivate bool
}

// ValidateURL checks a user-supplied scan target and returns its normalized form.
// No network access happens here.
func ValidateURL(raw string) (*url.URL, error) {
	return ValidateURLWithOptions(raw, URLOptions{})
}

func ValidateURLWithOptions(raw string, opts URLOptions) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url are not allowed", ErrInvalidURL)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if ip := net.ParseIP(host); ip == nil {
		host, err = idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
		if err != nil {
			return nil, fmt.Errorf("%w: host %q: %v", ErrInvalidURL, u.Hostname(), err)
		}
		if !strings.Contains(host, ".") && host != "localhost" {
			return nil, fmt.Errorf("%w: host %q is not a fully qualified name", ErrInvalidURL, host)
		}
	}
	host = strings.ToLower(host)

	if !opts.AllowPrivate && IsPrivateHost(host) {
		return nil, fmt.Errorf("%w: %s points to a private or local network", ErrInvalidURL, host)
	}

	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return &url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   strings.TrimRight(u.Path, "/"),
	}, nil
}

// IsPrivateHost reports whether a host name or IP literal refers to a
// loopback, private, link-local or internal-only destination.
func IsPrivateHost(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// IsPrivateIP covers every range a scan must never reach from a public service.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 100.64.0.0/10 carrier-grade NAT
		if ip4[0] == 100 && ip4[1]&0xc0 == 64 {
			return true
		}
		if ip4[0] == 0 {
			return true
		}
	}
	return false
}
