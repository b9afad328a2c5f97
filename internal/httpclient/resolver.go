package httpclient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up A and AAAA records. With nameservers configured it queries
// them directly over DNS; otherwise it defers to the system resolver.
type Resolver struct {
	nameservers []string
	client      *dns.Client
	system      *net.Resolver
}

func NewResolver(nameservers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(ns); err != nil {
			ns = net.JoinHostPort(ns, "53")
		}
		servers = append(servers, ns)
	}
	return &Resolver{
		nameservers: servers,
		client:      &dns.Client{Timeout: timeout},
		system:      net.DefaultResolver,
	}
}

// LookupIP returns every address for host. IP literals are returned as-is.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if len(r.nameservers) == 0 {
		return r.system.LookupIP(ctx, "ip", host)
	}

	var lastErr error
	for _, server := range r.nameservers {
		var ips []net.IP
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			found, err := r.query(ctx, server, host, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			ips = append(ips, found...)
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
	}
	return nil, fmt.Errorf("resolve %s: no address records", host)
}

func (r *Resolver) query(ctx context.Context, server, host string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips, nil
}
