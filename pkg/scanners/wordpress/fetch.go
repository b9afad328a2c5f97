package wordpress

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/ratelimit"
)

const defaultMaxBody = 2 << 20

// page is a fetched response with its body already read and the connection released.
type page struct {
	status int
	header http.Header
	body   []byte
	// url is the final location after redirects.
	url *url.URL
}

func (p *page) ok() bool {
	return p.status >= 200 && p.status < 300
}

func (p *page) text() string {
	return string(p.body)
}

func (p *page) contains(s string) bool {
	return strings.Contains(string(p.body), s)
}

// fetcher issues polite GET requests: every request waits on the per-host limiter
// and bodies are capped.
type fetcher struct {
	client     *http.Client
	noRedirect *http.Client
	limiter    *ratelimit.Limiter
	maxBody    int64
	// timeout bounds each request after its limiter wait; 0 leaves it to ctx.
	timeout time.Duration
}

func newFetcher(client *http.Client, limiter *ratelimit.Limiter, maxBody int64) *fetcher {
	if client == nil {
		client = httpclient.NewSecureClient(httpclient.DefaultConfig())
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &fetcher{
		client:     client,
		noRedirect: &noRedirect,
		limiter:    limiter,
		maxBody:    maxBody,
	}
}

func (f *fetcher) get(ctx context.Context, target string) (*page, error) {
	return f.do(ctx, f.client, target)
}

// getRaw does not follow redirects; used where the Location header is the signal.
func (f *fetcher) getRaw(ctx context.Context, target string) (*page, error) {
	return f.do(ctx, f.noRedirect, target)
}

func (f *fetcher) do(ctx context.Context, client *http.Client, target string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	if f.limiter != nil {
		if err := f.limiter.WaitForHost(ctx, req.URL.Host); err != nil {
			return nil, err
		}
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	body, err := httpclient.ReadBody(resp, f.maxBody)
	if err != nil {
		return nil, err
	}

	return &page{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
		url:    resp.Request.URL,
	}, nil
}

// session memoizes GETs against one target for the duration of a scan, so
// fingerprinting and hardening checks that need the same path share a request.
type session struct {
	base  string
	fetch *fetcher

	mu    sync.Mutex
	pages map[string]func() (*page, error)
}

func newSession(f *fetcher, base string) *session {
	return &session{
		base:  base,
		fetch: f,
		pages: make(map[string]func() (*page, error)),
	}
}

// get fetches base+path once. The first caller's context governs the request.
func (s *session) get(ctx context.Context, path string) (*page, error) {
	s.mu.Lock()
	load, ok := s.pages[path]
	if !ok {
		load = sync.OnceValues(func() (*page, error) {
			return s.fetch.get(ctx, s.base+path)
		})
		s.pages[path] = load
	}
	s.mu.Unlock()
	return load()
}
