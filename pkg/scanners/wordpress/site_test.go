package wordpress

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
)

// response is one canned answer served by fakeSite.
type response struct {
	status   int
	body     string
	header   map[string]string
	location string
	delay    time.Duration
}

// fakeSite serves canned responses keyed by request URI, falling back to the
// path, and 404 for anything else.
type fakeSite struct {
	mu       sync.Mutex
	routes   map[string]response
	hits     map[string]int
	fallback *response
	header   map[string]string
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		routes: make(map[string]response),
		hits:   make(map[string]int),
	}
}

func (f *fakeSite) on(path string, r response) *fakeSite {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	f.routes[path] = r
	return f
}

func (f *fakeSite) page(path, body string) *fakeSite {
	return f.on(path, response{body: body})
}

// everything answers every unknown path with r, as soft-404 sites do.
func (f *fakeSite) everything(r response) *fakeSite {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	f.fallback = &r
	return f
}

// withHeaders adds headers to every response.
func (f *fakeSite) withHeaders(h map[string]string) *fakeSite {
	f.header = h
	return f
}

func (f *fakeSite) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.RequestURI()]++
	resp, ok := f.routes[r.URL.RequestURI()]
	if !ok {
		resp, ok = f.routes[r.URL.Path]
	}
	if !ok && f.fallback != nil {
		resp, ok = *f.fallback, true
	}
	f.mu.Unlock()

	for k, v := range f.header {
		w.Header().Set(k, v)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}
	for k, v := range resp.header {
		w.Header().Set(k, v)
	}
	if resp.location != "" {
		w.Header().Set("Location", resp.location)
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeSite) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeSite) startTLS(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func testDetector(srv *httptest.Server, cfg config.DetectorConfig) *Detector {
	return NewDetector(srv.Client(), nil, cfg, logger.Nop(), WithPrivateTargets())
}

const wpHomepage = `<!DOCTYPE html>
<html lang="en-US">
<head>
<meta name="generator" content="WordPress 6.4.2" />
<link rel='stylesheet' id='wp-block-library-css' href='/wp-includes/css/dist/block-library/style.min.css?ver=6.4.2' media='all' />
<link rel='stylesheet' id='contact-form-7-css' href='/wp-content/plugins/contact-form-7/includes/css/styles.css?ver=5.3.1' media='all' />
<link rel='stylesheet' id='theme-css' href='/wp-content/themes/twentytwentyfour/style.css?ver=1.0' media='all' />
<script src='/wp-content/plugins/mystery-plugin/js/app.js?ver=2.0.0' id='mystery-js'></script>
</head>
<body class="home">Hello world</body>
</html>`

const wpLoginPage = `<form name="loginform" id="loginform" action="/wp-login.php" method="post">
<input type="text" name="log" id="user_login" />
<input type="submit" name="wp-submit" id="wp-submit" value="Log In" />
</form>`

const restIndexBody = `{"name":"Demo","namespaces":["oembed/1.0","wp/v2","contact-form-7/v1","wc/store/v1"]}`

// wordPressSite is a typical install exposing every detection signal.
func wordPressSite() *fakeSite {
	return newFakeSite().
		page("/", wpHomepage).
		on("/wp-json/", response{body: restIndexBody, header: map[string]string{"Content-Type": "application/json"}}).
		page("/wp-login.php", wpLoginPage).
		on("/xmlrpc.php", response{status: http.StatusMethodNotAllowed, body: "XML-RPC server accepts POST requests only."})
}
