package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/access"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/cache"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDetector struct {
	mu     sync.Mutex
	calls  int
	result *types.DetectionResult
	err    error
}

func (f *fakeDetector) Detect(_ context.Context, rawURL string) (*types.DetectionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if _, err := validation.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	return f.result, f.err
}

type fakeScanner struct {
	result *types.ScanResult
	err    error
	phases []types.ScanPhase
	block  bool
}

func (f *fakeScanner) Scan(ctx context.Context, rawURL string) (*types.ScanResult, error) {
	return f.ScanWithProgress(ctx, rawURL, nil)
}

func (f *fakeScanner) ScanWithProgress(ctx context.Context, rawURL string, progress types.ProgressFunc) (*types.ScanResult, error) {
	if _, err := validation.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	for _, p := range f.phases {
		if progress != nil {
			progress(p, string(p))
		}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, f.err
}

// memoryCache is a ResultCache that never expires entries.
type memoryCache struct {
	mu    sync.Mutex
	scans map[string]*types.ScanResult
	dets  map[string]*types.DetectionResult
}

func newMemoryCache() *memoryCache {
	return &memoryCache{scans: map[string]*types.ScanResult{}, dets: map[string]*types.DetectionResult{}}
}

func (m *memoryCache) GetScan(_ context.Context, u string) (*types.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans[u], nil
}

func (m *memoryCache) SetScan(_ context.Context, u string, r *types.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans[u] = r
	return nil
}

func (m *memoryCache) GetDetection(_ context.Context, u string) (*types.DetectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dets[u], nil
}

func (m *memoryCache) SetDetection(_ context.Context, u string, r *types.DetectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dets[u] = r
	return nil
}

func (m *memoryCache) Ping(context.Context) error { return nil }
func (m *memoryCache) Close() error               { return nil }

var _ cache.ResultCache = (*memoryCache)(nil)

func cleanReport() *types.ScanResult {
	return &types.ScanResult{
		URL:       "https://example.com",
		ScannedAt: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		Core: types.CoreFinding{
			Version:      "6.8.3",
			Status:       types.StatusSecure,
			DetectedFrom: wordpress.SourceGenerator,
		},
		Plugins:             []types.ComponentFinding{},
		Themes:              []types.ComponentFinding{},
		Security:            []string{wordpress.CheckHTTPSEnforced},
		RiskScore:           92,
		DetectionConfidence: 100,
		HTTPSEnabled:        true,
	}
}

type testEnv struct {
	router   *gin.Engine
	store    *database.Store
	detector *fakeDetector
	scanner  *fakeScanner
	cache    *memoryCache
}

func newTestEnv(t *testing.T, security config.SecurityConfig) *testEnv {
	t.Helper()

	store, err := database.NewStore(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	env := &testEnv{
		store: store,
		detector: &fakeDetector{result: &types.DetectionResult{
			IsWordPress:        true,
			Confidence:         100,
			DetectedIndicators: []string{wordpress.IndicatorREST},
			FailedChecks:       []string{},
			Method:             wordpress.IndicatorREST,
		}},
		scanner: &fakeScanner{result: cleanReport()},
		cache:   newMemoryCache(),
	}
	env.router = NewServer(Deps{
		Detector:   env.detector,
		Scanner:    env.scanner,
		Store:      store,
		Authorizer: access.NewGate(store, cfg.Plans, cfg.DefaultPlan, logger.Nop()),
		Cache:      env.cache,
		Security:   security,
		Logger:     logger.Nop(),
	})
	return env
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	w := env.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["healthy"])
}

func TestDetectEndpoint(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	w := env.do(http.MethodPost, "/api/detect-wordpress", map[string]string{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result types.DetectionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.IsWordPress)
	assert.Equal(t, 100, result.Confidence)

	// Second call within the cache window skips the detector.
	w = env.do(http.MethodPost, "/api/detect-wordpress", map[string]string{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.detector.calls)
}

func TestDetectEndpointErrors(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	tests := []struct {
		name string
		body any
	}{
		{name: "missing url", body: map[string]string{}},
		{name: "not json", body: "url=https://example.com"},
		{name: "bad scheme", body: map[string]string{"url": "ftp://example.com"}},
		{name: "private target", body: map[string]string{"url": "http://127.0.0.1/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/detect-wordpress", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode(t, w)["message"])
		})
	}
}

func TestScanEndpoint(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	w := env.do(http.MethodPost, "/api/scan-wordpress", map[string]string{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result types.ScanResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 92, result.RiskScore)
	assert.Equal(t, "6.8.3", result.Core.Version)
}

func TestScanEndpointErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unreachable", err: fmt.Errorf("%w: https://example.com: dial tcp: refused", wordpress.ErrTargetUnreachable), want: http.StatusBadGateway},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.SecurityConfig{})
			env.scanner.err = tt.err
			env.scanner.result = nil

			w := env.do(http.MethodPost, "/api/scan-wordpress", map[string]string{"url": "https://example.com"}, nil)
			require.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, decode(t, w)["message"])
		})
	}

	env := newTestEnv(t, config.SecurityConfig{})
	w := env.do(http.MethodPost, "/api/scan-wordpress", map[string]string{"url": "not a url"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// saveBody builds a save-scan request whose report was produced for url.
func saveBody(url string, report *types.ScanResult) map[string]any {
	report.URL = url
	return map[string]any{"url": url, "scanData": report}
}

func TestSaveScanRequiresUser(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	w := env.do(http.MethodPost, "/api/wpscan/save-scan", saveBody("https://example.com", cleanReport()), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, decode(t, w)["error"])
}

func TestSaveScanFreePlanDenied(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	w := env.do(http.MethodPost, "/api/wpscan/save-scan", saveBody("https://example.com", cleanReport()),
		map[string]string{"X-User-ID": "user-1"})
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["requiresUpgrade"])
	assert.NotEmpty(t, body["error"])
}

func TestSaveScanWithinPlan(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	ctx := context.Background()
	require.NoError(t, env.store.SetUserPlan(ctx, "user-1", "pro"))
	headers := map[string]string{"X-User-ID": "user-1"}

	w := env.do(http.MethodPost, "/api/wpscan/save-scan", saveBody("https://example.com/", cleanReport()), headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	saved, err := env.store.GetScan(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", saved.URL)
	assert.Equal(t, 92, saved.RiskScore)

	w = env.do(http.MethodGet, "/api/wpscan/scans", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	scans, _ := decode(t, w)["scans"].([]any)
	assert.Len(t, scans, 1)

	w = env.do(http.MethodGet, "/api/wpscan/scans/"+id, nil, headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/wpscan/scans/"+id, nil, map[string]string{"X-User-ID": "user-2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveScanSiteLimit(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	require.NoError(t, env.store.SetUserPlan(context.Background(), "user-1", "pro"))
	headers := map[string]string{"X-User-ID": "user-1"}

	for i := 0; i < 3; i++ {
		w := env.do(http.MethodPost, "/api/wpscan/save-scan", saveBody(fmt.Sprintf("https://site%d.example", i), cleanReport()), headers)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := env.do(http.MethodPost, "/api/wpscan/save-scan", saveBody("https://site9.example", cleanReport()), headers)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, true, decode(t, w)["requiresUpgrade"])

	// A site already on the account can still be re-saved.
	later := cleanReport()
	later.ScannedAt = later.ScannedAt.Add(24 * time.Hour)
	w = env.do(http.MethodPost, "/api/wpscan/save-scan", saveBody("https://site0.example", later), headers)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSaveScanInvalidBody(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	headers := map[string]string{"X-User-ID": "user-1"}

	inconsistent := cleanReport()
	inconsistent.TotalVulnerabilities = 3

	tests := []struct {
		name string
		body any
	}{
		{name: "missing scanData", body: map[string]string{"url": "https://example.com"}},
		{name: "invalid url", body: saveBody("javascript:alert(1)", cleanReport())},
		{name: "inconsistent totals", body: saveBody("https://example.com", inconsistent)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/wpscan/save-scan", tt.body, headers)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestSaveScanRejectsMismatchedReportURL(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	require.NoError(t, env.store.SetUserPlan(context.Background(), "user-1", "pro"))
	headers := map[string]string{"X-User-ID": "user-1"}

	tests := []struct {
		name      string
		reportURL string
	}{
		{name: "different site", reportURL: "https://attacker.example"},
		{name: "different scheme", reportURL: "http://example.com"},
		{name: "missing", reportURL: ""},
		{name: "not a url", reportURL: "javascript:alert(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := cleanReport()
			report.URL = tt.reportURL
			w := env.do(http.MethodPost, "/api/wpscan/save-scan",
				map[string]any{"url": "https://example.com", "scanData": report}, headers)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "scanData.url does not match url", decode(t, w)["error"])
		})
	}

	n, err := env.store.CountSites(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Both URLs normalize to the same target.
	report := cleanReport()
	report.URL = "HTTPS://Example.com/"
	w := env.do(http.MethodPost, "/api/wpscan/save-scan",
		map[string]any{"url": "https://example.com", "scanData": report}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	id, _ := decode(t, w)["id"].(string)
	saved, err := env.store.GetScan(context.Background(), "user-1", id)
	require.NoError(t, err)
	require.NotNil(t, saved.Data)
	assert.Equal(t, "https://example.com", saved.Data.URL)
}

func TestListScansLimitValidation(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	w := env.do(http.MethodGet, "/api/wpscan/scans?limit=0", nil, map[string]string{"X-User-ID": "u"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-key"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, config.SecurityConfig{EnableAuth: true, APIKeyHash: string(hash)})
	body := map[string]string{"url": "https://example.com"}

	w := env.do(http.MethodPost, "/api/detect-wordpress", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/detect-wordpress", body, map[string]string{"Authorization": "Token s3cret-key"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/detect-wordpress", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/detect-wordpress", body, map[string]string{"Authorization": "Bearer s3cret-key"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{RateLimit: config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(http.MethodGet, "/health", nil, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{AllowedOrigins: []string{"https://app.example.com"}})

	w := env.do(http.MethodOptions, "/api/scan-wordpress", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = env.do(http.MethodOptions, "/api/scan-wordpress", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	w := env.do(http.MethodGet, "/health", nil, nil)
	assert.Len(t, w.Header().Get(requestIDHeader), 36)

	const id = "0b0f3c1e-9d8a-4a4f-8f8e-1c2d3e4f5a6b"
	w = env.do(http.MethodGet, "/health", nil, map[string]string{requestIDHeader: id})
	assert.Equal(t, id, w.Header().Get(requestIDHeader))

	w = env.do(http.MethodGet, "/health", nil, map[string]string{requestIDHeader: "<script>"})
	assert.NotEqual(t, "<script>", w.Header().Get(requestIDHeader))
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(logger.Nop()))
	router.GET("/panic", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal server error")
}

func dialStream(t *testing.T, env *testEnv, target string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/scan-wordpress/stream?url=" + target
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestScanStream(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	env.scanner.phases = []types.ScanPhase{types.PhaseValidating, types.PhaseFetching, types.PhaseComplete}

	conn, _, err := dialStream(t, env, "https://example.com")
	require.NoError(t, err)
	defer conn.Close()

	var events []streamEvent
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev streamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, eventProgress, events[0].Type)
	assert.Equal(t, types.PhaseValidating, events[0].Phase)
	assert.Equal(t, types.PhaseComplete, events[2].Phase)
	assert.Equal(t, eventResult, events[3].Type)
	require.NotNil(t, events[3].Data)
	assert.Equal(t, 92, events[3].Data.RiskScore)
}

func TestScanStreamError(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	env.scanner.result = nil
	env.scanner.err = fmt.Errorf("%w: x", wordpress.ErrTargetUnreachable)

	conn, _, err := dialStream(t, env, "https://example.com")
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev streamEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, eventError, ev.Type)
	assert.Contains(t, ev.Message, "Could not reach")
}

func TestScanStreamRejectsInvalidURL(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})

	_, resp, err := dialStream(t, env, "ftp://example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanStreamClientCloseCancelsScan(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{})
	env.scanner.block = true

	conn, _, err := dialStream(t, env, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	// The server finishes the cancelled scan and closes its side.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev streamEvent
	err = conn.ReadJSON(&ev)
	if err == nil {
		assert.Equal(t, eventError, ev.Type)
	}
	conn.Close()
}
