package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// minimal storage.Backend mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockBackend struct {
	existsErr error
	checked   storage.Key
}

func (m *readinessMockBackend) PutFile(context.Context, io.Reader, storage.Key, bool) error {
	return nil
}
func (m *readinessMockBackend) DeleteFile(context.Context, storage.Key) error { return nil }
func (m *readinessMockBackend) GetFile(_ context.Context, key storage.Key) (io.ReadCloser, error) {
	return nil, storage.NotFound(key)
}
func (m *readinessMockBackend) GetURL(context.Context, storage.Key) (string, error) { return "", nil }
func (m *readinessMockBackend) Exists(_ context.Context, key storage.Key) (bool, error) {
	m.checked = key
	return false, m.existsErr
}
func (m *readinessMockBackend) Stat(_ context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	return nil, storage.NotFound(key)
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body
}

func TestHealthCheckHandler_Healthy(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	db := newHealthDB(t, false)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func TestReadinessHandler_Ready(t *testing.T) {
	db := newHealthDB(t, true)
	backend := &readinessMockBackend{}

	r := gin.New()
	r.GET("/ready", readinessHandler(db, backend))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
	if backend.checked != readinessCheckKey {
		t.Errorf("checked key = %v, want the readiness check key", backend.checked)
	}
	if err := readinessCheckKey.Validate(); err != nil {
		t.Errorf("readiness check key is invalid: %v", err)
	}
}

func TestReadinessHandler_DatabaseNotReady(t *testing.T) {
	db := newHealthDB(t, false)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, &readinessMockBackend{}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body := decodeBody(t, w); body["ready"] != false {
		t.Errorf("ready = %v, want false", body["ready"])
	}
}

func TestReadinessHandler_StorageNotReady(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, &readinessMockBackend{existsErr: errors.New("access denied")}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	checks, _ := body["checks"].(map[string]interface{})
	if checks["storage"] != "unhealthy" {
		t.Errorf("checks.storage = %v, want unhealthy", checks["storage"])
	}
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["version"] != Version {
		t.Errorf("version = %v, want %q", body["version"], Version)
	}
	if body["api_version"] != "v1" {
		t.Errorf("api_version = %v, want v1", body["api_version"])
	}
}

// ---------------------------------------------------------------------------
// NewRouter
// ---------------------------------------------------------------------------

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = "memory"
	cfg.Images.ThumbnailFilter = "bilinear"
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *BackgroundServices) {
	t.Helper()
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	router, bg, err := NewRouter(cfg, sqlx.NewDb(mockDB, "sqlmock"), memory.New(""))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(bg.Shutdown)
	return router, bg
}

func TestNewRouter_RegistersImageRoutes(t *testing.T) {
	router, _ := newTestRouter(t, newTestConfig())

	want := map[string]bool{
		"GET /v1/images/:object_type":                      false,
		"POST /v1/images/:object_type/:object_id":          false,
		"GET /v1/images/:object_type/:object_id":           false,
		"DELETE /v1/images/:object_type/:object_id":        false,
		"GET /v1/images/:object_type/:object_id/thumbnail": false,
		"GET /v1/images/:object_type/:object_id/file":      false,
		"GET /health":  false,
		"GET /ready":   false,
		"GET /version": false,
	}
	for _, route := range router.Routes() {
		key := route.Method + " " + route.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
		if route.Path == "/images/*filepath" {
			t.Errorf("local tree served although the memory backend is configured")
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestNewRouter_InvalidThumbnailFilter(t *testing.T) {
	cfg := newTestConfig()
	cfg.Images.ThumbnailFilter = "lanczos"

	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()

	if _, _, err := NewRouter(cfg, sqlx.NewDb(mockDB, "sqlmock"), memory.New("")); err == nil {
		t.Error("NewRouter accepted an unknown thumbnail filter")
	}
}

func TestNewRouter_UploadRateLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	router, bg := newTestRouter(t, cfg)

	if len(bg.rateLimiters) != 1 {
		t.Fatalf("rate limiters = %d, want 1", len(bg.rateLimiters))
	}

	// An invalid object id fails before touching the database, so only the
	// limiter decides between 400 and 429.
	send := func(method string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/v1/images/user/not-a-number", nil)
		req.RemoteAddr = "10.1.2.3:4000"
		router.ServeHTTP(w, req)
		return w.Code
	}
	if got := send(http.MethodPost); got != http.StatusBadRequest {
		t.Errorf("first upload status = %d, want 400", got)
	}
	if got := send(http.MethodPost); got != http.StatusTooManyRequests {
		t.Errorf("second upload status = %d, want 429", got)
	}
	if got := send(http.MethodGet); got != http.StatusBadRequest {
		t.Errorf("read status = %d, want 400 (reads are not rate limited)", got)
	}
}

func TestNewRouter_ServesLocalTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "user", "7", "0"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "user", "7", "0", "7.16x16.png"), []byte("png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig()
	cfg.Storage.DefaultBackend = "local"
	cfg.Storage.Local = config.LocalStorageConfig{BasePath: dir, ServeDirectly: true}
	router, _ := newTestRouter(t, cfg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images/user/7/0/7.16x16.png", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "png bytes" {
		t.Errorf("body = %q, want the stored file", w.Body.String())
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images/user/7/0/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("directory listing status = %d, want 404", w.Code)
	}
}

func TestServesLocalTree(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		sandbox  config.SandboxStorageConfig
		serve    bool
		expected bool
	}{
		{"local serving", "local", config.SandboxStorageConfig{}, true, true},
		{"local not serving", "local", config.SandboxStorageConfig{}, false, false},
		{"s3", "s3", config.SandboxStorageConfig{}, true, false},
		{"sandbox over local", "sandbox", config.SandboxStorageConfig{Underlying: "local", Overriding: "memory"}, true, true},
		{"sandbox over s3", "sandbox", config.SandboxStorageConfig{Underlying: "s3", Overriding: "memory"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Storage.DefaultBackend = tt.backend
			cfg.Storage.Sandbox = tt.sandbox
			cfg.Storage.Local.ServeDirectly = tt.serve
			if got := servesLocalTree(cfg); got != tt.expected {
				t.Errorf("servesLocalTree() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// LoggerMiddleware
// ---------------------------------------------------------------------------

func TestLoggerMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(LoggerMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func corsRequest(cfg *config.Config, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.Handle(method, "/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://example.com"}

	w := corsRequest(cfg, http.MethodGet, "https://example.com")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
}

func TestCORSMiddleware_DisallowedOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://allowed.com"}

	w := corsRequest(cfg, http.MethodGet, "https://evil.com")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no Access-Control-Allow-Origin header for disallowed origin")
	}
}

func TestCORSMiddleware_WildcardNoOriginHeader(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}

	w := corsRequest(cfg, http.MethodGet, "")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestCORSMiddleware_PreflightOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}

	w := corsRequest(cfg, http.MethodOptions, "https://example.com")

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 for OPTIONS preflight", w.Code)
	}
}
