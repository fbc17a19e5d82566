package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyboard/storyboard/pkg/config"
	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/stores"
	"github.com/storyboard/storyboard/pkg/telemetry"
)

type testEnv struct {
	manager *lifecycle.Manager
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "storyboard.db")
	manager, err := lifecycle.NewManager(lifecycle.DefaultConfig(path), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, manager.Open(context.Background()))
	t.Cleanup(func() { _ = manager.Close() })

	cfg := config.Default()
	tcfg := telemetry.DefaultConfig()
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	require.NoError(t, err)
	tel := &telemetry.Telemetry{Logger: telemetry.Nop(), Metrics: metrics, Config: tcfg}

	srv := New(cfg.Server, manager, tel)
	return &testEnv{manager: manager, server: srv, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) stories(t *testing.T) []stores.Story {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/stories", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list []stores.Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	return list
}

func (e *testEnv) export(t *testing.T) []byte {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/export-db", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return rec.Body.Bytes()
}

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, "upload.db")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file here"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-db", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func messageOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	if msg, ok := resp["message"]; ok {
		return msg
	}
	return resp["error"]
}

func TestStoryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{
		"title": "Ship v1", "description": "release", "status": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Story added successfully", messageOf(t, rec))

	list := env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Ship v1", list[0].Title)
	assert.Equal(t, "release", list[0].Description)
	assert.Equal(t, 2, list[0].Status)
	id := list[0].ID

	rec = env.postJSON(t, http.MethodPatch, "/story/"+itoa64(id), map[string]interface{}{
		"title": "Ship v1.1", "description": "patch release", "status": "3",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Story updated successfully", messageOf(t, rec))

	list = env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Ship v1.1", list[0].Title)
	assert.Equal(t, 3, list[0].Status)

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/story/"+itoa64(id), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Story deleted successfully", messageOf(t, rec))
	assert.Empty(t, env.stories(t))
}

func TestCreateStoryForm(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"title": {"Form"}, "description": {"urlencoded"}, "status": {""}}
	req := httptest.NewRequest(http.MethodPost, "/story", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	list := env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, stores.DefaultStatus, list[0].Status)
}

func TestCreateStoryBadStatusFallsBack(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{
		"title": "t", "description": "d", "status": "urgent",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	list := env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, stores.DefaultStatus, list[0].Status)
}

func TestCreateStoryValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "", "description": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, messageOf(t, rec), "title is required")
	assert.Empty(t, env.stories(t))

	req := httptest.NewRequest(http.MethodPost, "/story", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndDeleteMissingStory(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "a", "description": "b"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.postJSON(t, http.MethodPatch, "/story/999", map[string]interface{}{"title": "x", "description": "y"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/story/999", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	list := env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Title)
}

func TestInvalidStoryID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodDelete, "/story/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, http.MethodPatch, "/story/-1", map[string]interface{}{"title": "x", "description": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexPage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{
		"title": "<b>Visible</b>", "description": "escaped", "status": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "&lt;b&gt;Visible&lt;/b&gt;")
	assert.Contains(t, body, "In Progress")
	assert.Contains(t, body, `action="/upload-db"`)
}

func TestIndexKeepsUnlistedStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{
		"title": "odd", "description": "custom status", "status": 7,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<option value="7" selected>Status 7</option>`)
	assert.NotContains(t, body, `<option value="1" selected>`)
}

func TestStatusChoices(t *testing.T) {
	assert.Equal(t, statusOptions, statusChoices(2))

	choices := statusChoices(9)
	require.Len(t, choices, len(statusOptions)+1)
	assert.Equal(t, statusOption{Value: 9, Label: "Status 9"}, choices[len(choices)-1])
	assert.Len(t, statusOptions, 3)
}

func TestStaticAssets(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/story/")
}

func TestExportDownload(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "a", "description": "b"})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/export-db", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=storyboard.db`, rec.Header().Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("SQLite format 3\x00")))
}

func TestExportUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "first", "description": "one", "status": 1})
	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "second", "description": "two", "status": 2})
	before := env.stories(t)
	snapshot := env.export(t)

	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "third", "description": "three"})
	require.Len(t, env.stories(t), 3)

	rec := env.do(t, uploadRequest(t, UploadField, snapshot))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Database uploaded successfully", rec.Body.String())

	after := env.stories(t)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Title, after[i].Title)
		assert.Equal(t, before[i].Status, after[i].Status)
	}
}

func TestUploadReplacesWithOtherDatabase(t *testing.T) {
	other := newTestEnv(t)
	other.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "imported", "description": "x"})
	data := other.export(t)

	env := newTestEnv(t)
	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "local", "description": "y"})

	rec := env.do(t, uploadRequest(t, UploadField, data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, "imported", list[0].Title)
}

func TestUploadWithoutFile(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "kept", "description": "x"})

	rec := env.do(t, uploadRequest(t, "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded", rec.Body.String())
	assert.Len(t, env.stories(t), 1)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/upload-db", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadInvalidFile(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "kept", "description": "x"})

	rec := env.do(t, uploadRequest(t, UploadField, []byte(strings.Repeat("garbage", 100))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a valid Storyboard database")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	assert.Equal(t, lifecycle.StateActive, env.manager.State())
	list := env.stories(t)
	require.Len(t, list, 1)
	assert.Equal(t, "kept", list[0].Title)
}

func TestUnavailableDatabase(t *testing.T) {
	env := newTestEnv(t)
	data := env.export(t)
	require.NoError(t, env.manager.Close())

	rec := env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "a", "description": "b"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/stories", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/export-db", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// A valid upload brings the database back.
	rec = env.do(t, uploadRequest(t, UploadField, data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, lifecycle.StateActive, env.manager.State())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.server.cfg.MaxUploadBytes = 1024
	env.handler = env.server.Handler()

	rec := env.do(t, uploadRequest(t, UploadField, bytes.Repeat([]byte("x"), 4096)))
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.Less(t, rec.Code, 500)
	assert.Equal(t, lifecycle.StateActive, env.manager.State())
}

func TestRequestIDAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	env.postJSON(t, http.MethodPost, "/story", map[string]interface{}{"title": "a", "description": "b"})

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `storyboard_http_requests_total{code="200",route="GET /healthz"} 2`)
	assert.Contains(t, string(body), `storyboard_story_operations_total{op="insert",result="success"} 1`)
}

func TestStoryOperationsAreTraced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyboard.db")
	manager, err := lifecycle.NewManager(lifecycle.DefaultConfig(path), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, manager.Open(context.Background()))
	t.Cleanup(func() { _ = manager.Close() })

	tcfg := telemetry.DefaultConfig()
	tcfg.Metrics.Enabled = false
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "storyboard-test", "test", "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	var logs bytes.Buffer
	logger := telemetry.NewLoggerTo(&logs, telemetry.LoggingConfig{Level: "info", Format: "json"})
	tel := &telemetry.Telemetry{Logger: logger, Tracer: tracer, Metrics: &telemetry.Metrics{}, Config: tcfg}
	handler := New(config.Default().Server, manager, tel).Handler()

	data, err := json.Marshal(map[string]interface{}{"title": "traced", "description": "d"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/story", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var added, access map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		switch entry["message"] {
		case "Story added":
			added = entry
		case "HTTP request":
			access = entry
		}
	}
	require.NotNil(t, added, logs.String())
	require.NotNil(t, access, logs.String())

	assert.Equal(t, "story.insert", added["operation"])
	assert.NotEmpty(t, added["trace_id"])
	assert.Equal(t, added["trace_id"], access["trace_id"])
	assert.Equal(t, "POST /story", access["route"])
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPut, "/story/1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoverPanics(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
