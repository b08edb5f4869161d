package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/welcomeapp/welcomeapp/internal/content"
	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/health"
	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/pgtest"
	"github.com/welcomeapp/welcomeapp/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type testEnv struct {
	cluster *pgtest.Cluster
	store   *local.LocalBackend
	server  *Server
	ts      *httptest.Server
}

func setup(t *testing.T, roles ...pgtest.Role) *testEnv {
	t.Helper()
	if len(roles) == 0 {
		roles = []pgtest.Role{pgtest.Standby, pgtest.Primary}
	}
	c := pgtest.NewCluster(roles...)
	store, err := local.New(local.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	router := failover.NewRouter(c.Registry(), c, failover.Config{})
	coord := content.NewCoordinator(router, store, content.Config{})
	reporter := health.NewReporter(router, health.Config{Hostname: "web1", Timeout: time.Second})

	srv := NewServer(coord, reporter, Config{CORSOrigin: "*"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{cluster: c, store: store, server: srv, ts: ts}
}

func multipartBody(t *testing.T, quote, filename string, image []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if quote != "" {
		mw.WriteField("quote", quote)
	}
	if filename != "" || image != nil {
		fw, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(image)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) post(t *testing.T, quote, filename string, image []byte) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, quote, filename, image)
	resp, err := http.Post(e.ts.URL+"/api/content", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, e.ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateListAndServeImage(t *testing.T) {
	env := setup(t)
	img := bytes.Repeat([]byte{0xff}, 1<<20)

	resp := env.post(t, "Welcome!", "photo.JPG", img)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID       int64  `json:"id"`
		Message  string `json:"message"`
		ImageURL string `json:"image_url"`
	}
	decode(t, resp, &created)
	if created.ID == 0 || !strings.HasPrefix(created.ImageURL, "/images/") || !strings.HasSuffix(created.ImageURL, ".jpg") {
		t.Fatalf("unexpected create response %+v", created)
	}

	resp = env.do(t, http.MethodGet, "/api/content")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var items []struct {
		ID            int64  `json:"id"`
		Quote         string `json:"quote"`
		ImageFilename string `json:"image_filename"`
		ImageURL      string `json:"image_url"`
	}
	decode(t, resp, &items)
	if len(items) != 1 || items[0].ID != created.ID || items[0].Quote != "Welcome!" || items[0].ImageURL != created.ImageURL {
		t.Fatalf("unexpected list %+v", items)
	}

	resp = env.do(t, http.MethodGet, created.ImageURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("image status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, img) {
		t.Error("served image differs from upload")
	}
}

func TestCreateValidation(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name     string
		quote    string
		filename string
		image    []byte
	}{
		{"missing image", "hi", "", nil},
		{"missing quote", "", "a.png", []byte("x")},
		{"no filename", "hi", "", []byte("x")},
		{"disallowed type", "hi", "tool.exe", []byte("MZ")},
		{"empty file", "hi", "a.png", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, tt.quote, tt.filename, tt.image)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var e errorResponse
			decode(t, resp, &e)
			if e.Error == "" || e.Code != http.StatusBadRequest {
				t.Errorf("unexpected error body %+v", e)
			}
		})
	}

	if rows := env.cluster.Rows(); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
	objects, _ := env.store.List(context.Background())
	if len(objects) != 0 {
		t.Errorf("expected empty store, got %d objects", len(objects))
	}
}

func TestCreateTooLarge(t *testing.T) {
	env := setup(t)
	env.server.maxUploadSize = 16

	body, ct := multipartBody(t, "hi", "a.png", bytes.Repeat([]byte("x"), multipartOverhead+64))
	req := httptest.NewRequest(http.MethodPost, "/api/content", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if rows := env.cluster.Rows(); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestCreateWithoutPrimary(t *testing.T) {
	env := setup(t, pgtest.Standby, pgtest.Standby)

	resp := env.post(t, "hi", "a.png", []byte("img"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var e errorResponse
	decode(t, resp, &e)
	if e.Error != "database unavailable" {
		t.Errorf("error = %q, want a fixed message", e.Error)
	}
	if strings.Contains(e.Error, "pg1.test") || strings.Contains(e.Error, "5432") {
		t.Errorf("response exposes endpoint detail: %q", e.Error)
	}
	objects, _ := env.store.List(context.Background())
	if len(objects) != 0 {
		t.Errorf("blob left behind after failed insert: %+v", objects)
	}

	// Reads still work from the replica.
	resp = env.do(t, http.MethodGet, "/api/content")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list status = %d", resp.StatusCode)
	}
}

func TestDelete(t *testing.T) {
	env := setup(t)
	resp := env.post(t, "hi", "a.gif", []byte("GIF89a"))
	var created struct {
		ID       int64  `json:"id"`
		ImageURL string `json:"image_url"`
	}
	decode(t, resp, &created)

	resp = env.do(t, http.MethodDelete, "/api/content/"+strconv.FormatInt(created.ID, 10))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if rows := env.cluster.Rows(); len(rows) != 0 {
		t.Errorf("row not deleted")
	}
	resp = env.do(t, http.MethodGet, created.ImageURL)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("image status after delete = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/content/"+strconv.FormatInt(created.ID, 10))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteInvalidID(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodDelete, "/api/content/abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestImageNotFound(t *testing.T) {
	env := setup(t)
	for _, p := range []string{"/images/missing.png", "/images/.hidden", "/images/..%5Csecret"} {
		resp := env.do(t, http.MethodGet, p)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, resp.StatusCode)
		}
	}
}

func TestImageHead(t *testing.T) {
	env := setup(t)
	resp := env.post(t, "hi", "a.png", []byte("PNGDATA"))
	var created struct {
		ImageURL string `json:"image_url"`
	}
	decode(t, resp, &created)

	resp = env.do(t, http.MethodHead, created.ImageURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	for _, p := range []string{"/images/missing.png", "/images/.hidden"} {
		resp = env.do(t, http.MethodHead, p)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, resp.StatusCode)
		}
	}
}

func TestHealth(t *testing.T) {
	env := setup(t, pgtest.Down, pgtest.Standby)
	env.cluster.Insert("a", "a.png")

	for _, p := range []string{"/health", "/api/health"} {
		resp := env.do(t, http.MethodGet, p)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", p, resp.StatusCode)
		}
		var body map[string]any
		decode(t, resp, &body)
		if body["status"] != "healthy" || body["hostname"] != "web1" || body["content_count"] != float64(1) {
			t.Errorf("%s: unexpected body %v", p, body)
		}
		if body["database"] != "pg2.test:5432" {
			t.Errorf("%s: database = %v", p, body["database"])
		}
	}
}

func TestHealthDegraded(t *testing.T) {
	env := setup(t, pgtest.Down, pgtest.Down)

	resp := env.do(t, http.MethodGet, "/api/health")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if len(body) != 1 || body["status"] != "degraded" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestTime(t *testing.T) {
	env := setup(t)
	env.server.now = func() time.Time {
		return time.Date(2024, time.March, 5, 18, 4, 9, 0, time.UTC)
	}

	resp := env.do(t, http.MethodGet, "/api/time")
	var body map[string]string
	decode(t, resp, &body)
	if body["time"] != "18:04:09" || body["date"] != "March 05, 2024" || body["greeting"] != "Good Evening" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestGreeting(t *testing.T) {
	tests := map[int]string{
		0: "Good Night", 4: "Good Night", 5: "Good Morning", 11: "Good Morning",
		12: "Good Afternoon", 16: "Good Afternoon", 17: "Good Evening", 20: "Good Evening", 21: "Good Night",
	}
	for hour, want := range tests {
		if got := greeting(hour); got != want {
			t.Errorf("greeting(%d) = %q, want %q", hour, got, want)
		}
	}
}

func TestCORS(t *testing.T) {
	env := setup(t)

	resp := env.do(t, http.MethodOptions, "/api/content")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	resp = env.do(t, http.MethodGet, "/api/time")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin on GET = %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}
