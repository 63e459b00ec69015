package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dirserve/internal/config"
	"dirserve/internal/logging"
)

func TestMain(m *testing.M) {
	// Keep expected-failure log output out of test runs.
	_ = logging.Init(logging.Config{Level: "error", Format: "json"})
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{Root: t.TempDir()}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// writeFixture creates a file under the served root, parents included.
func writeFixture(t *testing.T, s *Server, rel, content string) string {
	t.Helper()
	abs := filepath.Join(s.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return abs
}

func do(t *testing.T, s *Server, method, target string, hdr map[string]string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body %q is not JSON: %v", rec.Body.String(), err)
	}
	return er.Error
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		rec := do(t, s, method, "/", nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s / = %d, want 405", method, rec.Code)
		}
		if allow := rec.Header().Get("Allow"); allow != "GET, HEAD, POST" {
			t.Errorf("%s Allow = %q", method, allow)
		}
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/no-such-file.txt", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if msg := decodeError(t, rec); msg == "" {
		t.Fatalf("empty error message")
	}
}

func TestPathEscapeForbidden(t *testing.T) {
	s := newTestServer(t)
	// Build the request by hand; a served mux would normalize ".." away
	// before the handler ever saw it.
	req := httptest.NewRequest(http.MethodGet, "/placeholder", nil)
	req.URL.Path = "/../../etc/passwd"
	rec := httptest.NewRecorder()
	s.handleTree(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if msg := decodeError(t, rec); msg == "" {
		t.Fatalf("empty error message")
	}
}

func TestInvalidPathRejected(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/bad%00name", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebDAVMounted(t *testing.T) {
	s := newTestServer(t)
	writeFixture(t, s, "doc.txt", "dav sees me")

	rec := do(t, s, "PROPFIND", "/dav/", map[string]string{"Depth": "1"}, nil)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("PROPFIND /dav/ = %d, want 207", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "doc.txt") {
		t.Fatalf("PROPFIND body missing doc.txt: %s", body)
	}

	rec = do(t, s, http.MethodGet, "/dav/doc.txt", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "dav sees me" {
		t.Fatalf("GET /dav/doc.txt = %d %q", rec.Code, rec.Body.String())
	}
}

// TestServerOverHTTP runs the composed handler behind a real listener.
func TestServerOverHTTP(t *testing.T) {
	s := newTestServer(t)
	content := strings.Repeat("0123456789", 500)
	writeFixture(t, s, "media/clip.bin", content)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	client := ts.Client()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/media/clip.bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Range", "bytes=100-199")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("ranged GET = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 100-199/5000" {
		t.Errorf("Content-Range = %q", cr)
	}
	if string(body) != content[100:200] {
		t.Errorf("ranged body mismatch: %q", body)
	}

	resp, err = client.Get(ts.URL + "/media")
	if err != nil {
		t.Fatal(err)
	}
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dir GET = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(string(page), "clip.bin") {
		t.Errorf("directory page missing entry: %s", page)
	}

	resp, err = client.Get(ts.URL + "/media?json=1")
	if err != nil {
		t.Fatal(err)
	}
	var lr listingResponse
	err = json.NewDecoder(resp.Body).Decode(&lr)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if lr.Path != "media" || len(lr.Entries) != 2 || lr.Entries[1].Name != "clip.bin" {
		t.Errorf("listing = %+v", lr)
	}
}
