package httpserver

import (
	"archive/tar"
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

type tarEntry struct {
	typeflag byte
	linkname string
	body     string
}

func extractTarGz(t *testing.T, data []byte) map[string]tarEntry {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	entries := make(map[string]tarEntry)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		var body bytes.Buffer
		if _, err := io.Copy(&body, tr); err != nil {
			t.Fatalf("tar body %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = tarEntry{
			typeflag: hdr.Typeflag,
			linkname: hdr.Linkname,
			body:     body.String(),
		}
	}
	return entries
}

func TestArchiveRoot(t *testing.T) {
	s := newTestServer(t)
	writeFixture(t, s, "a.txt", "alpha content")
	writeFixture(t, s, "sub/b.txt", "beta content, somewhat longer")
	writeFixture(t, s, ".hidden.txt", "not in archive")

	rec := do(t, s, http.MethodGet, "/?download=zip", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="download.tar.gz"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}

	entries := extractTarGz(t, rec.Body.Bytes())
	if e, ok := entries["a.txt"]; !ok || e.body != "alpha content" {
		t.Errorf("a.txt entry = %+v, ok=%v", entries["a.txt"], ok)
	}
	if e, ok := entries["sub/b.txt"]; !ok || e.body != "beta content, somewhat longer" {
		t.Errorf("sub/b.txt entry = %+v, ok=%v", entries["sub/b.txt"], ok)
	}
	if e, ok := entries["sub/"]; !ok || e.typeflag != tar.TypeDir {
		t.Errorf("sub/ dir entry = %+v, ok=%v", e, ok)
	}
	for name := range entries {
		if strings.Contains(name, ".hidden") || strings.Contains(name, ".dirserve") {
			t.Errorf("archive leaked %q", name)
		}
	}
}

func TestArchiveSubdir(t *testing.T) {
	s := newTestServer(t)
	writeFixture(t, s, "docs/reports/q1.txt", "q1")
	writeFixture(t, s, "docs/readme.md", "top")

	rec := do(t, s, http.MethodGet, "/docs/reports?download=zip", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="reports.tar.gz"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	entries := extractTarGz(t, rec.Body.Bytes())
	if _, ok := entries["q1.txt"]; !ok {
		t.Errorf("q1.txt missing; entries: %v", keys(entries))
	}
	if _, ok := entries["readme.md"]; ok {
		t.Errorf("sibling file leaked into subdir archive")
	}
}

func TestArchiveSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	s := newTestServer(t)
	writeFixture(t, s, "real.txt", "the target")
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("keep out"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.txt", filepath.Join(s.Root(), "inlink")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(s.Root(), "outlink")); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, http.MethodGet, "/?download=zip", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries := extractTarGz(t, rec.Body.Bytes())
	in, ok := entries["inlink"]
	if !ok || in.typeflag != tar.TypeSymlink || in.linkname != "real.txt" {
		t.Errorf("inlink entry = %+v, ok=%v", in, ok)
	}
	if _, ok := entries["outlink"]; ok {
		t.Errorf("escaping symlink made it into the archive")
	}
}

func TestArchiveHead(t *testing.T) {
	s := newTestServer(t)
	writeFixture(t, s, "a.txt", "alpha")

	rec := do(t, s, http.MethodHead, "/?download=zip", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD wrote %d body bytes", rec.Body.Len())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "download.tar.gz") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

// TestArchiveAbortsOnTruncatedSource shrinks a file while it is being
// archived. The tar stream has no Content-Length, so only a hard connection
// abort keeps the client from taking a truncated archive for a complete one.
func TestArchiveAbortsOnTruncatedSource(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("cannot truncate an open file on windows")
	}
	s := newTestServer(t)
	const size = 32 << 20
	// Incompressible content keeps the stream as large as the file, so it
	// cannot be swallowed whole by socket buffers before the truncation.
	buf := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(buf)
	abs := writeFixture(t, s, "big.bin", string(buf))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/?download=zip")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	head := make([]byte, 1<<20)
	if _, err := io.ReadFull(resp.Body, head); err != nil {
		t.Fatalf("reading stream head: %v", err)
	}
	if err := os.Truncate(abs, 2<<20); err != nil {
		t.Fatal(err)
	}

	rest, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("archive stream ended cleanly after source truncation (%d bytes)", len(head)+len(rest))
	}
}

func keys(m map[string]tarEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
