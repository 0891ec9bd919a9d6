package static

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newRoot(t *testing.T) *Resolver {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	body := bytes.Repeat([]byte("x"), 500)
	if err := os.WriteFile(filepath.Join(root, "css", "base.css"), body, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "logo.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewResolver(root)
}

func serve(s *Resolver, method, remainder string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/static/"+remainder, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Serve(rr, req, remainder)
	return rr
}

func TestServe_FullFile(t *testing.T) {
	s := newRoot(t)
	rr := serve(s, "GET", "css/base.css", nil)
	if rr.Code != 200 {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if got := rr.Body.Len(); got != 500 {
		t.Fatalf("body: got %d bytes, want 500", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/css; charset=utf-8" {
		t.Fatalf("content-type: got %q", ct)
	}
	if rr.Header().Get("ETag") == "" || rr.Header().Get("Last-Modified") == "" {
		t.Fatalf("missing validators: %v", rr.Header())
	}
	if ar := rr.Header().Get("Accept-Ranges"); ar != "bytes" {
		t.Fatalf("accept-ranges: got %q", ar)
	}
}

func TestServe_NotFoundAndDirectory(t *testing.T) {
	s := newRoot(t)
	if rr := serve(s, "GET", "missing.css", nil); rr.Code != 404 {
		t.Fatalf("missing file: got %d, want 404", rr.Code)
	}
	// directories are never listed
	if rr := serve(s, "GET", "css", nil); rr.Code != 404 {
		t.Fatalf("directory: got %d, want 404", rr.Code)
	}
	if rr := serve(s, "GET", "", nil); rr.Code != 404 {
		t.Fatalf("root: got %d, want 404", rr.Code)
	}
}

func TestServe_TraversalForbidden(t *testing.T) {
	s := newRoot(t)
	for _, remainder := range []string{
		"../etc/passwd",
		"css/../../etc/passwd",
		"..",
		"a/../../b",
	} {
		if rr := serve(s, "GET", remainder, nil); rr.Code != 403 {
			t.Fatalf("%q: got %d, want 403", remainder, rr.Code)
		}
	}
	// a dot-dot inside a longer segment is a legitimate name
	if rr := serve(s, "GET", "..config", nil); rr.Code == 403 {
		t.Fatalf("..config: got 403, want pass-through to 404")
	}
}

func TestServe_MethodNotAllowed(t *testing.T) {
	s := newRoot(t)
	rr := serve(s, "POST", "css/base.css", nil)
	if rr.Code != 405 {
		t.Fatalf("status: got %d, want 405", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != "GET, HEAD" {
		t.Fatalf("allow: got %q", allow)
	}
}

func TestServe_ConditionalGet(t *testing.T) {
	s := newRoot(t)
	first := serve(s, "GET", "css/base.css", nil)
	etag := first.Header().Get("ETag")
	lastMod := first.Header().Get("Last-Modified")

	// matching If-None-Match: 304, empty body
	rr := serve(s, "GET", "css/base.css", map[string]string{"If-None-Match": etag})
	if rr.Code != 304 {
		t.Fatalf("if-none-match: got %d, want 304", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("304 body: got %d bytes, want 0", rr.Body.Len())
	}

	// etag list and weak form also match
	rr = serve(s, "GET", "css/base.css", map[string]string{"If-None-Match": `"zzz", W/` + etag})
	if rr.Code != 304 {
		t.Fatalf("etag list: got %d, want 304", rr.Code)
	}

	// If-Modified-Since with the served timestamp: 304
	rr = serve(s, "GET", "css/base.css", map[string]string{"If-Modified-Since": lastMod})
	if rr.Code != 304 {
		t.Fatalf("if-modified-since: got %d, want 304", rr.Code)
	}

	// non-matching validator: full 200
	rr = serve(s, "GET", "css/base.css", map[string]string{"If-None-Match": `"stale"`})
	if rr.Code != 200 || rr.Body.Len() != 500 {
		t.Fatalf("stale etag: got %d/%d bytes, want 200/500", rr.Code, rr.Body.Len())
	}
}

func TestServe_Range(t *testing.T) {
	s := newRoot(t)

	rr := serve(s, "GET", "css/base.css", map[string]string{"Range": "bytes=0-99"})
	if rr.Code != 206 {
		t.Fatalf("status: got %d, want 206", rr.Code)
	}
	if cr := rr.Header().Get("Content-Range"); cr != "bytes 0-99/500" {
		t.Fatalf("content-range: got %q, want bytes 0-99/500", cr)
	}
	if got := rr.Body.Len(); got != 100 {
		t.Fatalf("body: got %d bytes, want 100", got)
	}

	// open-ended and suffix ranges
	rr = serve(s, "GET", "css/base.css", map[string]string{"Range": "bytes=450-"})
	if rr.Code != 206 || rr.Header().Get("Content-Range") != "bytes 450-499/500" {
		t.Fatalf("open range: got %d %q", rr.Code, rr.Header().Get("Content-Range"))
	}
	rr = serve(s, "GET", "css/base.css", map[string]string{"Range": "bytes=-100"})
	if rr.Code != 206 || rr.Header().Get("Content-Range") != "bytes 400-499/500" {
		t.Fatalf("suffix range: got %d %q", rr.Code, rr.Header().Get("Content-Range"))
	}

	// end clamped to the entity
	rr = serve(s, "GET", "css/base.css", map[string]string{"Range": "bytes=490-9999"})
	if rr.Code != 206 || rr.Header().Get("Content-Range") != "bytes 490-499/500" {
		t.Fatalf("clamped range: got %d %q", rr.Code, rr.Header().Get("Content-Range"))
	}

	// unsatisfiable
	rr = serve(s, "GET", "css/base.css", map[string]string{"Range": "bytes=500-"})
	if rr.Code != 416 {
		t.Fatalf("unsatisfiable: got %d, want 416", rr.Code)
	}
	if cr := rr.Header().Get("Content-Range"); cr != "bytes */500" {
		t.Fatalf("416 content-range: got %q, want bytes */500", cr)
	}

	// multi-range: full entity instead
	rr = serve(s, "GET", "css/base.css", map[string]string{"Range": "bytes=0-1,10-20"})
	if rr.Code != 200 || rr.Body.Len() != 500 {
		t.Fatalf("multi-range: got %d/%d bytes, want 200/500", rr.Code, rr.Body.Len())
	}
}

func TestServe_IfRange(t *testing.T) {
	s := newRoot(t)
	etag := serve(s, "GET", "logo.png", nil).Header().Get("ETag")

	rr := serve(s, "GET", "logo.png", map[string]string{
		"Range": "bytes=0-0", "If-Range": etag,
	})
	if rr.Code != 206 {
		t.Fatalf("matching if-range: got %d, want 206", rr.Code)
	}
	rr = serve(s, "GET", "logo.png", map[string]string{
		"Range": "bytes=0-0", "If-Range": `"stale"`,
	})
	if rr.Code != 200 {
		t.Fatalf("stale if-range: got %d, want full 200", rr.Code)
	}
}

func TestServe_Head(t *testing.T) {
	s := newRoot(t)
	rr := serve(s, "HEAD", "css/base.css", nil)
	if rr.Code != 200 {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if cl := rr.Header().Get("Content-Length"); cl != "500" {
		t.Fatalf("content-length: got %q, want 500", cl)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("HEAD body: got %d bytes, want 0", rr.Body.Len())
	}
}
