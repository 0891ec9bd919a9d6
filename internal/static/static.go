// Package static serves files from a root directory, with conditional GET
// and single-range support. It never lists directories and never follows
// parent-directory traversal out of the root.
package static

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Resolver serves the subtree under Root. The filesystem is read-only from
// its point of view; entries are stat'ed per request, never cached.
type Resolver struct {
	Root string
}

func NewResolver(root string) *Resolver {
	return &Resolver{Root: root}
}

// Serve handles one request for the given remainder, i.e. the request path
// with the matched route prefix already stripped. All outcomes (403, 404,
// 304, 206, 416, 200) are written to w.
func (s *Resolver) Serve(w http.ResponseWriter, r *http.Request, remainder string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	// The server decodes percent-escapes before routing, so encoded
	// traversal ends up as literal ".." segments here.
	if !safeRemainder(remainder) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	fp := filepath.Join(s.Root, filepath.FromSlash(remainder))
	fi, err := os.Stat(fp)
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}

	size := fi.Size()
	modTime := fi.ModTime()
	etag := fmt.Sprintf(`"%x-%x"`, size, modTime.UnixNano())

	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	ctype := mime.TypeByExtension(filepath.Ext(fp))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h.Set("Content-Type", ctype)

	if notModified(r, etag, modTime) {
		h.Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	start, length := int64(0), size
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" && rangeApplies(r, etag, modTime) {
		switch st, ln, err := parseRange(rng, size); err {
		case nil:
			start, length = st, ln
			status = http.StatusPartialContent
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, size))
		case errUnsatisfiable:
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable),
				http.StatusRequestedRangeNotSatisfiable)
			return
		default:
			// malformed or multi-range: fall through with the full entity
		}
	}

	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	f, err := os.Open(fp)
	if err != nil {
		// stat raced with removal; headers are out, abort the body
		return
	}
	defer func() { _ = f.Close() }()
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return
		}
	}
	_, _ = io.CopyN(w, f, length)
}

// safeRemainder rejects paths that could escape the root. The remainder is
// checked segment by segment so "..%2Ffoo" and friends, already decoded by
// the server, cannot slip through inside a longer name.
func safeRemainder(remainder string) bool {
	if strings.ContainsRune(remainder, 0) {
		return false
	}
	for _, seg := range strings.Split(remainder, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func notModified(r *http.Request, etag string, modTime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatch(inm, etag)
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err == nil && !modTime.Truncate(time.Second).After(t) {
			return true
		}
	}
	return false
}

// etagMatch reports whether the given If-None-Match value matches etag,
// using weak comparison over the comma-separated list.
func etagMatch(header, etag string) bool {
	for _, cand := range strings.Split(header, ",") {
		cand = strings.TrimSpace(cand)
		if cand == "*" {
			return true
		}
		cand = strings.TrimPrefix(cand, "W/")
		if cand == etag {
			return true
		}
	}
	return false
}

// rangeApplies implements If-Range: the Range header is honored only when
// the validator still matches the entity.
func rangeApplies(r *http.Request, etag string, modTime time.Time) bool {
	ir := r.Header.Get("If-Range")
	if ir == "" {
		return true
	}
	if strings.HasPrefix(ir, `"`) || strings.HasPrefix(ir, "W/") {
		return strings.TrimPrefix(ir, "W/") == etag
	}
	t, err := http.ParseTime(ir)
	return err == nil && !modTime.Truncate(time.Second).After(t)
}

var (
	errUnsatisfiable = fmt.Errorf("unsatisfiable range")
	errIgnoreRange   = fmt.Errorf("ignore range")
)

// parseRange handles a single bytes range: "bytes=a-b", "bytes=a-" or
// "bytes=-n". Multi-range and malformed specs return errIgnoreRange and the
// caller serves the full entity, which RFC 7233 permits.
func parseRange(spec string, size int64) (start, length int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) {
		return 0, 0, errIgnoreRange
	}
	spec = strings.TrimSpace(spec[len(prefix):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errIgnoreRange
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, errIgnoreRange
	}
	first, last := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])

	if first == "" {
		// suffix range: last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errIgnoreRange
		}
		if n == 0 {
			return 0, 0, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, n, nil
	}

	st, err2 := strconv.ParseInt(first, 10, 64)
	if err2 != nil || st < 0 {
		return 0, 0, errIgnoreRange
	}
	if st >= size {
		return 0, 0, errUnsatisfiable
	}
	if last == "" {
		return st, size - st, nil
	}
	end, err2 := strconv.ParseInt(last, 10, 64)
	if err2 != nil || end < st {
		return 0, 0, errIgnoreRange
	}
	if end >= size {
		end = size - 1
	}
	return st, end - st + 1, nil
}
