// Package auth gates routes behind htpasswd basic auth, the auth_basic
// equivalent of the nginx config this gateway replaces.
package auth

import (
	"fmt"
	"net/http"

	"github.com/tg123/go-htpasswd"
)

// Basic validates credentials against an htpasswd file loaded at startup.
type Basic struct {
	file  *htpasswd.File
	realm string
}

// Load parses the htpasswd file once; bad files are a startup error.
func Load(path, realm string) (*Basic, error) {
	f, err := htpasswd.New(path, htpasswd.DefaultSystems, nil)
	if err != nil {
		return nil, fmt.Errorf("htpasswd %s: %w", path, err)
	}
	return &Basic{file: f, realm: realm}, nil
}

// Authorize reports whether the request carries valid credentials.
func (b *Basic) Authorize(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && b.file.Match(user, pass)
}

// Challenge writes the 401 response with the realm's challenge.
func (b *Basic) Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", b.realm))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
