package adminapi

import (
	"net/http"
	"path"
	"strings"
)

// normalizedServeMux collapses repeated slashes in a request path before
// dispatching, so "/api//version" and "/api/version" route identically.
type normalizedServeMux struct {
	*http.ServeMux
}

func newNormalizedServeMux() *normalizedServeMux {
	return &normalizedServeMux{http.NewServeMux()}
}

func (nm *normalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		r.URL.Path = path.Clean(r.URL.Path)
	}
	nm.ServeMux.ServeHTTP(w, r)
}
