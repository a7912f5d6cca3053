package http

import (
	"net/http"
	"strings"

	"github.com/utafrali/identity/pkg/httputil"
)

// ContentTypeJSON rejects requests that carry a body without
// Content-Type: application/json. Bodiless requests such as logout pass.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			httputil.WriteErrorCode(w, r, http.StatusUnsupportedMediaType,
				"UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}
