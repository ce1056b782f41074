package api

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// SameOrigin reports whether r was sent by a page served from this host.
// Requests without an Origin header come from non-browser clients and pass.
func SameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// IsJSON reports whether the request body is declared as application/json.
func IsJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
