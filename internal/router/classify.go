package router

import (
	"net/http"
	"regexp"
	"strings"
)

// Class is the caching strategy chosen for a request.
type Class int

const (
	ClassBypass Class = iota
	ClassMedia
	ClassAPI
	ClassNavigation
	ClassStatic
	ClassDefault
)

func (c Class) String() string {
	switch c {
	case ClassBypass:
		return "bypass"
	case ClassMedia:
		return "media"
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	case ClassStatic:
		return "static"
	default:
		return "default"
	}
}

var (
	bypassMarkers  = []string{"/models/"}
	bypassSuffixes = []string{".bin", ".wasm", ".map"}
	mediaMarker    = "/uploads/crops"
	apiMarkers     = []string{"/api/", "/auth/", "/uploads/", "/socket/"}

	staticAsset = regexp.MustCompile(`(?i)\.(?:js|css|png|jpg|jpeg|svg|ico|webp|woff2?)$`)
)

// Classify picks the strategy for r. Rules are checked in priority order
// against the request URI (path and query).
func Classify(r *http.Request) Class {
	u := r.URL.RequestURI()

	for _, m := range bypassMarkers {
		if strings.Contains(u, m) {
			return ClassBypass
		}
	}
	for _, s := range bypassSuffixes {
		if strings.HasSuffix(u, s) {
			return ClassBypass
		}
	}
	if strings.Contains(u, mediaMarker) {
		return ClassMedia
	}
	for _, m := range apiMarkers {
		if strings.Contains(u, m) {
			return ClassAPI
		}
	}
	if IsNavigation(r) {
		return ClassNavigation
	}
	if staticAsset.MatchString(u) {
		return ClassStatic
	}
	return ClassDefault
}

// IsNavigation reports whether r is a top-level document navigation.
func IsNavigation(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate")
}

func acceptsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
