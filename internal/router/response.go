package router

import (
	"net/http"
	"strings"

	"github.com/soilsnap/edge/internal/cache"
)

// CacheHeader reports how a response was produced.
const CacheHeader = "X-Soilsnap-Cache"

// Source values for CacheHeader.
const (
	SourceHit      = "hit"      // served from a cache without touching the network
	SourceMiss     = "miss"     // fetched and stored
	SourceNetwork  = "network"  // fetched, not stored
	SourceFallback = "fallback" // network failed, served from a cache
	SourceOffline  = "offline"  // synthesized
	SourceBypass   = "bypass"
)

// Response is the result of handling one intercepted request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source string
}

func fromEntry(ent cache.Entry, source string) *Response {
	h := make(http.Header, len(ent.Header))
	for k, vs := range ent.Header {
		h[k] = append([]string(nil), vs...)
	}
	return &Response{Status: ent.Status, Header: h, Body: ent.Body, Source: source}
}

// Unavailable is an empty 503.
func Unavailable(reason string) *Response {
	h := make(http.Header)
	if reason != "" {
		h.Set("X-Soilsnap-Reason", reason)
	}
	return &Response{Status: http.StatusServiceUnavailable, Header: h, Source: SourceOffline}
}

func offlineJSON() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(`{"error":"offline"}`),
		Source: SourceOffline,
	}
}

func minimalManifest() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status: http.StatusOK,
		Header: h,
		Body:   []byte(`{"name":"SoilSnap","short_name":"SoilSnap","start_url":"/","display":"standalone"}`),
		Source: SourceOffline,
	}
}

// Render writes the response to w.
func (r *Response) Render(w http.ResponseWriter) {
	for k, vs := range r.Header {
		if strings.EqualFold(k, CacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if r.Source != "" {
		w.Header().Set(CacheHeader, r.Source)
	}
	ensureExposedHeader(w.Header(), CacheHeader)

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(r.Body)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
