// Package router decides, for every intercepted request, whether it is
// answered from the response caches, from the upstream origin, or from a
// synthesized fallback. Handlers never fail: every branch yields a Response.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/soilsnap/edge/internal/cache"
)

// Fetcher forwards a request to the upstream origin. An error means the
// origin was not reached.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (cache.Entry, error)
}

// Storage is the cache storage used by the router.
type Storage interface {
	Cache(name string) (*cache.Cache, error)
	Match(key string) (cache.Entry, bool)
}

// Options configures a Router.
type Options struct {
	// Origin is the absolute upstream origin; cache keys are Origin+RequestURI.
	Origin string

	StaticCache  string
	RuntimeCache string
	ImagesCache  string

	OfflinePage  string
	IndexPage    string
	ManifestPath string
}

// Router applies the caching strategies.
type Router struct {
	fetcher Fetcher
	caches  Storage
	opts    Options
	media   singleflight.Group
}

// New creates a Router.
func New(f Fetcher, caches Storage, opts Options) *Router {
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	if opts.OfflinePage == "" {
		opts.OfflinePage = "/offline.html"
	}
	if opts.IndexPage == "" {
		opts.IndexPage = "/index.html"
	}
	if opts.ManifestPath == "" {
		opts.ManifestPath = "/manifest.json"
	}
	return &Router{fetcher: f, caches: caches, opts: opts}
}

// Key returns the cache key for a root-relative reference.
func (rt *Router) Key(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return rt.opts.Origin + ref
}

func (rt *Router) requestKey(r *http.Request) string {
	return rt.Key(r.URL.RequestURI())
}

// ServeHTTP handles r with the full strategy table.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.Handle(r.Context(), r).Render(w)
}

// Handle classifies r and applies its strategy.
func (rt *Router) Handle(ctx context.Context, r *http.Request) *Response {
	class := Classify(r)
	var resp *Response
	switch class {
	case ClassBypass:
		resp = rt.bypass(ctx, r)
	case ClassMedia:
		resp = rt.mediaCacheFirst(ctx, r)
	case ClassAPI:
		resp = rt.apiNetworkFirst(ctx, r)
	case ClassNavigation:
		resp = rt.navigationNetworkFirst(ctx, r)
	case ClassStatic:
		resp = rt.staticCacheFirst(ctx, r)
	default:
		resp = rt.defaultNetworkFirst(ctx, r)
	}

	slog.Debug("request intercepted",
		"component", "router",
		"class", class.String(),
		"method", r.Method,
		"uri", r.URL.RequestURI(),
		"status", resp.Status,
		"source", resp.Source,
	)
	return resp
}

// PassThrough serves r from the network only. Used before the worker is
// activated.
func (rt *Router) PassThrough(ctx context.Context, r *http.Request) *Response {
	ent, err := rt.fetcher.Fetch(ctx, r)
	if err != nil {
		return Unavailable("offline")
	}
	return fromEntry(ent, SourceNetwork)
}

func (rt *Router) bypass(ctx context.Context, r *http.Request) *Response {
	ent, err := rt.fetcher.Fetch(ctx, r)
	if err != nil {
		h := make(http.Header)
		h.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{
			Status: http.StatusBadGateway,
			Header: h,
			Body:   []byte("bad gateway\n"),
			Source: SourceBypass,
		}
	}
	return fromEntry(ent, SourceBypass)
}

func (rt *Router) mediaCacheFirst(ctx context.Context, r *http.Request) *Response {
	key := rt.requestKey(r)

	c, err := rt.caches.Cache(rt.opts.ImagesCache)
	if err != nil {
		rt.logCacheError("open", rt.opts.ImagesCache, err)
		return Unavailable("offline")
	}
	if r.Method == http.MethodGet {
		if ent, ok := c.Match(key); ok {
			return fromEntry(ent, SourceHit)
		}
	}

	if r.Method != http.MethodGet {
		ent, err := rt.fetcher.Fetch(ctx, r)
		if err != nil {
			return Unavailable("offline")
		}
		return fromEntry(ent, SourceNetwork)
	}

	type result struct {
		ent    cache.Entry
		stored bool
	}
	// Concurrent misses for one image share a single upstream fetch.
	v, err, _ := rt.media.Do(key, func() (any, error) {
		ent, err := rt.fetcher.Fetch(context.WithoutCancel(ctx), r)
		if err != nil {
			return nil, err
		}
		return result{ent: ent, stored: rt.store(c, key, ent)}, nil
	})
	if err != nil {
		return Unavailable("offline")
	}
	res := v.(result)
	if res.stored {
		return fromEntry(res.ent, SourceMiss)
	}
	return fromEntry(res.ent, SourceNetwork)
}

func (rt *Router) apiNetworkFirst(ctx context.Context, r *http.Request) *Response {
	ent, err := rt.fetcher.Fetch(ctx, r)
	if err == nil {
		return fromEntry(ent, SourceNetwork)
	}

	if acceptsJSON(r) {
		return offlineJSON()
	}
	if ent, ok := rt.caches.Match(rt.requestKey(r)); ok && !htmlMismatch(ent, r) {
		return fromEntry(ent, SourceFallback)
	}
	return rt.offlinePage()
}

func (rt *Router) navigationNetworkFirst(ctx context.Context, r *http.Request) *Response {
	ent, err := rt.fetcher.Fetch(ctx, r)
	if err == nil {
		return rt.storeRuntime(r, ent)
	}

	if ent, ok := rt.caches.Match(rt.Key(rt.opts.IndexPage)); ok {
		return fromEntry(ent, SourceFallback)
	}
	return rt.offlinePage()
}

func (rt *Router) staticCacheFirst(ctx context.Context, r *http.Request) *Response {
	key := rt.requestKey(r)
	if ent, ok := rt.caches.Match(key); ok && !htmlMismatch(ent, r) {
		return fromEntry(ent, SourceHit)
	}

	ent, err := rt.fetcher.Fetch(ctx, r)
	if err != nil {
		return Unavailable("offline")
	}
	if r.Method != http.MethodGet || htmlMismatch(ent, r) {
		return fromEntry(ent, SourceNetwork)
	}

	c, err := rt.caches.Cache(rt.opts.StaticCache)
	if err != nil {
		rt.logCacheError("open", rt.opts.StaticCache, err)
		return fromEntry(ent, SourceNetwork)
	}
	if rt.store(c, key, ent) {
		return fromEntry(ent, SourceMiss)
	}
	return fromEntry(ent, SourceNetwork)
}

func (rt *Router) defaultNetworkFirst(ctx context.Context, r *http.Request) *Response {
	ent, err := rt.fetcher.Fetch(ctx, r)
	if err == nil {
		return rt.storeRuntime(r, ent)
	}

	cached, ok := rt.caches.Match(rt.requestKey(r))
	if !ok {
		if strings.HasSuffix(r.URL.Path, rt.opts.ManifestPath) {
			return minimalManifest()
		}
		if acceptsHTML(r) || IsNavigation(r) {
			return rt.offlinePage()
		}
		return Unavailable("offline")
	}
	if htmlMismatch(cached, r) {
		return Unavailable("wrong content-type fallback")
	}
	return fromEntry(cached, SourceFallback)
}

func (rt *Router) storeRuntime(r *http.Request, ent cache.Entry) *Response {
	if r.Method != http.MethodGet || !ent.OK() {
		return fromEntry(ent, SourceNetwork)
	}
	c, err := rt.caches.Cache(rt.opts.RuntimeCache)
	if err != nil {
		rt.logCacheError("open", rt.opts.RuntimeCache, err)
		return fromEntry(ent, SourceNetwork)
	}
	if rt.store(c, rt.requestKey(r), ent) {
		return fromEntry(ent, SourceMiss)
	}
	return fromEntry(ent, SourceNetwork)
}

// store puts ent under key when it is a 2xx response. Write failures are
// logged and ignored.
func (rt *Router) store(c *cache.Cache, key string, ent cache.Entry) bool {
	if !ent.OK() {
		return false
	}
	if err := c.Put(key, ent); err != nil {
		rt.logCacheError("put", c.Name(), err)
		return false
	}
	return true
}

func (rt *Router) offlinePage() *Response {
	if ent, ok := rt.caches.Match(rt.Key(rt.opts.OfflinePage)); ok {
		return fromEntry(ent, SourceOffline)
	}
	return Unavailable("offline")
}

func (rt *Router) logCacheError(op, name string, err error) {
	slog.Warn("cache operation failed",
		"component", "router",
		"op", op,
		"cache", name,
		"error", err,
	)
}

// htmlMismatch reports whether ent is an HTML document about to be served
// for a request that is not a navigation.
func htmlMismatch(ent cache.Entry, r *http.Request) bool {
	return strings.Contains(ent.ContentType(), "text/html") && !IsNavigation(r)
}
