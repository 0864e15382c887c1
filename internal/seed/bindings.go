package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soilsnap/edge/internal/cache"
)

// ErrRejected is returned when the server answered with a non-2xx status.
var ErrRejected = errors.New("request rejected")

// Poster posts a JSON body and buffers the response.
type Poster interface {
	PostJSON(ctx context.Context, ref string, body []byte) (cache.Entry, error)
}

// URLFetcher issues a GET and buffers the response.
type URLFetcher interface {
	FetchURL(ctx context.Context, ref string) (cache.Entry, error)
}

// HTTPRecommender posts {"soil": ...} to URL.
type HTTPRecommender struct {
	Client Poster
	URL    string
}

// Recommend implements Recommender.
func (r HTTPRecommender) Recommend(ctx context.Context, soil string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Soil string `json:"soil"`
	}{soil})
	if err != nil {
		return nil, err
	}
	ent, err := r.Client.PostJSON(ctx, r.URL, body)
	if err != nil {
		return nil, err
	}
	if !ent.OK() {
		return nil, fmt.Errorf("%w: status %d", ErrRejected, ent.Status)
	}
	return ent.Body, nil
}

// CacheImages fetches each image and stores it in Cache under its URL.
// Used where the controller owns the cache storage.
type CacheImages struct {
	Fetcher URLFetcher
	Cache   *cache.Cache
}

// CacheImage implements ImageCache.
func (c CacheImages) CacheImage(ctx context.Context, url string) error {
	ent, err := c.Fetcher.FetchURL(ctx, url)
	if err != nil {
		return err
	}
	if !ent.OK() {
		return fmt.Errorf("%w: status %d", ErrRejected, ent.Status)
	}
	return c.Cache.Put(url, ent)
}

// WarmImages requests each image through a caching intermediary and lets it
// do the storing. Used by foreground clients talking to the edge.
type WarmImages struct {
	Fetcher URLFetcher
}

// CacheImage implements ImageCache.
func (w WarmImages) CacheImage(ctx context.Context, url string) error {
	ent, err := w.Fetcher.FetchURL(ctx, url)
	if err != nil {
		return err
	}
	if !ent.OK() {
		return fmt.Errorf("%w: status %d", ErrRejected, ent.Status)
	}
	return nil
}
