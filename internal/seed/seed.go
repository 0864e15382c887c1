// Package seed populates the data table and the images cache with the crop
// recommendations of every known soil class, so the predictor works offline
// on first use.
//
// The same Controller runs inside the edge during install and in foreground
// clients on start; only the Bindings differ.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/soilsnap/edge/internal/config"
	"github.com/soilsnap/edge/internal/store"
	"github.com/soilsnap/edge/internal/types"
)

// Recommender returns the raw recommendation payload for a soil class,
// shaped {"recommendations":[...]}.
type Recommender interface {
	Recommend(ctx context.Context, soil string) ([]byte, error)
}

// ImageCache fetches one image and stores it.
type ImageCache interface {
	CacheImage(ctx context.Context, url string) error
}

// DataStore is the subset of the local store used for recommendation records.
type DataStore interface {
	PutData(ctx context.Context, rec types.Record) error
	GetData(ctx context.Context, id string) (*types.Record, error)
}

// Bindings are the network and storage primitives of one execution context.
type Bindings struct {
	Recommender Recommender
	Images      ImageCache
	Data        DataStore
}

// Report summarizes a seed pass.
type Report struct {
	Skipped       bool     `json:"skipped"`
	Seeded        []string `json:"seeded"`
	Failed        []string `json:"failed,omitempty"`
	Images        int      `json:"images"`
	ImageFailures int      `json:"image_failures"`
}

// Controller runs seed passes and recommendation lookups.
type Controller struct {
	soils       []string
	apiBase     string
	uploadsPath string
	b           Bindings
	logger      *slog.Logger
}

// New creates a Controller. apiBase is the base that root-relative and bare
// image references are resolved against.
func New(cfg config.SeedConfig, apiBase string, b Bindings) *Controller {
	uploads := cfg.UploadsPath
	if uploads == "" {
		uploads = "/uploads/crops"
	}
	return &Controller{
		soils:       append([]string(nil), cfg.Soils...),
		apiBase:     strings.TrimRight(apiBase, "/"),
		uploadsPath: uploads,
		b:           b,
		logger:      slog.Default().With("component", "seed"),
	}
}

// Soils returns the soil classes this controller seeds.
func (c *Controller) Soils() []string {
	return append([]string(nil), c.soils...)
}

// Seeded reports whether the sentinel record (the first soil class) is
// already stored with a recommendations field.
func (c *Controller) Seeded(ctx context.Context) (bool, error) {
	if len(c.soils) == 0 {
		return true, nil
	}
	rec, err := c.b.Data.GetData(ctx, types.CropRecordID(c.soils[0]))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read seed sentinel: %w", err)
	}
	return gjson.GetBytes(rec.Payload, "recommendations").Exists(), nil
}

// Run performs one seed pass. Failures for a single soil class or image are
// logged and skipped; only a failure to read the sentinel aborts the pass.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	var rep Report

	seeded, err := c.Seeded(ctx)
	if err != nil {
		return rep, err
	}
	if seeded {
		rep.Skipped = true
		c.logger.Debug("seed skipped, sentinel present")
		return rep, nil
	}

	c.logger.Info("seed started", "soils", len(c.soils))
	for _, soil := range c.soils {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		images, failures, err := c.seedSoil(ctx, soil)
		rep.Images += images
		rep.ImageFailures += failures
		if err != nil {
			rep.Failed = append(rep.Failed, soil)
			c.logger.Warn("seed failed for soil", "soil", soil, "error", err)
			continue
		}
		rep.Seeded = append(rep.Seeded, soil)
	}

	c.logger.Info("seed completed",
		"seeded", len(rep.Seeded),
		"failed", len(rep.Failed),
		"images", rep.Images,
		"image_failures", rep.ImageFailures,
	)
	return rep, nil
}

func (c *Controller) seedSoil(ctx context.Context, soil string) (images, failures int, err error) {
	body, err := c.b.Recommender.Recommend(ctx, soil)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch recommendations: %w", err)
	}
	recs := parseRecommendations(body)

	if c.b.Images != nil {
		for _, r := range recs {
			img := gjson.GetBytes(r, "image")
			if img.Type != gjson.String || img.String() == "" {
				continue
			}
			u := ResolveImageURL(img.String(), c.apiBase, c.uploadsPath)
			if err := c.b.Images.CacheImage(ctx, u); err != nil {
				failures++
				c.logger.Warn("image cache failed", "soil", soil, "url", u, "error", err)
				continue
			}
			images++
		}
	}

	if err := c.put(ctx, soil, recs); err != nil {
		return images, failures, err
	}
	return images, failures, nil
}

func (c *Controller) put(ctx context.Context, soil string, recs []json.RawMessage) error {
	payload, err := json.Marshal(types.CropRecommendations{
		ID:              types.CropRecordID(soil),
		Soil:            soil,
		Recommendations: recs,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := c.b.Data.PutData(ctx, types.Record{ID: types.CropRecordID(soil), Payload: payload}); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// Lookup returns the recommendations for soil. When online it asks the
// recommender and refreshes the stored record; when offline, or when the
// remote call fails, it reads the stored record. A missing record yields an
// empty list. fromCache reports which source answered.
func (c *Controller) Lookup(ctx context.Context, soil string, online bool) (recs []json.RawMessage, fromCache bool) {
	if online {
		body, err := c.b.Recommender.Recommend(ctx, soil)
		if err == nil {
			recs = parseRecommendations(body)
			if err := c.put(ctx, soil, recs); err != nil {
				c.logger.Warn("failed to cache recommendations", "soil", soil, "error", err)
			}
			return recs, false
		}
		c.logger.Warn("remote recommendations failed, using stored copy", "soil", soil, "error", err)
	}

	rec, err := c.b.Data.GetData(ctx, types.CropRecordID(soil))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to read stored recommendations", "soil", soil, "error", err)
		}
		return []json.RawMessage{}, true
	}
	return parseRecommendations(rec.Payload), true
}

// parseRecommendations extracts the recommendations array. Anything else
// (missing field, wrong type, invalid JSON) is an empty list.
func parseRecommendations(body []byte) []json.RawMessage {
	out := []json.RawMessage{}
	if !gjson.ValidBytes(body) {
		return out
	}
	arr := gjson.GetBytes(body, "recommendations")
	if !arr.IsArray() {
		return out
	}
	arr.ForEach(func(_, item gjson.Result) bool {
		out = append(out, json.RawMessage(item.Raw))
		return true
	})
	return out
}

var duplicateSlashes = regexp.MustCompile(`([^:]/)/+`)

// ResolveImageURL turns an image reference from a recommendation into an
// absolute URL. Absolute and data URLs pass through; root-relative paths are
// joined to apiBase; bare names are placed under uploadsPath.
func ResolveImageURL(image, apiBase, uploadsPath string) string {
	if strings.HasPrefix(image, "http") || strings.HasPrefix(image, "data:") {
		return image
	}
	base := strings.TrimRight(apiBase, "/")
	if strings.HasPrefix(image, "/") {
		return base + image
	}
	return duplicateSlashes.ReplaceAllString(base+uploadsPath+"/"+image, "$1")
}
