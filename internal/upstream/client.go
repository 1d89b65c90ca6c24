// Package upstream implements the clients for the two feature services the
// data layer can fall back across: the region-query backend and the
// per-tile service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/observability"
	"github.com/shadowmap/datalayer/internal/tile"
)

// ErrMalformedPayload marks a contract violation in an upstream response: a
// 2xx body without a features array. Absence of data is not malformed; an
// empty features array is a normal result.
var ErrMalformedPayload = errors.New("upstream payload missing features array")

// DefaultMaxFeatures bounds a single region query.
const DefaultMaxFeatures = 8000

type Client struct {
	http        *http.Client
	regionURL   string
	tileBase    string
	maxFeatures int
}

func New(httpClient *http.Client, regionURL, tileBase string, maxFeatures int) *Client {
	if maxFeatures <= 0 {
		maxFeatures = DefaultMaxFeatures
	}
	return &Client{
		http:        httpClient,
		regionURL:   strings.TrimRight(regionURL, "/"),
		tileBase:    strings.TrimRight(tileBase, "/"),
		maxFeatures: maxFeatures,
	}
}

type regionRequest struct {
	North       float64 `json:"north"`
	South       float64 `json:"south"`
	East        float64 `json:"east"`
	West        float64 `json:"west"`
	MaxFeatures int     `json:"maxFeatures"`
}

type regionEnvelope struct {
	Success bool             `json:"success"`
	Data    *json.RawMessage `json:"data"`
	Message string           `json:"message"`
}

type featurePayload struct {
	Type     string           `json:"type"`
	Features *[]model.Feature `json:"features"`
}

// FetchRegion issues the bounds query against the region service. A non-2xx
// status or success:false counts as source failure. A payload without a
// features array is a contract violation and returns ErrMalformedPayload.
func (c *Client) FetchRegion(ctx context.Context, bounds model.BoundingBox) ([]model.Feature, error) {
	body, err := json.Marshal(regionRequest{
		North:       bounds.North,
		South:       bounds.South,
		East:        bounds.East,
		West:        bounds.West,
		MaxFeatures: c.maxFeatures,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bounds request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.regionURL+"/bounds", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build bounds request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("region_service", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("region fetch %s: %w", bounds, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("region fetch %s: status=%d body=%q",
			bounds, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var env regionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("region fetch %s: decode envelope: %w", bounds, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("region fetch %s: upstream error: %s", bounds, env.Message)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("region fetch %s: %w", bounds, ErrMalformedPayload)
	}

	var payload featurePayload
	if err := json.Unmarshal(*env.Data, &payload); err != nil {
		return nil, fmt.Errorf("region fetch %s: decode collection: %w", bounds, err)
	}
	if payload.Features == nil {
		return nil, fmt.Errorf("region fetch %s: %w", bounds, ErrMalformedPayload)
	}
	return *payload.Features, nil
}

// FetchTile issues a per-tile query. Same contract rules as FetchRegion,
// minus the envelope: the tile service answers the collection directly.
func (c *Client) FetchTile(ctx context.Context, k tile.Key) ([]model.Feature, error) {
	url := fmt.Sprintf("%s/tile/%d/%d/%d.json", c.tileBase, k.Zoom, k.X, k.Y)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("tile_service", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("tile fetch %s: %w", k, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tile fetch %s: status=%d body=%q",
			k, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var payload featurePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("tile fetch %s: decode: %w", k, err)
	}
	if payload.Features == nil {
		return nil, fmt.Errorf("tile fetch %s: %w", k, ErrMalformedPayload)
	}
	return *payload.Features, nil
}
