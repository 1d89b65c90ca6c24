// Package model defines the geographic value types shared by the data layer.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// BoundingBox is a rectangular region in degrees (EPSG:4326).
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

func (b BoundingBox) Valid() bool {
	if !(b.North > b.South && b.East > b.West) {
		return false
	}
	if b.West < -180 || b.East > 180 {
		return false
	}
	if b.South < -90 || b.North > 90 {
		return false
	}
	return true
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

// Width returns the longitudinal span in degrees.
func (b BoundingBox) Width() float64 { return b.East - b.West }

// Height returns the latitudinal span in degrees.
func (b BoundingBox) Height() float64 { return b.North - b.South }

func (b BoundingBox) Center() Center {
	return Center{Lng: (b.West + b.East) / 2, Lat: (b.South + b.North) / 2}
}

// Neighbors returns the regions adjacent to b, each produced by shifting the
// box by its own span in one of the four compass directions. Shifted boxes
// that leave the valid coordinate range are omitted.
func (b BoundingBox) Neighbors() []BoundingBox {
	w, h := b.Width(), b.Height()
	candidates := []BoundingBox{
		{North: b.North + h, South: b.South + h, East: b.East, West: b.West},
		{North: b.North - h, South: b.South - h, East: b.East, West: b.West},
		{North: b.North, South: b.South, East: b.East + w, West: b.West + w},
		{North: b.North, South: b.South, East: b.East - w, West: b.West - w},
	}
	out := make([]BoundingBox, 0, 4)
	for _, c := range candidates {
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}

// Intersects reports whether the two boxes overlap.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.West < o.East && b.East > o.West && b.South < o.North && b.North > o.South
}

type Center struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// ViewState is the camera state the recompute gate is consulted with.
type ViewState struct {
	Bounds BoundingBox `json:"bounds"`
	Zoom   float64     `json:"zoom"`
	Center Center      `json:"center"`
}

// Feature is an opaque GeoJSON feature. Geometry is never interpreted by
// this layer; identity lives in properties.id.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}

// ID returns the stable identity of the feature, if it has one. Numeric ids
// are rendered in canonical decimal form so that 42 and "42" collide.
func (f Feature) ID() (string, bool) {
	if f.Properties == nil {
		return "", false
	}
	v, ok := f.Properties["id"]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewFeatureCollection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

const (
	defaultHeightMeters = 12.0
	metersPerLevel      = 3.5
)

// Height extracts the building height in meters from feature properties,
// trying the property names the upstream datasets use. A "levels" count is
// converted at 3.5 m per level. Unknown or malformed values fall back to
// 12 m.
func Height(props map[string]any) float64 {
	for _, key := range []string{"height", "HEIGHT", "height_mean", "levels"} {
		v, ok := props[key]
		if !ok || v == nil {
			continue
		}
		h, ok := toFloat(v)
		if !ok {
			continue
		}
		if key == "levels" {
			return h * metersPerLevel
		}
		return h
	}
	return defaultHeightMeters
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
