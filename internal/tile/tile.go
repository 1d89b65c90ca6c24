// Package tile maps geographic bounding boxes onto the slippy-map XYZ tile
// grid (Web-Mercator, EPSG:3857 addressing).
package tile

import (
	"fmt"
	"math"

	"github.com/shadowmap/datalayer/internal/model"
)

const (
	MinZoom = 0
	MaxZoom = 24

	// DefaultMaxTiles caps the fan-out of a single region query.
	DefaultMaxTiles = 6
)

// Key addresses one tile: zoom in [0,24], x and y in [0, 2^zoom).
type Key struct {
	Zoom int
	X    int
	Y    int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Zoom, k.X, k.Y)
}

// Valid reports whether the key is inside the grid for its zoom level.
func (k Key) Valid() bool {
	if k.Zoom < MinZoom || k.Zoom > MaxZoom {
		return false
	}
	n := 1 << k.Zoom
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Bounds returns the geographic extent of the tile.
func (k Key) Bounds() model.BoundingBox {
	n := float64(int(1) << k.Zoom)
	return model.BoundingBox{
		West:  float64(k.X)/n*360 - 180,
		East:  float64(k.X+1)/n*360 - 180,
		North: tileLat(float64(k.Y), n),
		South: tileLat(float64(k.Y+1), n),
	}
}

func tileLat(y, n float64) float64 {
	rad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	return rad * 180 / math.Pi
}

// TilesFor enumerates the tiles covering bounds at the given zoom, row-major,
// truncated at maxTiles. A degenerate or out-of-range box yields an empty
// slice; callers treat that as a normal empty region, not an error. Because
// enumeration truncates silently, full coverage is not guaranteed for large
// boxes at high zoom.
func TilesFor(bounds model.BoundingBox, zoom, maxTiles int) []Key {
	if zoom < MinZoom {
		zoom = MinZoom
	}
	if zoom > MaxZoom {
		zoom = MaxZoom
	}
	if maxTiles <= 0 {
		maxTiles = DefaultMaxTiles
	}
	if !bounds.Valid() {
		return []Key{}
	}

	n := 1 << zoom
	minX := clamp(lngToX(bounds.West, zoom), 0, n-1)
	maxX := clamp(lngToX(bounds.East, zoom), 0, n-1)
	// Tile y grows southward, so north gives the smaller index.
	minY := clamp(latToY(bounds.North, zoom), 0, n-1)
	maxY := clamp(latToY(bounds.South, zoom), 0, n-1)

	if minX > maxX || minY > maxY {
		return []Key{}
	}

	out := make([]Key, 0, maxTiles)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			if len(out) >= maxTiles {
				return out
			}
			out = append(out, Key{Zoom: zoom, X: x, Y: y})
		}
	}
	return out
}

func lngToX(lng float64, zoom int) int {
	return int(math.Floor((lng + 180) / 360 * float64(int(1)<<zoom)))
}

func latToY(lat float64, zoom int) int {
	rad := lat * math.Pi / 180
	y := (1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * float64(int(1)<<zoom)
	if math.IsNaN(y) || math.IsInf(y, 0) {
		if lat > 0 {
			return 0
		}
		return int(1)<<zoom - 1
	}
	return int(math.Floor(y))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
