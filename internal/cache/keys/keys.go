// Package keys derives cache keys from geographic queries. Region keys
// quantize the bounding box so near-identical viewports collapse to the same
// key; the precision loss is deliberate, it buys hit rate.
package keys

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/tile"
)

// quantum is the quantization step for region keys, in degrees. Three
// decimals is roughly 110 m at the equator.
const quantum = 0.001

// Region derives the cache key for a building query over bounds at zoom.
// Fractional zoom levels floor to the integer level.
func Region(bounds model.BoundingBox, zoom float64) string {
	z := int(math.Floor(zoom))
	body := fmt.Sprintf("%.3f,%.3f,%.3f,%.3f",
		quantize(bounds.West), quantize(bounds.South),
		quantize(bounds.East), quantize(bounds.North))
	sum := xxhash.Sum64String(body)
	return fmt.Sprintf("region:z%d:%s:f=%016x", z, body, sum)
}

// Tile derives the cache key for a per-tile query.
func Tile(k tile.Key) string {
	return fmt.Sprintf("tile:%d:%d:%d", k.Zoom, k.X, k.Y)
}

// RegionNeighbors returns the region keys for the four span-shifted
// neighbors of bounds, paired with their boxes so callers can issue the
// loads. Neighbors clipped away at the coordinate range are absent.
func RegionNeighbors(bounds model.BoundingBox, zoom float64) map[string]model.BoundingBox {
	out := make(map[string]model.BoundingBox, 4)
	for _, nb := range bounds.Neighbors() {
		out[Region(nb, zoom)] = nb
	}
	return out
}

func quantize(v float64) float64 {
	return math.Round(v/quantum) * quantum
}
