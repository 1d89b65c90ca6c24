package model

import (
	"encoding/json"
	"math"
	"testing"
)

func TestBoundingBox_Valid(t *testing.T) {
	cases := []struct {
		name string
		bbox BoundingBox
		want bool
	}{
		{"normal", BoundingBox{North: 40.1, South: 40.0, East: -73.0, West: -73.1}, true},
		{"inverted lat", BoundingBox{North: 40.0, South: 40.1, East: -73.0, West: -73.1}, false},
		{"inverted lng", BoundingBox{North: 40.1, South: 40.0, East: -73.1, West: -73.0}, false},
		{"zero area", BoundingBox{North: 40.0, South: 40.0, East: -73.0, West: -73.0}, false},
		{"lat out of range", BoundingBox{North: 91, South: 40, East: -73.0, West: -73.1}, false},
		{"lng out of range", BoundingBox{North: 40.1, South: 40.0, East: 181, West: -73.1}, false},
	}
	for _, tc := range cases {
		if got := tc.bbox.Valid(); got != tc.want {
			t.Errorf("%s: Valid()=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestBoundingBox_Neighbors(t *testing.T) {
	b := BoundingBox{North: 40.1, South: 40.0, East: -73.0, West: -73.1}
	ns := b.Neighbors()
	if len(ns) != 4 {
		t.Fatalf("Neighbors len=%d want 4", len(ns))
	}
	for i, n := range ns {
		if !n.Valid() {
			t.Fatalf("neighbor %d invalid: %v", i, n)
		}
		if math.Abs(n.Width()-b.Width()) > 1e-9 || math.Abs(n.Height()-b.Height()) > 1e-9 {
			t.Fatalf("neighbor %d span changed: %v", i, n)
		}
		if n == b {
			t.Fatalf("neighbor %d equals origin box", i)
		}
	}
}

func TestBoundingBox_NeighborsClippedAtPole(t *testing.T) {
	b := BoundingBox{North: 89.9, South: 89.0, East: 10, West: 9}
	for _, n := range b.Neighbors() {
		if !n.Valid() {
			t.Fatalf("invalid neighbor survived clipping: %v", n)
		}
	}
}

func TestFeature_ID(t *testing.T) {
	cases := []struct {
		name   string
		feat   Feature
		wantID string
		wantOK bool
	}{
		{"string id", Feature{Properties: map[string]any{"id": "bldg-1"}}, "bldg-1", true},
		{"numeric id", Feature{Properties: map[string]any{"id": float64(42)}}, "42", true},
		{"empty string", Feature{Properties: map[string]any{"id": ""}}, "", false},
		{"missing", Feature{Properties: map[string]any{"name": "x"}}, "", false},
		{"nil props", Feature{}, "", false},
	}
	for _, tc := range cases {
		id, ok := tc.feat.ID()
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("%s: ID()=(%q,%v) want (%q,%v)", tc.name, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestFeature_ID_NumericStringCollision(t *testing.T) {
	a := Feature{Properties: map[string]any{"id": "42"}}
	b := Feature{Properties: map[string]any{"id": float64(42)}}
	ida, _ := a.ID()
	idb, _ := b.ID()
	if ida != idb {
		t.Fatalf("ids differ: %q vs %q", ida, idb)
	}
}

func TestHeight(t *testing.T) {
	cases := []struct {
		name  string
		props map[string]any
		want  float64
	}{
		{"height", map[string]any{"height": 30.5}, 30.5},
		{"HEIGHT", map[string]any{"HEIGHT": "21"}, 21},
		{"height_mean", map[string]any{"height_mean": 18.0}, 18},
		{"levels", map[string]any{"levels": float64(4)}, 14},
		{"default", map[string]any{}, 12},
		{"garbage", map[string]any{"height": "tall"}, 12},
		{"height beats levels", map[string]any{"height": 50.0, "levels": float64(2)}, 50},
	}
	for _, tc := range cases {
		if got := Height(tc.props); got != tc.want {
			t.Errorf("%s: Height()=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFeatureCollection_JSONShape(t *testing.T) {
	fc := NewFeatureCollection(nil)
	b, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"FeatureCollection","features":[]}` {
		t.Fatalf("unexpected empty collection shape: %s", b)
	}
}
