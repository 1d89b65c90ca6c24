package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shadowmap/datalayer/internal/fetch"
	"github.com/shadowmap/datalayer/internal/gate"
	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/upstream"
)

type fakeProvider struct {
	feats []model.Feature
	err   error
	last  model.BoundingBox
	zoom  float64
}

func (f *fakeProvider) GetFeatures(_ context.Context, b model.BoundingBox, z float64) ([]model.Feature, error) {
	f.last, f.zoom = b, z
	return f.feats, f.err
}

func (f *fakeProvider) Stats() fetch.Stats {
	return fetch.Stats{StoreSize: len(f.feats)}
}

type fakeGate struct {
	dec      gate.Decision
	recorded int
}

func (g *fakeGate) ShouldRecalculate(model.ViewState, time.Time, int) gate.Decision { return g.dec }
func (g *fakeGate) Record(model.ViewState, time.Time, int)                          { g.recorded++ }

func newTestServer(p FeatureProvider, g DecisionGate) *httptest.Server {
	return httptest.NewServer(New(nil, p, g).Routes())
}

func TestFeatures_HappyPath(t *testing.T) {
	p := &fakeProvider{feats: []model.Feature{
		{Type: "Feature", Properties: map[string]any{"id": "a"}},
		{Type: "Feature", Properties: map[string]any{"id": "b"}},
	}}
	srv := newTestServer(p, &fakeGate{})
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/features?bbox=-73.99,40.75,-73.98,40.76&zoom=16")
	if err != nil {
		t.Fatalf("GET /features: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var fc model.FeatureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("collection=%+v", fc)
	}
	if p.zoom != 16 || p.last.West != -73.99 {
		t.Fatalf("provider saw bounds=%+v zoom=%v", p.last, p.zoom)
	}
}

func TestFeatures_BadInputs(t *testing.T) {
	srv := newTestServer(&fakeProvider{}, &fakeGate{})
	t.Cleanup(srv.Close)

	cases := []string{
		"/features",
		"/features?bbox=1,2,3&zoom=10",
		"/features?bbox=-73.98,40.75,-73.99,40.76&zoom=16", // east < west
		"/features?bbox=-73.99,40.75,-73.98,40.76",
		"/features?bbox=-73.99,40.75,-73.98,40.76&zoom=30",
		"/features?bbox=a,b,c,d&zoom=16",
	}
	for _, path := range cases {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", path, resp.StatusCode)
		}
	}
}

func TestFeatures_MalformedUpstreamIsBadGateway(t *testing.T) {
	p := &fakeProvider{err: fmt.Errorf("region: %w", upstream.ErrMalformedPayload)}
	srv := newTestServer(p, &fakeGate{})
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/features?bbox=-73.99,40.75,-73.98,40.76&zoom=16")
	if err != nil {
		t.Fatalf("GET /features: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", resp.StatusCode)
	}
}

func decisionBody() string {
	return `{
		"view": {
			"bounds": {"north":40.76,"south":40.75,"east":-73.98,"west":-73.99},
			"zoom": 16,
			"center": {"lng":-73.985,"lat":40.755}
		},
		"date": "2026-06-21T12:00:00Z",
		"featureCount": 120
	}`
}

func TestDecision_ReturnsVerdict(t *testing.T) {
	g := &fakeGate{dec: gate.Decision{ShouldCalculate: true, Reason: "first calculation"}}
	srv := newTestServer(&fakeProvider{}, g)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/decision", "application/json", strings.NewReader(decisionBody()))
	if err != nil {
		t.Fatalf("POST /decision: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var dec gate.Decision
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dec.ShouldCalculate || dec.Reason != "first calculation" {
		t.Fatalf("decision=%+v", dec)
	}
}

func TestDecision_RejectsBadBody(t *testing.T) {
	srv := newTestServer(&fakeProvider{}, &fakeGate{})
	t.Cleanup(srv.Close)

	bodies := []string{
		"{not json",
		`{"view":{"bounds":{"north":40,"south":41,"east":-73,"west":-74}},"date":"2026-06-21T12:00:00Z"}`,
		`{"view":{"bounds":{"north":41,"south":40,"east":-73,"west":-74}},"featureCount":5}`,
	}
	for _, b := range bodies {
		resp, err := http.Post(srv.URL+"/decision", "application/json", strings.NewReader(b))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d want 400", b, resp.StatusCode)
		}
	}
}

func TestRecord_AppendsToGate(t *testing.T) {
	g := &fakeGate{}
	srv := newTestServer(&fakeProvider{}, g)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/decision/record", "application/json", strings.NewReader(decisionBody()))
	if err != nil {
		t.Fatalf("POST /decision/record: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d want 204", resp.StatusCode)
	}
	if g.recorded != 1 {
		t.Fatalf("recorded=%d want 1", g.recorded)
	}
}

func TestStats_And_Healthz(t *testing.T) {
	p := &fakeProvider{feats: []model.Feature{{Type: "Feature"}}}
	srv := newTestServer(p, &fakeGate{})
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	var st fetch.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	_ = resp.Body.Close()
	if st.StoreSize != 1 {
		t.Fatalf("storeSize=%d want 1", st.StoreSize)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
}
