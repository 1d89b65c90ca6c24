package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shadowmap/datalayer/internal/featureset"
	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/tile"
	"github.com/shadowmap/datalayer/internal/upstream"
)

var testBounds = model.BoundingBox{North: 40.76, South: 40.75, East: -73.98, West: -73.99}

func feat(id string) model.Feature {
	return model.Feature{Type: "Feature", Properties: map[string]any{"id": id}}
}

type fakeSource struct {
	tileCalls   atomic.Int64
	regionCalls atomic.Int64

	tileFn   func(k tile.Key) ([]model.Feature, error)
	regionFn func(b model.BoundingBox) ([]model.Feature, error)
}

func (f *fakeSource) FetchTile(_ context.Context, k tile.Key) ([]model.Feature, error) {
	f.tileCalls.Add(1)
	if f.tileFn != nil {
		return f.tileFn(k)
	}
	return []model.Feature{}, nil
}

func (f *fakeSource) FetchRegion(_ context.Context, b model.BoundingBox) ([]model.Feature, error) {
	f.regionCalls.Add(1)
	if f.regionFn != nil {
		return f.regionFn(b)
	}
	return []model.Feature{}, nil
}

type fakeLocal struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	sets int
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{data: map[string][]byte{}}
}

func (f *fakeLocal) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeLocal) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.data[key] = val
	return nil
}

func (f *fakeLocal) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func newCoordinator(src FeatureSource, local LocalStore) *Coordinator {
	return New(Config{}, nil, local, src, featureset.New(featureset.KeepFirst))
}

func TestGetFeatures_DegenerateBBoxIsEmptyNotError(t *testing.T) {
	src := &fakeSource{}
	c := newCoordinator(src, nil)

	feats, err := c.GetFeatures(context.Background(),
		model.BoundingBox{North: 40, South: 41, East: -73, West: -74}, 16)
	if err != nil {
		t.Fatalf("degenerate bbox must not error: %v", err)
	}
	if len(feats) != 0 {
		t.Fatalf("features=%d want 0", len(feats))
	}
	if src.tileCalls.Load() != 0 || src.regionCalls.Load() != 0 {
		t.Fatal("degenerate bbox reached upstream")
	}
}

func TestGetFeatures_TilePathMergesIntoStore(t *testing.T) {
	src := &fakeSource{
		tileFn: func(k tile.Key) ([]model.Feature, error) {
			return []model.Feature{feat(k.String())}, nil
		},
	}
	c := newCoordinator(src, nil)

	feats, err := c.GetFeatures(context.Background(), testBounds, 15)
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if len(feats) == 0 {
		t.Fatal("expected features from tile path")
	}
	if got := len(c.Features()); got != len(feats) {
		t.Fatalf("store size=%d want %d", got, len(feats))
	}
	if src.regionCalls.Load() != 0 {
		t.Fatal("region fallback used although tiles produced features")
	}
}

func TestGetFeatures_SecondCallHitsMemory(t *testing.T) {
	src := &fakeSource{
		tileFn: func(k tile.Key) ([]model.Feature, error) {
			return []model.Feature{feat(k.String())}, nil
		},
	}
	c := newCoordinator(src, nil)

	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("first call: %v", err)
	}
	before := src.tileCalls.Load()

	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if src.tileCalls.Load() != before {
		t.Fatal("cache hit still reached upstream")
	}
}

func TestGetFeatures_SingleFlightCoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{
		regionFn: func(model.BoundingBox) ([]model.Feature, error) {
			<-release
			return []model.Feature{feat("only")}, nil
		},
	}
	c := newCoordinator(src, nil)

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	errs := make([]error, callers)
	lens := make([]int, callers)
	for i := range callers {
		go func(i int) {
			defer wg.Done()
			feats, err := c.GetFeatures(context.Background(), testBounds, 16)
			errs[i], lens[i] = err, len(feats)
		}(i)
	}

	// Give every caller time to reach the in-flight wait, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if lens[i] != 1 {
			t.Fatalf("caller %d got %d features", i, lens[i])
		}
	}
	if n := src.regionCalls.Load(); n != 1 {
		t.Fatalf("region fetched %d times, single-flight wants 1", n)
	}
}

func TestGetFeatures_RegionFallbackWhenTilesEmpty(t *testing.T) {
	src := &fakeSource{
		regionFn: func(model.BoundingBox) ([]model.Feature, error) {
			return []model.Feature{feat("r1"), feat("r2")}, nil
		},
	}
	c := newCoordinator(src, nil)

	feats, err := c.GetFeatures(context.Background(), testBounds, 16)
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if len(feats) != 2 {
		t.Fatalf("features=%d want 2 from region fallback", len(feats))
	}
	if src.regionCalls.Load() != 1 {
		t.Fatalf("regionCalls=%d want 1", src.regionCalls.Load())
	}
}

func TestGetFeatures_SourceExhaustionIsEmptySuccess(t *testing.T) {
	src := &fakeSource{
		tileFn: func(tile.Key) ([]model.Feature, error) {
			return nil, errors.New("tile service down")
		},
		regionFn: func(model.BoundingBox) ([]model.Feature, error) {
			return nil, errors.New("region service down")
		},
	}
	c := newCoordinator(src, nil)

	feats, err := c.GetFeatures(context.Background(), testBounds, 16)
	if err != nil {
		t.Fatalf("exhausted sources must degrade to empty success, got %v", err)
	}
	if len(feats) != 0 {
		t.Fatalf("features=%d want 0", len(feats))
	}
}

func TestGetFeatures_MalformedPayloadPropagates(t *testing.T) {
	src := &fakeSource{
		tileFn: func(tile.Key) ([]model.Feature, error) {
			return nil, fmt.Errorf("tile: %w", upstream.ErrMalformedPayload)
		},
	}
	c := newCoordinator(src, nil)

	_, err := c.GetFeatures(context.Background(), testBounds, 16)
	if !errors.Is(err, upstream.ErrMalformedPayload) {
		t.Fatalf("err=%v want ErrMalformedPayload", err)
	}
}

func TestGetFeatures_PartialTileFailureKeepsPartialResults(t *testing.T) {
	var n atomic.Int64
	src := &fakeSource{
		tileFn: func(k tile.Key) ([]model.Feature, error) {
			if n.Add(1)%2 == 0 {
				return nil, errors.New("transient")
			}
			return []model.Feature{feat(k.String())}, nil
		},
	}
	c := newCoordinator(src, nil)

	// A wide box so several tiles are in play.
	wide := model.BoundingBox{North: 40.76, South: 40.75, East: -73.95, West: -74.00}
	feats, err := c.GetFeatures(context.Background(), wide, 14)
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	if len(feats) == 0 {
		t.Fatal("expected partial results from surviving tiles")
	}
}

func TestGetFeatures_LocalStoreTierServesBeforeUpstream(t *testing.T) {
	src := &fakeSource{
		tileFn: func(k tile.Key) ([]model.Feature, error) {
			return []model.Feature{feat(k.String())}, nil
		},
	}
	local := newFakeLocal()
	c := newCoordinator(src, local)

	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("first call: %v", err)
	}
	upstreamCalls := src.tileCalls.Load()
	if upstreamCalls == 0 {
		t.Fatal("expected upstream fetches on cold start")
	}

	// A fresh coordinator sharing the local store must fill from it.
	c2 := newCoordinator(src, local)
	feats, err := c2.GetFeatures(context.Background(), testBounds, 15)
	if err != nil {
		t.Fatalf("second coordinator: %v", err)
	}
	if len(feats) == 0 {
		t.Fatal("expected features from local store")
	}
	if src.tileCalls.Load() != upstreamCalls {
		t.Fatal("local store hit still reached upstream")
	}
}

func TestInvalidateRegion_ForcesRefetch(t *testing.T) {
	src := &fakeSource{
		tileFn: func(k tile.Key) ([]model.Feature, error) {
			return []model.Feature{feat(k.String())}, nil
		},
	}
	local := newFakeLocal()
	c := newCoordinator(src, local)

	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("warm call: %v", err)
	}
	before := src.tileCalls.Load()

	removed, err := c.InvalidateRegion(context.Background(), testBounds)
	if err != nil {
		t.Fatalf("InvalidateRegion: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected at least one invalidated region")
	}

	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if src.tileCalls.Load() == before {
		t.Fatal("invalidated region served stale data")
	}
}

func TestTrackedRegions_BoundedAcrossLongPan(t *testing.T) {
	src := &fakeSource{}
	c := New(Config{MemoryMaxItems: 2}, nil, nil, src, featureset.New(featureset.KeepFirst))

	// Sweep across many distinct viewports, far more than the cache holds.
	for i := range 100 {
		shift := 0.01 * float64(i)
		b := model.BoundingBox{
			North: 40.76, South: 40.75,
			East: -73.98 + shift, West: -73.99 + shift,
		}
		if _, err := c.GetFeatures(context.Background(), b, 16); err != nil {
			t.Fatalf("viewport %d: %v", i, err)
		}
	}

	if tracked := c.Stats().TrackedBoxes; tracked > c.maxTracked {
		t.Fatalf("tracked regions grew to %d, cap is %d", tracked, c.maxTracked)
	}
}

func TestInvalidateRegion_DisjointBoxUntouched(t *testing.T) {
	src := &fakeSource{
		tileFn: func(k tile.Key) ([]model.Feature, error) {
			return []model.Feature{feat(k.String())}, nil
		},
	}
	c := newCoordinator(src, nil)

	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("warm call: %v", err)
	}
	far := model.BoundingBox{North: 10.1, South: 10.0, East: 10.1, West: 10.0}
	removed, err := c.InvalidateRegion(context.Background(), far)
	if err != nil {
		t.Fatalf("InvalidateRegion: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed=%d want 0 for disjoint box", removed)
	}
	before := src.tileCalls.Load()
	if _, err := c.GetFeatures(context.Background(), testBounds, 15); err != nil {
		t.Fatalf("cached call: %v", err)
	}
	if src.tileCalls.Load() != before {
		t.Fatal("disjoint invalidation evicted the cached region")
	}
}

func TestGetFeatures_CallerTimeoutDoesNotAbortSharedFetch(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	src := &fakeSource{
		regionFn: func(model.BoundingBox) ([]model.Feature, error) {
			<-release
			close(done)
			return []model.Feature{feat("late")}, nil
		},
	}
	c := newCoordinator(src, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := c.GetFeatures(ctx, testBounds, 16); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shared fetch did not run to completion")
	}

	// The completed flight populated the cache for the next caller.
	deadline := time.Now().Add(2 * time.Second)
	for {
		feats, err := c.GetFeatures(context.Background(), testBounds, 16)
		if err != nil {
			t.Fatalf("followup call: %v", err)
		}
		if len(feats) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("completed flight never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
