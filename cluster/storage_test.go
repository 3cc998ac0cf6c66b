package cluster

import (
	"path/filepath"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}
	points := GenerateTestLocations(500, bounds)

	idx := NewIndex(testOptions())
	idx.Load(points)

	path := filepath.Join(t.TempDir(), "snapshot.zst")
	if err := idx.SaveCompressed(path); err != nil {
		t.Fatalf("SaveCompressed failed: %v", err)
	}

	loaded, err := LoadCompressedIndex(path)
	if err != nil {
		t.Fatalf("LoadCompressedIndex failed: %v", err)
	}

	if len(loaded.Points) != len(idx.Points) {
		t.Fatalf("Expected %d points after reload, got %d", len(idx.Points), len(loaded.Points))
	}
	if loaded.Options.MaxZoom != idx.Options.MaxZoom || loaded.Options.Radius != idx.Options.Radius {
		t.Errorf("Options not preserved: got %+v, want %+v", loaded.Options, idx.Options)
	}

	for i, p := range idx.Points {
		got := loaded.Points[i]
		if got.ID != p.ID || got.X != p.X || got.Y != p.Y {
			t.Fatalf("Point %d differs after reload: got %+v, want %+v", i, got, p)
		}
		if got.Metrics["confidence"] != p.Metrics["confidence"] {
			t.Errorf("Point %d: confidence not preserved", i)
		}
		if got.Metadata["name"] != p.Metadata["name"] {
			t.Errorf("Point %d: name metadata not preserved", i)
		}
	}

	// The rebuilt hierarchy serves the same partition even though cluster ids
	// are regenerated.
	world := KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	for _, zoom := range []int{0, 8, 15} {
		var origTotal, loadedTotal uint32
		for _, n := range idx.GetClusters(world, zoom) {
			origTotal += n.Count
		}
		for _, n := range loaded.GetClusters(world, zoom) {
			loadedTotal += n.Count
		}
		if origTotal != loadedTotal {
			t.Errorf("Zoom %d: count sums differ after reload: %d vs %d", zoom, origTotal, loadedTotal)
		}
	}
}

func TestSnapshotRoundTripMMap(t *testing.T) {
	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}
	points := GenerateTestLocations(200, bounds)

	idx := NewIndex(testOptions())
	idx.Load(points)

	path := filepath.Join(t.TempDir(), "snapshot.mmap")
	if err := idx.SaveMMap(path); err != nil {
		t.Fatalf("SaveMMap failed: %v", err)
	}

	loaded, err := LoadMMapIndex(path)
	if err != nil {
		t.Fatalf("LoadMMapIndex failed: %v", err)
	}

	if len(loaded.Points) != len(idx.Points) {
		t.Fatalf("Expected %d points after reload, got %d", len(idx.Points), len(loaded.Points))
	}
	for i, p := range idx.Points {
		got := loaded.Points[i]
		if got.ID != p.ID || got.X != p.X || got.Y != p.Y {
			t.Fatalf("Point %d differs after reload: got %+v, want %+v", i, got, p)
		}
	}
}

func TestSnapshotRoundTripCompressedMMap(t *testing.T) {
	bounds := KDBounds{MinX: -10, MinY: 35, MaxX: 40, MaxY: 60}
	points := GenerateTestLocations(200, bounds)

	idx := NewIndex(testOptions())
	idx.Load(points)

	path := filepath.Join(t.TempDir(), "snapshot.mmap.zst")
	if err := idx.SaveCompressedMMap(path); err != nil {
		t.Fatalf("SaveCompressedMMap failed: %v", err)
	}

	loaded, err := LoadCompressedMMap(path)
	if err != nil {
		t.Fatalf("LoadCompressedMMap failed: %v", err)
	}
	if len(loaded.Points) != len(idx.Points) {
		t.Fatalf("Expected %d points after reload, got %d", len(idx.Points), len(loaded.Points))
	}
}

func TestLoadCompressedIndexMissingFile(t *testing.T) {
	if _, err := LoadCompressedIndex(filepath.Join(t.TempDir(), "missing.zst")); err == nil {
		t.Error("Expected error for missing snapshot file")
	}
}
