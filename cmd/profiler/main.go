package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/nicgo101/historybuffs-sub002/cluster"
	"github.com/nicgo101/historybuffs-sub002/feature"
	"github.com/nicgo101/historybuffs-sub002/render"
)

var (
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")
	memprofile  = flag.String("memprofile", "", "write memory profile to file")
	heapprofile = flag.String("heapprofile", "", "write heap profile to file")
	numPoints   = flag.Int("points", 100000, "number of points to generate")
	zoomLevel   = flag.Int("zoom", 8, "zoom level to query")
	testall     = flag.Bool("testall", false, "test all configurations")
)

var europeBounds = cluster.KDBounds{MinX: -10.0, MinY: 35.0, MaxX: 40.0, MaxY: 60.0}

// buildIndex runs the full pipeline (normalize, jitter, plan, load) over n
// generated sites and returns the resulting index.
func buildIndex(n int) *cluster.Index {
	points := cluster.GenerateTestLocations(n, europeBounds)

	bulk := make([]feature.BulkLocation, len(points))
	for i, p := range points {
		name, _ := p.Metadata["name"].(string)
		bulk[i] = feature.BulkLocation{
			ID:   fmt.Sprintf("site-%d", p.ID),
			Name: name,
			Lng:  float64(p.X),
			Lat:  float64(p.Y),
		}
	}

	feats, _ := feature.Normalize(bulk, nil)
	jittered := feature.Jitter(feats, feature.JitterOptions{})
	plan := render.BuildPlan(jittered, render.Thresholds{})

	clusterPoints := make([]cluster.Point, len(plan.Clustered))
	for i, f := range plan.Clustered {
		clusterPoints[i] = cluster.Point{
			ID: uint32(i + 1),
			X:  float32(f.Lng),
			Y:  float32(f.Lat),
		}
	}

	idx := cluster.NewIndex(cluster.Options{
		MinZoom: 0,
		MaxZoom: 14,
		Radius:  60,
	})
	idx.Load(clusterPoints)
	return idx
}

func runSingleProfile(numPoints, zoomLevel int) {
	fmt.Printf("Profiling with %d points at zoom level %d\n", numPoints, zoomLevel)

	var memStatsBefore, memStatsAfter runtime.MemStats
	runtime.ReadMemStats(&memStatsBefore)

	start := time.Now()
	idx := buildIndex(numPoints)
	buildDuration := time.Since(start)

	queryStart := time.Now()
	nodes := idx.GetClusters(europeBounds, zoomLevel)
	queryDuration := time.Since(queryStart)

	runtime.ReadMemStats(&memStatsAfter)
	allocMB := float64(memStatsAfter.TotalAlloc-memStatsBefore.TotalAlloc) / 1024 / 1024

	fmt.Printf("Index built in %v\n", buildDuration)
	fmt.Printf("Query returned %d nodes in %v\n", len(nodes), queryDuration)
	fmt.Printf("Memory allocated: %.2f MB\n", allocMB)
	fmt.Printf("Memory usage: %.2f MB\n", float64(memStatsAfter.Alloc)/1024/1024)
}

func runProfileBattery() {
	pointCounts := []int{1000, 10000, 50000, 100000}
	zoomLevels := []int{2, 5, 8, 12, 15}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")

	fmt.Printf("%-10s | %-10s | %-15s | %-15s | %-10s | %-10s\n",
		"Points", "Zoom", "Build", "Query", "Memory (MB)", "GC Runs")
	fmt.Printf("%s\n", "------------------------------------------------------------------------")

	for _, points := range pointCounts {
		for _, zoom := range zoomLevels {
			var memStatsBefore, memStatsAfter runtime.MemStats
			runtime.ReadMemStats(&memStatsBefore)

			buildStart := time.Now()
			idx := buildIndex(points)
			buildDuration := time.Since(buildStart)

			queryStart := time.Now()
			idx.GetClusters(europeBounds, zoom)
			queryDuration := time.Since(queryStart)

			runtime.ReadMemStats(&memStatsAfter)
			memMB := float64(memStatsAfter.TotalAlloc-memStatsBefore.TotalAlloc) / 1024 / 1024
			gcRuns := memStatsAfter.NumGC - memStatsBefore.NumGC

			fmt.Printf("%-10d | %-10d | %-15s | %-15s | %-10.2f | %-10d\n",
				points, zoom, buildDuration, queryDuration, memMB, gcRuns)

			idx.Cleanup()
		}

		fmt.Printf("%s\n", "------------------------------------------------------------------------")
	}
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			return
		}
		defer f.Close()

		fmt.Println("Starting CPU profiling...")
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	if *testall {
		runProfileBattery()
	} else {
		runSingleProfile(*numPoints, *zoomLevel)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC() // Get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}

	if *heapprofile != "" {
		f, err := os.Create(*heapprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create heap profile: %v\n", err)
			return
		}
		defer f.Close()

		memProfile := pprof.Lookup("heap")
		if memProfile == nil {
			fmt.Fprintf(os.Stderr, "Could not find heap profile\n")
			return
		}

		if err := memProfile.WriteTo(f, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write heap profile: %v\n", err)
		}
	}
}
