package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nicgo101/historybuffs-sub002/cluster"
	"github.com/nicgo101/historybuffs-sub002/feature"
	"github.com/nicgo101/historybuffs-sub002/render"
)

const snapshotDir = "data/snapshots"

// PointServer serves the cluster index and render plan for the demo map UI.
type PointServer struct {
	index *cluster.Index
	plan  render.Plan
	feats []feature.Jittered
}

func (s *PointServer) Cleanup() {
	if s.index != nil {
		s.index.Cleanup()
		s.index = nil
	}
	runtime.GC()
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func snapshotFilename(size int) string {
	timestamp := time.Now().Format("20060102-150405")
	id := uuid.New().String()[:8]
	return filepath.Join(snapshotDir, fmt.Sprintf("points-%dp-%s-%s.zst", size, timestamp, id))
}

// NewPointServer generates numPoints demo locations, runs them through the
// normalize/jitter/plan pipeline, builds the cluster index, and saves a
// snapshot.
func NewPointServer(numPoints int) *PointServer {
	fmt.Printf("\n=== Starting NewPointServer with %d points ===\n", numPoints)

	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		fmt.Printf("Failed to create snapshot directory: %v\n", err)
	}

	if numPoints <= 0 {
		return &PointServer{}
	}

	bounds := cluster.KDBounds{
		MinX: -10.0,
		MinY: 35.0,
		MaxX: 40.0,
		MaxY: 60.0,
	}

	fmt.Printf("Generating %d sites across Europe...\n", numPoints)
	points := cluster.GenerateTestLocations(numPoints, bounds)

	bulk := make([]feature.BulkLocation, len(points))
	for i, p := range points {
		name, _ := p.Metadata["name"].(string)
		category, _ := p.Metadata["category"].(string)
		bulk[i] = feature.BulkLocation{
			ID:       fmt.Sprintf("site-%d", p.ID),
			Name:     name,
			Lng:      float64(p.X),
			Lat:      float64(p.Y),
			Category: category,
		}
	}

	server := &PointServer{}
	server.load(bulk, nil)

	savePath := snapshotFilename(numPoints)
	fmt.Printf("Saving snapshot to %s...\n", savePath)
	saveStart := time.Now()
	if err := server.index.SaveCompressed(savePath); err != nil {
		fmt.Printf("ERROR: Failed to save snapshot: %v\n", err)
	} else if fileInfo, err := os.Stat(savePath); err == nil {
		fmt.Printf("Snapshot saved in %v (file size: %s)\n",
			time.Since(saveStart), formatFileSize(fileInfo.Size()))
	}

	fmt.Printf("=== Finished creating point server ===\n")
	return server
}

// load runs the full data pipeline and swaps in a fresh index.
func (s *PointServer) load(bulk []feature.BulkLocation, featured []feature.FeaturedFactoid) {
	feats, dropped := feature.Normalize(bulk, featured)
	if dropped > 0 {
		fmt.Printf("Dropped %d records with invalid coordinates\n", dropped)
	}

	s.feats = feature.Jitter(feats, feature.JitterOptions{})
	s.plan = render.BuildPlan(s.feats, render.Thresholds{})

	points := make([]cluster.Point, len(s.plan.Clustered))
	for i, f := range s.plan.Clustered {
		metrics := map[string]float32{}
		if f.Props.Confidence != nil {
			metrics["confidence"] = float32(*f.Props.Confidence)
		}
		metadata := map[string]interface{}{"name": f.Props.Name}
		if f.Props.Layer != "" {
			metadata["layer"] = f.Props.Layer
		}
		if f.Props.Category != "" {
			metadata["category"] = f.Props.Category
		}
		points[i] = cluster.Point{
			ID:       uint32(i + 1),
			X:        float32(f.Lng),
			Y:        float32(f.Lat),
			Metrics:  metrics,
			Metadata: metadata,
		}
	}

	idx := cluster.NewIndex(cluster.Options{
		MinZoom: 0,
		MaxZoom: 14,
		Radius:  60,
		Log:     true,
	})
	loadStart := time.Now()
	idx.Load(points)
	fmt.Printf("Index built in %v\n", time.Since(loadStart))

	old := s.index
	s.index = idx
	if old != nil {
		old.Cleanup()
	}
}

// SnapshotInfo describes one saved index file.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	NumPoints int       `json:"numPoints"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
}

func listSnapshots() ([]SnapshotInfo, error) {
	files, err := os.ReadDir(snapshotDir)
	if err != nil {
		return nil, err
	}

	snapshots := make([]SnapshotInfo, 0)
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".zst" {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}

		// Format: points-{numPoints}p-{timestamp}-{id}.zst
		name := strings.TrimSuffix(file.Name(), ".zst")
		parts := strings.Split(name, "-")
		if len(parts) != 5 {
			continue
		}
		numPoints, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
		if err != nil {
			continue
		}
		timestamp, err := time.Parse("20060102-150405", parts[2]+"-"+parts[3])
		if err != nil {
			continue
		}

		snapshots = append(snapshots, SnapshotInfo{
			ID:        parts[4],
			NumPoints: numPoints,
			Timestamp: timestamp,
			FileSize:  info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func (s *PointServer) loadSnapshotByID(id string) (*SnapshotInfo, error) {
	files, err := os.ReadDir(snapshotDir)
	if err != nil {
		return nil, err
	}

	var path string
	var loaded *SnapshotInfo
	for _, file := range files {
		if !strings.Contains(file.Name(), id) {
			continue
		}
		path = filepath.Join(snapshotDir, file.Name())
		name := strings.TrimSuffix(file.Name(), ".zst")
		parts := strings.Split(name, "-")
		if len(parts) == 5 {
			numPoints, _ := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
			timestamp, _ := time.Parse("20060102-150405", parts[2]+"-"+parts[3])
			fileInfo, _ := os.Stat(path)
			loaded = &SnapshotInfo{
				ID:        parts[4],
				NumPoints: numPoints,
				Timestamp: timestamp,
				FileSize:  fileInfo.Size(),
			}
		}
		break
	}
	if path == "" {
		return nil, fmt.Errorf("snapshot with ID %s not found", id)
	}

	loadStart := time.Now()
	idx, err := cluster.LoadCompressedIndex(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %v", err)
	}
	fmt.Printf("Snapshot loaded in %v\n", time.Since(loadStart))

	old := s.index
	s.index = idx
	if old != nil {
		old.Cleanup()
	}
	return loaded, nil
}

func parseBounds(c *gin.Context) (cluster.KDBounds, int, bool) {
	zoom, err := strconv.Atoi(c.Query("zoom"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid zoom parameter"})
		return cluster.KDBounds{}, 0, false
	}
	var vals [4]float64
	for i, name := range []string{"north", "south", "east", "west"} {
		v, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
			return cluster.KDBounds{}, 0, false
		}
		vals[i] = v
	}
	return cluster.KDBounds{
		MinX: float32(vals[3]),
		MinY: float32(vals[1]),
		MaxX: float32(vals[2]),
		MaxY: float32(vals[0]),
	}, zoom, true
}

func main() {
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		fmt.Printf("Error creating snapshot directory: %v\n", err)
	}

	server := &PointServer{}
	fmt.Println("Started with empty point server - waiting for data to be loaded...")

	r := gin.Default()

	// Enable CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.GET("/api/clusters", func(c *gin.Context) {
		if server.index == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No data loaded"})
			return
		}
		bounds, zoom, ok := parseBounds(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, server.index.ToGeoJSON(bounds, zoom))
	})

	r.GET("/api/clusters/:id/leaves", func(c *gin.Context) {
		if server.index == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No data loaded"})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster id"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		leaves, ok := server.index.Leaves(uint32(id), limit, offset)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown cluster id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"leaves": leaves})
	})

	r.GET("/api/clusters/:id/expansion", func(c *gin.Context) {
		if server.index == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No data loaded"})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster id"})
			return
		}
		zoom, ok := server.index.ExpansionZoom(uint32(id))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown cluster id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"expansionZoom": zoom, "expandable": zoom != cluster.NoExpansion})
	})

	r.GET("/api/summary", func(c *gin.Context) {
		if server.index == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No data loaded"})
			return
		}
		bounds, zoom, ok := parseBounds(c)
		if !ok {
			return
		}
		nodes := server.index.GetClusters(bounds, zoom)
		c.JSON(http.StatusOK, cluster.CalculateSummary(nodes))
	})

	r.GET("/api/plan", func(c *gin.Context) {
		c.JSON(http.StatusOK, server.plan.Counts())
	})

	r.POST("/api/locations", func(c *gin.Context) {
		var req struct {
			NumPoints int `json:"numPoints"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		fmt.Printf("Creating new point set with %d points\n", req.NumPoints)
		newServer := NewPointServer(req.NumPoints)
		if newServer.index == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build index"})
			return
		}

		old := server
		server = newServer
		old.Cleanup()
		c.JSON(http.StatusOK, gin.H{"message": "New point set created"})
	})

	r.GET("/api/snapshots", func(c *gin.Context) {
		snapshots, err := listSnapshots()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snapshots)
	})

	r.POST("/api/snapshots/load/:id", func(c *gin.Context) {
		id := c.Param("id")
		fmt.Printf("Received request to load snapshot with ID: %s\n", id)

		info, err := server.loadSnapshotByID(id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Snapshot loaded successfully", "snapshot": info})
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Println("Starting server on :8000...")
		if err := r.Run(":8000"); err != nil {
			fmt.Printf("Server error: %v\n", err)
		}
	}()

	<-quit
	fmt.Println("\nShutting down server...")

	if server.index != nil {
		savePath := snapshotFilename(len(server.index.Points))
		fmt.Printf("Saving snapshot to %s...\n", savePath)
		if err := server.index.SaveCompressed(savePath); err != nil {
			fmt.Printf("Failed to save snapshot on shutdown: %v\n", err)
		} else if fileInfo, err := os.Stat(savePath); err == nil {
			fmt.Printf("Snapshot saved (file size: %s)\n", formatFileSize(fileInfo.Size()))
		}
	}

	fmt.Println("Server stopped")
}
