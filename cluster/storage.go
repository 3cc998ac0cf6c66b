package cluster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Snapshots persist the loaded point set plus options, not the built
// hierarchy: cluster ids are generated per build, so the hierarchy is rebuilt
// on load and stale ids from before the snapshot stay invalid.

func writePoint(w io.Writer, p Point) error {
	binary.Write(w, binary.LittleEndian, p.ID)
	binary.Write(w, binary.LittleEndian, p.X)
	binary.Write(w, binary.LittleEndian, p.Y)

	binary.Write(w, binary.LittleEndian, uint32(len(p.Metrics)))
	for k, v := range p.Metrics {
		binary.Write(w, binary.LittleEndian, uint32(len(k)))
		w.Write([]byte(k))
		binary.Write(w, binary.LittleEndian, v)
	}

	binary.Write(w, binary.LittleEndian, uint32(len(p.Metadata)))
	for k, v := range p.Metadata {
		binary.Write(w, binary.LittleEndian, uint32(len(k)))
		w.Write([]byte(k))

		valueBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata value: %v", err)
		}
		binary.Write(w, binary.LittleEndian, uint32(len(valueBytes)))
		w.Write(valueBytes)
	}
	return nil
}

func readPoint(r io.Reader) (Point, error) {
	var p Point
	binary.Read(r, binary.LittleEndian, &p.ID)
	binary.Read(r, binary.LittleEndian, &p.X)
	binary.Read(r, binary.LittleEndian, &p.Y)

	var numMetrics uint32
	binary.Read(r, binary.LittleEndian, &numMetrics)
	p.Metrics = make(map[string]float32, numMetrics)
	for j := uint32(0); j < numMetrics; j++ {
		var keyLen uint32
		binary.Read(r, binary.LittleEndian, &keyLen)
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return p, fmt.Errorf("failed to read metric key: %v", err)
		}
		var value float32
		binary.Read(r, binary.LittleEndian, &value)
		p.Metrics[string(keyBytes)] = value
	}

	var numMetadata uint32
	binary.Read(r, binary.LittleEndian, &numMetadata)
	p.Metadata = make(map[string]interface{}, numMetadata)
	for j := uint32(0); j < numMetadata; j++ {
		var keyLen uint32
		binary.Read(r, binary.LittleEndian, &keyLen)
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return p, fmt.Errorf("failed to read metadata key: %v", err)
		}

		var valueLen uint32
		binary.Read(r, binary.LittleEndian, &valueLen)
		valueBytes := make([]byte, valueLen)
		if _, err := io.ReadFull(r, valueBytes); err != nil {
			return p, fmt.Errorf("failed to read metadata value: %v", err)
		}

		var value interface{}
		if err := json.Unmarshal(valueBytes, &value); err != nil {
			return p, fmt.Errorf("failed to unmarshal metadata value: %v", err)
		}
		p.Metadata[string(keyBytes)] = value
	}

	return p, nil
}

// SaveCompressed writes a zstd-compressed snapshot of the index's point set
// and options to filename.
func (idx *Index) SaveCompressed(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}

	binary.Write(enc, binary.LittleEndian, uint32(len(idx.Points)))

	binary.Write(enc, binary.LittleEndian, int32(idx.Options.MinZoom))
	binary.Write(enc, binary.LittleEndian, int32(idx.Options.MaxZoom))
	binary.Write(enc, binary.LittleEndian, int32(idx.Options.MinPoints))
	binary.Write(enc, binary.LittleEndian, idx.Options.Radius)
	binary.Write(enc, binary.LittleEndian, int32(idx.Options.NodeSize))
	binary.Write(enc, binary.LittleEndian, int32(idx.Options.Extent))

	for _, p := range idx.Points {
		if err := writePoint(enc, p); err != nil {
			enc.Close()
			return err
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %v", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %v", err)
	}
	return nil
}

// LoadCompressedIndex reads a snapshot written by SaveCompressed and rebuilds
// the cluster hierarchy from it.
func LoadCompressedIndex(filename string) (*Index, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	bufReader := bufio.NewReaderSize(file, 1024*1024)
	dec, err := zstd.NewReader(bufReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	var numPoints uint32
	binary.Read(dec, binary.LittleEndian, &numPoints)

	var minZoom, maxZoom, minPoints, nodeSize, extent int32
	var radius float64
	binary.Read(dec, binary.LittleEndian, &minZoom)
	binary.Read(dec, binary.LittleEndian, &maxZoom)
	binary.Read(dec, binary.LittleEndian, &minPoints)
	binary.Read(dec, binary.LittleEndian, &radius)
	binary.Read(dec, binary.LittleEndian, &nodeSize)
	binary.Read(dec, binary.LittleEndian, &extent)

	idx := NewIndex(Options{
		MinZoom:   int(minZoom),
		MaxZoom:   int(maxZoom),
		MinPoints: int(minPoints),
		Radius:    radius,
		NodeSize:  int(nodeSize),
		Extent:    int(extent),
	})

	points := make([]Point, numPoints)
	for i := range points {
		p, err := readPoint(dec)
		if err != nil {
			return nil, err
		}
		points[i] = p
	}

	idx.Load(points)
	return idx, nil
}
