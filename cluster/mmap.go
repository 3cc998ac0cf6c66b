package cluster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
)

// MMapWriter handles writing to memory-mapped files
type MMapWriter struct {
	data   mmap.MMap
	offset int
}

func NewMMapWriter(data mmap.MMap) *MMapWriter {
	return &MMapWriter{data: data}
}

func (w *MMapWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], v)
	w.offset += 4
}

func (w *MMapWriter) WriteFloat64(v float64) {
	binary.LittleEndian.PutUint64(w.data[w.offset:], math.Float64bits(v))
	w.offset += 8
}

func (w *MMapWriter) WriteFloat32(v float32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], math.Float32bits(v))
	w.offset += 4
}

func (w *MMapWriter) WriteBytes(b []byte) {
	copy(w.data[w.offset:], b)
	w.offset += len(b)
}

// MMapReader handles reading from memory-mapped files
type MMapReader struct {
	data   mmap.MMap
	offset int
}

func NewMMapReader(data mmap.MMap) *MMapReader {
	return &MMapReader{data: data}
}

func (r *MMapReader) ReadUint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *MMapReader) ReadFloat64() float64 {
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return math.Float64frombits(v)
}

func (r *MMapReader) ReadFloat32() float32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return math.Float32frombits(v)
}

func (r *MMapReader) ReadBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, r.data[r.offset:r.offset+n])
	r.offset += n
	return b
}

// calculateSize returns the exact byte size of the mmap snapshot layout.
func (idx *Index) calculateSize() int64 {
	// Point count + five uint32 options + float64 radius.
	size := int64(4 + 5*4 + 8)

	for _, p := range idx.Points {
		size += 12 // ID, X, Y

		size += 4
		for k := range p.Metrics {
			size += 4 + int64(len(k)) + 4
		}

		size += 4
		for k, v := range p.Metadata {
			size += 4 + int64(len(k))
			valueBytes, _ := json.Marshal(v)
			size += 4 + int64(len(valueBytes))
		}
	}

	return size
}

// SaveMMap writes the snapshot through a memory-mapped file.
func (idx *Index) SaveMMap(filename string) error {
	size := idx.calculateSize()

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate file: %v", err)
	}

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %v", err)
	}
	defer mmapData.Unmap()

	writer := NewMMapWriter(mmapData)

	writer.WriteUint32(uint32(len(idx.Points)))

	writer.WriteUint32(uint32(idx.Options.MinZoom))
	writer.WriteUint32(uint32(idx.Options.MaxZoom))
	writer.WriteUint32(uint32(idx.Options.MinPoints))
	writer.WriteFloat64(idx.Options.Radius)
	writer.WriteUint32(uint32(idx.Options.NodeSize))
	writer.WriteUint32(uint32(idx.Options.Extent))

	for _, p := range idx.Points {
		writer.WriteUint32(p.ID)
		writer.WriteFloat32(p.X)
		writer.WriteFloat32(p.Y)

		writer.WriteUint32(uint32(len(p.Metrics)))
		for k, v := range p.Metrics {
			writer.WriteUint32(uint32(len(k)))
			writer.WriteBytes([]byte(k))
			writer.WriteFloat32(v)
		}

		writer.WriteUint32(uint32(len(p.Metadata)))
		for k, v := range p.Metadata {
			writer.WriteUint32(uint32(len(k)))
			writer.WriteBytes([]byte(k))

			valueBytes, _ := json.Marshal(v)
			writer.WriteUint32(uint32(len(valueBytes)))
			writer.WriteBytes(valueBytes)
		}
	}

	return mmapData.Flush()
}

// LoadMMapIndex reads a snapshot written by SaveMMap and rebuilds the
// hierarchy from it.
func LoadMMapIndex(filename string) (*Index, error) {
	file, err := os.OpenFile(filename, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap file: %v", err)
	}
	defer mmapData.Unmap()

	reader := NewMMapReader(mmapData)

	numPoints := reader.ReadUint32()

	options := Options{
		MinZoom:   int(reader.ReadUint32()),
		MaxZoom:   int(reader.ReadUint32()),
		MinPoints: int(reader.ReadUint32()),
		Radius:    reader.ReadFloat64(),
		NodeSize:  int(reader.ReadUint32()),
		Extent:    int(reader.ReadUint32()),
	}
	idx := NewIndex(options)

	points := make([]Point, numPoints)
	for i := range points {
		points[i].ID = reader.ReadUint32()
		points[i].X = reader.ReadFloat32()
		points[i].Y = reader.ReadFloat32()

		numMetrics := reader.ReadUint32()
		points[i].Metrics = make(map[string]float32, numMetrics)
		for j := uint32(0); j < numMetrics; j++ {
			keyLen := reader.ReadUint32()
			key := string(reader.ReadBytes(int(keyLen)))
			points[i].Metrics[key] = reader.ReadFloat32()
		}

		numMetadata := reader.ReadUint32()
		points[i].Metadata = make(map[string]interface{}, numMetadata)
		for j := uint32(0); j < numMetadata; j++ {
			keyLen := reader.ReadUint32()
			key := string(reader.ReadBytes(int(keyLen)))

			valueLen := reader.ReadUint32()
			valueBytes := reader.ReadBytes(int(valueLen))

			var value interface{}
			if err := json.Unmarshal(valueBytes, &value); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata value: %v", err)
			}
			points[i].Metadata[key] = value
		}
	}

	idx.Load(points)
	return idx, nil
}

// SaveCompressedMMap writes the mmap snapshot and compresses it with zstd.
func (idx *Index) SaveCompressedMMap(filename string) error {
	tempFile := filename + ".tmp"
	if err := idx.SaveMMap(tempFile); err != nil {
		return fmt.Errorf("failed to save mmap: %v", err)
	}
	defer os.Remove(tempFile)

	src, err := os.Open(tempFile)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %v", err)
	}
	defer src.Close()

	dst, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create compressed file: %v", err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	defer enc.Close()

	if _, err := io.Copy(enc, src); err != nil {
		return fmt.Errorf("failed to compress data: %v", err)
	}
	return nil
}

// LoadCompressedMMap decompresses a snapshot written by SaveCompressedMMap
// and loads it through the mmap path.
func LoadCompressedMMap(filename string) (*Index, error) {
	tempFile := filename + ".tmp"
	dst, err := os.Create(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %v", err)
	}
	defer os.Remove(tempFile)
	defer dst.Close()

	src, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed file: %v", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	if _, err := io.Copy(dst, dec); err != nil {
		return nil, fmt.Errorf("failed to decompress data: %v", err)
	}
	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temp file: %v", err)
	}

	return LoadMMapIndex(tempFile)
}
