// Package mhd reads and writes MetaImage (.mhd/.raw) volumes, the format
// elastix consumes and produces.
package mhd

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"araregistration/internal/models"
)

// Header holds the MetaImage keys this package understands
type Header struct {
	NDims           int
	DimSize         []int
	ElementSpacing  []float64
	Offset          []float64
	ElementType     models.ElementType
	ElementDataFile string
	ByteOrderMSB    bool
	Compressed      bool
	HeaderSize      int
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

// ParseHeader reads the key = value lines of a MetaImage header. Reading
// stops after ElementDataFile, which is always the last key.
func ParseHeader(r io.Reader) (*Header, error) {
	h := &Header{HeaderSize: 0}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "NDims":
			h.NDims, err = strconv.Atoi(value)
		case "DimSize":
			h.DimSize, err = parseInts(value)
		case "ElementSpacing", "ElementSize":
			h.ElementSpacing, err = parseFloats(value)
		case "Offset", "Origin", "Position":
			h.Offset, err = parseFloats(value)
		case "ElementType":
			h.ElementType = models.ElementType(value)
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			h.ByteOrderMSB = parseBool(value)
		case "CompressedData":
			h.Compressed = parseBool(value)
		case "HeaderSize":
			h.HeaderSize, err = strconv.Atoi(value)
		case "ElementDataFile":
			h.ElementDataFile = value
		}
		if err != nil {
			return nil, fmt.Errorf("header key %s: %w", key, err)
		}
		if key == "ElementDataFile" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if h.ElementDataFile == "" {
		return nil, fmt.Errorf("header has no ElementDataFile")
	}
	if h.NDims == 0 {
		h.NDims = len(h.DimSize)
	}
	if h.NDims < 2 || h.NDims > 3 || len(h.DimSize) != h.NDims {
		return nil, fmt.Errorf("unsupported dimensions: NDims=%d DimSize=%v", h.NDims, h.DimSize)
	}
	voxels := 1
	for _, d := range h.DimSize {
		if d <= 0 {
			return nil, fmt.Errorf("invalid DimSize %v", h.DimSize)
		}
		// 8 bytes is the widest element
		if voxels > math.MaxInt/8/d {
			return nil, fmt.Errorf("DimSize %v is too large", h.DimSize)
		}
		voxels *= d
	}
	if _, err := elementSize(h.ElementType); err != nil {
		return nil, err
	}
	return h, nil
}

func elementSize(t models.ElementType) (int, error) {
	switch t {
	case models.MetUChar, models.MetChar:
		return 1, nil
	case models.MetUShort, models.MetShort:
		return 2, nil
	case models.MetUInt, models.MetInt, models.MetFloat:
		return 4, nil
	case models.MetDouble:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported element type %q", t)
	}
}

func decode(raw []byte, t models.ElementType, order binary.ByteOrder, out []float64) {
	size, _ := elementSize(t)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch t {
		case models.MetUChar:
			out[i] = float64(b[0])
		case models.MetChar:
			out[i] = float64(int8(b[0]))
		case models.MetUShort:
			out[i] = float64(order.Uint16(b))
		case models.MetShort:
			out[i] = float64(int16(order.Uint16(b)))
		case models.MetUInt:
			out[i] = float64(order.Uint32(b))
		case models.MetInt:
			out[i] = float64(int32(order.Uint32(b)))
		case models.MetFloat:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case models.MetDouble:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
}

func encode(data []float64, t models.ElementType, order binary.ByteOrder) []byte {
	size, _ := elementSize(t)
	raw := make([]byte, len(data)*size)
	for i, v := range data {
		b := raw[i*size : (i+1)*size]
		switch t {
		case models.MetUChar:
			b[0] = uint8(math.Round(v))
		case models.MetChar:
			b[0] = uint8(int8(math.Round(v)))
		case models.MetUShort:
			order.PutUint16(b, uint16(math.Round(v)))
		case models.MetShort:
			order.PutUint16(b, uint16(int16(math.Round(v))))
		case models.MetUInt:
			order.PutUint32(b, uint32(math.Round(v)))
		case models.MetInt:
			order.PutUint32(b, uint32(int32(math.Round(v))))
		case models.MetFloat:
			order.PutUint32(b, math.Float32bits(float32(v)))
		case models.MetDouble:
			order.PutUint64(b, math.Float64bits(v))
		}
	}
	return raw
}

// Read loads the volume described by the header at path
func Read(path string) (*models.Volume, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mhd read %s: %w", path, err)
	}

	h, err := ParseHeader(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("mhd header %s: %w", path, err)
	}

	vol := &models.Volume{
		Width:       h.DimSize[0],
		Height:      h.DimSize[1],
		Depth:       1,
		ElementType: h.ElementType,
		Path:        path,
	}
	if h.NDims == 3 {
		vol.Depth = h.DimSize[2]
	}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 1, 1, 1
	if len(h.ElementSpacing) >= 2 {
		vol.VoxelSize.X, vol.VoxelSize.Y = h.ElementSpacing[0], h.ElementSpacing[1]
	}
	if len(h.ElementSpacing) >= 3 {
		vol.VoxelSize.Z = h.ElementSpacing[2]
	}
	copy(vol.Origin[:], h.Offset)

	var raw []byte
	if h.ElementDataFile == "LOCAL" {
		// data follows the header in the same file
		idx := bytes.Index(contents, []byte("ElementDataFile"))
		nl := bytes.IndexByte(contents[idx:], '\n')
		if nl < 0 {
			return nil, fmt.Errorf("mhd %s: no data after LOCAL header", path)
		}
		raw = contents[idx+nl+1:]
	} else {
		dataPath := h.ElementDataFile
		if !filepath.IsAbs(dataPath) {
			dataPath = filepath.Join(filepath.Dir(path), dataPath)
		}
		raw, err = os.ReadFile(dataPath)
		if err != nil {
			return nil, fmt.Errorf("mhd data %s: %w", dataPath, err)
		}
	}

	if h.Compressed {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("mhd data %s: %w", path, err)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("mhd data %s: %w", path, err)
		}
	}

	size, _ := elementSize(h.ElementType)
	want := vol.Len() * size
	switch {
	case h.HeaderSize == -1 && len(raw) >= want:
		raw = raw[len(raw)-want:]
	case h.HeaderSize > 0 && len(raw) >= h.HeaderSize:
		raw = raw[h.HeaderSize:]
	}
	if len(raw) < want {
		return nil, fmt.Errorf("mhd %s: expected %d bytes of voxel data, found %d", path, want, len(raw))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.ByteOrderMSB {
		order = binary.BigEndian
	}
	vol.Data = make([]float64, vol.Len())
	decode(raw[:want], h.ElementType, order, vol.Data)

	return vol, nil
}

// Write stores vol as path (the header) and a .raw file next to it
func Write(path string, vol *models.Volume) error {
	if len(vol.Data) != vol.Len() {
		return fmt.Errorf("mhd write %s: %d voxels for dimensions %dx%dx%d",
			path, len(vol.Data), vol.Width, vol.Height, vol.Depth)
	}
	t := vol.ElementType
	if t == "" {
		t = models.MetFloat
	}
	if _, err := elementSize(t); err != nil {
		return fmt.Errorf("mhd write %s: %w", path, err)
	}

	rawName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"
	rawPath := filepath.Join(filepath.Dir(path), rawName)
	if err := os.WriteFile(rawPath, encode(vol.Data, t, binary.LittleEndian), 0644); err != nil {
		return fmt.Errorf("mhd write %s: %w", rawPath, err)
	}

	sx, sy, sz := vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z
	if sx == 0 {
		sx, sy, sz = 1, 1, 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ObjectType = Image\n")
	fmt.Fprintf(&b, "NDims = 3\n")
	fmt.Fprintf(&b, "BinaryData = True\n")
	fmt.Fprintf(&b, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(&b, "CompressedData = False\n")
	fmt.Fprintf(&b, "Offset = %g %g %g\n", vol.Origin[0], vol.Origin[1], vol.Origin[2])
	fmt.Fprintf(&b, "ElementSpacing = %g %g %g\n", sx, sy, sz)
	fmt.Fprintf(&b, "DimSize = %d %d %d\n", vol.Width, vol.Height, vol.Depth)
	fmt.Fprintf(&b, "ElementType = %s\n", t)
	fmt.Fprintf(&b, "ElementDataFile = %s\n", rawName)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("mhd write %s: %w", path, err)
	}
	return nil
}

// Summary describes the intensity distribution of a volume
type Summary struct {
	Min, Max  float64
	Mean, Std float64
}

func (s Summary) String() string {
	return fmt.Sprintf("min %.2f, max %.2f, mean %.2f, std %.2f", s.Min, s.Max, s.Mean, s.Std)
}

// Summarize computes intensity statistics over every voxel
func Summarize(vol *models.Volume) Summary {
	if vol == nil || len(vol.Data) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(vol.Data, nil)
	if len(vol.Data) == 1 {
		std = 0
	}
	return Summary{
		Min:  floats.Min(vol.Data),
		Max:  floats.Max(vol.Data),
		Mean: mean,
		Std:  std,
	}
}
