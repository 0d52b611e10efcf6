// Package visualization writes quality-control snapshots of registered volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"araregistration/internal/models"
)

// Viewer extracts 2D slices from a volume, scaling intensities to the
// volume's own range so atlas and sample images are comparable.
type Viewer struct {
	vol *models.Volume

	// intensity range used for display scaling
	lo, hi float64
}

// NewViewer creates a viewer for vol
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if len(vol.Data) > 0 {
		v.lo, v.hi = floats.Min(vol.Data), floats.Max(vol.Data)
	}
	return v
}

func (v *Viewer) gray(idx int) color.Gray16 {
	if idx >= len(v.vol.Data) || v.hi <= v.lo {
		return color.Gray16{}
	}
	scaled := (v.vol.Data[idx] - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.vol.Width, v.vol.Height, v.vol.Depth

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, v.gray(v.vol.Index(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, v.gray(v.vol.Index(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, v.gray(v.vol.Index(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveMiddleSlices writes the middle slice along each axis to outputDir as
// <prefix>_<axis>.jpg and returns the files written.
func (v *Viewer) SaveMiddleSlices(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	middle := map[string]int{
		"x": v.vol.Width / 2,
		"y": v.vol.Height / 2,
		"z": v.vol.Depth / 2,
	}

	var written []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, middle[axis])
		if err != nil {
			return written, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := SaveSlice(img, filename); err != nil {
			return written, err
		}
		written = append(written, filename)
	}
	return written, nil
}

// LatestResult returns the result.<N>.mhd image with the highest N that
// elastix wrote to dir, i.e. the output of the final registration stage.
func LatestResult(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "result.*.mhd"))
	if err != nil {
		return "", err
	}

	stage := func(path string) int {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "result."), ".mhd"))
		if err != nil {
			return -1
		}
		return n
	}
	sort.Slice(matches, func(i, j int) bool { return stage(matches[i]) < stage(matches[j]) })

	if len(matches) == 0 || stage(matches[len(matches)-1]) < 0 {
		return "", fmt.Errorf("no result image in %s", dir)
	}
	return matches[len(matches)-1], nil
}
