package models

import "time"

// ElementType is the on-disk voxel type of a MetaImage volume
type ElementType string

const (
	MetUChar  ElementType = "MET_UCHAR"
	MetChar   ElementType = "MET_CHAR"
	MetUShort ElementType = "MET_USHORT"
	MetShort  ElementType = "MET_SHORT"
	MetUInt   ElementType = "MET_UINT"
	MetInt    ElementType = "MET_INT"
	MetFloat  ElementType = "MET_FLOAT"
	MetDouble ElementType = "MET_DOUBLE"
)

// Volume represents a 3D image volume loaded from disk
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order (x fastest)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel along each axis
	VoxelSize struct {
		X, Y, Z float64
	}

	// Origin is the physical position of the first voxel
	Origin [3]float64

	// ElementType is the voxel type the volume was stored with
	ElementType ElementType

	// Path is the header file the volume was read from, if any
	Path string
}

// Len returns the number of voxels the dimensions describe
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Direction names one of the two registration directions
type Direction int

const (
	// ARA2Sample registers the atlas (moving) to the sample (fixed)
	ARA2Sample Direction = iota

	// Sample2ARA registers the sample (moving) to the atlas (fixed)
	Sample2ARA
)

func (d Direction) String() string {
	switch d {
	case ARA2Sample:
		return "ARA2sample"
	case Sample2ARA:
		return "sample2ARA"
	default:
		return "unknown"
	}
}

// InvertedTransform is the persisted record of an inverted elastix transform.
// TransformFiles is the chain of TransformParameters files in the order
// elastix wrote them; the last one is the file handed to transformix.
type InvertedTransform struct {
	// SourceDir is the registration directory whose transform was inverted
	SourceDir string `yaml:"sourceDir"`

	// SampleDir is the downsampled sample directory the registration belongs to
	SampleDir string `yaml:"sampleDir"`

	// OutputDir is where elastix wrote the inverse transform
	OutputDir string `yaml:"outputDir"`

	// TransformFiles lists the inverse TransformParameters files
	TransformFiles []string `yaml:"transformFiles"`

	// Created is when the inversion finished
	Created time.Time `yaml:"created"`
}

// FinalTransform returns the transform file transformix should be given
func (t *InvertedTransform) FinalTransform() string {
	if t == nil || len(t.TransformFiles) == 0 {
		return ""
	}
	return t.TransformFiles[len(t.TransformFiles)-1]
}
