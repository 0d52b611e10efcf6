// Package atlas locates the Allen Reference Atlas template matching a sample.
package atlas

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"araregistration/pkg/config"
	"araregistration/pkg/voxelsize"
)

// ErrTemplateNotFound means no atlas template could be resolved for a sample
var ErrTemplateNotFound = errors.New("atlas template not found")

// VoxelToken is replaced by the sample voxel size in the template pattern
const VoxelToken = "{voxel}"

// Resolver maps downsampled sample files to atlas template files
type Resolver struct {
	// Dir is the atlas root directory
	Dir string

	// Pattern is the template path relative to Dir
	Pattern string

	Logger *log.Logger
}

// NewResolver creates a resolver from the atlas settings
func NewResolver(cfg *config.Config, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		Dir:     cfg.Paths.AtlasDir,
		Pattern: cfg.Paths.AtlasTemplate,
		Logger:  logger,
	}
}

// TemplateFor returns the path of the atlas template with the same voxel
// size as sampleFile. Failures are logged before being returned.
func (r *Resolver) TemplateFor(sampleFile string) (string, error) {
	size, err := voxelsize.ParseVoxelSize(sampleFile)
	if err != nil {
		r.Logger.Printf("Can not infer atlas voxel size from %s: %v", filepath.Base(sampleFile), err)
		return "", fmt.Errorf("%w: %v", ErrTemplateNotFound, err)
	}

	path := filepath.Join(r.Dir, strings.ReplaceAll(r.Pattern, VoxelToken, size))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		r.Logger.Printf("Can not find atlas template %s for %s micron voxels", path, size)
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
	}
	return path, nil
}
