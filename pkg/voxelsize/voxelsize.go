// Package voxelsize recovers the voxel size that downsampled volumes carry in
// their file names, e.g. ds_sample_25_25_02.mhd was downsampled to 25 micron voxels.
package voxelsize

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrNoDownsampledFile means the directory holds no downsampled volume
	ErrNoDownsampledFile = errors.New("no downsampled MHD file found")

	// ErrAmbiguousDownsampledFile means more than one candidate volume was found
	ErrAmbiguousDownsampledFile = errors.New("more than one downsampled MHD file found")

	// ErrNoVoxelSize means the name does not contain _<digits>_<digits>_
	ErrNoVoxelSize = errors.New("can not find voxel size in file name")

	// ErrTokenCount means the run of numeric groups was longer than two
	ErrTokenCount = errors.New("did not find two voxel size tokens in file name")

	// ErrNotSquare means the two tokens differ
	ErrNotSquare = errors.New("voxels are not square")
)

var digits = regexp.MustCompile(`^[0-9]+$`)

// numericRun returns the first maximal run of at least two underscore
// separated digit groups that is both preceded and followed by an underscore.
func numericRun(name string) []string {
	fields := strings.Split(name, "_")
	for i := 1; i < len(fields); i++ {
		if !digits.MatchString(fields[i]) {
			continue
		}
		j := i
		for j < len(fields) && digits.MatchString(fields[j]) {
			j++
		}
		if j < len(fields) && j-i >= 2 {
			return fields[i:j]
		}
		i = j
	}
	return nil
}

// ParseVoxelSize extracts the voxel size from a downsampled file name of the
// form ..._<x>_<y>_... and returns <x>. The two tokens are compared as
// strings, so "025" and "25" do not match.
func ParseVoxelSize(name string) (string, error) {
	tokens := numericRun(filepath.Base(name))
	if tokens == nil {
		return "", fmt.Errorf("%w: %s", ErrNoVoxelSize, name)
	}

	if len(tokens) != 2 {
		return "", fmt.Errorf("%w: found %d in %s", ErrTokenCount, len(tokens), name)
	}

	if tokens[0] != tokens[1] {
		return "", fmt.Errorf("%w: %s x %s in %s", ErrNotSquare, tokens[0], tokens[1], name)
	}

	return tokens[0], nil
}

// isElastixArtifact reports whether a file was written by a registration
// run rather than by downsampling.
func isElastixArtifact(name string) bool {
	return strings.Contains(name, "_moving") ||
		strings.Contains(name, "_target") ||
		strings.HasPrefix(name, "result.")
}

// FindDownsampledFile returns the base name of the single downsampled MHD
// file in dir. Failures are logged to logger before being returned.
func FindDownsampledFile(dir, prefix string, logger *log.Logger) (string, error) {
	if logger == nil {
		logger = log.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Printf("Can not read directory %s: %v", dir, err)
		return "", fmt.Errorf("%w: %v", ErrNoDownsampledFile, err)
	}

	var found []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || isElastixArtifact(name) {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), ".mhd") {
			found = append(found, name)
		}
	}
	sort.Strings(found)

	switch len(found) {
	case 0:
		logger.Printf("No downsampled MHD file starting with %q found in %s", prefix, dir)
		return "", fmt.Errorf("%w in %s", ErrNoDownsampledFile, dir)
	case 1:
		return found[0], nil
	default:
		logger.Printf("Found %d downsampled MHD files in %s, expected one: %s",
			len(found), dir, strings.Join(found, ", "))
		return "", fmt.Errorf("%w in %s", ErrAmbiguousDownsampledFile, dir)
	}
}

// Resolver finds the voxel size of the sample held in a directory
type Resolver struct {
	// Prefix is the file name prefix of downsampled volumes
	Prefix string

	// Logger receives diagnostics; defaults to the standard logger
	Logger *log.Logger
}

// NewResolver creates a resolver for downsampled files starting with prefix
func NewResolver(prefix string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{Prefix: prefix, Logger: logger}
}

// VoxelSize returns the voxel size of the downsampled volume in dir.
// An empty dir means the current directory. A failed lookup is returned
// without a further message since FindDownsampledFile already reported it.
func (r *Resolver) VoxelSize(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}

	name, err := FindDownsampledFile(dir, r.Prefix, r.Logger)
	if err != nil {
		return "", err
	}

	size, err := ParseVoxelSize(name)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotSquare):
			r.Logger.Printf("Voxels are not square in %s", name)
		case errors.Is(err, ErrTokenCount):
			r.Logger.Printf("Did not find two voxel size tokens in %s", name)
		default:
			r.Logger.Printf("Can not find voxel size in %s", name)
		}
		return "", err
	}

	return size, nil
}
