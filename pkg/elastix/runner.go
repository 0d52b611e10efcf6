// Package elastix drives the elastix and transformix command line tools.
// The registration itself happens in those external binaries; this package
// prepares their inputs, runs them and collects the transform files they write.
package elastix

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"araregistration/internal/models"
	"araregistration/pkg/config"
	"araregistration/pkg/mhd"
)

const (
	// InverseDir is the sub-directory inverse transforms are written to
	InverseDir = "inverse"

	// NoInitialTransform terminates an elastix transform chain
	NoInitialTransform = "NoInitialTransform"

	inversionMetric = "DisplacementMagnitudePenalty"
)

// Runner executes the elastix binaries
type Runner struct {
	ElastixBinary     string
	TransformixBinary string

	// Threads is passed as -threads when positive
	Threads int

	// Timeout bounds each external call; zero means no limit
	Timeout time.Duration

	Logger *log.Logger
}

// NewRunner creates a runner from the elastix section of the settings
func NewRunner(cfg *config.Config, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		ElastixBinary:     cfg.Elastix.ElastixBinary,
		TransformixBinary: cfg.Elastix.TransformixBinary,
		Threads:           cfg.Elastix.Threads,
		Timeout:           time.Duration(cfg.Elastix.TimeoutMinutes) * time.Minute,
		Logger:            logger,
	}
}

// TargetFile is where the fixed volume is written for a registration into dir
func TargetFile(dir string) string {
	return filepath.Join(dir, filepath.Base(filepath.Clean(dir))+"_target.mhd")
}

// MovingFile is where the moving volume is written for a registration into dir
func MovingFile(dir string) string {
	return filepath.Join(dir, filepath.Base(filepath.Clean(dir))+"_moving.mhd")
}

func savedParamName(i int) string {
	return fmt.Sprintf("elastix_params_%d.txt", i)
}

func (r *Runner) run(ctx context.Context, bin string, args ...string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.Logger.Printf("Running %s %s", bin, strings.Join(args, " "))
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s failed after %s\n%s", bin, time.Since(start).Round(time.Second), tail(out.String(), 20))
	}
	r.Logger.Printf("%s finished in %s", filepath.Base(bin), time.Since(start).Round(time.Second))
	return nil
}

// tail returns the last n lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (r *Runner) threadArgs() []string {
	if r.Threads > 0 {
		return []string{"-threads", strconv.Itoa(r.Threads)}
	}
	return nil
}

// Register writes fixed and moving into outDir, keeps a copy of each
// parameter file there and runs elastix on them in order.
func (r *Runner) Register(ctx context.Context, fixed, moving *models.Volume, outDir string, paramFiles []string) error {
	if len(paramFiles) == 0 {
		return fmt.Errorf("no elastix parameter files given")
	}

	target, movingPath := TargetFile(outDir), MovingFile(outDir)
	if err := mhd.Write(target, fixed); err != nil {
		return fmt.Errorf("failed to write fixed image: %w", err)
	}
	if err := mhd.Write(movingPath, moving); err != nil {
		return fmt.Errorf("failed to write moving image: %w", err)
	}

	args := []string{"-f", target, "-m", movingPath, "-out", outDir}
	for i, pf := range paramFiles {
		params, err := ReadParameterFile(pf)
		if err != nil {
			return fmt.Errorf("failed to read parameter file: %w", err)
		}
		saved := filepath.Join(outDir, savedParamName(i))
		if err := params.WriteFile(saved); err != nil {
			return fmt.Errorf("failed to copy parameter file %s: %w", pf, err)
		}
		args = append(args, "-p", saved)
	}
	args = append(args, r.threadArgs()...)

	return r.run(ctx, r.ElastixBinary, args...)
}

// numberedFiles returns files named <prefix><N>.txt in dir ordered by N
func numberedFiles(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.txt"))
	if err != nil {
		return nil, err
	}

	index := map[string]int{}
	var files []string
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".txt"))
		if err != nil {
			continue
		}
		index[m] = n
		files = append(files, m)
	}
	sort.Slice(files, func(i, j int) bool { return index[files[i]] < index[files[j]] })
	return files, nil
}

// TransformFiles returns the TransformParameters.<N>.txt files elastix wrote to dir
func TransformFiles(dir string) ([]string, error) {
	return numberedFiles(dir, "TransformParameters.")
}

// SavedParameterFiles returns the parameter files Register copied into dir
func SavedParameterFiles(dir string) ([]string, error) {
	return numberedFiles(dir, "elastix_params_")
}

// InvertTransform computes the inverse of the transform elastix wrote to dir.
// elastix is run with the target image as both fixed and moving image,
// initialised with the forward transform and driven by a displacement
// magnitude penalty, so the result composed with the forward transform is
// the identity. The chain is then cut from the forward transform.
func (r *Runner) InvertTransform(ctx context.Context, dir string) (*models.InvertedTransform, error) {
	forward, err := TransformFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(forward) == 0 {
		return nil, fmt.Errorf("no transform parameter files found in %s", dir)
	}

	paramFiles, err := SavedParameterFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paramFiles) == 0 {
		return nil, fmt.Errorf("no saved elastix parameter files found in %s", dir)
	}

	target := TargetFile(dir)
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("target image needed for inversion: %w", err)
	}

	invDir := filepath.Join(dir, InverseDir)
	if err := os.MkdirAll(invDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", invDir, err)
	}

	args := []string{"-f", target, "-m", target, "-t0", forward[len(forward)-1], "-out", invDir}
	for i, pf := range paramFiles {
		params, err := ReadParameterFile(pf)
		if err != nil {
			return nil, err
		}
		params.SetString("Metric", inversionMetric)
		params.SetString("WriteResultImage", "false")
		out := filepath.Join(invDir, fmt.Sprintf("inverse_params_%d.txt", i))
		if err := params.WriteFile(out); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", out, err)
		}
		args = append(args, "-p", out)
	}
	args = append(args, r.threadArgs()...)

	if err := r.run(ctx, r.ElastixBinary, args...); err != nil {
		return nil, err
	}

	inverse, err := TransformFiles(invDir)
	if err != nil {
		return nil, err
	}
	if len(inverse) == 0 {
		return nil, fmt.Errorf("elastix wrote no inverse transform to %s", invDir)
	}

	first, err := ReadParameterFile(inverse[0])
	if err != nil {
		return nil, err
	}
	first.SetString("InitialTransformParametersFileName", NoInitialTransform)
	if err := first.WriteFile(inverse[0]); err != nil {
		return nil, fmt.Errorf("failed to rewrite %s: %w", inverse[0], err)
	}

	return &models.InvertedTransform{
		SourceDir:      dir,
		SampleDir:      filepath.Dir(filepath.Clean(dir)),
		OutputDir:      invDir,
		TransformFiles: inverse,
		Created:        time.Now(),
	}, nil
}

// TransformPoints runs transformix on an elastix point set file. The mapped
// points end up in <outDir>/outputpoints.txt.
func (r *Runner) TransformPoints(ctx context.Context, transformFile, pointsFile, outDir string) error {
	args := []string{"-def", pointsFile, "-tp", transformFile, "-out", outDir}
	args = append(args, r.threadArgs()...)
	return r.run(ctx, r.TransformixBinary, args...)
}
