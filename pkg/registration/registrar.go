// Package registration aligns a downsampled sample volume with the Allen
// Reference Atlas in both directions using elastix, then optionally inverts
// the sample to atlas transform and maps exported sparse points with it.
package registration

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"araregistration/internal/models"
	"araregistration/pkg/atlas"
	"araregistration/pkg/config"
	"araregistration/pkg/elastix"
	"araregistration/pkg/mhd"
	"araregistration/pkg/sparse"
	"araregistration/pkg/visualization"
	"araregistration/pkg/voxelsize"
)

// Options selects what a registration run does. The zero value does
// nothing; use DefaultOptions for the usual both-directions run.
type Options struct {
	// DownsampleDir is the directory holding the downsampled sample volume.
	// Empty means the configured default.
	DownsampleDir string

	// ARA2Sample registers the atlas to the sample
	ARA2Sample bool

	// Sample2ARA registers the sample to the atlas
	Sample2ARA bool

	// SuppressInvertSample2ARA skips inverting the sample to atlas transform
	SuppressInvertSample2ARA bool

	// ElastixParams is the ordered list of elastix parameter files
	ElastixParams []string
}

// DefaultOptions returns options for both directions with inversion, using
// the configured directory and parameter files
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		DownsampleDir: cfg.Paths.DownsampleDir,
		ARA2Sample:    true,
		Sample2ARA:    true,
		ElastixParams: append([]string(nil), cfg.Registration.ElastixParams...),
	}
}

// invertSample2ARA is true unless sample to atlas registration was requested
// together with suppression. It is only consulted inside the sample to
// atlas branch.
func (o Options) invertSample2ARA() bool {
	return !(o.Sample2ARA && o.SuppressInvertSample2ARA)
}

// VolumeReader loads a volume from disk
type VolumeReader interface {
	Read(path string) (*models.Volume, error)
}

// VolumeReaderFunc adapts a function to VolumeReader
type VolumeReaderFunc func(path string) (*models.Volume, error)

func (f VolumeReaderFunc) Read(path string) (*models.Volume, error) {
	return f(path)
}

// Engine performs registrations and transform inversions
type Engine interface {
	Register(ctx context.Context, fixed, moving *models.Volume, outDir string, paramFiles []string) error
	InvertTransform(ctx context.Context, dir string) (*models.InvertedTransform, error)
}

// SparseInverter maps exported sparse points with an inverted transform
type SparseInverter interface {
	InvertExportedSparseFiles(ctx context.Context, rec *models.InvertedTransform) error
}

// TemplateResolver finds the atlas template for a sample file name
type TemplateResolver interface {
	TemplateFor(sampleFile string) (string, error)
}

// Deps are the collaborators a Registrar drives
type Deps struct {
	Reader    VolumeReader
	Engine    Engine
	Sparse    SparseInverter
	Templates TemplateResolver
	Logger    *log.Logger
}

// DefaultDeps wires the MetaImage reader, the elastix command line tools,
// the sparse point inverter and the atlas resolver
func DefaultDeps(cfg *config.Config, logger *log.Logger) Deps {
	if logger == nil {
		logger = log.Default()
	}
	runner := elastix.NewRunner(cfg, logger)
	return Deps{
		Reader:    VolumeReaderFunc(mhd.Read),
		Engine:    runner,
		Sparse:    sparse.NewInverter(cfg, runner, logger),
		Templates: atlas.NewResolver(cfg, logger),
		Logger:    logger,
	}
}

// DirectionResult records what happened to one requested direction
type DirectionResult struct {
	Direction models.Direction
	OutputDir string

	// Completed is set once elastix finished for this direction
	Completed bool

	// Inverted is set once the transform was inverted and persisted
	Inverted bool

	// Err is set when the direction was skipped or failed
	Err error

	// Similarity of the result to the fixed image, set when QC images were saved
	Similarity *visualization.Similarity

	Duration time.Duration
}

// Report summarises a registration run
type Report struct {
	SampleFile   string
	TemplateFile string
	Directions   []DirectionResult

	// InvertedTransformFile is the persisted inverted transform record, if any
	InvertedTransformFile string
}

// Partial reports whether a requested direction was skipped
func (r *Report) Partial() bool {
	if r == nil {
		return false
	}
	for _, d := range r.Directions {
		if d.Err != nil && SeverityOf(d.Err) == SeverityDirection {
			return true
		}
	}
	return false
}

// Registrar runs the registration sequence for one sample
type Registrar struct {
	cfg  *config.Config
	opts Options
	deps Deps
	log  *log.Logger
}

// NewRegistrar creates a registrar. Missing collaborators in deps are
// filled from DefaultDeps.
func NewRegistrar(cfg *config.Config, opts Options, deps Deps) *Registrar {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	def := DefaultDeps(cfg, deps.Logger)
	if deps.Reader == nil {
		deps.Reader = def.Reader
	}
	if deps.Engine == nil {
		deps.Engine = def.Engine
	}
	if deps.Sparse == nil {
		deps.Sparse = def.Sparse
	}
	if deps.Templates == nil {
		deps.Templates = def.Templates
	}
	if opts.DownsampleDir == "" {
		opts.DownsampleDir = cfg.Paths.DownsampleDir
	}

	return &Registrar{
		cfg:  cfg,
		opts: opts,
		deps: deps,
		log:  deps.Logger,
	}
}

func (r *Registrar) fail(sev Severity, code Code, err error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if sev != SeveritySkip {
		r.log.Println(msg)
	}
	return &Error{Severity: sev, Code: code, Msg: msg, Err: err}
}

// validate runs the precondition checks in order and returns the sample
// and template paths
func (r *Registrar) validate() (samplePath, templatePath string, err error) {
	dir := r.opts.DownsampleDir

	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return "", "", r.fail(SeverityAbort, CodeDownsampleDirMissing, statErr,
			"Can not find downsample directory %s", dir)
	}

	if len(r.opts.ElastixParams) == 0 {
		return "", "", r.fail(SeverityFatal, CodeParamFileMissing, nil,
			"No elastix parameter files given")
	}
	for _, p := range r.opts.ElastixParams {
		if info, statErr := os.Stat(p); statErr != nil || info.IsDir() {
			return "", "", r.fail(SeverityFatal, CodeParamFileMissing, statErr,
				"Can not find elastix parameter file %s", p)
		}
	}

	sampleName, lookupErr := voxelsize.FindDownsampledFile(dir, r.cfg.Paths.DownsamplePrefix, r.log)
	if lookupErr != nil {
		return "", "", r.fail(SeveritySkip, CodeSampleNotResolved, lookupErr,
			"No downsampled sample file in %s", dir)
	}

	samplePath = filepath.Join(dir, sampleName)
	if _, statErr := os.Stat(samplePath); statErr != nil {
		return "", "", r.fail(SeverityAbort, CodeSampleMissing, statErr,
			"Can not find sample file %s", samplePath)
	}

	templatePath, resolveErr := r.deps.Templates.TemplateFor(sampleName)
	if resolveErr != nil {
		return "", "", r.fail(SeverityAbort, CodeTemplateNotResolved, resolveErr,
			"Can not find atlas template for %s", sampleName)
	}

	return samplePath, templatePath, nil
}

// Process runs the registration sequence. The returned report describes
// whatever ran, also when an error is returned.
func (r *Registrar) Process(ctx context.Context) (*Report, error) {
	report := &Report{}

	samplePath, templatePath, err := r.validate()
	if err != nil {
		return report, err
	}
	report.SampleFile, report.TemplateFile = samplePath, templatePath
	invert := r.opts.invertSample2ARA()

	r.log.Println("Step 1: Loading volumes...")
	template, err := r.load("template", templatePath)
	if err != nil {
		return report, err
	}
	sample, err := r.load("sample", samplePath)
	if err != nil {
		return report, err
	}

	if r.opts.ARA2Sample {
		r.log.Println("Step 2: Registering ARA to sample...")
		dir := filepath.Join(r.opts.DownsampleDir, r.cfg.Paths.ARA2SampleDir)
		res, err := r.runDirection(ctx, models.ARA2Sample, dir, template, sample, false)
		report.Directions = append(report.Directions, res)
		if err != nil {
			return report, err
		}
	}

	if r.opts.Sample2ARA {
		r.log.Println("Step 3: Registering sample to ARA...")
		dir := filepath.Join(r.opts.DownsampleDir, r.cfg.Paths.Sample2ARADir)
		res, err := r.runDirection(ctx, models.Sample2ARA, dir, sample, template, invert)
		if res.Inverted {
			report.InvertedTransformFile = filepath.Join(dir, r.cfg.Registration.InvertedTransformFile)
		}
		report.Directions = append(report.Directions, res)
		if err != nil {
			return report, err
		}
	}

	return report, nil
}

func (r *Registrar) load(what, path string) (*models.Volume, error) {
	r.log.Printf("Loading %s %s", what, path)
	vol, err := r.deps.Reader.Read(path)
	if err != nil {
		return nil, r.fail(SeverityFatal, CodeLoadFailed, err, "Failed to load %s %s", what, path)
	}
	if r.cfg.Output.Verbose {
		r.log.Printf("%s: %dx%dx%d voxels, %s", what, vol.Width, vol.Height, vol.Depth, mhd.Summarize(vol))
	}
	return vol, nil
}

// runDirection registers moving to fixed into dir. A directory that can not
// be created skips only this direction: the returned result carries the
// error but the returned error is nil so the caller carries on.
func (r *Registrar) runDirection(ctx context.Context, d models.Direction, dir string, fixed, moving *models.Volume, invert bool) (res DirectionResult, err error) {
	res = DirectionResult{Direction: d, OutputDir: dir}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if err := os.MkdirAll(dir, 0755); err != nil {
		res.Err = r.fail(SeverityDirection, CodeOutputDir, err,
			"Failed to make directory %s. Not conducting %s registration", dir, d)
		return res, nil
	}

	if err := r.deps.Engine.Register(ctx, fixed, moving, dir, r.opts.ElastixParams); err != nil {
		res.Err = r.fail(SeverityFatal, CodeRegistrationFailed, err, "%s registration failed", d)
		return res, res.Err
	}
	res.Completed = true

	if d == models.Sample2ARA && invert {
		r.log.Println("Inverting sample to ARA transform...")
		rec, err := r.deps.Engine.InvertTransform(ctx, dir)
		if err != nil {
			res.Err = r.fail(SeverityFatal, CodeInversionFailed, err, "Failed to invert %s transform", d)
			return res, res.Err
		}

		recFile := filepath.Join(dir, r.cfg.Registration.InvertedTransformFile)
		if err := elastix.SaveInvertedTransform(recFile, rec); err != nil {
			res.Err = r.fail(SeverityFatal, CodeInversionFailed, err, "Failed to save inverted transform")
			return res, res.Err
		}
		res.Inverted = true
		r.log.Printf("Saved inverted transform to %s", recFile)

		if err := r.deps.Sparse.InvertExportedSparseFiles(ctx, rec); err != nil {
			res.Err = r.fail(SeverityFatal, CodeSparsePointsFailed, err, "Failed to transform exported sparse points")
			return res, res.Err
		}
	}

	if r.cfg.Output.SaveQCImages {
		res.Similarity = r.saveQC(dir, d, fixed)
	}

	if r.cfg.Registration.RemoveMovingAndTargetFiles {
		r.cleanup(dir)
	}

	return res, nil
}

// cleanup deletes the copies of the fixed and moving volumes written for elastix
func (r *Registrar) cleanup(dir string) {
	base := filepath.Base(filepath.Clean(dir))
	for _, pattern := range []string{base + "_moving*", base + "_target*"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				r.log.Printf("Warning: Failed to remove %s: %v", m, err)
			}
		}
	}
}

// saveQC writes middle slices of the final result image and compares it
// with the fixed image. QC problems are logged, never returned.
func (r *Registrar) saveQC(dir string, d models.Direction, fixed *models.Volume) *visualization.Similarity {
	result, err := visualization.LatestResult(dir)
	if err != nil {
		r.log.Printf("Warning: No QC images for %s: %v", d, err)
		return nil
	}
	vol, err := r.deps.Reader.Read(result)
	if err != nil {
		r.log.Printf("Warning: Failed to load %s for QC: %v", result, err)
		return nil
	}
	files, err := visualization.NewViewer(vol).SaveMiddleSlices(filepath.Join(dir, "qc"), d.String())
	if err != nil {
		r.log.Printf("Warning: Failed to save QC images for %s: %v", d, err)
		return nil
	}
	r.log.Printf("Saved %d QC images for %s", len(files), d)

	sim, err := visualization.Compare(fixed, vol)
	if err != nil {
		r.log.Printf("Warning: Can not compare %s result with the fixed image: %v", d, err)
		return nil
	}
	r.log.Printf("%s result vs fixed image: %s", d, sim)
	return &sim
}
