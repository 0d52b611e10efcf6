package elastix

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"araregistration/internal/models"
	"araregistration/internal/testutil"
	"araregistration/pkg/config"
)

const sampleParams = `// Affine registration
(FixedInternalImagePixelType "float")
(Transform "AffineTransform") // inline comment
(NumberOfResolutions 4)
(ImagePyramidSchedule 8 8 8 4 4 4 2 2 2 1 1 1)
(ResultImageFormat "mhd")
(Metric "AdvancedMattesMutualInformation")
(Comment "a // not a comment")
`

func TestParseParameters(t *testing.T) {
	p, err := ParseParameters(strings.NewReader(sampleParams))
	if err != nil {
		t.Fatalf("Failed to parse parameters: %v", err)
	}

	if got := p.GetString("Transform"); got != "AffineTransform" {
		t.Errorf("Expected AffineTransform, got %q", got)
	}
	if v, _ := p.Get("ImagePyramidSchedule"); len(v) != 12 {
		t.Errorf("Expected 12 schedule values, got %d", len(v))
	}
	if got := p.GetString("Comment"); got != "a // not a comment" {
		t.Errorf("Quoted comment marker was stripped: %q", got)
	}
	wantKeys := []string{"FixedInternalImagePixelType", "Transform", "NumberOfResolutions",
		"ImagePyramidSchedule", "ResultImageFormat", "Metric", "Comment"}
	if !reflect.DeepEqual(p.Keys(), wantKeys) {
		t.Errorf("Unexpected key order %v", p.Keys())
	}
}

func TestParseParametersMalformed(t *testing.T) {
	for _, in := range []string{"Transform \"Affine\"\n", "()\n", "(Transform \"Affine\"\n"} {
		if _, err := ParseParameters(strings.NewReader(in)); err == nil {
			t.Errorf("Expected an error for %q", in)
		}
	}
}

func TestParametersRewrite(t *testing.T) {
	p, err := ParseParameters(strings.NewReader(sampleParams))
	if err != nil {
		t.Fatal(err)
	}
	p.SetString("Metric", "DisplacementMagnitudePenalty")
	p.Set("MaximumNumberOfIterations", "500")

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("Failed to write parameters: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `(Metric "DisplacementMagnitudePenalty")`) {
		t.Errorf("Metric was not replaced:\n%s", out)
	}
	if !strings.HasSuffix(out, "(MaximumNumberOfIterations 500)\n") {
		t.Errorf("New key should be appended last:\n%s", out)
	}

	again, err := ParseParameters(&buf)
	if err != nil {
		t.Fatalf("Failed to reparse written parameters: %v", err)
	}
	if !reflect.DeepEqual(again.Keys(), p.Keys()) {
		t.Errorf("Keys changed across rewrite: %v vs %v", again.Keys(), p.Keys())
	}
}

func TestTransformFilesOrdering(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"TransformParameters.10.txt", "TransformParameters.2.txt",
		"TransformParameters.0.txt", "TransformParameters.x.txt", "IterationInfo.0.R0.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := TransformFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	want := []string{"TransformParameters.0.txt", "TransformParameters.2.txt", "TransformParameters.10.txt"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Expected %v, got %v", want, names)
	}
}

func TestPointsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "points.txt")
	if err := WritePointSet(in, []Point{{1, 2, 3}, {4.5, 5, 6}}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(in)
	if !strings.HasPrefix(string(data), "point\n2\n1 2 3\n") {
		t.Errorf("Unexpected point set file:\n%s", data)
	}

	out := filepath.Join(dir, "outputpoints.txt")
	contents := "Point\t0\t; InputIndex = [ 1 2 3 ]\t; InputPoint = [ 1.0 2.0 3.0 ]\t; OutputIndexFixed = [ 1 1 1 ]\t; OutputPoint = [ 1.5 2.5 3.5 ]\t; Deformation = [ 0.5 0.5 0.5 ]\n" +
		"Point\t1\t; InputIndex = [ 4 5 6 ]\t; InputPoint = [ 4.5 5 6 ]\t; OutputIndexFixed = [ 1 1 1 ]\t; OutputPoint = [ -1 0 7 ]\t; Deformation = [ 0 0 0 ]\n"
	if err := os.WriteFile(out, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	pts, err := ReadOutputPoints(out)
	if err != nil {
		t.Fatalf("Failed to read output points: %v", err)
	}
	want := []Point{{1.5, 2.5, 3.5}, {-1, 0, 7}}
	if !reflect.DeepEqual(pts, want) {
		t.Errorf("Expected %v, got %v", want, pts)
	}
}

func TestInvertedTransformRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invertedTransform.yml")
	rec := &models.InvertedTransform{
		SourceDir:      "/data/sample2ARA",
		SampleDir:      "/data",
		OutputDir:      "/data/sample2ARA/inverse",
		TransformFiles: []string{"a.txt", "b.txt"},
		Created:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := SaveInvertedTransform(path, rec); err != nil {
		t.Fatal(err)
	}
	got, err := LoadInvertedTransform(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("Round trip mismatch: %+v vs %+v", got, rec)
	}
	if got.FinalTransform() != "b.txt" {
		t.Errorf("Expected final transform b.txt, got %q", got.FinalTransform())
	}
}

func smallVolume() *models.Volume {
	vol := &models.Volume{Width: 2, Height: 2, Depth: 2, ElementType: models.MetUShort}
	vol.Data = []float64{0, 1, 2, 3, 4, 5, 6, 7}
	return vol
}

func newTestRunner(t *testing.T) (*Runner, string) {
	elastixBin, transformixBin := testutil.FakeTools(t)
	cfg := config.DefaultConfig()
	cfg.Elastix.ElastixBinary = elastixBin
	cfg.Elastix.TransformixBinary = transformixBin
	cfg.Elastix.Threads = 2
	return NewRunner(cfg, log.New(io.Discard, "", 0)), elastixBin
}

func TestRegisterAndInvert(t *testing.T) {
	r, elastixBin := newTestRunner(t)
	dir := t.TempDir()
	outDir := filepath.Join(dir, "sample2ARA")
	if err := os.Mkdir(outDir, 0755); err != nil {
		t.Fatal(err)
	}
	affine := filepath.Join(dir, "affine.txt")
	bspline := filepath.Join(dir, "bspline.txt")
	testutil.WriteParamFile(t, affine, "AffineTransform")
	testutil.WriteParamFile(t, bspline, "BSplineTransform")

	ctx := context.Background()
	if err := r.Register(ctx, smallVolume(), smallVolume(), outDir, []string{affine, bspline}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, name := range []string{"sample2ARA_target.mhd", "sample2ARA_moving.raw", "elastix_params_0.txt", "elastix_params_1.txt"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("Expected %s in output dir: %v", name, err)
		}
	}
	calls := testutil.Calls(t, elastixBin)
	if !strings.Contains(calls, "-threads 2") || !strings.Contains(calls, "elastix_params_1.txt") {
		t.Errorf("Unexpected elastix invocation: %s", calls)
	}

	rec, err := r.InvertTransform(ctx, outDir)
	if err != nil {
		t.Fatalf("InvertTransform failed: %v", err)
	}
	if rec.SampleDir != dir || rec.OutputDir != filepath.Join(outDir, InverseDir) {
		t.Errorf("Unexpected record directories: %+v", rec)
	}
	if len(rec.TransformFiles) != 2 {
		t.Fatalf("Expected 2 inverse transform files, got %v", rec.TransformFiles)
	}
	first, err := ReadParameterFile(rec.TransformFiles[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := first.GetString("InitialTransformParametersFileName"); got != NoInitialTransform {
		t.Errorf("Inverse chain should start from %s, got %q", NoInitialTransform, got)
	}

	invParams, err := ReadParameterFile(filepath.Join(rec.OutputDir, "inverse_params_0.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := invParams.GetString("Metric"); got != "DisplacementMagnitudePenalty" {
		t.Errorf("Inversion should use the displacement penalty, got %q", got)
	}
	if !strings.Contains(testutil.Calls(t, elastixBin), "-t0 "+filepath.Join(outDir, "TransformParameters.1.txt")) {
		t.Error("Inversion should be initialised with the last forward transform")
	}
}

func TestInvertTransformWithoutRegistration(t *testing.T) {
	r, _ := newTestRunner(t)
	if _, err := r.InvertTransform(context.Background(), t.TempDir()); err == nil {
		t.Error("Expected an error when no transform exists")
	}
}

func TestRunFailureIncludesOutput(t *testing.T) {
	r, _ := newTestRunner(t)
	t.Setenv("FAKE_ELASTIX_FAIL", "1")

	dir := t.TempDir()
	pf := filepath.Join(dir, "p.txt")
	testutil.WriteParamFile(t, pf, "AffineTransform")
	err := r.Register(context.Background(), smallVolume(), smallVolume(), dir, []string{pf})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected elastix output in error, got %v", err)
	}
}

func TestTransformPoints(t *testing.T) {
	r, _ := newTestRunner(t)
	dir := t.TempDir()
	pointsFile := filepath.Join(dir, "points.txt")
	if err := WritePointSet(pointsFile, []Point{{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	if err := r.TransformPoints(context.Background(), "inverse.txt", pointsFile, dir); err != nil {
		t.Fatalf("TransformPoints failed: %v", err)
	}
	pts, err := ReadOutputPoints(filepath.Join(dir, "outputpoints.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 1 || pts[0] != (Point{2, 3, 4}) {
		t.Errorf("Unexpected transformed points %v", pts)
	}
}
