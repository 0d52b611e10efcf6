package sparse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"araregistration/internal/models"
	"araregistration/internal/testutil"
	"araregistration/pkg/config"
	"araregistration/pkg/elastix"
)

// doublingTransformer writes outputpoints.txt with every coordinate doubled
type doublingTransformer struct {
	calls      int
	transforms []string
	fail       bool
}

func (d *doublingTransformer) TransformPoints(ctx context.Context, transformFile, pointsFile, outDir string) error {
	d.calls++
	d.transforms = append(d.transforms, transformFile)
	if d.fail {
		return fmt.Errorf("transformix exploded")
	}

	f, err := os.Open(pointsFile)
	if err != nil {
		return err
	}
	defer f.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	for line := 0; scanner.Scan(); line++ {
		if line < 2 {
			continue
		}
		var x, y, z float64
		if _, err := fmt.Sscan(scanner.Text(), &x, &y, &z); err != nil {
			return err
		}
		fmt.Fprintf(&out, "Point\t%d\t; InputPoint = [ %g %g %g ]\t; OutputPoint = [ %g %g %g ]\n",
			line-2, x, y, z, 2*x, 2*y, 2*z)
	}
	return os.WriteFile(filepath.Join(outDir, "outputpoints.txt"), []byte(out.String()), 0644)
}

func TestReadPoints(t *testing.T) {
	in := "x,y,z,label\n1,2,3,cell\n\n4.5, 5, 6,axon\n"
	header, rows, err := ReadPoints(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Failed to read points: %v", err)
	}
	if !reflect.DeepEqual(header, []string{"x", "y", "z", "label"}) {
		t.Errorf("Unexpected header %v", header)
	}
	want := []Row{
		{Point: elastix.Point{1, 2, 3}, Extra: []string{"cell"}},
		{Point: elastix.Point{4.5, 5, 6}, Extra: []string{"axon"}},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Expected %v, got %v", want, rows)
	}

	var buf bytes.Buffer
	if err := WritePoints(&buf, header, rows); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "x,y,z,label\n1,2,3,cell\n4.5,5,6,axon\n" {
		t.Errorf("Unexpected CSV output %q", buf.String())
	}
}

func TestReadPointsShortHeader(t *testing.T) {
	header, rows, err := ReadPoints(strings.NewReader("x,y\n1,2,3\n"))
	if err != nil {
		t.Fatalf("A short non-numeric first row should be a header: %v", err)
	}
	if !reflect.DeepEqual(header, []string{"x", "y"}) {
		t.Errorf("Unexpected header %v", header)
	}
	if len(rows) != 1 || rows[0].Point != (elastix.Point{1, 2, 3}) {
		t.Errorf("Unexpected rows %v", rows)
	}
}

func TestReadPointsErrors(t *testing.T) {
	for _, in := range []string{"1,2\n", "1,2,3\nx,y,z\n", "x,y\n1,2\n"} {
		if _, _, err := ReadPoints(strings.NewReader(in)); err == nil {
			t.Errorf("Expected an error for %q", in)
		}
	}
}

// setupSample creates <root>/sparsePoints with the given files and a
// registration directory <root>/sample2ARA
func setupSample(t *testing.T, files map[string]string) (*models.InvertedTransform, string) {
	t.Helper()
	root := t.TempDir()
	sparseDir := filepath.Join(root, "sparsePoints")
	if err := os.MkdirAll(sparseDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(sparseDir, name), []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
	regDir := filepath.Join(root, "sample2ARA")
	rec := &models.InvertedTransform{
		SourceDir:      regDir,
		SampleDir:      root,
		OutputDir:      filepath.Join(regDir, "inverse"),
		TransformFiles: []string{"inv.0.txt", "inv.1.txt"},
	}
	return rec, regDir
}

func TestInvertExportedSparseFiles(t *testing.T) {
	rec, regDir := setupSample(t, map[string]string{
		"neurons.csv": "x,y,z\n1,2,3\n10,20,30\n",
		"empty.csv":   "x,y,z\n",
		"notes.txt":   "ignored",
	})

	tr := &doublingTransformer{}
	inv := NewInverter(config.DefaultConfig(), tr, log.New(io.Discard, "", 0))
	if err := inv.InvertExportedSparseFiles(context.Background(), rec); err != nil {
		t.Fatalf("InvertExportedSparseFiles failed: %v", err)
	}

	if tr.calls != 1 {
		t.Errorf("Expected transformix to run once, ran %d times", tr.calls)
	}
	if tr.transforms[0] != "inv.1.txt" {
		t.Errorf("Expected the final inverse transform, got %q", tr.transforms[0])
	}

	data, err := os.ReadFile(filepath.Join(regDir, "sparsePoints", "neurons.csv"))
	if err != nil {
		t.Fatalf("Transformed file missing: %v", err)
	}
	if string(data) != "x,y,z\n2,4,6\n20,40,60\n" {
		t.Errorf("Unexpected transformed points %q", data)
	}

	leftovers, _ := filepath.Glob(filepath.Join(regDir, "sparsePoints", ".transformix-*"))
	if len(leftovers) != 0 {
		t.Errorf("Work directories were not removed: %v", leftovers)
	}
}

func TestInvertExportedSparseFilesNothingExported(t *testing.T) {
	rec := &models.InvertedTransform{SampleDir: t.TempDir(), TransformFiles: []string{"inv.txt"}}
	var buf bytes.Buffer
	tr := &doublingTransformer{}
	inv := NewInverter(config.DefaultConfig(), tr, log.New(&buf, "", 0))

	if err := inv.InvertExportedSparseFiles(context.Background(), rec); err != nil {
		t.Fatalf("Expected no error without exported points, got %v", err)
	}
	if tr.calls != 0 {
		t.Error("transformix should not run without exported points")
	}
	if !strings.Contains(buf.String(), "No exported sparse point files") {
		t.Errorf("Expected a diagnostic, got %q", buf.String())
	}
}

func TestInvertExportedSparseFilesErrors(t *testing.T) {
	inv := NewInverter(config.DefaultConfig(), &doublingTransformer{}, log.New(io.Discard, "", 0))
	if err := inv.InvertExportedSparseFiles(context.Background(), &models.InvertedTransform{}); err == nil {
		t.Error("Expected an error for a record without transform files")
	}

	rec, _ := setupSample(t, map[string]string{"a.csv": "1,2,3\n", "b.csv": "4,5,6\n"})
	tr := &doublingTransformer{fail: true}
	inv.Transformer = tr
	err := inv.InvertExportedSparseFiles(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "a.csv") || !strings.Contains(err.Error(), "b.csv") {
		t.Errorf("Expected both failures to be reported, got %v", err)
	}
	if tr.calls != 2 {
		t.Errorf("A failing file should not stop the others, got %d calls", tr.calls)
	}
}

func TestInvertWithFakeTransformix(t *testing.T) {
	elastixBin, transformixBin := testutil.FakeTools(t)
	cfg := config.DefaultConfig()
	cfg.Elastix.ElastixBinary = elastixBin
	cfg.Elastix.TransformixBinary = transformixBin
	logger := log.New(io.Discard, "", 0)

	rec, regDir := setupSample(t, map[string]string{"cells.csv": "0,0,0\n1.5,2,3\n"})
	inv := NewInverter(cfg, elastix.NewRunner(cfg, logger), logger)
	if err := inv.InvertExportedSparseFiles(context.Background(), rec); err != nil {
		t.Fatalf("InvertExportedSparseFiles failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(regDir, "sparsePoints", "cells.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1,1,1\n2.5,3,4\n" {
		t.Errorf("Unexpected transformed points %q", data)
	}
}
