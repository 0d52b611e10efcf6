// Package sparse maps point annotations exported in sample space into atlas
// space using an inverted sample to atlas transform.
package sparse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"araregistration/internal/models"
	"araregistration/pkg/config"
	"araregistration/pkg/elastix"
)

// PointTransformer runs transformix on an elastix point set file
type PointTransformer interface {
	TransformPoints(ctx context.Context, transformFile, pointsFile, outDir string) error
}

// Row is one exported point together with any trailing columns
type Row struct {
	Point elastix.Point
	Extra []string
}

// ReadPoints reads x,y,z rows from a CSV file. A first row that is not
// numeric is treated as a header and returned separately.
func ReadPoints(r io.Reader) (header []string, rows []Row, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		var row Row
		var parseErr error
		for i := 0; i < 3 && i < len(rec); i++ {
			row.Point[i], parseErr = strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if parseErr != nil {
				break
			}
		}
		if parseErr != nil {
			if line == 1 {
				header = rec
				continue
			}
			return nil, nil, fmt.Errorf("line %d: %w", line, parseErr)
		}
		if len(rec) < 3 {
			return nil, nil, fmt.Errorf("line %d: expected at least 3 columns, got %d", line, len(rec))
		}
		row.Extra = append([]string(nil), rec[3:]...)
		rows = append(rows, row)
	}
	return header, rows, nil
}

// WritePoints writes rows in the layout ReadPoints accepts
func WritePoints(w io.Writer, header []string, rows []Row) error {
	cw := csv.NewWriter(w)
	if header != nil {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatFloat(r.Point[0], 'f', -1, 64),
			strconv.FormatFloat(r.Point[1], 'f', -1, 64),
			strconv.FormatFloat(r.Point[2], 'f', -1, 64),
		}
		if err := cw.Write(append(rec, r.Extra...)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Inverter applies an inverted transform to every exported sparse point file
type Inverter struct {
	// SparsePointsDir is the directory name exported points live in, both
	// under the sample directory and under the registration directory
	SparsePointsDir string

	Transformer PointTransformer
	Logger      *log.Logger
}

// NewInverter creates an inverter using the configured sparse points directory
func NewInverter(cfg *config.Config, transformer PointTransformer, logger *log.Logger) *Inverter {
	if logger == nil {
		logger = log.Default()
	}
	return &Inverter{
		SparsePointsDir: cfg.Paths.SparsePointsDir,
		Transformer:     transformer,
		Logger:          logger,
	}
}

// InvertExportedSparseFiles transforms every CSV file in the sample's sparse
// points directory into atlas space, writing the results under the
// registration directory the transform was inverted from. A sample with no
// exported points is not an error.
func (inv *Inverter) InvertExportedSparseFiles(ctx context.Context, rec *models.InvertedTransform) error {
	if rec == nil || rec.FinalTransform() == "" {
		return fmt.Errorf("inverted transform has no transform files")
	}

	srcDir := filepath.Join(rec.SampleDir, inv.SparsePointsDir)
	files, err := filepath.Glob(filepath.Join(srcDir, "*.csv"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		inv.Logger.Printf("No exported sparse point files in %s", srcDir)
		return nil
	}
	sort.Strings(files)

	outDir := filepath.Join(rec.SourceDir, inv.SparsePointsDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	var errs []error
	for _, f := range files {
		if err := inv.invertFile(ctx, rec.FinalTransform(), f, outDir); err != nil {
			inv.Logger.Printf("Warning: Failed to transform %s: %v", f, err)
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(f), err))
			continue
		}
		inv.Logger.Printf("Transformed %s into atlas space", filepath.Base(f))
	}
	return errors.Join(errs...)
}

func (inv *Inverter) invertFile(ctx context.Context, transform, src, outDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	header, rows, err := ReadPoints(f)
	f.Close()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		inv.Logger.Printf("Skipping %s: no points", filepath.Base(src))
		return nil
	}

	work, err := os.MkdirTemp(outDir, ".transformix-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	pts := make([]elastix.Point, len(rows))
	for i, r := range rows {
		pts[i] = r.Point
	}
	pointsFile := filepath.Join(work, "points.txt")
	if err := elastix.WritePointSet(pointsFile, pts); err != nil {
		return err
	}

	if err := inv.Transformer.TransformPoints(ctx, transform, pointsFile, work); err != nil {
		return err
	}

	mapped, err := elastix.ReadOutputPoints(filepath.Join(work, "outputpoints.txt"))
	if err != nil {
		return err
	}
	if len(mapped) != len(rows) {
		return fmt.Errorf("transformix returned %d points for %d inputs", len(mapped), len(rows))
	}
	for i := range rows {
		rows[i].Point = mapped[i]
	}

	out, err := os.Create(filepath.Join(outDir, filepath.Base(src)))
	if err != nil {
		return err
	}
	if err := WritePoints(out, header, rows); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
