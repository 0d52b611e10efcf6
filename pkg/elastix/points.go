package elastix

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Point is a location in physical (world) coordinates
type Point [3]float64

// WritePointSet writes pts in the elastix "point" input format
func WritePointSet(path string, pts []Point) error {
	var b strings.Builder
	fmt.Fprintf(&b, "point\n%d\n", len(pts))
	for _, p := range pts {
		fmt.Fprintf(&b, "%g %g %g\n", p[0], p[1], p[2])
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

var outputPointPattern = regexp.MustCompile(`OutputPoint\s*=\s*\[\s*([^\]]+)\]`)

// ReadOutputPoints parses the OutputPoint column of a transformix outputpoints.txt
func ReadOutputPoints(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pts []Point
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		m := outputPointPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		fields := strings.Fields(m[1])
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s line %d: expected 3 coordinates, got %d", path, lineNo, len(fields))
		}
		var p Point
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, lineNo, err)
			}
			p[i] = v
		}
		pts = append(pts, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pts, nil
}
