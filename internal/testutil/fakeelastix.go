// Package testutil holds helpers shared by package tests that need the
// elastix command line tools without having them installed.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// fakeElastix mimics the files elastix writes: two chained transform
// parameter files in the -out directory. When -t0 is given the first file
// chains to it, as real elastix does. Every invocation is appended to
// calls.log next to the script.
const fakeElastix = `#!/bin/sh
out=""; t0="NoInitialTransform"; prev=""
for a in "$@"; do
  case "$prev" in
    -out) out="$a" ;;
    -t0) t0="$a" ;;
  esac
  prev="$a"
done
echo "elastix $*" >> "$(dirname "$0")/calls.log"
if [ -n "$FAKE_ELASTIX_FAIL" ]; then echo "itk exception: boom"; exit 3; fi
printf '(Transform "AffineTransform")\n(InitialTransformParametersFileName "%s")\n' "$t0" > "$out/TransformParameters.0.txt"
printf '(Transform "BSplineTransform")\n(InitialTransformParametersFileName "%s/TransformParameters.0.txt")\n' "$out" > "$out/TransformParameters.1.txt"
echo "Total time elapsed: 1s" > "$out/elastix.log"
`

// fakeTransformix shifts every input point by +1 along each axis and writes
// them in transformix's outputpoints.txt format.
const fakeTransformix = `#!/bin/sh
out=""; def=""; prev=""
for a in "$@"; do
  case "$prev" in
    -out) out="$a" ;;
    -def) def="$a" ;;
  esac
  prev="$a"
done
echo "transformix $*" >> "$(dirname "$0")/calls.log"
awk 'NR>2 {printf "Point\t%d\t; InputIndex = [ 0 0 0 ]\t; InputPoint = [ %s %s %s ]\t; OutputIndexFixed = [ 0 0 0 ]\t; OutputPoint = [ %f %f %f ]\t; Deformation = [ 1 1 1 ]\n", NR-3, $1, $2, $3, $1+1, $2+1, $3+1}' "$def" > "$out/outputpoints.txt"
`

// FakeTools writes stand-in elastix and transformix scripts into a temp
// directory and returns their paths. Tests are skipped where /bin/sh is missing.
func FakeTools(t *testing.T) (elastix, transformix string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake elastix tools need a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("fake elastix tools need /bin/sh")
	}

	dir := t.TempDir()
	elastix = filepath.Join(dir, "elastix")
	transformix = filepath.Join(dir, "transformix")
	if err := os.WriteFile(elastix, []byte(fakeElastix), 0755); err != nil {
		t.Fatalf("Failed to write fake elastix: %v", err)
	}
	if err := os.WriteFile(transformix, []byte(fakeTransformix), 0755); err != nil {
		t.Fatalf("Failed to write fake transformix: %v", err)
	}
	return elastix, transformix
}

// Calls returns the invocations the fake tools logged
func Calls(t *testing.T, tool string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(tool), "calls.log"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("Failed to read call log: %v", err)
	}
	return string(data)
}

// WriteParamFile writes a minimal elastix parameter file
func WriteParamFile(t *testing.T, path, transform string) {
	t.Helper()
	contents := "// test parameters\n(Transform \"" + transform + "\")\n(Metric \"AdvancedMattesMutualInformation\")\n(MaximumNumberOfIterations 250)\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("Failed to write parameter file: %v", err)
	}
}
