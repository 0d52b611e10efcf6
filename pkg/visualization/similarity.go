package visualization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"araregistration/internal/models"
)

// Similarity compares a registration result with its fixed image
type Similarity struct {
	// Correlation is the Pearson correlation of the voxel intensities
	Correlation float64

	// MI is the mutual information under a Gaussian intensity model,
	// -0.5*log(1-r²). It is +Inf for perfectly correlated volumes.
	MI float64

	// RMSE is the root mean square intensity difference
	RMSE float64
}

func (s Similarity) String() string {
	return fmt.Sprintf("correlation=%.3f MI=%.3f RMSE=%.3f", s.Correlation, s.MI, s.RMSE)
}

// Compare computes the similarity of two volumes on the same voxel grid
func Compare(fixed, result *models.Volume) (Similarity, error) {
	if fixed.Width != result.Width || fixed.Height != result.Height || fixed.Depth != result.Depth {
		return Similarity{}, fmt.Errorf("volume sizes differ: %dx%dx%d vs %dx%dx%d",
			fixed.Width, fixed.Height, fixed.Depth, result.Width, result.Height, result.Depth)
	}
	n := len(fixed.Data)
	if n == 0 || n != len(result.Data) {
		return Similarity{}, fmt.Errorf("volumes hold %d and %d voxels", n, len(result.Data))
	}

	var s Similarity
	s.RMSE = floats.Distance(fixed.Data, result.Data, 2) / math.Sqrt(float64(n))

	// flat volumes carry no information
	if stat.Variance(fixed.Data, nil) == 0 || stat.Variance(result.Data, nil) == 0 {
		return s, nil
	}

	s.Correlation = stat.Correlation(fixed.Data, result.Data, nil)
	if r2 := s.Correlation * s.Correlation; r2 < 1 {
		s.MI = -0.5 * math.Log(1-r2)
	} else {
		s.MI = math.Inf(1)
	}
	return s, nil
}
