package outlier

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// kmeansResult is the outcome of a Lloyd run.
type kmeansResult struct {
	centroids  [][]float64
	assign     []int
	iterations int
	converged  bool
}

// kmeans clusters points into at most k groups with Lloyd's algorithm under
// squared-Euclidean distance. Seeding is maximin: the first centroid is the
// point nearest the data mean, each next one the point farthest from the
// centroids chosen so far. Fewer than k centroids are returned when points
// has fewer than k distinct values. If the assignment is still moving after
// maxIter iterations the last one is returned with converged unset.
func kmeans(points [][]float64, k, maxIter int) kmeansResult {
	if len(points) == 0 || k < 1 {
		return kmeansResult{converged: true}
	}

	centroids := seedMaximin(points, k)
	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}

	res := kmeansResult{}
	for res.iterations < maxIter {
		res.iterations++

		changed := false
		for i, p := range points {
			c := nearest(p, centroids)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			res.converged = true
			break
		}

		updateCentroids(points, assign, centroids)
	}

	res.centroids = centroids
	res.assign = assign
	return res
}

func seedMaximin(points [][]float64, k int) [][]float64 {
	dim := len(points[0])
	center := make([]float64, dim)
	for _, p := range points {
		floats.Add(center, p)
	}
	floats.Scale(1/float64(len(points)), center)

	first := nearest(center, points)
	centroids := [][]float64{clone(points[first])}

	// minDist[i] is the squared distance from point i to its closest centroid
	minDist := make([]float64, len(points))
	for i, p := range points {
		minDist[i] = sqDist(p, centroids[0])
	}

	for len(centroids) < k {
		far, farDist := -1, 0.0
		for i, d := range minDist {
			if d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			break // every point coincides with a centroid
		}

		c := clone(points[far])
		centroids = append(centroids, c)
		for i, p := range points {
			if d := sqDist(p, c); d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	return centroids
}

// updateCentroids moves each centroid to the mean of its members.
// A centroid that lost all members keeps its position.
func updateCentroids(points [][]float64, assign []int, centroids [][]float64) {
	dim := len(points[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}

	for i, p := range points {
		floats.Add(sums[assign[i]], p)
		counts[assign[i]]++
	}

	for c := range centroids {
		if counts[c] == 0 {
			continue
		}
		floats.ScaleTo(centroids[c], 1/float64(counts[c]), sums[c])
	}
}

// nearest returns the index of the candidate closest to p; ties go to the lowest index.
func nearest(p []float64, candidates [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range candidates {
		if d := sqDist(p, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// Scaler standardizes features to zero mean and unit sample deviation.
type Scaler struct {
	Offset []float64 `json:"offset"`
	Scale  []float64 `json:"scale"`
}

// fitScaler computes a per-column scaler. Columns without spread keep scale 1.
func fitScaler(rows [][]float64) Scaler {
	dim := len(rows[0])
	s := Scaler{Offset: make([]float64, dim), Scale: make([]float64, dim)}

	col := make([]float64, len(rows))
	for j := 0; j < dim; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		s.Offset[j] = mean
		s.Scale[j] = 1
		if std > 0 && !math.IsNaN(std) {
			s.Scale[j] = std
		}
	}

	return s
}

// Transform returns the standardized copy of v.
func (s Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for j := range v {
		out[j] = (v[j] - s.Offset[j]) / s.Scale[j]
	}
	return out
}
