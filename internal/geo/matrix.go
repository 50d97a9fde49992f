package geo

import "rescuenav/internal/model"

// Matrix caches pairwise distances for a fixed point set during one solve.
type Matrix struct {
	n    int
	dist []float64
}

// NewMatrix computes all pairwise distances of points under cm.
func NewMatrix(cm CostModel, points []model.GeoPoint) *Matrix {
	n := len(points)
	m := &Matrix{n: n, dist: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := cm.Distance(points[i], points[j])
			m.dist[i*n+j] = d
			m.dist[j*n+i] = d
		}
	}
	return m
}

// At returns meters from point i to point j.
func (m *Matrix) At(i, j int) float64 { return m.dist[i*m.n+j] }
