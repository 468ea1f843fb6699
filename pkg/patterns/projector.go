package patterns

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Projector reduces embeddings to a lower dimension before clustering.
type Projector interface {
	Project(data [][]float64, components int) ([][]float64, error)
}

// NewProjector resolves a projector by name; unknown names fall back to PCA.
func NewProjector(name string, seed int64) Projector {
	if name == "random" {
		return RandomProjector{Seed: seed}
	}
	return PCAProjector{}
}

// PCAProjector keeps the leading principal components.
type PCAProjector struct{}

func (PCAProjector) Project(data [][]float64, components int) ([][]float64, error) {
	n := len(data)
	if n == 0 {
		return nil, nil
	}
	d := len(data[0])
	k := components
	if k <= 0 || k >= d || n < 2 {
		return cloneRows(data), nil
	}
	if k > n {
		k = n
	}

	x := mat.NewDense(n, d, nil)
	for i, row := range data {
		x.SetRow(i, row)
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.New("principal component analysis did not converge")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, x)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			x.Set(i, j, col[i]-mean)
		}
	}
	var proj mat.Dense
	proj.Mul(x, vecs.Slice(0, d, 0, k))

	out := make([][]float64, n)
	for i := range out {
		out[i] = mat.Row(nil, i, &proj)
	}
	return out, nil
}

// RandomProjector is a seeded Gaussian random projection.
type RandomProjector struct {
	Seed int64
}

func (p RandomProjector) Project(data [][]float64, components int) ([][]float64, error) {
	n := len(data)
	if n == 0 {
		return nil, nil
	}
	d := len(data[0])
	if components <= 0 || components >= d {
		return cloneRows(data), nil
	}
	rng := rand.New(rand.NewSource(p.Seed))
	scale := 1 / math.Sqrt(float64(components))
	basis := mat.NewDense(d, components, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < components; j++ {
			basis.Set(i, j, rng.NormFloat64()*scale)
		}
	}
	out := make([][]float64, n)
	for i, row := range data {
		var v mat.VecDense
		v.MulVec(basis.T(), mat.NewVecDense(d, append([]float64(nil), row...)))
		out[i] = v.RawVector().Data
	}
	return out, nil
}

func cloneRows(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
