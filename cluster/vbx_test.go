package cluster

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestVBxGammaRowsSumToOne(t *testing.T) {
	n, d := 10, 4
	data := make([]float64, n*d)
	for i := range data {
		data[i] = float64(i%7) * 0.1
	}
	rho := mat.NewDense(n, d, data)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % 2
	}
	psi := []float64{1, 1, 1, 1}

	res := Refine(VBxConfig{Fa: 0.07, Fb: 0.8, MaxIterations: 10, ConvergenceTolerance: 1e-4}, rho, labels, psi)

	rows, cols := res.Gamma.Dims()
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += res.Gamma.At(i, j)
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("gamma row %d sums to %v, want 1", i, sum)
		}
	}

	piSum := 0.0
	for _, v := range res.Pi {
		piSum += v
	}
	if math.Abs(piSum-1) > 1e-6 {
		t.Errorf("pi sums to %v, want 1", piSum)
	}
}

func TestVBxSingleClusterWarmStartRecovers(t *testing.T) {
	n, d := 50, 8
	data := make([]float64, n*d)
	for i := 0; i < n; i++ {
		for k := 0; k < d; k++ {
			data[i*d+k] = 0.01 * float64((i+k)%3)
		}
	}
	rho := mat.NewDense(n, d, data)
	labels := make([]int, n) // all zero
	psi := make([]float64, d)
	for i := range psi {
		psi[i] = 1
	}

	res := Refine(VBxConfig{Fa: 0.07, Fb: 0.8, MaxIterations: 20, ConvergenceTolerance: 1e-4}, rho, labels, psi)

	if len(res.Pi) != 1 {
		t.Fatalf("len(Pi) = %d, want 1", len(res.Pi))
	}
	if math.Abs(res.Pi[0]-1.0) > 1e-6 {
		t.Errorf("Pi[0] = %v, want ~1.0", res.Pi[0])
	}
	for _, l := range res.HardLabels {
		if l != 0 {
			t.Errorf("expected all hard labels 0, got %v", res.HardLabels)
			break
		}
	}
}

func TestResolvePsiFallsBackOnMismatch(t *testing.T) {
	psi := ResolvePsi([]float64{1, 2}, 4)
	if len(psi) != 4 {
		t.Fatalf("len(psi) = %d, want 4", len(psi))
	}
	for _, v := range psi {
		if v != 1 {
			t.Errorf("expected fallback psi of all ones, got %v", psi)
		}
	}
}

func TestResolvePsiKeepsMatchingDimension(t *testing.T) {
	original := []float64{0.5, 0.25, 0.75}
	psi := ResolvePsi(original, 3)
	for i := range original {
		if psi[i] != original[i] {
			t.Errorf("psi[%d] = %v, want %v", i, psi[i], original[i])
		}
	}
}

func TestSmoothedSoftmaxRowsResetsZeroRowToUniform(t *testing.T) {
	m := mat.NewDense(1, 4, []float64{0, 0, 0, 0})
	smoothedSoftmaxRows(m, 7.0)
	for c := 0; c < 4; c++ {
		if math.Abs(m.At(0, c)-0.25) > 1e-9 {
			t.Errorf("m[0][%d] = %v, want 0.25", c, m.At(0, c))
		}
	}
}
