package cluster

import (
	"math"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/mat"
)

// VBxConfig carries the EM loop's tunables (mirrors diarize.VBxConfig).
type VBxConfig struct {
	Fa                   float64
	Fb                   float64
	MaxIterations        int
	ConvergenceTolerance float64
}

// VBxResult is the EM loop's output: soft assignments, mixture weights,
// hard labels, and the ELBO trace for diagnostics.
type VBxResult struct {
	Gamma      *mat.Dense // N x S
	Pi         []float64  // length S
	HardLabels []int      // length N
	ELBOTrace  []float64
}

// smoothedSoftmaxTemperature is the fixed temperature applied to the
// one-hot AHC warm start before the first EM iteration (spec §4.D.2).
const smoothedSoftmaxTemperature = 7.0

// Refine runs the BUT Speech@FIT VBx EM loop over rho (N x D), seeded
// from ahcLabels, with diagonal PLDA covariance psi (length D, dimension
// mismatch already resolved by the caller per spec §4.D.2's fallback
// policy).
func Refine(cfg VBxConfig, rho *mat.Dense, ahcLabels []int, psi []float64) *VBxResult {
	n, d := rho.Dims()
	s := 0
	for _, l := range ahcLabels {
		if l+1 > s {
			s = l + 1
		}
	}
	if s == 0 {
		s = 1
	}

	gamma := mat.NewDense(n, s, nil)
	for t, l := range ahcLabels {
		gamma.Set(t, l, 1.0)
	}
	smoothedSoftmaxRows(gamma, smoothedSoftmaxTemperature)

	pi := make([]float64, s)
	for i := range pi {
		pi[i] = 1.0 / float64(s)
	}

	psiClamped := make([]float64, d)
	sqrtPsi := make([]float64, d)
	for i, v := range psi {
		psiClamped[i] = math.Max(v, 1e-12)
		sqrtPsi[i] = math.Sqrt(psiClamped[i])
	}

	rhoScaled := mat.NewDense(n, d, nil)
	for t := 0; t < n; t++ {
		for k := 0; k < d; k++ {
			rhoScaled.Set(t, k, rho.At(t, k)*sqrtPsi[k])
		}
	}

	gBaseline := make([]float64, n)
	logTwoPi := math.Log(2 * math.Pi)
	for t := 0; t < n; t++ {
		normSq := 0.0
		for k := 0; k < d; k++ {
			v := rho.At(t, k)
			normSq += v * v
		}
		gBaseline[t] = -0.5 * (normSq + float64(d)*logTwoPi)
	}

	fa, fb := cfg.Fa, cfg.Fb
	var elboTrace []float64

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		nOcc := make([]float64, s)
		for spk := 0; spk < s; spk++ {
			sum := 0.0
			for t := 0; t < n; t++ {
				sum += gamma.At(t, spk)
			}
			nOcc[spk] = sum
		}

		invL := mat.NewDense(s, d, nil)
		for spk := 0; spk < s; spk++ {
			for k := 0; k < d; k++ {
				invL.Set(spk, k, 1.0/(1.0+(fa/fb)*nOcc[spk]*psiClamped[k]))
			}
		}

		gtRhoScaled := mat.NewDense(s, d, nil)
		gtRhoScaled.Mul(gamma.T(), rhoScaled)

		alpha := mat.NewDense(s, d, nil)
		for spk := 0; spk < s; spk++ {
			for k := 0; k < d; k++ {
				alpha.Set(spk, k, (fa/fb)*invL.At(spk, k)*gtRhoScaled.At(spk, k))
			}
		}

		phi := make([]float64, s)
		for spk := 0; spk < s; spk++ {
			sum := 0.0
			for k := 0; k < d; k++ {
				a := alpha.At(spk, k)
				sum += psiClamped[k] * (a*a + invL.At(spk, k))
			}
			phi[spk] = sum
		}

		logP := mat.NewDense(n, s, nil)
		logP.Mul(rhoScaled, alpha.T())
		for t := 0; t < n; t++ {
			for spk := 0; spk < s; spk++ {
				v := fa * (logP.At(t, spk) - 0.5*phi[spk] + gBaseline[t])
				logP.Set(t, spk, v+math.Log(math.Max(pi[spk], 1e-300)))
			}
		}

		logLikelihood := 0.0
		for t := 0; t < n; t++ {
			row := mat.Row(nil, t, logP)
			maxV := row[0]
			for _, v := range row {
				if v > maxV {
					maxV = v
				}
			}
			sumExp := 0.0
			for _, v := range row {
				sumExp += math.Exp(v - maxV)
			}
			logLikelihood += maxV + math.Log(sumExp)
			if sumExp == 0 || math.IsInf(sumExp, 0) || math.IsNaN(sumExp) {
				uniform := 1.0 / float64(s)
				for spk := 0; spk < s; spk++ {
					gamma.Set(t, spk, uniform)
				}
				continue
			}
			for spk := 0; spk < s; spk++ {
				gamma.Set(t, spk, math.Exp(row[spk]-maxV)/sumExp)
			}
		}

		newPi := make([]float64, s)
		piSum := 0.0
		for spk := 0; spk < s; spk++ {
			sum := 0.0
			for t := 0; t < n; t++ {
				sum += gamma.At(t, spk)
			}
			newPi[spk] = sum
			piSum += sum
		}
		if piSum == 0 || math.IsNaN(piSum) || math.IsInf(piSum, 0) {
			log.Debug("vbx: pi sum non-finite, falling back to uniform", "iteration", iter)
			uniform := 1.0 / float64(s)
			for spk := range newPi {
				newPi[spk] = uniform
			}
		} else {
			for spk := range newPi {
				newPi[spk] /= piSum
			}
		}
		pi = newPi

		elboTerm := 0.0
		for spk := 0; spk < s; spk++ {
			for k := 0; k < d; k++ {
				elboTerm += math.Log(math.Max(invL.At(spk, k), 1e-300)) - invL.At(spk, k) - alpha.At(spk, k)*alpha.At(spk, k)
			}
		}
		elboTerm += float64(s) * float64(d)
		elbo := logLikelihood + 0.5*fb*elboTerm
		elboTrace = append(elboTrace, elbo)

		if iter > 1 {
			prev := elboTrace[len(elboTrace)-2]
			if math.Abs(elbo-prev) < cfg.ConvergenceTolerance {
				break
			}
		}
	}

	hardLabels := make([]int, n)
	for t := 0; t < n; t++ {
		best, bestV := 0, gamma.At(t, 0)
		for spk := 1; spk < s; spk++ {
			if gamma.At(t, spk) > bestV {
				best, bestV = spk, gamma.At(t, spk)
			}
		}
		hardLabels[t] = best
	}

	return &VBxResult{Gamma: gamma, Pi: pi, HardLabels: hardLabels, ELBOTrace: elboTrace}
}

// smoothedSoftmaxRows applies a temperature-scaled, row-stabilized softmax
// in place; rows that degenerate to all-zero are reset to uniform.
func smoothedSoftmaxRows(m *mat.Dense, temperature float64) {
	rows, cols := m.Dims()
	for t := 0; t < rows; t++ {
		maxV := m.At(t, 0)
		for c := 1; c < cols; c++ {
			if v := m.At(t, c); v > maxV {
				maxV = v
			}
		}
		sumExp := 0.0
		scaled := make([]float64, cols)
		for c := 0; c < cols; c++ {
			scaled[c] = math.Exp((m.At(t, c) - maxV) * temperature)
			sumExp += scaled[c]
		}
		if sumExp == 0 || math.IsNaN(sumExp) {
			uniform := 1.0 / float64(cols)
			for c := 0; c < cols; c++ {
				m.Set(t, c, uniform)
			}
			continue
		}
		for c := 0; c < cols; c++ {
			m.Set(t, c, scaled[c]/sumExp)
		}
	}
}

// ResolvePsi applies spec §4.D.2's dimension-mismatch fallback: if psi's
// length does not match d, substitute a vector of ones and log a warning.
func ResolvePsi(psi []float64, d int) []float64 {
	if len(psi) == d {
		return psi
	}
	log.Warn("vbx: psi dimension mismatch, falling back to ones", "got", len(psi), "want", d)
	ones := make([]float64, d)
	for i := range ones {
		ones[i] = 1
	}
	return ones
}
