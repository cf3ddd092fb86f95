/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package irk implements the implicit Runge-Kutta time advance used by the discrete-time
// physics-informed formulation.
//
// A Tableau is a fixed, read-only stage-weights matrix plus a time step. Stepping is a pure,
// stateless graph transform: given the model's per-point stage values and the per-stage
// residuals, it produces the advanced prediction columns in a single dense contraction. The
// tableau entries are numerical constants, never learned.
package irk

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tableau holds the stage weights of a q-stage Runge-Kutta scheme and the time step dt.
//
// Weights has one row per predicted column and one column per stage: shape [s][q] with
// s == q (plain stepping, e.g. explicit Euler) or s == q+1 (the implicit form, whose extra
// row carries the b-weights mapping the stages to the t1 endpoint). It is captured at
// construction and never mutated.
type Tableau struct {
	q  int
	dt float64

	// weightsT is the transposed weights matrix, shape [q, s], kept as a tensor so Step can
	// embed it as a graph constant.
	weightsT *tensors.Tensor
}

// New creates a Tableau with the given step dt and weights matrix, shaped [q][q] or
// [q+1][q] for a q-stage scheme. The weights are copied; the Tableau never aliases the
// caller's slices.
func New(dt float64, weights [][]float64) (*Tableau, error) {
	if dt <= 0 {
		return nil, errors.Errorf("irk.New: time step must be positive, got %g", dt)
	}
	s := len(weights)
	if s == 0 {
		return nil, errors.New("irk.New: empty weights matrix")
	}
	q := len(weights[0])
	if q == 0 || (s != q && s != q+1) {
		return nil, errors.Errorf(
			"irk.New: weights must be shaped [q][q] or [q+1][q] for q stages, got [%d][%d]", s, q)
	}
	transposed := make([]float64, q*s)
	for i, row := range weights {
		if len(row) != q {
			return nil, errors.Errorf("irk.New: ragged weights matrix: row %d has %d columns, want %d",
				i, len(row), q)
		}
		for j, w := range row {
			transposed[j*s+i] = w
		}
	}
	return &Tableau{
		q:        q,
		dt:       dt,
		weightsT: tensors.FromFlatDataAndDimensions(transposed, q, s),
	}, nil
}

// MustNew is New, panicking on error.
func MustNew(dt float64, weights [][]float64) *Tableau {
	t, err := New(dt, weights)
	if err != nil {
		panic(err)
	}
	return t
}

// Euler returns the single-stage tableau with W = [[1]], for which Step reduces to the
// explicit Euler update u1 = u0 − dt·f.
func Euler(dt float64) *Tableau {
	return MustNew(dt, [][]float64{{1}})
}

// FromFlat builds a q-stage implicit tableau from the flat number layout IRK weight tables
// are published in: the first q·(q+1) values are the [q+1][q] weights matrix in row-major
// order (the q rows of the A matrix followed by the b row); any trailing values (the stage
// times) are ignored.
func FromFlat(q int, dt float64, flat []float64) (*Tableau, error) {
	if q < 1 {
		return nil, errors.Errorf("irk.FromFlat: need at least one stage, got q=%d", q)
	}
	need := q * (q + 1)
	if len(flat) < need {
		return nil, errors.Errorf("irk.FromFlat: need %d weight values for q=%d, got %d", need, q, len(flat))
	}
	weights := make([][]float64, q+1)
	for i := range weights {
		weights[i] = flat[i*q : (i+1)*q]
	}
	return New(dt, weights)
}

// NumStages returns q.
func (t *Tableau) NumStages() int { return t.q }

// NumPredicted returns the number of predicted columns Step produces (q or q+1).
func (t *Tableau) NumPredicted() int { return t.weightsT.Shape().Dimensions[1] }

// Dt returns the fixed time step.
func (t *Tableau) Dt() float64 { return t.dt }

// Step advances the multi-stage solution: u1 = u0 − dt·(f · Wᵀ).
//
// u0 holds the stage values, shaped [batch, NumPredicted]; f holds the per-stage residuals,
// shaped [batch, q]. The result is shaped like u0: its columns are the predictions obtained
// from each stage row of the tableau, and for the implicit form the first and last columns
// are the two endpoint evaluations used for boundary matching.
func (t *Tableau) Step(u0, f *Node) *Node {
	g := f.Graph()
	wT := ConvertDType(ConstTensor(g, t.weightsT), f.DType())
	return Sub(u0, MulScalar(MatMul(f, wT), t.dt))
}
