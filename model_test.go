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

package pinn_test

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pinn"
	"github.com/gomlx/pinn/irk"
	"github.com/gomlx/pinn/pde"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestConfigValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	euler := irk.Euler(0.1)

	t.Run("ShapeMismatch", func(t *testing.T) {
		cases := []struct {
			name string
			cfg  *pinn.Config
		}{
			{"TooFewLayers",
				pinn.New(backend, pde.Trivial{}, []int{2}, []float64{0, 0}, []float64{1, 1})},
			{"ZeroLayerSize",
				pinn.New(backend, pde.Trivial{}, []int{2, 0, 1}, []float64{0, 0}, []float64{1, 1})},
			{"WrongBoundsLength",
				pinn.New(backend, pde.Trivial{}, []int{2, 8, 1}, []float64{0}, []float64{1, 1})},
			{"WrongOutputCount",
				pinn.New(backend, pde.Schrodinger{}, []int{2, 8, 1}, []float64{0, 0}, []float64{1, 1})},
			{"TimeDerivativeNeedsTwoInputs",
				pinn.New(backend, pde.BurgersContinuous{}, []int{1, 8, 1}, []float64{0}, []float64{1})},
			{"DiscreteNeedsOneInput",
				pinn.New(backend, pde.BurgersDiscrete{}, []int{2, 8, 1}, []float64{0, 0}, []float64{1, 1}).
					WithTableau(euler)},
			{"DiscreteOutputMustMatchTableau",
				pinn.New(backend, pde.BurgersDiscrete{}, []int{1, 8, 2}, []float64{0}, []float64{1}).
					WithTableau(euler)},
		}
		for _, testCase := range cases {
			t.Run(testCase.name, func(t *testing.T) {
				_, err := testCase.cfg.Done()
				require.ErrorIs(t, err, pinn.ErrShapeMismatch)
			})
		}
	})

	t.Run("OtherErrors", func(t *testing.T) {
		_, err := pinn.New(nil, pde.Trivial{}, []int{1, 8, 1}, []float64{0}, []float64{1}).Done()
		require.Error(t, err, "nil backend")
		_, err = pinn.New(backend, nil, []int{1, 8, 1}, []float64{0}, []float64{1}).Done()
		require.Error(t, err, "nil definition")
		_, err = pinn.New(backend, pde.Trivial{}, []int{1, 8, 1}, []float64{1}, []float64{0}).Done()
		require.Error(t, err, "inverted bounds")
		_, err = pinn.New(backend, pde.Trivial{}, []int{1, 8, 1}, []float64{0}, []float64{1}).
			WithTableau(euler).Done()
		require.Error(t, err, "tableau with a continuous-time definition")
		_, err = pinn.New(backend, pde.BurgersDiscrete{}, []int{1, 8, 1}, []float64{0}, []float64{1}).Done()
		require.Error(t, err, "discrete-time definition without a tableau")
	})

	t.Run("Valid", func(t *testing.T) {
		model, err := pinn.New(backend, pde.BurgersContinuous{}, []int{2, 8, 1},
			[]float64{-1, 0}, []float64{1, 1}).Done()
		require.NoError(t, err)
		require.NotNil(t, model)
		assert.Equal(t, pinn.PhaseFirstOrder, model.State().Phase)
	})
}

func TestPredictShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := pinn.New(backend, pde.Schrodinger{}, []int{2, 8, 8, 2},
		[]float64{-5, 0}, []float64{5, math.Pi / 2}).WithSeed(17).Done()
	require.NoError(t, err)

	inputs := tensors.FromFlatDataAndDimensions(
		[]float64{0, 0, 1, 0.5, -2, 1, 3, 0.25, 4, 1.5}, 5, 2)
	u, ux, err := model.Predict(inputs)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2}, u.Shape().Dimensions)
	assert.Equal(t, []int{5, 2}, ux.Shape().Dimensions)

	// A fresh random network must not be the zero function.
	assert.NotZero(t, pinn.Flatten(u)[0])

	// Wrong feature count is rejected.
	bad := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3, 1)
	_, _, err = model.Predict(bad)
	require.ErrorIs(t, err, pinn.ErrShapeMismatch)
}

func TestSeedReproducibility(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	build := func() []float64 {
		model, err := pinn.New(backend, pde.Trivial{}, []int{1, 16, 1},
			[]float64{0}, []float64{1}).WithSeed(7).Done()
		require.NoError(t, err)
		query := tensors.FromFlatDataAndDimensions([]float64{0.1, 0.4, 0.9}, 3, 1)
		u, _, err := model.Predict(query)
		require.NoError(t, err)
		return pinn.Flatten(u)
	}
	first, second := build(), build()
	require.Equal(t, first, second, "same seed must give the same initialization")
}

func TestBoundedOutput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := pinn.New(backend, pde.Trivial{}, []int{1, 8, 1},
		[]float64{0}, []float64{1}).WithBoundedOutput().WithSeed(3).Done()
	require.NoError(t, err)

	query := tensors.FromFlatDataAndDimensions([]float64{0, 0.25, 0.5, 0.75, 1}, 5, 1)
	u, _, err := model.Predict(query)
	require.NoError(t, err)
	for _, value := range pinn.Flatten(u) {
		assert.LessOrEqual(t, math.Abs(value), 1.0)
	}
}

// TestXavierInitialization checks the statistics of a freshly initialized weights matrix:
// mean zero, standard deviation sqrt(2/(fanIn+fanOut)) and samples clipped at two
// pre-scaling standard deviations.
func TestXavierInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const width = 100
	lb := make([]float64, width)
	ub := make([]float64, width)
	for i := range ub {
		ub[i] = 1
	}
	model, err := pinn.New(backend, pde.Trivial{}, []int{width, width, 1}, lb, ub).
		WithSeed(11).Done()
	require.NoError(t, err)

	weightsVar := model.Context().InspectVariable("/layer_0", "weights")
	require.NotNil(t, weightsVar)
	require.Equal(t, []int{width, width}, weightsVar.Shape().Dimensions)
	values := pinn.Flatten(weightsVar.MustValue())

	// With width² samples the sampling error of the standard deviation is under 1% of the
	// target, so a 3% tolerance detects any systematic rescaling bias.
	target := math.Sqrt(2.0 / float64(width+width))
	mean, std := stat.MeanStdDev(values, nil)
	assert.InDelta(t, 0, mean, 0.01)
	assert.InDelta(t, target, std, 0.03*target)

	// Clipping bound: |w| ≤ 2·target/std(clip(N(0,1), ±2)).
	bound := 2 * target / 0.9594461557
	for _, w := range values {
		require.LessOrEqual(t, math.Abs(w), bound+1e-12)
	}

	// Biases start at zero.
	biasesVar := model.Context().InspectVariable("/layer_0", "biases")
	require.NotNil(t, biasesVar)
	for _, b := range pinn.Flatten(biasesVar.MustValue()) {
		require.Zero(t, b)
	}
}
