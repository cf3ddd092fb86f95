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

package irk_test

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/pinn/irk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("SquareWeights", func(t *testing.T) {
		tab, err := irk.New(0.1, [][]float64{{0.25, 0}, {0.5, 0.25}})
		require.NoError(t, err)
		assert.Equal(t, 2, tab.NumStages())
		assert.Equal(t, 2, tab.NumPredicted())
		assert.Equal(t, 0.1, tab.Dt())
	})

	t.Run("ImplicitWeights", func(t *testing.T) {
		// One extra row: the b-weights mapping the stages to the t1 endpoint.
		tab, err := irk.New(0.1, [][]float64{{0.25, 0}, {0.5, 0.25}, {0.5, 0.5}})
		require.NoError(t, err)
		assert.Equal(t, 2, tab.NumStages())
		assert.Equal(t, 3, tab.NumPredicted())
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := irk.New(0, [][]float64{{1}})
		require.Error(t, err, "non-positive time step")
		_, err = irk.New(0.1, nil)
		require.Error(t, err, "empty weights")
		_, err = irk.New(0.1, [][]float64{{1, 0}, {0, 1}, {1, 1}, {0, 0}})
		require.Error(t, err, "4 rows for 2 stages")
		_, err = irk.New(0.1, [][]float64{{1, 0}, {0}})
		require.Error(t, err, "ragged rows")
	})
}

func TestFromFlat(t *testing.T) {
	// Row-major [q+1][q] weights followed by the stage times, which are ignored.
	flat := []float64{
		0.25, 0.0,
		0.5, 0.25,
		0.5, 0.5,
		0.25, 0.75, // stage times
	}
	tab, err := irk.FromFlat(2, 0.01, flat)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.NumStages())
	assert.Equal(t, 3, tab.NumPredicted())

	_, err = irk.FromFlat(3, 0.01, flat)
	require.Error(t, err, "not enough values for 3 stages")
	_, err = irk.FromFlat(0, 0.01, flat)
	require.Error(t, err)
}

func TestStepEuler(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tab := irk.Euler(0.1)
	require.Equal(t, 1, tab.NumStages())
	require.Equal(t, 1, tab.NumPredicted())

	// With W = [[1]] the contraction collapses to u1 = u0 − dt·f, exactly.
	got, err := ExecOnce(backend, func(u0, f *Node) *Node {
		return tab.Step(u0, f)
	}, [][]float64{{1}, {2}, {-0.5}}, [][]float64{{10}, {-20}, {5}})
	require.NoError(t, err)
	rows := got.Value().([][]float64)
	want := [][]float64{{0}, {4}, {-1}}
	for i := range want {
		assert.InDelta(t, want[i][0], rows[i][0], 1e-12)
	}
}

func TestStepImplicit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Single stage, two predicted columns with distinct weights, so each output column
	// exercises its own tableau row: u1[:,i] = u0[:,i] − dt·w_i·f.
	tab := irk.MustNew(0.5, [][]float64{{0.25}, {1}})
	require.Equal(t, 1, tab.NumStages())
	require.Equal(t, 2, tab.NumPredicted())

	got, err := ExecOnce(backend, func(u0, f *Node) *Node {
		return tab.Step(u0, f)
	}, [][]float64{{1, 1}, {2, 4}}, [][]float64{{8}, {-8}})
	require.NoError(t, err)
	rows := got.Value().([][]float64)
	want := [][]float64{{0, -3}, {3, 8}}
	for i := range want {
		for j := range want[i] {
			assert.InDeltaf(t, want[i][j], rows[i][j], 1e-12, "row %d, column %d", i, j)
		}
	}
}
