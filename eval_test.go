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

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pinn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativeL2Error(t *testing.T) {
	assert.Zero(t, pinn.RelativeL2Error([]float64{1, 2, 3}, []float64{1, 2, 3}))

	// ‖(0.1, -0.1)‖ / ‖(1, 1)‖ = 0.1
	got := pinn.RelativeL2Error([]float64{1.1, 0.9}, []float64{1, 1})
	assert.InDelta(t, 0.1, got, 1e-12)

	assert.Zero(t, pinn.RelativeL2Error([]float64{0, 0}, []float64{0, 0}))
	assert.True(t, math.IsInf(pinn.RelativeL2Error([]float64{1}, []float64{0}), 1))

	err := exceptions.TryCatch[error](func() {
		pinn.RelativeL2Error([]float64{1}, []float64{1, 2})
	})
	require.Error(t, err, "length mismatch")
}

func TestFlatten(t *testing.T) {
	t64 := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, []float64{1, 2, 3, 4}, pinn.Flatten(t64))

	t32 := tensors.FromFlatDataAndDimensions([]float32{1.5, -2.5}, 2, 1)
	assert.Equal(t, []float64{1.5, -2.5}, pinn.Flatten(t32))
}

func TestLastColumn(t *testing.T) {
	matrix := tensors.FromFlatDataAndDimensions([]float64{
		1, 2, 3,
		4, 5, 6,
	}, 2, 3)
	assert.Equal(t, []float64{3, 6}, pinn.LastColumn(matrix))

	vector := tensors.FromFlatDataAndDimensions([]float64{7, 8}, 2, 1)
	assert.Equal(t, []float64{7, 8}, pinn.LastColumn(vector))

	err := exceptions.TryCatch[error](func() {
		pinn.LastColumn(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2))
	})
	require.Error(t, err, "rank-1 tensor")
}
