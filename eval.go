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

package pinn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
)

// RelativeL2Error returns ‖pred − ref‖₂ / ‖ref‖₂, the standard accuracy report for a
// trained model against a known reference solution. A zero reference with a nonzero
// prediction yields +Inf; both zero yields 0.
func RelativeL2Error(pred, ref []float64) float64 {
	if len(pred) != len(ref) {
		exceptions.Panicf("RelativeL2Error: prediction has %d values, reference %d", len(pred), len(ref))
	}
	refNorm := floats.Norm(ref, 2)
	dist := floats.Distance(pred, ref, 2)
	if refNorm == 0 {
		if dist == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return dist / refNorm
}

// Flatten copies a tensor's values into a flat float64 slice, row-major. It is the bridge
// between Predict outputs and the slice-based error metrics.
func Flatten(t *tensors.Tensor) []float64 {
	return appendTensorAsFloat64(make([]float64, 0, t.Shape().Size()), t)
}

// LastColumn extracts the last column of a rank-2 tensor as a flat float64 slice. For
// discrete-time models this is the t1 prediction among the stage columns.
func LastColumn(t *tensors.Tensor) []float64 {
	shape := t.Shape()
	if shape.Rank() != 2 {
		exceptions.Panicf("LastColumn expects a rank-2 tensor, got %s", shape)
	}
	rows, cols := shape.Dimensions[0], shape.Dimensions[1]
	flat := Flatten(t)
	column := make([]float64, rows)
	for i := range rows {
		column[i] = flat[i*cols+cols-1]
	}
	return column
}
