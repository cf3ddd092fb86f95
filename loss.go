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
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/pinn/diff"
)

// continuousLossGraph assembles the continuous-time objective:
//
//	loss = wData·mean|u(xData) − uData|² + wResidual·mean|F(xColl)|²
//	     [+ wBoundary·(mean|u(xLb) − u(xUb)|² + mean|u_x(xLb) − u_x(xUb)|²)]
//
// The boundary term enforces spatial periodicity between the two domain edges and is built
// only when the boundary inputs are present. The loss is returned as a float64 scalar
// whatever the model dtype, so the trainer reads one uniform value.
func (m *Model) continuousLossGraph(ctx *context.Context, xData, uData, xColl, xLb, xUb *Node) *Node {
	uPred := m.forwardGraph(ctx, xData)
	uData = ConvertDType(uData, uPred.DType())
	loss := MulScalar(ReduceAllMean(Square(Sub(uPred, uData))), m.weights.Data)

	for _, residual := range m.residualsGraph(ctx, xColl) {
		loss = Add(loss, MulScalar(ReduceAllMean(Square(residual)), m.weights.Residual))
	}

	if xLb != nil {
		uLb := m.forwardGraph(ctx, xLb)
		uUb := m.forwardGraph(ctx, xUb)
		uxLb := m.spatialDerivativeGraph(uLb, xLb)
		uxUb := m.spatialDerivativeGraph(uUb, xUb)
		boundary := Add(
			ReduceAllMean(Square(Sub(uLb, uUb))),
			ReduceAllMean(Square(Sub(uxLb, uxUb))))
		loss = Add(loss, MulScalar(boundary, m.weights.Boundary))
	}
	return ConvertDType(loss, dtypes.Float64)
}

// discreteLossGraph assembles the discrete-time objective: the network's stage columns at
// the measurement points are stepped back to t0 through the Runge-Kutta tableau and fitted
// against the t0 snapshot, and the stage predictions at the two domain edges are tied
// together in value and in spatial derivative (periodicity).
//
//	loss = wData·sum|step(u1(x0), F) − u0|²
//	     + wBoundary·(sum|u1(xLb) − u1(xUb)|² + sum|u1_x(xLb) − u1_x(xUb)|²)
func (m *Model) discreteLossGraph(ctx *context.Context, x0, u0, xLb, xUb *Node) *Node {
	predicted, residual := m.stageGraph(ctx, x0)
	stepped := m.tableau.Step(predicted, residual)
	u0 = ConvertDType(u0, stepped.DType())
	loss := MulScalar(ReduceAllSum(Square(Sub(stepped, u0))), m.weights.Data)

	boundary := Concatenate([]*Node{xLb, xUb}, 0)
	uBoundary := m.forwardGraph(ctx, boundary)
	uxBoundary := diff.ColumnsWrt(uBoundary, boundary)
	periodicity := Add(
		ReduceAllSum(Square(Sub(row(uBoundary, 0), row(uBoundary, 1)))),
		ReduceAllSum(Square(Sub(row(uxBoundary, 0), row(uxBoundary, 1)))))
	loss = Add(loss, MulScalar(periodicity, m.weights.Boundary))
	return ConvertDType(loss, dtypes.Float64)
}

// row selects row i of a rank-2 node, keeping the rank.
func row(x *Node, i int) *Node {
	return SliceAxis(x, 0, AxisElem(i))
}
