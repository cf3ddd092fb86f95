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
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/pinn/diff"
	"github.com/gomlx/pinn/pde"
	"github.com/pkg/errors"
)

// clippedStdNormalStd is the standard deviation of a standard normal clipped to [-2, 2].
// Clipping piles the tail mass onto the bounds instead of resampling it, so its variance
// is the central mass 0.7385359 plus 8*(1-Phi(2)) = 0.1820011 from the bounds. Samples
// are divided by this so the post-clip variance matches the Xavier target
// 2/(fanIn+fanOut).
const clippedStdNormalStd = 0.9594461557

// xavierClippedNormalFn returns the weight initializer: a normal with standard deviation
// sqrt(2/(fanIn+fanOut)), clipped at two standard deviations. With layers of widely
// differing widths and very few supervised points, this keeps the initial activation
// variance flat across layers; a poorly scaled start lets the residual term dominate or
// vanish before the optimizer can balance the loss.
func xavierClippedNormalFn(ctx *context.Context) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() != 2 {
			exceptions.Panicf("xavier initializer expects a rank-2 weights shape, got %s", shape)
		}
		fanIn, fanOut := shape.Dimensions[0], shape.Dimensions[1]
		stddev := math.Sqrt(2.0 / float64(fanIn+fanOut))
		values := ClipScalar(ctx.RandomNormal(g, shape), -2, 2)
		return MulScalar(values, stddev/clippedStdNormalStd)
	}
}

// forwardGraph builds the network: inputs normalized into [-1, 1], L-1 tanh hidden
// transformations and a final linear (optionally tanh-bounded) output.
//
// x must be shaped [batch, layerSizes[0]]; the result is [batch, layerSizes[L]].
func (m *Model) forwardGraph(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if x.Rank() != 2 || x.Shape().Dimensions[1] != m.layerSizes[0] {
		panic(errors.WithMessagef(ErrShapeMismatch,
			"model takes inputs shaped [batch, %d], got %s", m.layerSizes[0], x.Shape()))
	}

	x = ConvertDType(x, m.dtype)
	lb := ConvertDType(Const(g, [][]float64{m.lb}), m.dtype)
	ub := ConvertDType(Const(g, [][]float64{m.ub}), m.dtype)
	h := AddScalar(MulScalar(Div(Sub(x, lb), Sub(ub, lb)), 2), -1)

	numLayers := len(m.layerSizes) - 1
	for layer := range numLayers {
		layerCtx := ctx.Inf("layer_%d", layer)
		weightsVar := layerCtx.WithInitializer(xavierClippedNormalFn(ctx)).
			VariableWithShape("weights", shapes.Make(m.dtype, m.layerSizes[layer], m.layerSizes[layer+1]))
		biasesVar := layerCtx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(m.dtype, 1, m.layerSizes[layer+1]))
		h = Add(MatMul(h, weightsVar.ValueGraph(g)), biasesVar.ValueGraph(g))
		if layer < numLayers-1 {
			h = Tanh(h)
		}
	}
	if m.bounded {
		h = Tanh(h)
	}
	return h
}

// spatialDerivativeGraph returns ∂u/∂x (feature column 0 of the input) for every output
// channel of u, shaped like u.
func (m *Model) spatialDerivativeGraph(u, x *Node) *Node {
	numOut := u.Shape().Dimensions[1]
	if numOut == 1 {
		return diff.Column(diff.Wrt(u, x), 0)
	}
	columns := make([]*Node, numOut)
	for c := range numOut {
		columns[c] = diff.Column(diff.Wrt(diff.Column(u, c), x), 0)
	}
	return Concatenate(columns, -1)
}

// residualsGraph evaluates the continuous-time PDE residuals at the collocation points x,
// building only the derivative channels the definition declares.
func (m *Model) residualsGraph(ctx *context.Context, x *Node) []*Node {
	out := m.forwardGraph(ctx, x)
	orders := m.def.Orders()
	numOut := m.def.NumOutputs()
	timeAxis := m.layerSizes[0] - 1

	d := &pde.Derivatives{
		U:   make([]*Node, numOut),
		Ut:  make([]*Node, numOut),
		Ux:  make([]*Node, numOut),
		Uxx: make([]*Node, numOut),
	}
	for c := range numOut {
		u := diff.Column(out, c)
		d.U[c] = u
		if !orders.Time && !orders.FirstSpace && !orders.SecondSpace {
			continue
		}
		du := diff.Wrt(u, x)
		if orders.Time {
			d.Ut[c] = diff.Column(du, timeAxis)
		}
		ux := diff.Column(du, 0)
		if orders.FirstSpace {
			d.Ux[c] = ux
		}
		if orders.SecondSpace {
			d.Uxx[c] = diff.Column(diff.Wrt(ux, x), 0)
		}
	}
	return m.def.Residuals(d)
}

// stageGraph evaluates the discrete-time model at the spatial points x: the network's
// predicted columns (q stage values, plus the t1 endpoint in the implicit form) and the
// per-stage residual matrix.
func (m *Model) stageGraph(ctx *context.Context, x *Node) (predicted, residual *Node) {
	predicted = m.forwardGraph(ctx, x)
	q := m.tableau.NumStages()
	stages := SliceAxis(predicted, -1, AxisRange(0, q))

	orders := m.def.Orders()
	d := &pde.Derivatives{U: []*Node{stages}}
	if orders.FirstSpace || orders.SecondSpace {
		ux := diff.ColumnsWrt(stages, x)
		if orders.FirstSpace {
			d.Ux = []*Node{ux}
		}
		if orders.SecondSpace {
			d.Uxx = []*Node{diff.ColumnsWrt(ux, x)}
		}
	}
	residual = m.def.Residuals(d)[0]
	return
}

// predictGraph returns the primal prediction and its spatial-derivative channel.
func (m *Model) predictGraph(ctx *context.Context, x *Node) (u, ux *Node) {
	out := m.forwardGraph(ctx, x)
	return out, m.spatialDerivativeGraph(out, x)
}

// initParameters materializes and initializes all network variables by building the
// forward graph once on a zero batch. Construction-time shape errors surface here, before
// a Model is returned to the caller.
func (m *Model) initParameters() error {
	zero := tensors.FromShape(shapes.Make(m.dtype, 1, m.layerSizes[0]))
	_, err := context.ExecOnceN(m.backend, m.ctx,
		func(ctx *context.Context, x *Node) *Node {
			return m.forwardGraph(ctx, x)
		}, zero)
	if err != nil {
		return errors.WithMessage(err, "initializing network parameters")
	}
	return nil
}

// trainableVariables returns the trainable variables in a deterministic order (sorted by
// scope and name). The flat parameter vector exchanged with the quasi-Newton optimizer and
// the gradient outputs of the training graph both follow this order.
func (m *Model) trainableVariables() []*context.Variable {
	var vars []*context.Variable
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			vars = append(vars, v)
		}
	})
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].ScopeAndName() < vars[j].ScopeAndName()
	})
	return vars
}
