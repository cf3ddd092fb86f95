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

// Package diff provides exact partial derivatives of graph outputs with respect to graph
// inputs, up to second order, built on top of GoMLX reverse-mode autodiff.
//
// The functions here rely on graph.Gradient emitting ordinary graph nodes: a first
// derivative is itself a differentiable sub-graph, so second-order derivatives are obtained
// by plain composition -- the outer Gradient call differentiates the nodes created by the
// inner one. Callers never manage any recording or tape object; each call owns the full
// lifetime of the derivative sub-graph it creates.
//
// All functions are per-example: they assume row i of the differentiated output depends only
// on row i of the input, which holds for any model applied independently to each row of a
// batch. Under that assumption the gradient of the scalar ReduceAllSum(y) recovers the
// per-row partials without cross-row contamination.
package diff

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ErrGradientUnavailable is the cause of the panic issued when a derivative is requested
// with respect to an input the output does not depend on. This is a structural error, a
// wiring bug between the residual definition and the model, and is never substituted by a
// zero derivative.
var ErrGradientUnavailable = errors.New("gradient unavailable: output is not connected to the differentiated input")

// Wrt returns the per-example partials ∂sum(y)/∂x, shaped like x.
//
// For y shaped [batch, 1] and x shaped [batch, numFeatures] it returns the [batch,
// numFeatures] matrix of first partial derivatives of y with respect to each input feature.
// Use Column to select a single feature channel, and apply Wrt again on that column for a
// second-order derivative.
//
// It panics with ErrGradientUnavailable if x is not part of the computation that produced y.
func Wrt(y, x *Node) *Node {
	assertConnected(y, x)
	return Gradient(ReduceAllSum(y), x)[0]
}

// ColumnsWrt returns the matrix of column-wise partials ∂u[:, j]/∂x for all columns j at
// once, shaped like u. It requires x to have a single feature column (shape [batch, 1]),
// which is the discrete-time setting where every Runge-Kutta stage column of u is a function
// of the same spatial coordinate.
//
// A single reverse-mode pass can only produce the gradient of a scalar, which would sum the
// columns together. ColumnsWrt instead nests two passes: the inner pass computes the
// vector-Jacobian product against a probe tensor, and the outer pass differentiates that
// result with respect to the probe, recovering every column's derivative in one expression.
// The probe value itself cancels out, the inner result is linear in it.
func ColumnsWrt(u, x *Node) *Node {
	if x.Rank() != 2 || x.Shape().Dimensions[1] != 1 {
		exceptions.Panicf("diff.ColumnsWrt requires x shaped [batch, 1], got %s", x.Shape())
	}
	if u.Rank() != 2 || u.Shape().Dimensions[0] != x.Shape().Dimensions[0] {
		exceptions.Panicf("diff.ColumnsWrt requires u shaped [batch, columns] with the same batch as x, got u=%s, x=%s",
			u.Shape(), x.Shape())
	}
	assertConnected(u, x)
	probe := Ones(u.Graph(), u.Shape())
	vjp := Gradient(ReduceAllSum(Mul(u, probe)), x)[0]
	return Gradient(ReduceAllSum(vjp), probe)[0]
}

// Column returns feature channel i of x as a [batch, 1] node.
func Column(x *Node, i int) *Node {
	return SliceAxis(x, -1, AxisElem(i))
}

// assertConnected walks the graph upwards from y and panics with ErrGradientUnavailable if
// it never reaches x. Without the check, Gradient would silently return zeros for a
// disconnected input, hiding the wiring bug.
func assertConnected(y, x *Node) {
	visited := make(map[NodeId]bool)
	stack := []*Node{y}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == x {
			return
		}
		if visited[node.Id()] {
			continue
		}
		visited[node.Id()] = true
		stack = append(stack, node.Inputs()...)
	}
	panic(errors.WithMessagef(ErrGradientUnavailable, "differentiating %s with respect to %s", y, x))
}
