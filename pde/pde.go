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

// Package pde defines the partial differential equations a physics-informed model can be
// trained against.
//
// Each Definition is a pure function from the model outputs and their input derivatives to a
// batch of residual values that are zero at an exact solution. A Definition also declares
// which derivative channels it needs, so the trainer only builds the differentiation
// sub-graphs actually required.
//
// Input convention for continuous-time equations: feature column 0 is the spatial coordinate
// x and the last feature column is time t. Discrete-time equations take a single spatial
// feature and the model output carries one column per Runge-Kutta stage.
package pde

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Orders declares which derivative channels a Definition consumes.
type Orders struct {
	// Time requests ∂u/∂t for every output channel. Continuous-time only.
	Time bool

	// FirstSpace requests ∂u/∂x for every output channel.
	FirstSpace bool

	// SecondSpace requests ∂²u/∂x² for every output channel.
	SecondSpace bool
}

// Derivatives carries the model outputs and the derivative channels requested through
// Orders. Channels not requested are left nil. Each entry is indexed by output channel and
// shaped like the corresponding output.
type Derivatives struct {
	// U are the primal output channels.
	U []*Node

	// Ut, Ux and Uxx are the time, first and second spatial derivatives of each channel.
	Ut, Ux, Uxx []*Node
}

// Definition identifies one PDE variant: its residual formula, the derivative orders the
// formula consumes and the shape of the model output it expects.
//
// Implementations are immutable values; their fields are physical coefficients, never
// learned parameters.
type Definition interface {
	// NumOutputs is the number of output channels the model must produce per evaluation
	// point. Discrete-time definitions are evaluated on the stage matrix instead, and must
	// return 1.
	NumOutputs() int

	// Discrete reports whether this definition uses the discrete-time (Runge-Kutta)
	// formulation.
	Discrete() bool

	// Orders declares the derivative channels Residuals consumes.
	Orders() Orders

	// Residuals combines outputs and derivatives into one residual batch per output
	// channel. Each returned node matches the leading (batch) dimension of the inputs.
	Residuals(d *Derivatives) []*Node
}

// BurgersContinuous is the viscous Burgers equation u_t + u·u_x = ν·u_xx in its
// continuous-time formulation, with residual F = u_t + u·u_x − ν·u_xx.
type BurgersContinuous struct {
	// Nu is the viscosity coefficient. Zero selects the canonical 0.01/π.
	Nu float64
}

// DefaultBurgersNu is the viscosity used by BurgersContinuous when none is given.
var DefaultBurgersNu = 0.01 / math.Pi

func (b BurgersContinuous) NumOutputs() int { return 1 }
func (b BurgersContinuous) Discrete() bool  { return false }

func (b BurgersContinuous) Orders() Orders {
	return Orders{Time: true, FirstSpace: true, SecondSpace: true}
}

func (b BurgersContinuous) Residuals(d *Derivatives) []*Node {
	checkChannels(b, d, d.Ut, d.Ux, d.Uxx)
	nu := b.Nu
	if nu == 0 {
		nu = DefaultBurgersNu
	}
	u, ut, ux, uxx := d.U[0], d.Ut[0], d.Ux[0], d.Uxx[0]
	return []*Node{Sub(Add(ut, Mul(u, ux)), MulScalar(uxx, nu))}
}

// BurgersDiscrete is the reaction-diffusion equation trained with the discrete-time
// (Runge-Kutta) formulation. Its per-stage residual is F = A·U − B·U³ + κ·U_xx, applied
// element-wise to the stage matrix.
type BurgersDiscrete struct {
	// A and B are the reaction coefficients; zero values select the canonical 5.0.
	A, B float64

	// Kappa is the diffusion coefficient; zero selects the canonical 1e-4.
	Kappa float64
}

func (b BurgersDiscrete) NumOutputs() int { return 1 }
func (b BurgersDiscrete) Discrete() bool  { return true }

func (b BurgersDiscrete) Orders() Orders {
	return Orders{SecondSpace: true}
}

func (b BurgersDiscrete) Residuals(d *Derivatives) []*Node {
	checkChannels(b, d, d.Uxx)
	a, bCoef, kappa := b.A, b.B, b.Kappa
	if a == 0 {
		a = 5.0
	}
	if bCoef == 0 {
		bCoef = 5.0
	}
	if kappa == 0 {
		kappa = 1e-4
	}
	u, uxx := d.U[0], d.Uxx[0]
	cubic := Mul(Mul(u, u), u)
	return []*Node{Add(Sub(MulScalar(u, a), MulScalar(cubic, bCoef)), MulScalar(uxx, kappa))}
}

// Schrodinger is the nonlinear Schrödinger equation i·h_t + ½·h_xx + |h|²·h = 0 with
// h = u + i·v, decomposed into two real-valued residual channels so the real-valued
// optimizer can minimize them:
//
//	f_u = u_t + ½·v_xx + (u²+v²)·v
//	f_v = v_t − ½·u_xx − (u²+v²)·u
//
// The model must output the two channels (u, v) = (real, imaginary).
type Schrodinger struct{}

func (s Schrodinger) NumOutputs() int { return 2 }
func (s Schrodinger) Discrete() bool  { return false }

func (s Schrodinger) Orders() Orders {
	return Orders{Time: true, SecondSpace: true}
}

func (s Schrodinger) Residuals(d *Derivatives) []*Node {
	checkChannels(s, d, d.Ut, d.Uxx)
	u, v := d.U[0], d.U[1]
	magnitude := Add(Mul(u, u), Mul(v, v))
	fu := Add(Add(d.Ut[0], MulScalar(d.Uxx[1], 0.5)), Mul(magnitude, v))
	fv := Sub(Sub(d.Ut[1], MulScalar(d.Uxx[0], 0.5)), Mul(magnitude, u))
	return []*Node{fu, fv}
}

// Trivial is the degenerate definition F = 0 with the given number of output channels. It
// turns the physics-informed loss into a plain supervised fit and is useful for smoke tests
// of the training machinery.
type Trivial struct {
	// Outputs is the number of model output channels; zero selects 1.
	Outputs int
}

func (t Trivial) NumOutputs() int {
	if t.Outputs == 0 {
		return 1
	}
	return t.Outputs
}

func (t Trivial) Discrete() bool { return false }
func (t Trivial) Orders() Orders { return Orders{} }

func (t Trivial) Residuals(d *Derivatives) []*Node {
	residuals := make([]*Node, len(d.U))
	for i, u := range d.U {
		residuals[i] = ZerosLike(u)
	}
	return residuals
}

// checkChannels panics if the trainer handed this definition fewer channels than it declared
// through Orders, or if any requested channel is missing.
func checkChannels(def Definition, d *Derivatives, requested ...[]*Node) {
	want := def.NumOutputs()
	if def.Discrete() {
		want = 1
	}
	if len(d.U) != want {
		exceptions.Panicf("%T expects %d output channel(s), got %d", def, want, len(d.U))
	}
	for _, channel := range requested {
		if len(channel) != want {
			exceptions.Panicf("%T is missing a requested derivative channel: got %d of %d", def, len(channel), want)
		}
		for _, node := range channel {
			if node == nil {
				exceptions.Panicf("%T received a nil derivative channel", def)
			}
		}
	}
}
