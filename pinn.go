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

// Package pinn trains physics-informed neural networks: function approximators fitted
// simultaneously to sparse measurements and to a partial differential equation, the latter
// enforced by differentiating the network's output with respect to its own inputs and
// penalizing the PDE residual.
//
// The package supports both formulations of the residual constraint:
//
//   - Continuous-time: the residual (including its time-derivative term) is evaluated at
//     arbitrary collocation points in the space-time domain.
//   - Discrete-time: a single fixed time step is advanced with a q-stage implicit
//     Runge-Kutta scheme (package irk); the network predicts all stage values at once and no
//     explicit time derivative appears.
//
// Training runs in two phases: a stochastic first-order phase (Adam) that cheaply removes
// the gross error, followed by a limited-memory quasi-Newton phase (L-BFGS) seeded with the
// first-order result, which is what reaches the final accuracy on the ill-conditioned
// residual term. See Model.Train.
//
// A minimal continuous-time session:
//
//	model := must.M1(pinn.New(backend, pde.BurgersContinuous{}, []int{2, 20, 20, 1},
//		[]float64{-1, 0}, []float64{1, 1}).Done())
//	traj, err := model.Train(pinn.Samples{X: x0, U: u0, Collocation: xf}, pinn.TrainConfig{
//		FirstOrderIterations: 10_000,
//	})
//	uPred, uxPred, err := model.Predict(xStar)
//
// PDE variants are defined in package pde; the Runge-Kutta tableau for discrete-time
// training in package irk.
package pinn

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/pinn/irk"
	"github.com/gomlx/pinn/pde"
	"github.com/pkg/errors"
)

// Model is a physics-informed network: the network parameters (held in a GoMLX context),
// the PDE definition they are trained against and, for discrete-time training, the
// Runge-Kutta tableau. All training state is owned by the Model value; there is no global
// state and no session object.
//
// A Model has exactly one writer (its own Train call) and is not safe for concurrent use
// while training; between training steps it is always in a valid, usable state.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	def     pde.Definition
	tableau *irk.Tableau

	layerSizes []int
	lb, ub     []float64
	dtype      dtypes.DType
	bounded    bool
	weights    Weights

	state       OptimizationState
	predictExec *context.Exec
}

// Weights scales the loss terms. The formula structure is fixed; only the relative
// importance of the terms is configurable. The zero value of any field selects 1.
type Weights struct {
	// Data scales the supervised data-fit term.
	Data float64

	// Residual scales the PDE residual term (continuous-time only).
	Residual float64

	// Boundary scales the boundary/periodicity terms.
	Boundary float64
}

func (w Weights) orDefault() Weights {
	if w.Data == 0 {
		w.Data = 1
	}
	if w.Residual == 0 {
		w.Residual = 1
	}
	if w.Boundary == 0 {
		w.Boundary = 1
	}
	return w
}

// Config configures a Model under construction. Create it with New, chain the With*
// methods and call Done.
type Config struct {
	backend    backends.Backend
	def        pde.Definition
	layerSizes []int
	lb, ub     []float64

	tableau *irk.Tableau
	dtype   dtypes.DType
	bounded bool
	weights Weights
	seed    int64
}

// New starts the construction of a Model for the given PDE definition.
//
// layerSizes is the full layer-size sequence [d0, d1, ..., dL]: d0 input features, dL
// output channels. lb and ub are the element-wise input bounds used to normalize inputs
// into [-1, 1]; they are captured here and never change. Call Done to validate and build.
func New(backend backends.Backend, def pde.Definition, layerSizes []int, lb, ub []float64) *Config {
	return &Config{
		backend:    backend,
		def:        def,
		layerSizes: layerSizes,
		lb:         lb,
		ub:         ub,
		dtype:      dtypes.Float64,
	}
}

// WithTableau sets the Runge-Kutta tableau. Required for (and only valid with) a
// discrete-time PDE definition.
func (c *Config) WithTableau(t *irk.Tableau) *Config {
	c.tableau = t
	return c
}

// WithDType sets the floating point type of parameters and computations. The default is
// float64: the quasi-Newton phase converges to losses well below float32 resolution.
func (c *Config) WithDType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	return c
}

// WithBoundedOutput applies a final Tanh to the network output, saturating it into
// [-1, 1]. Some PDE variants with known-bounded solutions train more stably this way.
func (c *Config) WithBoundedOutput() *Config {
	c.bounded = true
	return c
}

// WithLossWeights overrides the unit weights of the loss terms.
func (c *Config) WithLossWeights(w Weights) *Config {
	c.weights = w
	return c
}

// WithSeed fixes the random seed used for parameter initialization, for reproducible runs.
func (c *Config) WithSeed(seed int64) *Config {
	c.seed = seed
	return c
}

// Done validates the configuration and builds the Model, initializing its parameters with
// the Xavier scheme: a clipped normal rescaled to variance 2/(fanIn+fanOut). A validation
// failure returns ErrShapeMismatch (or a configuration error) and no model.
func (c *Config) Done() (*Model, error) {
	if c.backend == nil {
		return nil, errors.New("pinn.New: backend is required")
	}
	if c.def == nil {
		return nil, errors.New("pinn.New: a pde.Definition is required")
	}
	if len(c.layerSizes) < 2 {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"layerSizes must have at least input and output sizes, got %v", c.layerSizes)
	}
	for i, size := range c.layerSizes {
		if size < 1 {
			return nil, errors.WithMessagef(ErrShapeMismatch, "layerSizes[%d]=%d must be positive", i, size)
		}
	}
	numIn := c.layerSizes[0]
	numOut := c.layerSizes[len(c.layerSizes)-1]
	if len(c.lb) != numIn || len(c.ub) != numIn {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"input bounds must have one entry per input feature (%d), got lb=%d, ub=%d",
			numIn, len(c.lb), len(c.ub))
	}
	for i := range c.lb {
		if c.ub[i] <= c.lb[i] {
			return nil, errors.Errorf("pinn.New: ub[%d]=%g must be greater than lb[%d]=%g",
				i, c.ub[i], i, c.lb[i])
		}
	}
	if c.def.Discrete() {
		if c.tableau == nil {
			return nil, errors.New("pinn.New: a discrete-time definition requires WithTableau")
		}
		if numIn != 1 {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"discrete-time models take a single spatial input feature, got %d", numIn)
		}
		if numOut != c.tableau.NumPredicted() {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"discrete-time models must output one column per predicted stage: tableau predicts %d, network outputs %d",
				c.tableau.NumPredicted(), numOut)
		}
	} else {
		if c.tableau != nil {
			return nil, errors.New("pinn.New: WithTableau is only valid with a discrete-time definition")
		}
		if numOut != c.def.NumOutputs() {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"%T requires %d output channel(s), network outputs %d", c.def, c.def.NumOutputs(), numOut)
		}
		if c.def.Orders().Time && numIn < 2 {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"%T takes a time derivative and needs at least (x, t) input features, got %d", c.def, numIn)
		}
	}

	m := &Model{
		backend:    c.backend,
		ctx:        context.New(),
		def:        c.def,
		tableau:    c.tableau,
		layerSizes: append([]int(nil), c.layerSizes...),
		lb:         append([]float64(nil), c.lb...),
		ub:         append([]float64(nil), c.ub...),
		dtype:      c.dtype,
		bounded:    c.bounded,
		weights:    c.weights.orDefault(),
	}
	if c.seed != 0 {
		m.ctx.SetRNGStateFromSeed(c.seed)
	}
	if err := m.initParameters(); err != nil {
		return nil, err
	}
	return m, nil
}

// Context exposes the GoMLX context holding the network parameters, for external
// checkpointing or inspection. Mutating variables while Train is running is not supported.
func (m *Model) Context() *context.Context { return m.ctx }

// Definition returns the PDE definition this model is trained against.
func (m *Model) Definition() pde.Definition { return m.def }

// State returns a snapshot of the optimization state: current phase, step counter and the
// last observed loss.
func (m *Model) State() OptimizationState { return m.state }

// Predict evaluates the trained network on a batch of query inputs, shaped
// [numPoints, d0]. It returns the primal prediction and the spatial-derivative channel
// (∂u/∂x per output column), both shaped [numPoints, dL].
func (m *Model) Predict(inputs *tensors.Tensor) (u, ux *tensors.Tensor, err error) {
	if inputs.Rank() != 2 || inputs.Shape().Dimensions[1] != m.layerSizes[0] {
		return nil, nil, errors.WithMessagef(ErrShapeMismatch,
			"Predict takes inputs shaped [numPoints, %d], got %s", m.layerSizes[0], inputs.Shape())
	}
	if m.predictExec == nil {
		m.predictExec, err = context.NewExec(m.backend, m.ctx, m.predictGraph)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "building prediction graph")
		}
	}
	u, ux, err = m.predictExec.Exec2(inputs)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "predicting")
	}
	return
}
