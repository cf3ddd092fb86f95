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
	"time"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Phase identifies the stage of the two-phase optimization schedule.
type Phase int

const (
	// PhaseFirstOrder is the stochastic, adaptive-moment (Adam) phase. It removes the
	// gross error cheaply but stalls on the ill-conditioned residual term.
	PhaseFirstOrder Phase = iota

	// PhaseQuasiNewton is the limited-memory L-BFGS phase, seeded with the first-order
	// result. This is where the final accuracy is reached.
	PhaseQuasiNewton

	// PhaseConverged is terminal.
	PhaseConverged
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseFirstOrder:
		return "FirstOrder"
	case PhaseQuasiNewton:
		return "QuasiNewton"
	case PhaseConverged:
		return "Converged"
	}
	return "InvalidPhase"
}

// OptimizationState tracks training progress. Phase transitions are monotonic:
// FirstOrder → QuasiNewton → Converged, never backward.
type OptimizationState struct {
	// Phase is the current optimization phase.
	Phase Phase

	// Step counts optimization steps within the current phase.
	Step int

	// LastLoss is the most recent loss value observed.
	LastLoss float64
}

// advance moves the state machine forward. Regressions are programming errors and panic.
func (m *Model) advance(to Phase) {
	if to < m.state.Phase {
		exceptions.Panicf("optimization phase cannot regress from %s to %s", m.state.Phase, to)
	}
	if to != m.state.Phase {
		m.state.Phase = to
		m.state.Step = 0
	}
}

// ProgressRecord is one entry of the loss/time trajectory log.
type ProgressRecord struct {
	// Phase the record was taken in.
	Phase Phase

	// Step within the phase (1-based).
	Step int

	// Loss at this step.
	Loss float64

	// Elapsed wall time since Train started.
	Elapsed time.Duration
}

// Samples carries the training point sets as plain tensors; generating them is the
// caller's concern. All tensors are rank-2 with the model's input feature count as the
// second dimension (targets use the output channel count).
type Samples struct {
	// X and U are the supervised measurement points and their values: for continuous-time
	// models the initial/boundary data, for discrete-time models the t0 snapshot.
	X, U *tensors.Tensor

	// Collocation are the residual-penalty points. Continuous-time only.
	Collocation *tensors.Tensor

	// BoundaryLower and BoundaryUpper are matching point batches on the two domain edges,
	// used for the periodicity terms. Optional for continuous-time models, required for
	// discrete-time ones (a single point each).
	BoundaryLower, BoundaryUpper *tensors.Tensor
}

func (s *Samples) validate(m *Model) error {
	if s.X == nil || s.U == nil {
		return errors.New("Samples.X and Samples.U are required")
	}
	if m.def.Discrete() {
		if s.Collocation != nil {
			return errors.New("discrete-time training takes no collocation points")
		}
		if s.BoundaryLower == nil || s.BoundaryUpper == nil {
			return errors.New("discrete-time training requires the two boundary points")
		}
		// The periodicity term compares exactly one row per edge; extra rows would be
		// silently paired against each other.
		for _, b := range []*tensors.Tensor{s.BoundaryLower, s.BoundaryUpper} {
			if b.Rank() != 2 || b.Shape().Dimensions[0] != 1 {
				return errors.WithMessagef(ErrShapeMismatch,
					"discrete-time boundary tensors take one point each, shaped [1, %d], got %s",
					m.layerSizes[0], b.Shape())
			}
		}
		return nil
	}
	if s.Collocation == nil {
		return errors.New("continuous-time training requires collocation points")
	}
	if (s.BoundaryLower == nil) != (s.BoundaryUpper == nil) {
		return errors.New("boundary points must be given as a lower/upper pair")
	}
	if s.BoundaryLower != nil && !s.BoundaryLower.Shape().Equal(s.BoundaryUpper.Shape()) {
		return errors.WithMessagef(ErrShapeMismatch,
			"boundary points pair up row by row: lower is %s, upper is %s",
			s.BoundaryLower.Shape(), s.BoundaryUpper.Shape())
	}
	return nil
}

// QuasiNewtonConfig bounds the second training phase.
type QuasiNewtonConfig struct {
	// MaxIterations caps the outer L-BFGS iterations. Zero disables the phase.
	MaxIterations int

	// NumCorrectionPairs is the limited-memory history size. Zero selects 50.
	NumCorrectionPairs int

	// MaxLineSearchIterations caps each line search; exhausting it stops the phase early
	// with the best parameters found (ErrLineSearchFailure is logged, not returned). Zero
	// selects 50.
	MaxLineSearchIterations int

	// Tolerance stops the phase when the relative loss improvement falls below it. Zero
	// selects 1e-9.
	Tolerance float64
}

// TrainConfig enumerates the training schedule knobs.
type TrainConfig struct {
	// FirstOrderIterations is the length of the Adam phase.
	FirstOrderIterations int

	// LearningRate for the Adam phase. Zero selects 1e-3.
	LearningRate float64

	// ReportEvery is the progress-recording interval, in steps. Zero selects 10.
	ReportEvery int

	// OnProgress, if set, is called synchronously with every trajectory record as it is
	// produced, for progress bars and live monitoring.
	OnProgress func(ProgressRecord)

	// QuasiNewton bounds the second phase.
	QuasiNewton QuasiNewtonConfig
}

// Train drives the two-phase optimization schedule over the given samples and returns the
// loss/time trajectory. The Model's parameters are mutated in place; they are never
// recreated, so a Train call can resume from a previous one.
//
// Errors: ErrDivergence (non-finite loss; parameters are restored to the last finite
// snapshot) and structural graph errors (including ErrGradientUnavailable and
// ErrShapeMismatch) abort training. A quasi-Newton line-search failure does not: the best
// parameters found are kept and the model still reaches PhaseConverged.
func (m *Model) Train(samples Samples, cfg TrainConfig) ([]ProgressRecord, error) {
	if err := samples.validate(m); err != nil {
		return nil, err
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-3
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = 10
	}

	m.state = OptimizationState{Phase: PhaseFirstOrder}
	start := time.Now()
	trajectory, err := m.firstOrderPhase(samples, cfg, start)
	if err != nil {
		return trajectory, err
	}

	m.advance(PhaseQuasiNewton)
	trajectory, err = m.quasiNewtonPhase(samples, cfg, start, trajectory)
	if err != nil {
		return trajectory, err
	}

	m.advance(PhaseConverged)
	klog.V(1).Infof("training converged: final loss %g after %s", m.state.LastLoss, time.Since(start))
	return trajectory, nil
}

// Loss evaluates the current composite objective on the given samples, without updating any
// parameter. It is the same value Train minimizes.
func (m *Model) Loss(samples Samples) (float64, error) {
	if err := samples.validate(m); err != nil {
		return 0, err
	}
	lossExec, err := m.newLossExec(samples, nil)
	if err != nil {
		return 0, errors.WithMessage(err, "building the loss graph")
	}
	defer lossExec.Finalize()
	lossT, err := lossExec.Exec1(m.lossGraphArgs(samples)...)
	if err != nil {
		return 0, errors.WithMessage(err, "evaluating the loss")
	}
	return tensors.ToScalar[float64](lossT), nil
}

// lossGraphArgs returns the tensor arguments the loss graph takes, in the order the
// graph-building adapters expect them.
func (m *Model) lossGraphArgs(samples Samples) []any {
	if m.def.Discrete() {
		return []any{samples.X, samples.U, samples.BoundaryLower, samples.BoundaryUpper}
	}
	if samples.BoundaryLower != nil {
		return []any{samples.X, samples.U, samples.Collocation, samples.BoundaryLower, samples.BoundaryUpper}
	}
	return []any{samples.X, samples.U, samples.Collocation}
}

// newLossExec builds an Exec over the loss graph. If opt is non-nil, the graph also applies
// one optimizer update per call, making it a training-step graph.
func (m *Model) newLossExec(samples Samples, opt optimizers.Interface) (*context.Exec, error) {
	withUpdate := func(ctx *context.Context, loss *Node) *Node {
		if opt != nil {
			opt.UpdateGraph(ctx, loss.Graph(), ConvertDType(loss, m.dtype))
		}
		return loss
	}
	if m.def.Discrete() {
		return context.NewExec(m.backend, m.ctx,
			func(ctx *context.Context, x0, u0, xLb, xUb *Node) *Node {
				return withUpdate(ctx, m.discreteLossGraph(ctx, x0, u0, xLb, xUb))
			})
	}
	if samples.BoundaryLower != nil {
		return context.NewExec(m.backend, m.ctx,
			func(ctx *context.Context, xData, uData, xColl, xLb, xUb *Node) *Node {
				return withUpdate(ctx, m.continuousLossGraph(ctx, xData, uData, xColl, xLb, xUb))
			})
	}
	return context.NewExec(m.backend, m.ctx,
		func(ctx *context.Context, xData, uData, xColl *Node) *Node {
			return withUpdate(ctx, m.continuousLossGraph(ctx, xData, uData, xColl, nil, nil))
		})
}

// firstOrderPhase runs the Adam loop: one full-batch update per step, a trajectory record
// every ReportEvery steps and a parameter snapshot alongside each record so a divergence
// can roll back to the last finite state.
func (m *Model) firstOrderPhase(samples Samples, cfg TrainConfig, start time.Time) ([]ProgressRecord, error) {
	var trajectory []ProgressRecord
	if cfg.FirstOrderIterations <= 0 {
		return trajectory, nil
	}

	adam := optimizers.Adam().LearningRate(cfg.LearningRate).Done()
	stepExec, err := m.newLossExec(samples, adam)
	if err != nil {
		return nil, errors.WithMessage(err, "building the first-order training step")
	}
	args := m.lossGraphArgs(samples)

	snapshot := m.flatParameters()
	for step := 1; step <= cfg.FirstOrderIterations; step++ {
		lossT, err := stepExec.Exec1(args...)
		if err != nil {
			return trajectory, errors.WithMessagef(err, "first-order step %d", step)
		}
		loss := tensors.ToScalar[float64](lossT)
		m.state.Step = step
		m.state.LastLoss = loss

		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			m.setFlatParameters(snapshot)
			return trajectory, errors.WithMessagef(ErrDivergence,
				"first-order step %d; parameters restored to last reported step", step)
		}
		if step%cfg.ReportEvery == 0 || step == cfg.FirstOrderIterations {
			record := ProgressRecord{
				Phase:   PhaseFirstOrder,
				Step:    step,
				Loss:    loss,
				Elapsed: time.Since(start),
			}
			trajectory = append(trajectory, record)
			if cfg.OnProgress != nil {
				cfg.OnProgress(record)
			}
			snapshot = m.flatParameters()
			klog.V(1).Infof("first-order step %d: loss=%.6e elapsed=%s", step, loss, time.Since(start))
		}
	}
	return trajectory, nil
}
