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
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"k8s.io/klog/v2"
)

// quasiNewtonPhase refines the parameters left by the first-order phase with limited-memory
// L-BFGS, driven by gonum/optimize. The network parameters are exchanged with gonum as one
// flat float64 vector in the deterministic trainableVariables order; loss and gradients come
// from a single GoMLX graph evaluation per point.
func (m *Model) quasiNewtonPhase(
	samples Samples, cfg TrainConfig, start time.Time, trajectory []ProgressRecord,
) ([]ProgressRecord, error) {
	qn := cfg.QuasiNewton
	if qn.MaxIterations <= 0 {
		return trajectory, nil
	}
	if qn.NumCorrectionPairs <= 0 {
		qn.NumCorrectionPairs = 50
	}
	if qn.MaxLineSearchIterations <= 0 {
		qn.MaxLineSearchIterations = 50
	}
	if qn.Tolerance <= 0 {
		qn.Tolerance = 1e-9
	}

	vars := m.trainableVariables()
	gradExec, err := m.newLossAndGradientsExec(samples, vars)
	if err != nil {
		return trajectory, errors.WithMessage(err, "building the quasi-Newton loss/gradient graph")
	}
	args := m.lossGraphArgs(samples)

	// gonum asks for function and gradient separately, usually back to back at the same
	// point; one graph execution serves both.
	var lastX, lastGrad []float64
	var lastLoss float64
	var evalErr error
	evaluate := func(x []float64) (float64, []float64) {
		if evalErr != nil {
			return math.NaN(), nil
		}
		if lastX != nil && floats.Equal(x, lastX) {
			return lastLoss, lastGrad
		}
		m.setFlatParameters(x, vars)
		var outputs []*tensors.Tensor
		if err := exceptions.TryCatch[error](func() {
			outputs = gradExec.MustExec(args...)
		}); err != nil {
			evalErr = err
			return math.NaN(), nil
		}
		lastX = append(lastX[:0], x...)
		lastLoss = tensors.ToScalar[float64](outputs[0])
		lastGrad = lastGrad[:0]
		for _, gradT := range outputs[1:] {
			lastGrad = appendTensorAsFloat64(lastGrad, gradT)
		}
		return lastLoss, lastGrad
	}

	recorder := &quasiNewtonRecorder{model: m, start: start, every: cfg.ReportEvery, onProgress: cfg.OnProgress}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			loss, _ := evaluate(x)
			return loss
		},
		Grad: func(grad, x []float64) {
			_, g := evaluate(x)
			if g != nil {
				copy(grad, g)
			}
		},
	}
	method := &optimize.LBFGS{
		Store: qn.NumCorrectionPairs,
		Linesearcher: &cappedLineSearch{
			inner: &optimize.MoreThuente{},
			cap:   qn.MaxLineSearchIterations,
		},
	}
	settings := &optimize.Settings{
		MajorIterations: qn.MaxIterations,
		Recorder:        recorder,
		Converger: &optimize.FunctionConverge{
			Relative:   qn.Tolerance,
			Iterations: 10,
		},
	}

	result, optErr := optimize.Minimize(problem, m.flatParameters(vars), settings, method)
	if evalErr != nil {
		return append(trajectory, recorder.records...), errors.WithMessage(evalErr, "quasi-Newton phase")
	}
	if optErr != nil {
		if isLineSearchFailure(optErr) {
			// Recoverable: stop the phase early and keep the best parameters found.
			klog.Warningf("%v (%v); keeping best parameters and stopping the quasi-Newton phase", ErrLineSearchFailure, optErr)
		} else {
			return append(trajectory, recorder.records...), errors.WithMessage(optErr, "quasi-Newton phase")
		}
	}
	if result != nil {
		m.setFlatParameters(result.X, vars)
		m.state.LastLoss = result.F
		trajectory = append(trajectory, recorder.records...)
		final := ProgressRecord{
			Phase:   PhaseQuasiNewton,
			Step:    m.state.Step + 1,
			Loss:    result.F,
			Elapsed: time.Since(start),
		}
		trajectory = append(trajectory, final)
		if cfg.OnProgress != nil {
			cfg.OnProgress(final)
		}
		klog.V(1).Infof("quasi-Newton finished: loss=%.6e status=%v", result.F, result.Status)
	}
	return trajectory, nil
}

func isLineSearchFailure(err error) bool {
	return errors.Is(err, optimize.ErrLinesearcherFailure) ||
		errors.Is(err, optimize.ErrLinesearcherBound) ||
		errors.Is(err, optimize.ErrNoProgress)
}

// newLossAndGradientsExec builds the graph evaluating the loss and its gradients with
// respect to the given variables, in order: outputs[0] is the float64 loss, outputs[1:] the
// per-variable gradients as float64.
func (m *Model) newLossAndGradientsExec(samples Samples, vars []*context.Variable) (*context.Exec, error) {
	build := func(ctx *context.Context, loss *Node) []*Node {
		g := loss.Graph()
		varNodes := make([]*Node, len(vars))
		for i, v := range vars {
			varNodes[i] = v.ValueGraph(g)
		}
		grads := Gradient(ConvertDType(loss, m.dtype), varNodes...)
		outputs := make([]*Node, 0, len(grads)+1)
		outputs = append(outputs, ConvertDType(loss, dtypes.Float64))
		for _, grad := range grads {
			outputs = append(outputs, ConvertDType(grad, dtypes.Float64))
		}
		return outputs
	}
	if m.def.Discrete() {
		return context.NewExecAny(m.backend, m.ctx,
			func(ctx *context.Context, x0, u0, xLb, xUb *Node) []*Node {
				return build(ctx, m.discreteLossGraph(ctx, x0, u0, xLb, xUb))
			})
	}
	if samples.BoundaryLower != nil {
		return context.NewExecAny(m.backend, m.ctx,
			func(ctx *context.Context, xData, uData, xColl, xLb, xUb *Node) []*Node {
				return build(ctx, m.continuousLossGraph(ctx, xData, uData, xColl, xLb, xUb))
			})
	}
	return context.NewExecAny(m.backend, m.ctx,
		func(ctx *context.Context, xData, uData, xColl *Node) []*Node {
			return build(ctx, m.continuousLossGraph(ctx, xData, uData, xColl, nil, nil))
		})
}

// flatParameters copies the given variables into one flat float64 vector.
func (m *Model) flatParameters(vars ...[]*context.Variable) []float64 {
	list := m.trainableVariables()
	if len(vars) > 0 {
		list = vars[0]
	}
	var flat []float64
	for _, v := range list {
		flat = appendTensorAsFloat64(flat, v.MustValue())
	}
	return flat
}

// setFlatParameters writes a flat float64 vector back into the variables, converting to the
// model dtype.
func (m *Model) setFlatParameters(flat []float64, vars ...[]*context.Variable) {
	list := m.trainableVariables()
	if len(vars) > 0 {
		list = vars[0]
	}
	offset := 0
	for _, v := range list {
		size := v.Shape().Size()
		segment := flat[offset : offset+size]
		offset += size
		dims := v.Shape().Dimensions
		switch v.DType() {
		case dtypes.Float64:
			v.MustSetValue(tensors.FromFlatDataAndDimensions(append([]float64(nil), segment...), dims...))
		case dtypes.Float32:
			converted := make([]float32, size)
			for i, value := range segment {
				converted[i] = float32(value)
			}
			v.MustSetValue(tensors.FromFlatDataAndDimensions(converted, dims...))
		default:
			exceptions.Panicf("unsupported parameter dtype %s", v.DType())
		}
	}
	if offset != len(flat) {
		exceptions.Panicf("flat parameter vector has %d values, variables hold %d", len(flat), offset)
	}
}

// appendTensorAsFloat64 appends the tensor's flat values to dst, converting from the model
// dtype when needed.
func appendTensorAsFloat64(dst []float64, t *tensors.Tensor) []float64 {
	switch t.Shape().DType {
	case dtypes.Float64:
		tensors.MustConstFlatData[float64](t, func(flat []float64) {
			dst = append(dst, flat...)
		})
	case dtypes.Float32:
		tensors.MustConstFlatData[float32](t, func(flat []float32) {
			for _, value := range flat {
				dst = append(dst, float64(value))
			}
		})
	default:
		exceptions.Panicf("unsupported tensor dtype %s", t.Shape().DType)
	}
	return dst
}

// quasiNewtonRecorder feeds gonum's major-iteration stream into the model's optimization
// state and the trajectory log.
type quasiNewtonRecorder struct {
	model      *Model
	start      time.Time
	every      int
	onProgress func(ProgressRecord)
	records    []ProgressRecord
}

func (r *quasiNewtonRecorder) Init() error { return nil }

func (r *quasiNewtonRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	r.model.state.Step++
	r.model.state.LastLoss = loc.F
	if r.model.state.Step%r.every == 0 {
		record := ProgressRecord{
			Phase:   PhaseQuasiNewton,
			Step:    r.model.state.Step,
			Loss:    loc.F,
			Elapsed: time.Since(r.start),
		}
		r.records = append(r.records, record)
		if r.onProgress != nil {
			r.onProgress(record)
		}
	}
	return nil
}

// cappedLineSearch bounds the number of inner line-search iterations per step; the wrapped
// Linesearcher otherwise decides the step sizes. Exhausting the cap surfaces as
// optimize.ErrLinesearcherFailure, which the phase treats as a stop signal, not a fatal
// error.
type cappedLineSearch struct {
	inner optimize.Linesearcher
	cap   int
	count int
}

func (c *cappedLineSearch) Init(value, derivative float64, step float64) optimize.Operation {
	c.count = 0
	return c.inner.Init(value, derivative, step)
}

func (c *cappedLineSearch) Iterate(value, derivative float64) (optimize.Operation, float64, error) {
	c.count++
	if c.count > c.cap {
		return optimize.NoOperation, 0, optimize.ErrLinesearcherFailure
	}
	return c.inner.Iterate(value, derivative)
}
