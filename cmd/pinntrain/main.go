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

// pinntrain trains a physics-informed network on the viscous Burgers equation
// u_t + u·u_x = ν·u_xx over (x, t) ∈ [-1, 1] × [0, 1], with the initial condition
// u(x, 0) = −sin(πx) and zero Dirichlet boundaries, then prints the predicted
// solution profile at t = 1.
//
// The supervised points sample the initial and boundary conditions; the PDE itself is
// enforced at random collocation points. Training runs the two-phase schedule: Adam
// first, then L-BFGS.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pinn"
	"github.com/gomlx/pinn/pde"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagHidden       = flag.String("hidden", "20,20,20", "Comma-separated hidden layer widths")
	flagInitial      = flag.Int("initial_points", 50, "Number of initial-condition sample points")
	flagBoundary     = flag.Int("boundary_points", 25, "Number of boundary sample points per edge")
	flagCollocation  = flag.Int("collocation", 2000, "Number of PDE collocation points")
	flagAdamSteps    = flag.Int("adam_steps", 2000, "First-order (Adam) iterations")
	flagLBFGSSteps   = flag.Int("lbfgs_steps", 500, "Quasi-Newton (L-BFGS) iterations")
	flagLearningRate = flag.Float64("learning_rate", 1e-3, "Adam learning rate")
	flagNu           = flag.Float64("nu", 0, "Viscosity; 0 selects the canonical 0.01/π")
	flagSeed         = flag.Int64("seed", 42, "Random seed for data generation and initialization")
	flagReportEvery  = flag.Int("report_every", 100, "Progress-recording interval, in steps")
)

// layerSizes parses the -hidden flag into the full layer sequence for a (x, t) → u network.
func layerSizes(hidden string) []int {
	sizes := []int{2}
	for _, field := range strings.Split(hidden, ",") {
		width, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || width < 1 {
			klog.Fatalf("Invalid -hidden value %q", hidden)
		}
		sizes = append(sizes, width)
	}
	return append(sizes, 1)
}

// buildSamples assembles the supervised set (initial condition plus the two Dirichlet
// boundaries) and uniform random collocation points.
func buildSamples(rng *rand.Rand) pinn.Samples {
	numData := *flagInitial + 2**flagBoundary
	xData := make([]float64, 0, 2*numData)
	uData := make([]float64, 0, numData)

	// u(x, 0) = −sin(πx).
	for range *flagInitial {
		x := rng.Float64()*2 - 1
		xData = append(xData, x, 0)
		uData = append(uData, -math.Sin(math.Pi*x))
	}
	// u(±1, t) = 0.
	for range *flagBoundary {
		xData = append(xData, -1, rng.Float64())
		uData = append(uData, 0)
		xData = append(xData, 1, rng.Float64())
		uData = append(uData, 0)
	}

	collocation := make([]float64, 0, 2**flagCollocation)
	for range *flagCollocation {
		collocation = append(collocation, rng.Float64()*2-1, rng.Float64())
	}

	return pinn.Samples{
		X:           tensors.FromFlatDataAndDimensions(xData, numData, 2),
		U:           tensors.FromFlatDataAndDimensions(uData, numData, 1),
		Collocation: tensors.FromFlatDataAndDimensions(collocation, *flagCollocation, 2),
	}
}

func main() {
	flag.Parse()
	backend := backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())

	rng := rand.New(rand.NewSource(*flagSeed))
	samples := buildSamples(rng)
	fmt.Printf("Training data: %s supervised points, %s collocation points\n\n",
		samples.X.Shape(), samples.Collocation.Shape())

	model := must.M1(pinn.New(backend, pde.BurgersContinuous{Nu: *flagNu}, layerSizes(*flagHidden),
		[]float64{-1, 0}, []float64{1, 1}).
		WithSeed(*flagSeed).
		Done())

	totalSteps := *flagAdamSteps + *flagLBFGSSteps
	bar := progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true))
	start := time.Now()
	trajectory := must.M1(model.Train(samples, pinn.TrainConfig{
		FirstOrderIterations: *flagAdamSteps,
		LearningRate:         *flagLearningRate,
		ReportEvery:          *flagReportEvery,
		QuasiNewton: pinn.QuasiNewtonConfig{
			MaxIterations: *flagLBFGSSteps,
		},
		OnProgress: func(record pinn.ProgressRecord) {
			step := record.Step
			if record.Phase == pinn.PhaseQuasiNewton {
				step += *flagAdamSteps
			}
			_ = bar.Set(min(step, totalSteps))
			bar.Describe(fmt.Sprintf("%s loss=%.3e", record.Phase, record.Loss))
		},
	}))
	_ = bar.Finish()
	fmt.Printf("\n\nTrained for %s, %d trajectory records, final loss %.3e\n",
		time.Since(start).Round(time.Millisecond), len(trajectory), model.State().LastLoss)

	// Predicted profile at t = 1.
	const numQuery = 9
	query := make([]float64, 0, 2*numQuery)
	for i := range numQuery {
		query = append(query, -1+2*float64(i)/(numQuery-1), 1)
	}
	u, _ := must.M2(model.Predict(tensors.FromFlatDataAndDimensions(query, numQuery, 2)))
	fmt.Println("\nu(x, t=1):")
	for i, value := range pinn.Flatten(u) {
		fmt.Printf("  x=%+.2f  u=%+.5f\n", query[2*i], value)
	}
}
