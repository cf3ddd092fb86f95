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
	"github.com/gomlx/pinn/diff"
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is the cause returned when layer sizes, input bounds and input
	// features disagree. It is raised at construction or at the first graph build; no
	// partially constructed model is ever returned alongside it.
	ErrShapeMismatch = errors.New("shape mismatch between layer sizes, input bounds and inputs")

	// ErrGradientUnavailable mirrors diff.ErrGradientUnavailable: a requested derivative is
	// structurally disconnected from its input. Training aborts instead of substituting
	// the zero a disconnected gradient would otherwise silently produce.
	ErrGradientUnavailable = diff.ErrGradientUnavailable

	// ErrDivergence is the cause returned when the loss becomes non-finite during the
	// first-order phase. The model is left holding the parameters from the last progress
	// snapshot, taken every TrainConfig.ReportEvery steps, so the rollback lags the
	// divergence by at most one reporting interval; the caller decides whether to retry
	// with different hyperparameters.
	ErrDivergence = errors.New("loss diverged to a non-finite value")

	// ErrLineSearchFailure is recorded when the quasi-Newton line search cannot find an
	// improving step within its iteration cap. It is recoverable: the phase stops early and
	// the best parameters seen are kept.
	ErrLineSearchFailure = errors.New("quasi-Newton line search failed to find an improving step")
)
