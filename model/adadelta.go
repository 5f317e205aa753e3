package model

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// Adadelta hyper-parameters.
const (
	adadeltaRho          = 0.95
	adadeltaEpsilon      = 1e-6
	adadeltaLearningRate = 1.0

	adadeltaScope = "adadelta"
)

// adadelta keeps, for every trainable variable, the running averages of squared gradients
// and squared updates. One step is:
//
//	Eg  = rho*Eg + (1-rho)*g²
//	dx  = sqrt(Ed+eps) / sqrt(Eg+eps) * g
//	Ed  = rho*Ed + (1-rho)*dx²
//	x  -= lr*dx
//
// It implements optimizers.Interface.
type adadelta struct {
	rho, epsilon float64
}

func newAdadelta() optimizers.Interface {
	return &adadelta{rho: adadeltaRho, epsilon: adadeltaEpsilon}
}

// UpdateGraph builds one Adadelta step for every trainable variable used by g.
func (a *adadelta) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()
	learningRate := optimizers.LearningRateVar(ctx, dtype, adadeltaLearningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("no trainable variables in use by the graph")
	}
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx < len(grads) {
			a.applyGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	})
	if varIdx != len(grads) {
		Panicf("got gradients for %d variables, but adadelta sees %d trainable variables", len(grads), varIdx)
	}
}

func (a *adadelta) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, gradient, learningRate *Node) {
	gradSqVar, deltaSqVar := a.accumulators(ctx, v)
	gradSq := Add(MulScalar(gradSqVar.ValueGraph(g), a.rho), MulScalar(Mul(gradient, gradient), 1-a.rho))
	deltaSq := deltaSqVar.ValueGraph(g)
	delta := Mul(Div(Sqrt(AddScalar(deltaSq, a.epsilon)), Sqrt(AddScalar(gradSq, a.epsilon))), gradient)
	deltaSq = Add(MulScalar(deltaSq, a.rho), MulScalar(Mul(delta, delta), 1-a.rho))

	gradSqVar.SetValueGraph(gradSq)
	deltaSqVar.SetValueGraph(deltaSq)
	v.SetValueGraph(Sub(v.ValueGraph(g), Mul(delta, learningRate)))
}

// accumulators returns the zero-initialized running averages of v, stored under the
// "/adadelta" scope mirroring v's own scope.
func (a *adadelta) accumulators(ctx *context.Context, v *context.Variable) (gradSq, deltaSq *context.Variable) {
	scoped := ctx.Checked(false).InAbsPath(fmt.Sprintf("%s%s%s", context.ScopeSeparator, adadeltaScope, v.Scope())).
		WithInitializer(initializers.Zero)
	gradSq = scoped.VariableWithShape(v.Name()+"_grad_sq", v.Shape()).SetTrainable(false)
	deltaSq = scoped.VariableWithShape(v.Name()+"_delta_sq", v.Shape()).SetTrainable(false)
	return gradSq, deltaSq
}

// Clear deletes the accumulators.
func (a *adadelta) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + adadeltaScope).DeleteVariablesInScope()
}
