package model

import (
	. "github.com/gomlx/gomlx/graph"
)

// gateScores runs the instance-selection network over features [N, 3F]: ReLU hidden layers
// followed by one sigmoid unit, giving a score in (0, 1) per instance, [N].
func gateScores(p *paramNodes, features *Node) *Node {
	hidden := features
	last := len(p.nisWeights) - 1
	for i := range p.nisWeights {
		hidden = dense(hidden, p.nisWeights[i], p.nisBias[i])
		if i < last {
			hidden = Max(hidden, ZerosLike(hidden))
		}
	}
	return Sigmoid(Reshape(hidden, hidden.Shape().Dimensions[0]))
}

// keptInstances returns the [B, N] 0/1 mask of instances that survive the gate in each bag.
// An instance survives when its score reaches threshold. A bag where nothing survives keeps
// its highest scoring instance, so no bag is ever emptied by the gate.
// The mask is a selection, not a learned value: no gradient flows through it.
func keptInstances(scores, membership *Node, threshold float64) *Node {
	g := scores.Graph()
	dtype := membership.DType()
	scores = StopGradient(scores)
	bagScores := BroadcastToShape(InsertAxes(scores, 0), membership.Shape())

	passed := ConvertDType(GreaterOrEqual(bagScores, Scalar(g, bagScores.DType(), threshold)), dtype)
	kept := Mul(membership, passed)

	// Scores live in (0, 1): non-members are pushed to -1 so they never hold the bag maximum.
	candidates := Sub(Mul(bagScores, membership), Sub(OnesLike(membership), membership))
	best := BroadcastToShape(InsertAxes(ReduceMax(candidates, 1), 1), membership.Shape())
	top := Mul(ConvertDType(Equal(candidates, best), dtype), membership)
	keptCount := ReduceSum(kept, 1)
	nothingKept := ConvertDType(Equal(keptCount, ZerosLike(keptCount)), dtype)
	kept = Add(kept, Mul(top, BroadcastToShape(InsertAxes(nothingKept, 1), membership.Shape())))
	return StopGradient(kept)
}

// gateFeatures scales every instance feature [N, 3F] by its gate score [N].
func gateFeatures(features, scores *Node) *Node {
	return Mul(features, BroadcastToShape(InsertAxes(scores, 1), features.Shape()))
}
