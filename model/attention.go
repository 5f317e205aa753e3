package model

import (
	. "github.com/gomlx/gomlx/graph"
)

// attentionWeights scores every gated instance feature masked [N, 3F] against the entity pair
// of its bag and normalizes the scores over the kept instances of each bag.
//
//   - kept: [B, N] 0/1 mask of the instances each bag aggregates.
//   - entities: int32 [B, 2] word ids of each bag's entity pair.
//   - bagIndex: int32 [N] bag of each instance.
//
// Returns [B, N] weights: non-negative, summing to 1 over each bag's kept instances.
func attentionWeights(p *paramNodes, masked, kept, entities, bagIndex *Node) *Node {
	g := masked.Graph()
	numInstances := masked.Shape().Dimensions[0]

	// Head minus tail of every entity pair, [B, wordDim].
	pair := lookup(p.word, entities)
	signs := BroadcastToShape(Reshape(Const(g, []float32{1, -1}), 1, 2, 1), pair.Shape())
	relation := lookup(ReduceSum(Mul(pair, signs), 1), bagIndex)

	scores := Tanh(dense(Concatenate([]*Node{masked, relation}, 1), p.attentionWeights, p.attentionBias))
	// Scores are tanh bounded, so exp needs no max shift.
	expScores := BroadcastToShape(InsertAxes(Exp(Reshape(scores, numInstances)), 0), kept.Shape())
	unnormalized := Mul(kept, expScores)
	total := AddScalar(ReduceSum(unnormalized, 1), 1e-12)
	return Div(unnormalized, BroadcastToShape(InsertAxes(total, 1), kept.Shape()))
}

// aggregate is the weighted sum of instance features [N, D] per bag, for weights [B, N].
func aggregate(weights, features *Node) *Node {
	return Dot(weights, features)
}
