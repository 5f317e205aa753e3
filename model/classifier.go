package model

import (
	. "github.com/gomlx/gomlx/graph"
)

// classify projects bag representations [B, 3F] to relation logits [B, C]. No activation:
// the cross-entropy loss and the evaluation softmax both take raw logits.
func classify(p *paramNodes, representation *Node) *Node {
	return dense(representation, p.classifierWeights, p.classifierBias)
}
