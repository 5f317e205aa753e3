package model

import (
	. "github.com/gomlx/gomlx/graph"
)

// embedTokens looks up words [N, L], position1 [N, L] and position2 [N, L] in their tables and
// concatenates them per token: [N, L, wordDim + 2*positionDim].
func embedTokens(p *paramNodes, words, position1, position2 *Node) *Node {
	wordEmbed := lookup(p.word, words)
	position1Embed := lookup(p.position1, position1)
	position2Embed := lookup(p.position2, position2)
	return Concatenate([]*Node{wordEmbed, position1Embed, position2Embed}, wordEmbed.Rank()-1)
}

// lookup gathers rows of table [V, D] for every id in ids [...], returning [..., D].
func lookup(table, ids *Node) *Node {
	return Gather(table, InsertAxes(ids, -1))
}

// addBias adds bias [D] to every row of x [..., D].
func addBias(x, bias *Node) *Node {
	expanded := bias
	for expanded.Rank() < x.Rank() {
		expanded = InsertAxes(expanded, 0)
	}
	return Add(x, BroadcastToShape(expanded, x.Shape()))
}

// dense is x [M, in] · weights [in, out] + bias [out].
func dense(x, weights, bias *Node) *Node {
	return addBias(Dot(x, weights), bias)
}
