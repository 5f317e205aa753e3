package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// outsidePiece is added to convolution outputs outside a piece so they never win the max-pool.
const outsidePiece = -1e9

// PieceMask returns the [length*3] row-major mask splitting a sentence of the given length into
// the three PCNN pieces: [0, e1], [e1, e2] and [e2, length-1]. Offsets are clamped into the
// sentence and ordered, so every piece holds at least one token even when an entity sits on
// the sentence boundary or both entities share a token.
func PieceMask(e1, e2, length int) []float32 {
	e1 = min(max(e1, 0), length-1)
	e2 = min(max(e2, 0), length-1)
	if e1 > e2 {
		e1, e2 = e2, e1
	}
	mask := make([]float32, length*3)
	for t := range length {
		if t <= e1 {
			mask[t*3] = 1
		}
		if t >= e1 && t <= e2 {
			mask[t*3+1] = 1
		}
		if t >= e2 {
			mask[t*3+2] = 1
		}
	}
	return mask
}

// piecewiseConvolution convolves embedded [N, L, D] along the sequence axis with zero padding
// kernelSize/2 on both sides, max-pools each of the three pieces given by pieces [N, L, 3] and
// returns tanh of the pooled features, [N, 3*filters]. Dropout is applied when training.
func piecewiseConvolution(ctx *context.Context, p *paramNodes, embedded, pieces *Node, kernelSize int, dropout float64, training bool) *Node {
	g := embedded.Graph()
	dims := embedded.Shape().Dimensions
	n, length, inputDim := dims[0], dims[1], dims[2]
	filters := p.convBias.Shape().Dimensions[0]

	padded := embedded
	if pad := kernelSize / 2; pad > 0 {
		zeros := Zeros(g, shapes.Make(embedded.DType(), n, pad, inputDim))
		padded = Concatenate([]*Node{zeros, embedded, zeros}, 1)
	}
	// Unfold the kernel windows so the convolution is a single matrix product: gather
	// [L, k] sequence positions from the padded sentence, then move the instance axis first.
	windows := Gather(TransposeAllDims(padded, 1, 0, 2), Const(g, windowIndices(length, kernelSize)))
	unfolded := Reshape(TransposeAllDims(windows, 2, 0, 1, 3), n*length, kernelSize*inputDim)
	convolved := dense(unfolded, p.convWeights, p.convBias)

	// [N, L, 3, F]: one copy of the convolution per piece, pushed down outside the piece.
	pieceShape := shapes.Make(convolved.DType(), n, length, 3, filters)
	convolved = BroadcastToShape(Reshape(convolved, n, length, 1, filters), pieceShape)
	penalty := MulScalar(AddScalar(BroadcastToShape(InsertAxes(pieces, -1), pieceShape), -1), -outsidePiece)
	pooled := ReduceMax(Add(convolved, penalty), 1)

	features := Tanh(Reshape(pooled, n, 3*filters))
	if training && dropout > 0 {
		features = layers.Dropout(ctx, features, Scalar(g, features.DType(), dropout))
	}
	return features
}

// windowIndices is the [length, kernelSize, 1] table of padded positions read by each
// output position: window t covers positions t to t+kernelSize-1.
func windowIndices(length, kernelSize int) [][][]int32 {
	indices := make([][][]int32, length)
	for t := range indices {
		indices[t] = make([][]int32, kernelSize)
		for offset := range kernelSize {
			indices[t][offset] = []int32{int32(t + offset)}
		}
	}
	return indices
}
