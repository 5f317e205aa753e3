package model

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/knights-analytics/apcnn/datasets"
	"github.com/knights-analytics/apcnn/options"
)

// Graph inputs, in order.
const (
	inputWords = iota
	inputPosition1
	inputPosition2
	inputPieces
	inputMembership
	inputBagIndex
	inputEntities
)

// batch is a group of bags packed into the padded tensors of one graph call. The instances
// of every bag are laid out one after the other; membership [B, N] tells which rows belong
// to which bag. Padding rows and padding bags belong to nothing.
type batch struct {
	bags         []datasets.Bag
	offsets      []int // row of each bag's first instance
	numInstances int   // padded N
	numBags      int   // padded B
	inputs       []*tensors.Tensor
	labels       []*tensors.Tensor // one-hot relations [B, C] and the real-bag mask [B]
}

func (m *Model) encodeBatch(bags []datasets.Bag, withLabels bool) (*batch, error) {
	if len(bags) == 0 {
		return nil, fmt.Errorf("batch has no bags")
	}
	length := m.config.PaddedLen()
	instances := 0
	offsets := make([]int, len(bags))
	for i := range bags {
		if err := bags[i].Validate(length, m.config.ClassNum); err != nil {
			return nil, err
		}
		offsets[i] = instances
		instances += bags[i].InstanceCount
	}
	n := options.BucketSize(instances, m.options.GoMLXOptions.InstanceBuckets)
	b := options.BucketSize(len(bags), m.options.GoMLXOptions.BagBuckets)

	words := make([]int32, n*length)
	position1 := make([]int32, n*length)
	position2 := make([]int32, n*length)
	pieces := make([]float32, n*length*3)
	membership := make([]float32, b*n)
	bagIndex := make([]int32, n)
	entities := make([]int32, b*2)
	for i, bag := range bags {
		ids := m.dictionary.EntityIDs(bag.EntityPair)
		entities[2*i], entities[2*i+1] = ids[0], ids[1]
		for j := range bag.InstanceCount {
			row := offsets[i] + j
			copy(words[row*length:(row+1)*length], bag.Sentences[j])
			copy(position1[row*length:(row+1)*length], bag.Positions[j][0])
			copy(position2[row*length:(row+1)*length], bag.Positions[j][1])
			copy(pieces[row*length*3:(row+1)*length*3], PieceMask(bag.EntityPos[j][0], bag.EntityPos[j][1], length))
			membership[i*n+row] = 1
			bagIndex[row] = int32(i)
		}
	}
	// Padding rows pool over the whole sentence so their features stay finite.
	for i := instances * length * 3; i < len(pieces); i++ {
		pieces[i] = 1
	}
	if err := checkRange("word id", m.wordRows, words, entities); err != nil {
		return nil, err
	}
	if err := checkRange("position id", m.positionRows, position1, position2); err != nil {
		return nil, err
	}

	encoded := &batch{
		bags:         bags,
		offsets:      offsets,
		numInstances: n,
		numBags:      b,
		inputs: []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions(words, n, length),
			tensors.FromFlatDataAndDimensions(position1, n, length),
			tensors.FromFlatDataAndDimensions(position2, n, length),
			tensors.FromFlatDataAndDimensions(pieces, n, length, 3),
			tensors.FromFlatDataAndDimensions(membership, b, n),
			tensors.FromFlatDataAndDimensions(bagIndex, n),
			tensors.FromFlatDataAndDimensions(entities, b, 2),
		},
	}
	if withLabels {
		labels := make([]float32, b*m.config.ClassNum)
		present := make([]bool, b)
		for i, bag := range bags {
			labels[i*m.config.ClassNum+int(bag.Relation)] = 1
			present[i] = true
		}
		encoded.labels = []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions(labels, b, m.config.ClassNum),
			tensors.FromFlatDataAndDimensions(present, b),
		}
	}
	return encoded, nil
}

func checkRange(what string, rows int, values ...[]int32) error {
	for _, list := range values {
		for _, value := range list {
			if value < 0 || int(value) >= rows {
				return fmt.Errorf("%s %d out of range [0, %d)", what, value, rows)
			}
		}
	}
	return nil
}

// forwardNodes are the results of the forward graph.
type forwardNodes struct {
	logits   *Node // [B, C]
	weights  *Node // [B, N] weight of every instance in its bag's representation
	codes    *Node // [B] RouteKind of every bag
	features *Node // [N, 3F] PCNN features
}

// forwardGraph runs every bag of a packed batch through the model. Each bag takes one
// route: its single PCNN feature (Direct), its single gated instance (Survivor) or the
// attention-weighted sum of its gated instances (Attended).
func (m *Model) forwardGraph(ctx *context.Context, p *paramNodes, inputs []*Node) forwardNodes {
	g := inputs[0].Graph()
	membership := inputs[inputMembership]

	embedded := embedTokens(p, inputs[inputWords], inputs[inputPosition1], inputs[inputPosition2])
	features := piecewiseConvolution(ctx, p, embedded, inputs[inputPieces], m.config.KernelSize, m.config.Dropout, ctx.IsTraining(g))
	scores := gateScores(p, features)
	kept := keptInstances(scores, membership, m.config.GateThreshold)
	masked := gateFeatures(features, scores)
	attention := attentionWeights(p, masked, kept, inputs[inputEntities], inputs[inputBagIndex])
	direct, survivor, codes := routes(membership, kept)

	representation := choose(direct, aggregate(membership, features),
		choose(survivor, aggregate(kept, masked), aggregate(attention, masked)))
	return forwardNodes{
		logits:   classify(p, representation),
		weights:  choose(direct, membership, choose(survivor, kept, attention)),
		codes:    codes,
		features: features,
	}
}
