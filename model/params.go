package model

import (
	"fmt"
	"math"
	"path"
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/knights-analytics/apcnn/datasets"
)

// Tables are the initial embedding tables. Row 0 of every table is the padding row.
type Tables struct {
	Word      datasets.Table
	Position1 datasets.Table
	Position2 datasets.Table
}

func (t Tables) validate() error {
	if t.Word.Rows == 0 || t.Word.Cols == 0 {
		return fmt.Errorf("word embedding table is empty")
	}
	if t.Position1.Cols != t.Position2.Cols {
		return fmt.Errorf("position tables have different widths: %d and %d", t.Position1.Cols, t.Position2.Cols)
	}
	if t.Position1.Rows == 0 || t.Position2.Rows == 0 || t.Position1.Cols == 0 {
		return fmt.Errorf("position embedding tables are empty")
	}
	for name, table := range map[string]datasets.Table{"word": t.Word, "position1": t.Position1, "position2": t.Position2} {
		if len(table.Data) != table.Rows*table.Cols {
			return fmt.Errorf("%s table has %d values, expected %d x %d", name, len(table.Data), table.Rows, table.Cols)
		}
	}
	return nil
}

// parameter is one learned tensor of the model, registered under a stable name used by snapshots.
type parameter struct {
	name     string
	dims     []int
	variable *context.Variable
}

// parameters holds every learned tensor. The order of all() is fixed: it is the order
// snapshots are written in.
type parameters struct {
	word, position1, position2        *parameter
	convWeights, convBias             *parameter
	nisWeights, nisBias               []*parameter
	attentionWeights, attentionBias   *parameter
	classifierWeights, classifierBias *parameter
}

func (p *parameters) all() []*parameter {
	list := []*parameter{p.word, p.position1, p.position2, p.convWeights, p.convBias}
	for i := range p.nisWeights {
		list = append(list, p.nisWeights[i], p.nisBias[i])
	}
	return append(list, p.attentionWeights, p.attentionBias, p.classifierWeights, p.classifierBias)
}

func (p *parameters) byName(name string) (*parameter, bool) {
	for _, param := range p.all() {
		if param.name == name {
			return param, true
		}
	}
	return nil, false
}

// paramNodes are the graph views of the parameters inside one computation graph.
type paramNodes struct {
	word, position1, position2        *Node
	convWeights, convBias             *Node
	nisWeights, nisBias               []*Node
	attentionWeights, attentionBias   *Node
	classifierWeights, classifierBias *Node
}

func (p *parameters) nodes(g *Graph) *paramNodes {
	n := &paramNodes{
		word:              p.word.variable.ValueGraph(g),
		position1:         p.position1.variable.ValueGraph(g),
		position2:         p.position2.variable.ValueGraph(g),
		convWeights:       p.convWeights.variable.ValueGraph(g),
		convBias:          p.convBias.variable.ValueGraph(g),
		attentionWeights:  p.attentionWeights.variable.ValueGraph(g),
		attentionBias:     p.attentionBias.variable.ValueGraph(g),
		classifierWeights: p.classifierWeights.variable.ValueGraph(g),
		classifierBias:    p.classifierBias.variable.ValueGraph(g),
	}
	for i := range p.nisWeights {
		n.nisWeights = append(n.nisWeights, p.nisWeights[i].variable.ValueGraph(g))
		n.nisBias = append(n.nisBias, p.nisBias[i].variable.ValueGraph(g))
	}
	return n
}

// parameterValue is the host copy of one parameter, the form parameters are created from.
type parameterValue struct {
	name string
	dims []int
	data []float32
}

// fixedParameters counts the parameters outside the NIS layers.
const fixedParameters = 9

// initialValues returns the starting value of every parameter in all() order: embedding
// tables from tables, Xavier-uniform weights and zero biases for every layer.
func initialValues(config Config, tables Tables) ([]parameterValue, error) {
	if err := tables.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(config.Seed))
	wordDim := tables.Word.Cols
	inputDim := wordDim + 2*tables.Position1.Cols
	featureDim := config.FeatureDim()
	k := config.KernelSize

	var values []parameterValue
	add := func(name string, data []float32, dims ...int) {
		values = append(values, parameterValue{name: name, dims: dims, data: data})
	}
	add("embedding/word", slices.Clone(tables.Word.Data), tables.Word.Rows, wordDim)
	add("embedding/position1", slices.Clone(tables.Position1.Data), tables.Position1.Rows, tables.Position1.Cols)
	add("embedding/position2", slices.Clone(tables.Position2.Data), tables.Position2.Rows, tables.Position2.Cols)
	// A [F, 1, k, inputDim] convolution kernel, unfolded to [k*inputDim, F].
	add("pcnn/weights", xavierUniform(rng, k*inputDim, config.Filters*k*inputDim, k*inputDim*config.Filters), k*inputDim, config.Filters)
	add("pcnn/bias", make([]float32, config.Filters), config.Filters)

	in := featureDim
	for i, out := range append(slices.Clone(config.NISHiddenDims), 1) {
		scope := fmt.Sprintf("nis/layer_%d", i)
		add(scope+"/weights", xavierUniform(rng, in, out, in*out), in, out)
		add(scope+"/bias", make([]float32, out), out)
		in = out
	}

	attentionIn := featureDim + wordDim
	add("attention/weights", xavierUniform(rng, attentionIn, 1, attentionIn), attentionIn, 1)
	add("attention/bias", make([]float32, 1), 1)
	add("classifier/weights", xavierUniform(rng, featureDim, config.ClassNum, featureDim*config.ClassNum), featureDim, config.ClassNum)
	add("classifier/bias", make([]float32, config.ClassNum), config.ClassNum)
	return values, nil
}

// newParameters creates one variable per value in ctx. values must be in all() order.
func newParameters(ctx *context.Context, values []parameterValue) *parameters {
	created := make([]*parameter, len(values))
	for i, value := range values {
		scope, name := path.Split(value.name)
		created[i] = &parameter{
			name:     value.name,
			dims:     slices.Clone(value.dims),
			variable: inScope(ctx, strings.TrimSuffix(scope, "/")).VariableWithValue(name, tensors.FromFlatDataAndDimensions(slices.Clone(value.data), value.dims...)),
		}
	}
	nisEnd := len(created) - fixedParameters + 5
	p := &parameters{
		word:              created[0],
		position1:         created[1],
		position2:         created[2],
		convWeights:       created[3],
		convBias:          created[4],
		attentionWeights:  created[nisEnd],
		attentionBias:     created[nisEnd+1],
		classifierWeights: created[nisEnd+2],
		classifierBias:    created[nisEnd+3],
	}
	for i := 5; i < nisEnd; i += 2 {
		p.nisWeights = append(p.nisWeights, created[i])
		p.nisBias = append(p.nisBias, created[i+1])
	}
	return p
}

// inScope descends ctx into every component of a "/" separated scope.
func inScope(ctx *context.Context, scope string) *context.Context {
	for _, part := range strings.Split(scope, "/") {
		ctx = ctx.In(part)
	}
	return ctx
}

// xavierUniform draws n values from U(-a, a) with a = sqrt(6 / (fanIn + fanOut)).
func xavierUniform(rng *rand.Rand, fanIn, fanOut, n int) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	uniform := distuv.Uniform{Min: -bound, Max: bound, Src: rng}
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(uniform.Rand())
	}
	return values
}
