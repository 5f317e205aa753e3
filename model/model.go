package model

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/knights-analytics/apcnn/datasets"
	"github.com/knights-analytics/apcnn/options"
	"github.com/knights-analytics/apcnn/util/vectorutil"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Model is the APCNN+NIS relation classifier. It owns its parameters, the optimizer state
// and the compiled executors. A Model is not safe for concurrent use.
type Model struct {
	config       Config
	dictionary   datasets.Dictionary
	options      *options.Options
	wordRows     int
	positionRows int

	backend     backends.Backend
	ctx         *context.Context
	params      *parameters
	trainer     *train.Trainer
	forwardExec *context.Exec
}

// BagOutput is the forward result of one bag.
type BagOutput struct {
	Logits []float32
	Route  Route
}

// New builds a model with embedding tables initialized from tables and fresh weights
// for every other layer. Entity pairs are mapped to word ids through dictionary.
// A nil opts uses options.Defaults().
func New(config Config, tables Tables, dictionary datasets.Dictionary, opts *options.Options) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = options.Defaults()
	}
	backendConfig, err := opts.BackendConfig()
	if err != nil {
		return nil, err
	}
	values, err := initialValues(config, tables)
	if err != nil {
		return nil, err
	}
	m := &Model{
		config:       config,
		dictionary:   dictionary,
		options:      opts,
		wordRows:     tables.Word.Rows,
		positionRows: min(tables.Position1.Rows, tables.Position2.Rows),
	}
	err = exceptions.TryCatch[error](func() {
		m.backend = backends.NewWithConfig(backendConfig)
	})
	if err == nil {
		err = m.build(values)
	}
	if err != nil {
		m.Destroy()
		return nil, fmt.Errorf("creating model: %w", err)
	}
	return m, nil
}

// build replaces the context with a new one holding values, and recreates the trainer and
// the executors over it. Optimizer state starts from zero.
func (m *Model) build(values []parameterValue) error {
	m.release()
	return exceptions.TryCatch[error](func() {
		m.ctx = context.New()
		m.ctx.RngStateFromSeed(int64(m.config.Seed))
		m.params = newParameters(m.ctx, values)

		m.trainer = train.NewTrainer(m.backend, m.ctx, m.modelFn, losses.CategoricalCrossEntropyLogits, newAdadelta(), nil, nil)
		m.trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			exec.SetMaxCache(-1)
		})
		m.forwardExec = context.NewExec(m.backend, m.ctx, m.forwardFunc)
		m.forwardExec.SetMaxCache(-1)
	})
}

// release frees the executors and the variables, keeping the backend.
func (m *Model) release() {
	if m.trainer != nil {
		m.trainer.ResetComputationGraphs()
		m.trainer = nil
	}
	if m.forwardExec != nil {
		m.forwardExec.Finalize()
		m.forwardExec = nil
	}
	if m.ctx != nil {
		m.ctx.Finalize()
		m.ctx = nil
	}
}

func (m *Model) forwardFunc(ctx *context.Context, inputs []*Node) []*Node {
	out := m.forwardGraph(ctx, m.params.nodes(inputs[0].Graph()), inputs)
	return []*Node{out.logits, out.weights, out.codes, out.features}
}

// modelFn is the train.ModelFn: the trainer marks the graph as training, so dropout is on.
func (m *Model) modelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	out := m.forwardGraph(ctx, m.params.nodes(inputs[0].Graph()), inputs)
	return []*Node{out.logits}
}

// call runs exec on inputs, converting GoMLX panics into errors. Inputs stay owned by the caller.
func (m *Model) call(exec *context.Exec, inputs []*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = exec.Call(inputs)
	})
	return outputs, err
}

// forward runs bags through the inference graph and returns the host copies of its outputs
// along with the packed batch they came from.
func (m *Model) forward(bags []datasets.Bag) (b *batch, logits, weights, codes, features []float32, err error) {
	b, err = m.encodeBatch(bags, false)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	outputs, err := m.call(m.forwardExec, b.inputs)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	logits = tensors.CopyFlatData[float32](outputs[0])
	weights = tensors.CopyFlatData[float32](outputs[1])
	codes = tensors.CopyFlatData[float32](outputs[2])
	features = tensors.CopyFlatData[float32](outputs[3])
	return b, logits, weights, codes, features, nil
}

// Forward runs bags through the model without dropout or parameter updates. Every bag gets
// its logits and the route it took; attention weights travel in the Attended route.
func (m *Model) Forward(bags []datasets.Bag) ([]BagOutput, error) {
	b, logits, weights, codes, _, err := m.forward(bags)
	if err != nil {
		return nil, err
	}
	classes := m.config.ClassNum
	results := make([]BagOutput, len(bags))
	for i, bag := range bags {
		start := i*b.numInstances + b.offsets[i]
		route, routeErr := decodeRoute(codes[i], weights[start:start+bag.InstanceCount])
		if routeErr != nil {
			return nil, fmt.Errorf("bag %v: %w", bag.EntityPair, routeErr)
		}
		results[i] = BagOutput{
			Logits: slices.Clone(logits[i*classes : (i+1)*classes]),
			Route:  route,
		}
	}
	return results, nil
}

// InstanceFeatures returns the PCNN feature of every instance of bags, in bag order,
// each of size 3*filters.
func (m *Model) InstanceFeatures(bags []datasets.Bag) ([][]float32, error) {
	b, _, _, _, features, err := m.forward(bags)
	if err != nil {
		return nil, err
	}
	featureDim := m.config.FeatureDim()
	var rows [][]float32
	for i, bag := range bags {
		for j := range bag.InstanceCount {
			row := b.offsets[i] + j
			rows = append(rows, slices.Clone(features[row*featureDim:(row+1)*featureDim]))
		}
	}
	return rows, nil
}

// TrainStep runs one batch with dropout, differentiates the mean cross-entropy against
// the bag relations and applies one Adadelta step. It returns the batch loss.
func (m *Model) TrainStep(bags []datasets.Bag) (loss float32, err error) {
	b, err := m.encodeBatch(bags, true)
	if err != nil {
		return 0, err
	}
	err = exceptions.TryCatch[error](func() {
		metrics := m.trainer.TrainStep(nil, b.inputs, b.labels)
		loss = tensors.CopyFlatData[float32](metrics[0])[0]
	})
	if err != nil {
		return 0, fmt.Errorf("training step: %w", err)
	}
	return loss, nil
}

// Predict scores bags in batches of batchSize and returns, per bag, the arg-max relation
// and its softmax probability.
func (m *Model) Predict(bags []datasets.Bag, batchSize int) (labels []int32, probabilities []float32, err error) {
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("batch size must be greater than 0")
	}
	labels = make([]int32, 0, len(bags))
	probabilities = make([]float32, 0, len(bags))
	for _, bagBatch := range datasets.SplitBatches(bags, batchSize) {
		outputs, forwardErr := m.Forward(bagBatch)
		if forwardErr != nil {
			return nil, nil, forwardErr
		}
		for _, output := range outputs {
			index, probability, argErr := vectorutil.ArgMax(vectorutil.SoftMax(output.Logits))
			if argErr != nil {
				return nil, nil, argErr
			}
			labels = append(labels, int32(index))
			probabilities = append(probabilities, probability)
		}
	}
	return labels, probabilities, nil
}

// ParameterNames lists every learned tensor in snapshot order.
func (m *Model) ParameterNames() []string {
	params := m.params.all()
	names := make([]string, len(params))
	for i, param := range params {
		names[i] = param.name
	}
	return names
}

// Parameter returns a copy of the named parameter's values and its dimensions.
func (m *Model) Parameter(name string) (data []float32, dims []int, err error) {
	param, ok := m.params.byName(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown parameter %s", name)
	}
	err = exceptions.TryCatch[error](func() {
		value := param.variable.Value()
		if value.DType() != dtypes.Float32 {
			exceptions.Panicf("parameter %s has dtype %s, expected %s", name, value.DType(), dtypes.Float32)
		}
		data = tensors.CopyFlatData[float32](value)
	})
	return data, slices.Clone(param.dims), err
}

// values returns the host copy of every parameter in all() order.
func (m *Model) values() ([]parameterValue, error) {
	params := m.params.all()
	values := make([]parameterValue, len(params))
	for i, param := range params {
		data, dims, err := m.Parameter(param.name)
		if err != nil {
			return nil, err
		}
		values[i] = parameterValue{name: param.name, dims: dims, data: data}
	}
	return values, nil
}

// SetParameter replaces the named parameter's values. dims must match the parameter's.
// The model is rebuilt around the new values and the optimizer state is reset.
func (m *Model) SetParameter(name string, data []float32, dims []int) error {
	return m.setParameters(map[string]SnapshotTensor{name: {Dims: dims, Data: data}})
}

// setParameters replaces every parameter named in replacements and rebuilds the model.
func (m *Model) setParameters(replacements map[string]SnapshotTensor) error {
	for name := range replacements {
		if _, ok := m.params.byName(name); !ok {
			return fmt.Errorf("unknown parameter %s", name)
		}
	}
	values, err := m.values()
	if err != nil {
		return err
	}
	for i := range values {
		replacement, ok := replacements[values[i].name]
		if !ok {
			continue
		}
		if err = checkValue(values[i], replacement); err != nil {
			return err
		}
		values[i].data = slices.Clone(replacement.Data)
	}
	return m.build(values)
}

func checkValue(current parameterValue, replacement SnapshotTensor) error {
	if !slices.Equal(current.dims, replacement.Dims) {
		return fmt.Errorf("parameter %s has dimensions %v, got %v", current.name, current.dims, replacement.Dims)
	}
	if len(replacement.Data) != len(current.data) {
		return fmt.Errorf("parameter %s needs %d values, got %d", current.name, len(current.data), len(replacement.Data))
	}
	return nil
}

// Destroy releases the executors, the variables and the backend.
func (m *Model) Destroy() {
	m.release()
	if m.backend != nil {
		m.backend.Finalize()
		m.backend = nil
	}
}
