package model

import (
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/knights-analytics/apcnn/datasets"
	"github.com/knights-analytics/apcnn/options"
)

const (
	testVocab       = 30
	testWordDim     = 6
	testPositions   = 20
	testPositionDim = 3
)

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

func testConfig() Config {
	return Config{
		ClassNum:      4,
		Filters:       5,
		KernelSize:    3,
		SeqLen:        8,
		Dropout:       0.5,
		NISHiddenDims: []int{8, 4},
		GateThreshold: 0.5,
		Seed:          3,
	}
}

func testTables(t *testing.T, wordDim int) Tables {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	word := datasets.Table{Rows: testVocab, Cols: wordDim, Data: make([]float32, testVocab*wordDim)}
	for i := wordDim; i < len(word.Data); i++ {
		word.Data[i] = float32(rng.Float64()*2 - 1)
	}
	check(t, datasets.NormalizeWordVectors(word))
	position1, err := datasets.NewPositionTable(rng, testPositions, testPositionDim)
	check(t, err)
	position2, err := datasets.NewPositionTable(rng, testPositions, testPositionDim)
	check(t, err)
	return Tables{Word: word, Position1: position1, Position2: position2}
}

func testDictionary() datasets.Dictionary {
	return datasets.Dictionary{"m.head": 3, "m.tail": 4}
}

// testBag builds a bag of random tokens of the given padded length.
func testBag(rng *rand.Rand, relation int32, instances, length int) datasets.Bag {
	bag := datasets.Bag{
		Relation:      relation,
		InstanceCount: instances,
		EntityPair:    [2]string{"m.head", "m.tail"},
	}
	for range instances {
		sentence := make([]int32, length)
		position1 := make([]int32, length)
		position2 := make([]int32, length)
		e1, e2 := rng.Intn(length), rng.Intn(length)
		for i := range length {
			sentence[i] = int32(1 + rng.Intn(testVocab-1))
			position1[i] = int32(min(max(i-e1+testPositions/2, 1), testPositions))
			position2[i] = int32(min(max(i-e2+testPositions/2, 1), testPositions))
		}
		bag.Sentences = append(bag.Sentences, sentence)
		bag.Positions = append(bag.Positions, [2][]int32{position1, position2})
		bag.EntityPos = append(bag.EntityPos, [2]int{e1, e2})
	}
	return bag
}

func newTestModel(t *testing.T, config Config) *Model {
	t.Helper()
	m, err := New(config, testTables(t, testWordDim), testDictionary(), nil)
	check(t, err)
	t.Cleanup(m.Destroy)
	return m
}

func sum(values []float32) float64 {
	total := 0.0
	for _, v := range values {
		total += float64(v)
	}
	return total
}

func TestPieceMask(t *testing.T) {
	cases := []struct {
		name   string
		e1, e2 int
	}{
		{"inside", 2, 5},
		{"both at start", 0, 0},
		{"both at end", 7, 7},
		{"reversed", 6, 1},
		{"out of range", -3, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mask := PieceMask(tc.e1, tc.e2, 8)
			require.Len(t, mask, 8*3)
			for piece := range 3 {
				tokens := 0
				for token := range 8 {
					tokens += int(mask[token*3+piece])
				}
				assert.Positive(t, tokens, "piece %d is empty", piece)
			}
		})
	}
	mask := PieceMask(2, 5, 8)
	assert.Equal(t, []float32{1, 1, 1, 0, 0}, []float32{mask[0], mask[3], mask[6], mask[9], mask[12]})
	assert.Equal(t, []float32{0, 0, 1, 1, 1, 1, 0, 0}, []float32{mask[1], mask[4], mask[7], mask[10], mask[13], mask[16], mask[19], mask[22]})
}

func TestConfig(t *testing.T) {
	config := DefaultConfig()
	check(t, config.Validate())
	assert.Equal(t, 82, config.PaddedLen())
	assert.Equal(t, 690, config.FeatureDim())

	config.KernelSize = 4
	assert.Error(t, config.Validate())
	config = DefaultConfig()
	config.GateThreshold = 1
	assert.Error(t, config.Validate())
	config = DefaultConfig()
	config.NISHiddenDims = []int{64, 0}
	assert.Error(t, config.Validate())

	dims, err := ParseHiddenDims("512, 256,128 ,64")
	check(t, err)
	assert.Equal(t, []int{512, 256, 128, 64}, dims)
	dims, err = ParseHiddenDims("")
	check(t, err)
	assert.Empty(t, dims)
	_, err = ParseHiddenDims("512,big")
	assert.Error(t, err)
}

func TestDecodeRoute(t *testing.T) {
	route, err := decodeRoute(0, []float32{1})
	check(t, err)
	assert.Equal(t, Direct{}, route)
	assert.Equal(t, []float32{1}, route.Weights())

	route, err = decodeRoute(1, []float32{0, 1, 0})
	check(t, err)
	assert.Equal(t, Survivor{Instance: 1, BagSize: 3}, route)
	assert.Equal(t, []float32{0, 1, 0}, route.Weights())

	route, err = decodeRoute(2, []float32{0.25, 0, 0.75})
	check(t, err)
	assert.Equal(t, RouteAttended, route.Kind())
	assert.Equal(t, "attended", route.Kind().String())

	_, err = decodeRoute(3, nil)
	assert.Error(t, err)
}

func TestDirectRoute(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(11))
	bags := []datasets.Bag{
		testBag(rng, 1, 1, config.PaddedLen()),
		testBag(rng, 2, 3, config.PaddedLen()),
	}

	outputs, err := m.Forward(bags)
	check(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, RouteDirect, outputs[0].Route.Kind())
	assert.Equal(t, []float32{1}, outputs[0].Route.Weights())
	require.Len(t, outputs[0].Logits, config.ClassNum)

	features, err := m.InstanceFeatures(bags)
	check(t, err)
	require.Len(t, features, 4)
	weights, dims, err := m.Parameter("classifier/weights")
	check(t, err)
	assert.Equal(t, []int{config.FeatureDim(), config.ClassNum}, dims)
	bias, _, err := m.Parameter("classifier/bias")
	check(t, err)
	for c := range config.ClassNum {
		expected := float64(bias[c])
		for j, value := range features[0] {
			expected += float64(value) * float64(weights[j*config.ClassNum+c])
		}
		assert.InDelta(t, expected, outputs[0].Logits[c], 1e-4)
	}
}

func TestAttentionWeights(t *testing.T) {
	config := testConfig()
	config.GateThreshold = 1e-6
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(5))
	bags := []datasets.Bag{
		testBag(rng, 0, 3, config.PaddedLen()),
		testBag(rng, 1, 5, config.PaddedLen()),
		testBag(rng, 3, 2, config.PaddedLen()),
	}

	outputs, err := m.Forward(bags)
	check(t, err)
	for i, output := range outputs {
		require.Equal(t, RouteAttended, output.Route.Kind(), "bag %d", i)
		attended := output.Route.(Attended)
		require.Len(t, attended.AttentionWeights, bags[i].InstanceCount)
		for _, w := range attended.AttentionWeights {
			assert.GreaterOrEqual(t, w, float32(0))
		}
		assert.InDelta(t, 1.0, sum(attended.AttentionWeights), 1e-5)
	}
}

func TestSurvivorRoute(t *testing.T) {
	config := testConfig()
	config.GateThreshold = 1 - 1e-7
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(9))
	bag := testBag(rng, 2, 4, config.PaddedLen())

	outputs, err := m.Forward([]datasets.Bag{bag})
	check(t, err)
	require.Equal(t, RouteSurvivor, outputs[0].Route.Kind())
	weights := outputs[0].Route.Weights()
	require.Len(t, weights, 4)
	assert.InDelta(t, 1.0, sum(weights), 1e-6)
	assert.Equal(t, float32(1), slices.Max(weights))
}

func TestFeatureDimension(t *testing.T) {
	for _, seqLen := range []int{5, 12, 30} {
		config := testConfig()
		config.SeqLen = seqLen
		m := newTestModel(t, config)
		rng := rand.New(rand.NewSource(uint64(seqLen)))
		features, err := m.InstanceFeatures([]datasets.Bag{testBag(rng, 0, 2, config.PaddedLen())})
		check(t, err)
		require.Len(t, features, 2)
		for _, feature := range features {
			assert.Len(t, feature, 3*config.Filters)
		}
	}
}

func TestEndToEndDefaultShape(t *testing.T) {
	config := DefaultConfig()
	rng := rand.New(rand.NewSource(1))
	word := datasets.Table{Rows: testVocab, Cols: 50, Data: make([]float32, testVocab*50)}
	for i := 50; i < len(word.Data); i++ {
		word.Data[i] = float32(rng.Float64()*2 - 1)
	}
	check(t, datasets.NormalizeWordVectors(word))
	position1, err := datasets.NewPositionTable(rng, 101, 5)
	check(t, err)
	position2, err := datasets.NewPositionTable(rng, 101, 5)
	check(t, err)
	m, err := New(config, Tables{Word: word, Position1: position1, Position2: position2}, testDictionary(), nil)
	check(t, err)
	defer m.Destroy()

	bag := testBag(rng, 7, 3, 82)
	outputs, err := m.Forward([]datasets.Bag{bag})
	check(t, err)
	require.Len(t, outputs, 1)
	assert.Len(t, outputs[0].Logits, 53)
	for _, logit := range outputs[0].Logits {
		assert.False(t, math.IsNaN(float64(logit)))
	}
}

func TestTrainStep(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(13))
	bags := []datasets.Bag{
		testBag(rng, 1, 1, config.PaddedLen()),
		testBag(rng, 2, 3, config.PaddedLen()),
		testBag(rng, 0, 2, config.PaddedLen()),
	}
	before, _, err := m.Parameter("classifier/weights")
	check(t, err)

	for range 3 {
		loss, stepErr := m.TrainStep(bags)
		check(t, stepErr)
		assert.Positive(t, loss)
		assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
	}

	after, _, err := m.Parameter("classifier/weights")
	check(t, err)
	assert.NotEqual(t, before, after)
}

func TestPredict(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(17))
	var bags []datasets.Bag
	for i := range 7 {
		bags = append(bags, testBag(rng, int32(i%config.ClassNum), 1+i%3, config.PaddedLen()))
	}

	labels, probabilities, err := m.Predict(bags, 3)
	check(t, err)
	require.Len(t, labels, 7)
	require.Len(t, probabilities, 7)
	for i := range labels {
		assert.GreaterOrEqual(t, labels[i], int32(0))
		assert.Less(t, labels[i], int32(config.ClassNum))
		assert.Greater(t, probabilities[i], float32(0))
		assert.LessOrEqual(t, probabilities[i], float32(1))
	}
	_, _, err = m.Predict(bags, 0)
	assert.Error(t, err)
}

func TestInvalidBags(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(19))

	_, err := m.Forward(nil)
	assert.Error(t, err)

	short := testBag(rng, 0, 1, config.PaddedLen()-1)
	_, err = m.Forward([]datasets.Bag{short})
	assert.Error(t, err)

	unknownWord := testBag(rng, 0, 1, config.PaddedLen())
	unknownWord.Sentences[0][2] = testVocab
	_, err = m.Forward([]datasets.Bag{unknownWord})
	assert.Error(t, err)

	badRelation := testBag(rng, int32(config.ClassNum), 1, config.PaddedLen())
	_, err = m.TrainStep([]datasets.Bag{badRelation})
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	config := testConfig()
	saved := newTestModel(t, config)
	rng := rand.New(rand.NewSource(23))
	bags := []datasets.Bag{testBag(rng, 1, 1, config.PaddedLen()), testBag(rng, 2, 4, config.PaddedLen())}
	_, err := saved.TrainStep(bags)
	check(t, err)
	path := filepath.Join(t.TempDir(), "snapshot_0.model")
	check(t, saved.SaveSnapshot(path))

	config.Seed = 99
	loaded := newTestModel(t, config)
	check(t, loaded.LoadSnapshot(path))

	expected, err := saved.Forward(bags)
	check(t, err)
	for range 3 {
		got, forwardErr := loaded.Forward(bags)
		check(t, forwardErr)
		for i := range expected {
			assert.Equal(t, expected[i].Logits, got[i].Logits)
			assert.Equal(t, expected[i].Route.Kind(), got[i].Route.Kind())
		}
	}
	for _, name := range saved.ParameterNames() {
		want, _, paramErr := saved.Parameter(name)
		check(t, paramErr)
		got, _, paramErr := loaded.Parameter(name)
		check(t, paramErr)
		assert.Equal(t, want, got, name)
	}

	// The loaded model keeps training.
	_, err = loaded.TrainStep(bags)
	check(t, err)

	config.Filters = 7
	other := newTestModel(t, config)
	assert.Error(t, other.LoadSnapshot(path))
	assert.Error(t, other.LoadSnapshot(filepath.Join(t.TempDir(), "missing.model")))
}

func TestSetParameter(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(29))
	bags := []datasets.Bag{testBag(rng, 1, 1, config.PaddedLen())}

	bias := make([]float32, config.ClassNum)
	bias[2] = 100
	check(t, m.SetParameter("classifier/bias", bias, []int{config.ClassNum}))
	got, _, err := m.Parameter("classifier/bias")
	check(t, err)
	assert.Equal(t, bias, got)
	for range 3 {
		labels, _, predictErr := m.Predict(bags, 1)
		check(t, predictErr)
		assert.Equal(t, []int32{2}, labels)
	}

	assert.Error(t, m.SetParameter("classifier/bias", bias, []int{config.ClassNum + 1}))
	assert.Error(t, m.SetParameter("classifier/bias", bias[1:], []int{config.ClassNum}))
	assert.Error(t, m.SetParameter("nothing", bias, []int{config.ClassNum}))
}

func TestForwardIsRepeatable(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(31))
	first := []datasets.Bag{testBag(rng, 0, 1, config.PaddedLen()), testBag(rng, 1, 3, config.PaddedLen())}
	second := []datasets.Bag{testBag(rng, 2, 2, config.PaddedLen()), testBag(rng, 3, 5, config.PaddedLen())}

	expected, err := m.Forward(first)
	check(t, err)
	for range 3 {
		_, err = m.Forward(second)
		check(t, err)
		got, forwardErr := m.Forward(first)
		check(t, forwardErr)
		for i := range expected {
			assert.Equal(t, expected[i].Logits, got[i].Logits)
		}
	}

	reversed, err := m.Forward([]datasets.Bag{first[1], first[0]})
	check(t, err)
	assert.InDeltaSlice(t, expected[0].Logits, reversed[1].Logits, 1e-6)
	assert.InDeltaSlice(t, expected[1].Logits, reversed[0].Logits, 1e-6)
}

func TestAttendedWithMaskedInstances(t *testing.T) {
	config := testConfig()
	rng := rand.New(rand.NewSource(37))
	bag := testBag(rng, 1, 6, config.PaddedLen())

	// Place the threshold between the second and third best gate scores of the bag.
	scorer := newTestModel(t, config)
	features, err := scorer.InstanceFeatures([]datasets.Bag{bag})
	check(t, err)
	flat := slices.Concat(features...)
	scoresTensor := context.ExecOnce(scorer.backend, scorer.ctx, func(ctx *context.Context, features *Node) *Node {
		return gateScores(scorer.params.nodes(features.Graph()), features)
	}, tensors.FromFlatDataAndDimensions(flat, len(features), config.FeatureDim()))
	scores := tensors.CopyFlatData[float32](scoresTensor)
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	slices.Reverse(sorted)
	require.Greater(t, sorted[1], sorted[2])
	config.GateThreshold = float64(sorted[1]+sorted[2]) / 2

	m := newTestModel(t, config)
	outputs, err := m.Forward([]datasets.Bag{bag})
	check(t, err)
	require.Equal(t, RouteAttended, outputs[0].Route.Kind())
	weights := outputs[0].Route.Weights()
	require.Len(t, weights, 6)
	kept := 0
	for i, w := range weights {
		if float64(scores[i]) >= config.GateThreshold {
			assert.Positive(t, w, "instance %d", i)
			kept++
		} else {
			assert.Equal(t, float32(0), w, "instance %d", i)
		}
	}
	assert.Equal(t, 2, kept)
	assert.InDelta(t, 1.0, sum(weights), 1e-5)
}

func TestPaddingBagsDoNotChangeLoss(t *testing.T) {
	config := testConfig()
	config.Dropout = 0
	rng := rand.New(rand.NewSource(41))
	bags := []datasets.Bag{
		testBag(rng, 1, 1, config.PaddedLen()),
		testBag(rng, 2, 3, config.PaddedLen()),
		testBag(rng, 0, 2, config.PaddedLen()),
	}

	var losses []float32
	for _, buckets := range [][]int{{3}, {8}, {32}} {
		opts := options.Defaults()
		check(t, options.WithBagBuckets(buckets)(opts))
		m, err := New(config, testTables(t, testWordDim), testDictionary(), opts)
		check(t, err)
		t.Cleanup(m.Destroy)
		loss, err := m.TrainStep(bags)
		check(t, err)
		losses = append(losses, loss)
	}
	assert.InDelta(t, losses[0], losses[1], 1e-5)
	assert.InDelta(t, losses[0], losses[2], 1e-5)
}

func TestSeededTraining(t *testing.T) {
	config := testConfig()
	rng := rand.New(rand.NewSource(43))
	bags := []datasets.Bag{testBag(rng, 1, 2, config.PaddedLen()), testBag(rng, 3, 4, config.PaddedLen())}

	first := newTestModel(t, config)
	second := newTestModel(t, config)
	for range 2 {
		firstLoss, err := first.TrainStep(bags)
		check(t, err)
		secondLoss, err := second.TrainStep(bags)
		check(t, err)
		assert.Equal(t, firstLoss, secondLoss)
	}
	for _, name := range first.ParameterNames() {
		want, _, err := first.Parameter(name)
		check(t, err)
		got, _, err := second.Parameter(name)
		check(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestTrainingLoop(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)
	rng := rand.New(rand.NewSource(47))
	var bags []datasets.Bag
	for i := range 5 {
		bags = append(bags, testBag(rng, int32(i%config.ClassNum), 1+i%3, config.PaddedLen()))
	}
	bagSet, err := datasets.NewBagDataset(bags, 2, rng)
	check(t, err)
	before, _, err := m.Parameter("pcnn/weights")
	check(t, err)

	steps := 0
	loop := m.NewLoop()
	loop.OnStep("count", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		steps++
		assert.Positive(t, tensors.CopyFlatData[float32](metrics[0])[0])
		return nil
	})
	ds := m.NewTrainingDataset(bagSet)
	for epoch := range 2 {
		_, err = loop.RunEpochs(ds, 1)
		check(t, err)
		assert.Equal(t, 3*(epoch+1), steps)
	}

	after, _, err := m.Parameter("pcnn/weights")
	check(t, err)
	assert.NotEqual(t, before, after)
	expected, err := m.Forward(bags)
	check(t, err)
	got, err := m.Forward(bags)
	check(t, err)
	for i := range expected {
		assert.Equal(t, expected[i].Logits, got[i].Logits)
	}
}

func TestAdadelta(t *testing.T) {
	backend := backends.NewWithConfig("go")
	defer backend.Finalize()

	ctx := context.New()
	initial := []float32{0.5, -1, 2}
	x := ctx.In("test").VariableWithValue("x", tensors.FromFlatDataAndDimensions(slices.Clone(initial), 3))
	optimizer := newAdadelta()
	// The loss is linear in x, so its gradient is the fed vector.
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, gradient *Node) *Node {
		loss := ReduceAllSum(Mul(x.ValueGraph(gradient.Graph()), StopGradient(gradient)))
		optimizer.UpdateGraph(ctx, gradient.Graph(), loss)
		return loss
	})
	defer exec.Finalize()

	gradients := [][]float32{{0.1, -0.2, 0.3}, {1, 1, -1}, {-0.5, 0, 2}}
	expected := make([]float64, 3)
	gradSq := make([]float64, 3)
	deltaSq := make([]float64, 3)
	for i, v := range initial {
		expected[i] = float64(v)
	}
	for _, gradient := range gradients {
		exec.Call(tensors.FromFlatDataAndDimensions(gradient, 3))
		for i, g := range gradient {
			gradSq[i] = adadeltaRho*gradSq[i] + (1-adadeltaRho)*float64(g)*float64(g)
			delta := math.Sqrt(deltaSq[i]+adadeltaEpsilon) / math.Sqrt(gradSq[i]+adadeltaEpsilon) * float64(g)
			deltaSq[i] = adadeltaRho*deltaSq[i] + (1-adadeltaRho)*delta*delta
			expected[i] -= adadeltaLearningRate * delta
		}
	}

	got := tensors.CopyFlatData[float32](x.Value())
	for i := range expected {
		assert.InDelta(t, expected[i], got[i], 1e-5)
	}
	assert.Equal(t, int64(len(gradients)), optimizers.GetGlobalStep(ctx))

	optimizer.Clear(ctx)
	ctx.EnumerateVariables(func(v *context.Variable) {
		assert.NotContains(t, v.Scope(), adadeltaScope)
	})
}
