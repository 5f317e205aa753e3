package apcnn

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"golang.org/x/exp/rand"

	"github.com/knights-analytics/apcnn/datasets"
	"github.com/knights-analytics/apcnn/metrics"
	"github.com/knights-analytics/apcnn/model"
	"github.com/knights-analytics/apcnn/options"
	"github.com/knights-analytics/apcnn/util/fileutil"
	"github.com/knights-analytics/apcnn/util/logutil"
)

// Position embedding tables: 101 relative distances of width 5, plus the padding row.
const (
	defaultPositionCount = 101
	defaultPositionDim   = 5
)

type TrainingStatistics struct {
	EpochTrainLosses []float32 `json:"epochTrainLosses"` // mean training loss of each epoch
	EpochPrecision   []float64 `json:"epochPrecision"`   // test precision at the end of the ranking, per epoch
	EpochRecall      []float64 `json:"epochRecall"`      // test recall at the end of the ranking, per epoch
	EpochAUC         []float64 `json:"epochAUC"`         // area under the test PR curve, per epoch
}

type TrainingSession struct {
	backend    string
	config     TrainingConfig
	model      *model.Model
	trainSet   *datasets.BagDataset
	logger     *log.Logger
	statistics TrainingStatistics
	cuda       bool
	maxEpochs  int
	seed       uint64
	logEvery   int
	options    []options.WithOption
}

type TrainingOption func(eo *TrainingSession) error

func WithEpochs(epochs int) TrainingOption {
	return func(eo *TrainingSession) error {
		if epochs <= 0 {
			return fmt.Errorf("epochs must be greater than 0")
		}
		eo.maxEpochs = epochs
		return nil
	}
}

func WithCuda() TrainingOption {
	return func(eo *TrainingSession) error {
		eo.cuda = true
		return nil
	}
}

// WithSeed seeds parameter initialization, the position tables and the epoch shuffles.
func WithSeed(seed uint64) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.seed = seed
		return nil
	}
}

// WithLogEvery logs the batch loss every n batches.
func WithLogEvery(n int) TrainingOption {
	return func(eo *TrainingSession) error {
		if n <= 0 {
			return fmt.Errorf("log interval must be greater than 0")
		}
		eo.logEvery = n
		return nil
	}
}

func WithInstanceBuckets(buckets []int) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.options = append(eo.options, options.WithInstanceBuckets(buckets))
		return nil
	}
}

func WithBagBuckets(buckets []int) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.options = append(eo.options, options.WithBagBuckets(buckets))
		return nil
	}
}

type TrainingConfig struct {
	Name        string // model name, results are written to OutputPath/Name
	OutputPath  string
	Model       model.Config
	BatchSize   int
	Dictionary  datasets.Dictionary
	WordVectors datasets.Table
	TrainBags   []datasets.Bag // optional for a session that only evaluates
	TestBags    []datasets.Bag
	Options     []TrainingOption
	Verbose     bool
	Logger      *log.Logger // defaults to a logger that discards everything
}

func (c TrainingConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be greater than 0")
	}
	if len(c.TestBags) == 0 {
		return fmt.Errorf("test bags are required")
	}
	paddedLen := c.Model.PaddedLen()
	if err := datasets.ValidateBags(c.TrainBags, paddedLen, c.Model.ClassNum); err != nil {
		return fmt.Errorf("train bags: %w", err)
	}
	if err := datasets.ValidateBags(c.TestBags, paddedLen, c.Model.ClassNum); err != nil {
		return fmt.Errorf("test bags: %w", err)
	}
	return nil
}

func newTrainingSession(backend string, config TrainingConfig) (*TrainingSession, error) {
	session := &TrainingSession{
		config:    config,
		backend:   backend,
		maxEpochs: 20,
		seed:      config.Model.Seed,
		logEvery:  500,
		logger:    config.Logger,
	}
	if session.logger == nil {
		session.logger = logutil.Discard()
	}
	for _, opt := range config.Options {
		if err := opt(session); err != nil {
			return nil, err
		}
	}
	if err := config.Model.Validate(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	opts := options.Defaults()
	opts.Backend = backend
	switch backend {
	case "XLA":
		opts.GoMLXOptions.XLA = true
	case "GO":
	default:
		return nil, fmt.Errorf("runtime %s is not supported", backend)
	}
	if session.cuda {
		session.options = append(session.options, options.WithCuda())
	}
	for _, opt := range session.options {
		if err := opt(opts); err != nil {
			return nil, err
		}
	}

	session.logger.Info().Msg("Init Variables.")
	rng := rand.New(rand.NewSource(session.seed))
	tables, err := newTables(rng, config.WordVectors)
	if err != nil {
		return nil, err
	}

	session.logger.Info().Msg("Load model.")
	modelConfig := config.Model
	modelConfig.Seed = session.seed
	session.model, err = model.New(modelConfig, tables, config.Dictionary, opts)
	if err != nil {
		return nil, err
	}
	session.logger.Info().Str("backend", backend).Strs("parameters", session.model.ParameterNames()).Msg("Init model.")

	if len(config.TrainBags) > 0 {
		// The session shuffles its own copy so the caller's slice keeps its order.
		session.trainSet, err = datasets.NewBagDataset(slices.Clone(config.TrainBags), config.BatchSize, rng)
		if err != nil {
			session.model.Destroy()
			return nil, err
		}
		session.trainSet.SetVerbose(config.Verbose, session.logger)
	}
	return session, nil
}

// newTables normalizes a copy of the word vectors and draws the two position tables.
func newTables(rng *rand.Rand, wordVectors datasets.Table) (model.Tables, error) {
	word := datasets.Table{Rows: wordVectors.Rows, Cols: wordVectors.Cols, Data: slices.Clone(wordVectors.Data)}
	if err := datasets.NormalizeWordVectors(word); err != nil {
		return model.Tables{}, fmt.Errorf("normalizing word vectors: %w", err)
	}
	position1, err := datasets.NewPositionTable(rng, defaultPositionCount, defaultPositionDim)
	if err != nil {
		return model.Tables{}, err
	}
	position2, err := datasets.NewPositionTable(rng, defaultPositionCount, defaultPositionDim)
	if err != nil {
		return model.Tables{}, err
	}
	return model.Tables{Word: word, Position1: position1, Position2: position2}, nil
}

func (s *TrainingSession) Statistics() TrainingStatistics {
	return s.statistics
}

func (s *TrainingSession) Destroy() error {
	if s.model == nil {
		return nil
	}
	s.model.Destroy()
	s.model = nil
	return nil
}

// OutputDir is where the PR files, snapshots and statistics are written.
func (s *TrainingSession) OutputDir() string {
	return fileutil.PathJoinSafe(s.config.OutputPath, s.config.Name)
}

// SnapshotPath is the snapshot file of an epoch.
func (s *TrainingSession) SnapshotPath(epoch int) string {
	return fileutil.PathJoinSafe(s.OutputDir(), fmt.Sprintf("snapshot_%d.model", epoch))
}

// Train runs every epoch: shuffled batches with one Adadelta step each, then an evaluation
// over the test bags that writes the epoch's PR file and parameter snapshot.
func (s *TrainingSession) Train() error {
	if s.trainSet == nil {
		return fmt.Errorf("training requires train bags")
	}
	if err := fileutil.CreateDir(s.OutputDir()); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	s.logger.Info().Int("epochs", s.maxEpochs).Int("bags", s.trainSet.Len()).Msg("Begin training.")
	numBatches := s.trainSet.NumBatches()
	ds := s.model.NewTrainingDataset(s.trainSet)
	ds.Reset()

	var total float64
	batchN := 0
	loop := s.model.NewLoop()
	loop.OnStep("epoch loss", 0, func(_ *train.Loop, stepMetrics []*tensors.Tensor) error {
		loss := tensors.CopyFlatData[float32](stepMetrics[0])[0]
		total += float64(loss)
		batchN++
		if batchN%s.logEvery == 0 {
			s.logger.Info().Msgf("batch = %d / %d, loss = %f", batchN, numBatches, loss)
		}
		return nil
	})

	for epoch := range s.maxEpochs {
		total, batchN = 0, 0
		err := exceptions.TryCatch[error](func() {
			if _, err := loop.RunEpochs(ds, 1); err != nil {
				panic(err)
			}
		})
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		s.statistics.EpochTrainLosses = append(s.statistics.EpochTrainLosses, float32(total/float64(batchN)))

		curve, err := s.Evaluate(epoch)
		if err != nil {
			return err
		}
		precision, recall := curve.Last()
		s.statistics.EpochPrecision = append(s.statistics.EpochPrecision, precision)
		s.statistics.EpochRecall = append(s.statistics.EpochRecall, recall)
		s.statistics.EpochAUC = append(s.statistics.EpochAUC, curve.AUC)

		s.logger.Info().Msgf("Epoch %d, save pr and model.", epoch+1)
		if err = s.model.SaveSnapshot(s.SnapshotPath(epoch)); err != nil {
			return fmt.Errorf("saving snapshot of epoch %d: %w", epoch+1, err)
		}
	}
	return nil
}

// Evaluate scores the test bags without dropout or parameter updates, computes the
// precision/recall curve and writes it to the epoch's PR file.
func (s *TrainingSession) Evaluate(epoch int) (metrics.PRCurve, error) {
	if err := fileutil.CreateDir(s.OutputDir()); err != nil {
		return metrics.PRCurve{}, fmt.Errorf("creating output directory: %w", err)
	}
	predicted, probabilities, err := s.model.Predict(s.config.TestBags, s.config.BatchSize)
	if err != nil {
		return metrics.PRCurve{}, fmt.Errorf("evaluating epoch %d: %w", epoch+1, err)
	}
	gold := make([]int32, len(s.config.TestBags))
	for i, bag := range s.config.TestBags {
		gold[i] = bag.Relation
	}
	curve, err := metrics.NewPRCurve(epoch, predicted, probabilities, gold)
	if err != nil {
		return metrics.PRCurve{}, err
	}
	precision, recall := curve.Last()
	s.logger.Info().Float64("auc", curve.AUC).Msgf("Epoch %d, test precision: %f; test recall: %f", epoch+1, precision, recall)
	if err = metrics.SavePR(fileutil.PathJoinSafe(s.OutputDir(), metrics.FileName(epoch)), curve); err != nil {
		return metrics.PRCurve{}, err
	}
	return curve, nil
}

// LoadSnapshot restores the model parameters from a snapshot written by Train.
func (s *TrainingSession) LoadSnapshot(path string) error {
	s.logger.Info().Str("snapshot", path).Msg("Load snapshot.")
	return s.model.LoadSnapshot(path)
}

// Save writes the training statistics to statistics.json in the output directory.
func (s *TrainingSession) Save() error {
	if err := fileutil.CreateDir(s.OutputDir()); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	statisticsBytes, err := jsoniter.Marshal(s.statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal training statistics: %w", err)
	}
	if err = fileutil.WriteFileBytes(fileutil.PathJoinSafe(s.OutputDir(), "statistics.json"), statisticsBytes); err != nil {
		return fmt.Errorf("failed to write training statistics: %w", err)
	}
	return nil
}
