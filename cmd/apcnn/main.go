package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/apcnn"
	"github.com/knights-analytics/apcnn/datasets"
	"github.com/knights-analytics/apcnn/model"
	"github.com/knights-analytics/apcnn/util/fileutil"
	"github.com/knights-analytics/apcnn/util/logutil"
)

var modelName string
var dataPath string
var outputPath string
var filters int
var kernelSize int
var classNum int
var seqLen int
var batchSize int
var epochs int
var nisHiddenDims string
var backend string
var cuda bool
var seed uint64
var logEvery int
var verbose bool
var snapshotPath string
var epoch int

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name, results are written to <output_path>/<model>",
			Destination: &modelName,
			Value:       "apcnn",
		},
		&cli.StringFlag{
			Name:        "data_path",
			Usage:       "Folder with dictionary.json, word_vector.npy and the bag files",
			Destination: &dataPath,
			Value:       "../data/processed",
		},
		&cli.StringFlag{
			Name:        "output_path",
			Usage:       "Folder for logs, PR files and snapshots",
			Destination: &outputPath,
			Value:       "../results",
		},
		&cli.IntFlag{
			Name:        "filters",
			Usage:       "Number of convolutional filters",
			Destination: &filters,
			Value:       230,
		},
		&cli.IntFlag{
			Name:        "kernel_size",
			Usage:       "Size of convolutional filter, must be odd",
			Destination: &kernelSize,
			Value:       3,
		},
		&cli.IntFlag{
			Name:        "class_num",
			Usage:       "Number of relations",
			Destination: &classNum,
			Value:       53,
		},
		&cli.IntFlag{
			Name:        "seq_len",
			Usage:       "Length of sentences",
			Destination: &seqLen,
			Value:       80,
		},
		&cli.IntFlag{
			Name:        "batch_size",
			Usage:       "Batch size",
			Destination: &batchSize,
			Value:       100,
		},
		&cli.StringFlag{
			Name:        "nis_hidden_dims",
			Usage:       "Comma separated dimensions of the NIS hidden layers",
			Destination: &nisHiddenDims,
			Value:       "512, 256, 128, 64",
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Execution backend: go or xla",
			Destination: &backend,
			Value:       "go",
		},
		&cli.BoolFlag{
			Name:        "cuda",
			Usage:       "Run on the GPU, requires the xla backend",
			Destination: &cuda,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "Seed for initialization and shuffling",
			Destination: &seed,
			Value:       1,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Log debug messages",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	}
}

var trainCommand = &cli.Command{
	Name:  "train",
	Usage: "Train the APCNN+NIS relation extraction model",
	Description: `Train reads dictionary.json, word_vector.npy, train_bags.jsonl and test_bags.jsonl from --data_path.
				After every epoch the test bags are evaluated, and pr_<epoch>.json and snapshot_<epoch>.model are written
				to <output_path>/<model> along with train.log. statistics.json is written at the end of training.
				`,
	Flags: append(modelFlags(),
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "Number of training epochs",
			Destination: &epochs,
			Value:       20,
		},
		&cli.IntFlag{
			Name:        "log_every",
			Usage:       "Log the loss every n batches",
			Destination: &logEvery,
			Value:       500,
		},
	),
	Action: func(ctx *cli.Context) (err error) {
		logger, closeLogger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, closeLogger())
		}()
		logArguments(logger, ctx)

		logger.Info().Msg("Load train and test data.")
		corpus, err := datasets.LoadCorpus(dataPath, true)
		if err != nil {
			return err
		}
		session, err := newSession(corpus, logger, apcnn.WithEpochs(epochs), apcnn.WithLogEvery(logEvery))
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()
		if err = session.Train(); err != nil {
			return err
		}
		return session.Save()
	},
}

var evaluateCommand = &cli.Command{
	Name:  "evaluate",
	Usage: "Evaluate a snapshot on the test bags",
	Description: `Evaluate loads --snapshot into a model of the given shape, scores test_bags.jsonl from --data_path
				and writes pr_<epoch>.json to <output_path>/<model>.
				`,
	Flags: append(modelFlags(),
		&cli.StringFlag{
			Name:        "snapshot",
			Usage:       "Path to a snapshot_<epoch>.model file",
			Destination: &snapshotPath,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "epoch",
			Usage:       "Epoch number used to name the PR file",
			Destination: &epoch,
		},
	),
	Action: func(ctx *cli.Context) (err error) {
		logger, closeLogger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, closeLogger())
		}()
		logArguments(logger, ctx)

		logger.Info().Msg("Load test data.")
		corpus, err := datasets.LoadCorpus(dataPath, false)
		if err != nil {
			return err
		}
		session, err := newSession(corpus, logger)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()
		if err = session.LoadSnapshot(snapshotPath); err != nil {
			return err
		}
		_, err = session.Evaluate(epoch)
		return err
	},
}

// newLogger logs to the console and, for local output paths, to <output_path>/<model>/train.log.
func newLogger() (*log.Logger, func() error, error) {
	config := logutil.Config{Level: "info"}
	if verbose {
		config.Level = "debug"
	}
	if fileutil.GetPathType(outputPath) == "os" {
		outputDir := fileutil.PathJoinSafe(outputPath, modelName)
		if err := fileutil.CreateDir(outputDir); err != nil {
			return nil, nil, fmt.Errorf("creating output directory: %w", err)
		}
		config.Filename = fileutil.PathJoinSafe(outputDir, "train.log")
	}
	logger, closeLogger := logutil.New(config)
	return logger, closeLogger, nil
}

// logArguments writes every flag of the command as an aligned "name | value" table.
func logArguments(logger *log.Logger, ctx *cli.Context) {
	width := 0
	for _, flag := range ctx.Command.Flags {
		width = max(width, len(flag.Names()[0]))
	}
	for _, flag := range ctx.Command.Flags {
		name := flag.Names()[0]
		label := strings.ReplaceAll(fmt.Sprintf("%-*s", width, name), "_", " ")
		logger.Info().Msgf("%s | %v", label, ctx.Value(name))
	}
}

func newSession(corpus *datasets.Corpus, logger *log.Logger, opts ...apcnn.TrainingOption) (*apcnn.TrainingSession, error) {
	hiddenDims, err := model.ParseHiddenDims(nisHiddenDims)
	if err != nil {
		return nil, err
	}
	modelConfig := model.DefaultConfig()
	modelConfig.ClassNum = classNum
	modelConfig.Filters = filters
	modelConfig.KernelSize = kernelSize
	modelConfig.SeqLen = seqLen
	modelConfig.NISHiddenDims = hiddenDims
	modelConfig.Seed = seed

	opts = append(opts, apcnn.WithSeed(seed))
	if cuda {
		opts = append(opts, apcnn.WithCuda())
	}
	config := apcnn.TrainingConfig{
		Name:        modelName,
		OutputPath:  outputPath,
		Model:       modelConfig,
		BatchSize:   batchSize,
		Dictionary:  corpus.Dictionary,
		WordVectors: corpus.WordVectors,
		TrainBags:   corpus.Train,
		TestBags:    corpus.Test,
		Options:     opts,
		Verbose:     verbose,
		Logger:      logger,
	}
	switch strings.ToLower(backend) {
	case "go":
		return apcnn.NewGoTrainingSession(config)
	case "xla":
		return apcnn.NewXLATrainingSession(config)
	default:
		return nil, fmt.Errorf("backend %s is not supported, use go or xla", backend)
	}
}

func main() {
	app := &cli.App{
		Name:     "apcnn",
		Usage:    "Relation extraction with attention-based piecewise CNNs and noise-instance selection",
		Commands: []*cli.Command{trainCommand, evaluateCommand},
	}
	logger, _ := logutil.New(logutil.Config{})
	logutil.CheckWithMessage(logger, app.Run(os.Args), "apcnn failed")
}
