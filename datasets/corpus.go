package datasets

import (
	"fmt"

	"github.com/knights-analytics/apcnn/util/fileutil"
)

// File names inside a data directory.
const (
	DictionaryFile  = "dictionary.json"
	WordVectorsFile = "word_vector.npy"
	TrainBagsFile   = "train_bags.jsonl"
	TestBagsFile    = "test_bags.jsonl"
)

// Corpus is everything read from a data directory.
type Corpus struct {
	Dictionary  Dictionary
	WordVectors Table
	Train       []Bag
	Test        []Bag
}

// LoadCorpus reads the dictionary, the word vectors and the test bags from dataPath, plus
// the training bags when withTrain is set.
func LoadCorpus(dataPath string, withTrain bool) (*Corpus, error) {
	var err error
	corpus := &Corpus{}
	if corpus.Dictionary, err = LoadDictionary(fileutil.PathJoinSafe(dataPath, DictionaryFile)); err != nil {
		return nil, err
	}
	if corpus.WordVectors, err = LoadWordVectors(fileutil.PathJoinSafe(dataPath, WordVectorsFile)); err != nil {
		return nil, err
	}
	if withTrain {
		if corpus.Train, err = LoadBags(fileutil.PathJoinSafe(dataPath, TrainBagsFile)); err != nil {
			return nil, err
		}
	}
	if corpus.Test, err = LoadBags(fileutil.PathJoinSafe(dataPath, TestBagsFile)); err != nil {
		return nil, err
	}
	return corpus, nil
}

// Validate checks every bag of the corpus against the model's padded length and relation count.
func (c *Corpus) Validate(paddedLen, numClasses int) error {
	if err := ValidateBags(c.Train, paddedLen, numClasses); err != nil {
		return fmt.Errorf("train bags: %w", err)
	}
	if err := ValidateBags(c.Test, paddedLen, numClasses); err != nil {
		return fmt.Errorf("test bags: %w", err)
	}
	return nil
}
