package datasets

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/apcnn/util/fileutil"
)

// Dictionary maps words and entity identifiers to rows of the word embedding table.
type Dictionary map[string]int32

// LoadDictionary reads a JSON object of word -> id.
func LoadDictionary(path string) (Dictionary, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	dictionary := Dictionary{}
	if err = jsoniter.Unmarshal(data, &dictionary); err != nil {
		return nil, fmt.Errorf("failed to parse dictionary %s: %w", path, err)
	}
	return dictionary, nil
}

// Get returns the id of word, or 0 (the padding/unknown row) when it is missing.
func (d Dictionary) Get(word string) int32 {
	return d[word]
}

// EntityIDs maps a bag's entity pair to word ids.
func (d Dictionary) EntityIDs(pair [2]string) [2]int32 {
	return [2]int32{d.Get(pair[0]), d.Get(pair[1])}
}
