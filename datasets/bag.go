package datasets

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/apcnn/util/fileutil"
)

// Bag is a group of sentence instances that share one entity pair and one relation label.
// Each line of a bags file is one Bag in JSON:
// {"relation":3,"instance_count":1,"sentences":[[12,4,...]],"positions":[[[51,52,...],[47,48,...]]],
// "entity_pos":[[1,5]],"entity_pair":["m.0ccvx","m.05gf08"]}
type Bag struct {
	Relation      int32        `json:"relation"`
	InstanceCount int          `json:"instance_count"`
	Sentences     [][]int32    `json:"sentences"`
	Positions     [][2][]int32 `json:"positions"`
	EntityPos     [][2]int     `json:"entity_pos"`
	EntityPair    [2]string    `json:"entity_pair"`
}

// Validate checks that the bag is consistent with itself and with the padded sentence length
// and relation count the model was built for.
func (b *Bag) Validate(paddedLen, numClasses int) error {
	if b.InstanceCount <= 0 {
		return fmt.Errorf("bag %v has no instances", b.EntityPair)
	}
	if b.Relation < 0 || int(b.Relation) >= numClasses {
		return fmt.Errorf("bag %v has relation %d, expected [0, %d)", b.EntityPair, b.Relation, numClasses)
	}
	if len(b.Sentences) != b.InstanceCount || len(b.Positions) != b.InstanceCount || len(b.EntityPos) != b.InstanceCount {
		return fmt.Errorf("bag %v declares %d instances but has %d sentences, %d positions and %d entity offsets",
			b.EntityPair, b.InstanceCount, len(b.Sentences), len(b.Positions), len(b.EntityPos))
	}
	for i := range b.InstanceCount {
		if len(b.Sentences[i]) != paddedLen {
			return fmt.Errorf("bag %v instance %d has %d tokens, expected %d", b.EntityPair, i, len(b.Sentences[i]), paddedLen)
		}
		for channel, positions := range b.Positions[i] {
			if len(positions) != paddedLen {
				return fmt.Errorf("bag %v instance %d position channel %d has %d values, expected %d",
					b.EntityPair, i, channel+1, len(positions), paddedLen)
			}
		}
	}
	return nil
}

// LoadBags reads a .jsonl bags file (local path or s3://).
func LoadBags(path string) ([]Bag, error) {
	var bags []Bag
	err := fileutil.ForEachLine(path, func(lineNumber int, line []byte) error {
		var bag Bag
		if err := jsoniter.Unmarshal(line, &bag); err != nil {
			return fmt.Errorf("failed to parse bag on line %d of %s: %w", lineNumber, path, err)
		}
		bags = append(bags, bag)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bags, nil
}

// ValidateBags validates every bag, reporting the first failure with its index.
func ValidateBags(bags []Bag, paddedLen, numClasses int) error {
	for i := range bags {
		if err := bags[i].Validate(paddedLen, numClasses); err != nil {
			return fmt.Errorf("bag %d: %w", i, err)
		}
	}
	return nil
}
