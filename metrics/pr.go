package metrics

import (
	"cmp"
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/integrate"

	"github.com/knights-analytics/apcnn/util/fileutil"
)

// NA is the relation id meaning "no relation".
const NA = 0

// PRCurve is the precision/recall curve of one evaluation, as written to pr_<epoch>.json.
type PRCurve struct {
	Epoch      int       `json:"epoch"`
	Precision  []float64 `json:"precision"`
	Recall     []float64 `json:"recall"`
	Thresholds []float64 `json:"thresholds"`
	AUC        float64   `json:"auc"`
}

// EvalPR ranks the predictions by probability, highest first, and walks the ranking over
// the predictions that are not NA. At every step precision is the share of predictions seen
// so far that match their gold relation, and recall is the share of non-NA gold bags found.
// The probability of each step is returned as its threshold.
func EvalPR(predicted []int32, probabilities []float32, gold []int32) (precision, recall, thresholds []float64, err error) {
	if len(predicted) != len(probabilities) || len(predicted) != len(gold) {
		return nil, nil, nil, fmt.Errorf("got %d predictions, %d probabilities and %d gold labels",
			len(predicted), len(probabilities), len(gold))
	}
	positives := 0
	for _, relation := range gold {
		if relation != NA {
			positives++
		}
	}

	order := make([]int, len(predicted))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(probabilities[b], probabilities[a])
	})

	correct, seen := 0, 0
	for _, i := range order {
		if predicted[i] == NA {
			continue
		}
		seen++
		if predicted[i] == gold[i] {
			correct++
		}
		precision = append(precision, float64(correct)/float64(seen))
		if positives > 0 {
			recall = append(recall, float64(correct)/float64(positives))
		} else {
			recall = append(recall, 0)
		}
		thresholds = append(thresholds, float64(probabilities[i]))
	}
	return precision, recall, thresholds, nil
}

// AUC is the area under the precision/recall curve by the trapezoidal rule over recall.
// Curves with fewer than two points have no area.
func AUC(precision, recall []float64) float64 {
	if len(recall) < 2 || len(precision) != len(recall) {
		return 0
	}
	return integrate.Trapezoidal(recall, precision)
}

// NewPRCurve evaluates the predictions of one epoch.
func NewPRCurve(epoch int, predicted []int32, probabilities []float32, gold []int32) (PRCurve, error) {
	precision, recall, thresholds, err := EvalPR(predicted, probabilities, gold)
	if err != nil {
		return PRCurve{}, err
	}
	return PRCurve{
		Epoch:      epoch,
		Precision:  precision,
		Recall:     recall,
		Thresholds: thresholds,
		AUC:        AUC(precision, recall),
	}, nil
}

// Last returns the precision and recall at the end of the ranking, or zeros for an empty curve.
func (c PRCurve) Last() (precision, recall float64) {
	if len(c.Precision) == 0 {
		return 0, 0
	}
	return c.Precision[len(c.Precision)-1], c.Recall[len(c.Recall)-1]
}

// SavePR writes curve as JSON to path (local or s3://).
func SavePR(path string, curve PRCurve) error {
	data, err := jsoniter.Marshal(curve)
	if err != nil {
		return fmt.Errorf("encoding pr curve: %w", err)
	}
	return fileutil.WriteFileBytes(path, data)
}

// LoadPR reads a curve written by SavePR.
func LoadPR(path string) (PRCurve, error) {
	var curve PRCurve
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return curve, err
	}
	if err = jsoniter.Unmarshal(data, &curve); err != nil {
		return curve, fmt.Errorf("failed to parse pr curve %s: %w", path, err)
	}
	return curve, nil
}

// FileName is the PR file name of an epoch.
func FileName(epoch int) string {
	return fmt.Sprintf("pr_%d.json", epoch)
}
