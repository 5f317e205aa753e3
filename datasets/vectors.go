package datasets

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/apcnn/util/fileutil"
	"github.com/knights-analytics/apcnn/util/vectorutil"
)

// Table is a dense row-major [Rows, Cols] float32 matrix, used for embedding tables.
type Table struct {
	Rows int
	Cols int
	Data []float32
}

func (t Table) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// LoadWordVectors reads a 2-D float32 or float64 .npy file.
func LoadWordVectors(path string) (table Table, err error) {
	reader, err := fileutil.OpenFile(path)
	if err != nil {
		return table, err
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()

	dense := new(tensor.Dense)
	if err = dense.ReadNpy(reader); err != nil {
		return table, fmt.Errorf("failed to read word vectors %s: %w", path, err)
	}
	shape := dense.Shape()
	if len(shape) != 2 {
		return table, fmt.Errorf("word vectors %s have shape %v, expected [vocab, dim]", path, shape)
	}
	table = Table{Rows: shape[0], Cols: shape[1], Data: make([]float32, shape[0]*shape[1])}
	switch data := dense.Data().(type) {
	case []float32:
		copy(table.Data, data)
	case []float64:
		for i, v := range data {
			table.Data[i] = float32(v)
		}
	default:
		return Table{}, fmt.Errorf("word vectors %s have dtype %v, expected float32 or float64", path, dense.Dtype())
	}
	return table, nil
}

// NormalizeWordVectors gives every row but the padding row 0 unit L2 norm.
func NormalizeWordVectors(table Table) error {
	return vectorutil.NormalizeRows(table.Data, table.Cols, 1)
}

// NewPositionTable draws positions uniform(-1, 1) rows of size dim, normalizes them and
// prepends a zero padding row, so the result has positions+1 rows.
func NewPositionTable(rng *rand.Rand, positions, dim int) (Table, error) {
	if positions <= 0 || dim <= 0 {
		return Table{}, fmt.Errorf("position table needs positive sizes, got %d x %d", positions, dim)
	}
	uniform := distuv.Uniform{Min: -1, Max: 1, Src: rng}
	table := Table{Rows: positions + 1, Cols: dim, Data: make([]float32, (positions+1)*dim)}
	for i := dim; i < len(table.Data); i++ {
		table.Data[i] = float32(uniform.Rand())
	}
	if err := vectorutil.NormalizeRows(table.Data, dim, 1); err != nil {
		return Table{}, err
	}
	return table, nil
}
