package model

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/apcnn/util/fileutil"
)

// SnapshotTensor is one parameter in a snapshot file.
type SnapshotTensor struct {
	Dims []int     `json:"dims"`
	Data []float32 `json:"data"`
}

var snapshotJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// SaveSnapshot writes every parameter to path (local or s3://) as a JSON object of
// parameter name -> {dims, data}.
func (m *Model) SaveSnapshot(path string) error {
	snapshot := make(map[string]SnapshotTensor, len(m.params.all()))
	for _, name := range m.ParameterNames() {
		data, dims, err := m.Parameter(name)
		if err != nil {
			return err
		}
		snapshot[name] = SnapshotTensor{Dims: dims, Data: data}
	}
	encoded, err := snapshotJSON.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return fileutil.WriteFileBytes(path, encoded)
}

// LoadSnapshot replaces every parameter with the values saved in path. The snapshot must
// hold exactly the model's parameters, with the same dimensions. The model is rebuilt
// around the loaded values, so optimizer state starts over.
func (m *Model) LoadSnapshot(path string) error {
	encoded, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return err
	}
	var snapshot map[string]SnapshotTensor
	if err = snapshotJSON.Unmarshal(encoded, &snapshot); err != nil {
		return fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	names := m.ParameterNames()
	if len(snapshot) != len(names) {
		return fmt.Errorf("snapshot %s has %d parameters, model has %d", path, len(snapshot), len(names))
	}
	for _, name := range names {
		if _, ok := snapshot[name]; !ok {
			return fmt.Errorf("snapshot %s has no parameter %s", path, name)
		}
	}
	if err = m.setParameters(snapshot); err != nil {
		return fmt.Errorf("loading snapshot %s: %w", path, err)
	}
	return nil
}
