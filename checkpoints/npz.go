package checkpoints

import (
	"archive/zip"
	"fmt"
	"os"
	"sort"
	"strings"

	gtensor "gorgonia.org/tensor"
)

// SaveNPZ writes weight tensors to a NumPy .npz archive, one .npy entry per
// tensor named after the parameter. The archive is readable from Python with
// numpy.load.
func SaveNPZ(weights []WeightTensor, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create npz file: %v", err)
	}
	defer file.Close()

	archive := zip.NewWriter(file)

	for _, weight := range weights {
		elems := 1
		for _, dim := range weight.Shape {
			elems *= dim
		}
		if elems != len(weight.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d data elements",
				weight.Name, weight.Shape, len(weight.Data))
		}

		entry, err := archive.Create(weight.Name + ".npy")
		if err != nil {
			return fmt.Errorf("failed to create npz entry for %s: %v", weight.Name, err)
		}

		dense := gtensor.New(gtensor.WithShape(weight.Shape...), gtensor.WithBacking(weight.Data))
		if err := dense.WriteNpy(entry); err != nil {
			return fmt.Errorf("failed to write npy data for %s: %v", weight.Name, err)
		}
	}

	if err := archive.Close(); err != nil {
		return fmt.Errorf("failed to finalize npz archive: %v", err)
	}

	return nil
}

// LoadNPZ reads weight tensors from a NumPy .npz archive. Float64 entries are
// converted to float32; entries of other dtypes are rejected. Results are
// sorted by name.
func LoadNPZ(path string) ([]WeightTensor, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open npz file: %v", err)
	}
	defer archive.Close()

	var weights []WeightTensor
	for _, entry := range archive.File {
		name := strings.TrimSuffix(entry.Name, ".npy")

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open npz entry %s: %v", entry.Name, err)
		}

		dense := new(gtensor.Dense)
		err = dense.ReadNpy(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read npy data for %s: %v", name, err)
		}

		data, err := denseFloat32(dense)
		if err != nil {
			return nil, fmt.Errorf("npz entry %s: %v", name, err)
		}

		shape := append([]int(nil), dense.Shape()...)
		if len(shape) == 0 {
			shape = []int{1}
		}

		layer, kind := splitParamName(name)
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: shape,
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}

	sort.Slice(weights, func(i, j int) bool { return weights[i].Name < weights[j].Name })
	return weights, nil
}

func denseFloat32(dense *gtensor.Dense) ([]float32, error) {
	switch data := dense.Data().(type) {
	case []float32:
		return append([]float32(nil), data...), nil
	case float32:
		return []float32{data}, nil
	case []float64:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		return converted, nil
	case float64:
		return []float32{float32(data)}, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %T, expected float32 or float64", data)
	}
}
