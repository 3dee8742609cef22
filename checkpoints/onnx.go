package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX wire schema subset used for weight interchange. Field numbers follow
// onnx.proto and are stable across ONNX releases.
const (
	// ModelProto
	modelIRVersion    = 1
	modelProducerName = 2
	modelProducerVer  = 3
	modelVersionField = 5
	modelDocString    = 6
	modelGraph        = 7
	modelOpsetImport  = 8

	// OperatorSetIdProto
	opsetDomain  = 1
	opsetVersion = 2

	// GraphProto
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	// ValueInfoProto
	valueInfoName = 1

	// TensorProto
	tensorDims     = 1
	tensorDataType = 2
	tensorFloats   = 4
	tensorName     = 8
	tensorRawData  = 9

	// TensorProto.DataType
	onnxFloat = 1

	onnxIRVersion   = 7
	onnxOpsetTarget = 13
)

// ONNXExporter writes model weights as ONNX graph initializers. The export
// carries every parameter and buffer under its dotted name so external
// tooling can read the tensors back; it does not emit computation nodes.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter.
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX serializes the checkpoint weights to an ONNX model file.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint is nil")
	}

	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %v", err)
	}

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, onnxIRVersion)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, "mads-capstone-medical-imaging")
	model = protowire.AppendTag(model, modelProducerVer, protowire.BytesType)
	model = protowire.AppendString(model, "1.0.0")
	model = protowire.AppendTag(model, modelVersionField, protowire.VarintType)
	model = protowire.AppendVarint(model, 1)

	// The doc string carries the hyperparameter record as JSON so a full
	// model rebuild is possible from the ONNX file alone.
	doc, err := json.Marshal(checkpoint.Model)
	if err != nil {
		return fmt.Errorf("failed to encode model record: %v", err)
	}
	model = protowire.AppendTag(model, modelDocString, protowire.BytesType)
	model = protowire.AppendBytes(model, doc)

	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	var opset []byte
	opset = protowire.AppendTag(opset, opsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpsetTarget)
	model = protowire.AppendTag(model, modelOpsetImport, protowire.BytesType)
	model = protowire.AppendBytes(model, opset)

	if err := os.WriteFile(path, model, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}

	return nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	name := checkpoint.Model.Architecture
	if name == "" {
		name = "model"
	}
	graph = protowire.AppendString(graph, name)

	for _, weight := range checkpoint.Weights {
		init, err := oe.buildTensor(weight)
		if err != nil {
			return nil, err
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, init)
	}

	var input []byte
	input = protowire.AppendTag(input, valueInfoName, protowire.BytesType)
	input = protowire.AppendString(input, "input")
	graph = protowire.AppendTag(graph, graphInput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, input)

	var output []byte
	output = protowire.AppendTag(output, valueInfoName, protowire.BytesType)
	output = protowire.AppendString(output, "logits")
	graph = protowire.AppendTag(graph, graphOutput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, output)

	return graph, nil
}

func (oe *ONNXExporter) buildTensor(weight WeightTensor) ([]byte, error) {
	elems := 1
	for _, dim := range weight.Shape {
		if dim <= 0 {
			return nil, fmt.Errorf("tensor %s has invalid dimension %d", weight.Name, dim)
		}
		elems *= dim
	}
	if elems != len(weight.Data) {
		return nil, fmt.Errorf("tensor %s: shape %v does not match %d data elements",
			weight.Name, weight.Shape, len(weight.Data))
	}

	var t []byte
	for _, dim := range weight.Shape {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(dim))
	}
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, onnxFloat)
	t = protowire.AppendTag(t, tensorName, protowire.BytesType)
	t = protowire.AppendString(t, weight.Name)

	raw := make([]byte, 4*len(weight.Data))
	for i, f := range weight.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	t = protowire.AppendTag(t, tensorRawData, protowire.BytesType)
	t = protowire.AppendBytes(t, raw)

	return t, nil
}

// ONNXImporter reads weight tensors from an ONNX model's graph initializers.
// Non-float initializers (shape constants and the like) are skipped.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer.
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads an ONNX model file and returns a checkpoint holding
// its initializer tensors. Training state is not represented in ONNX and
// comes back zeroed.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}

	checkpoint := &Checkpoint{}
	graph, graphFound, err := oi.scanModel(data, checkpoint)
	if err != nil {
		return nil, err
	}
	if !graphFound {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	if err := oi.parseGraph(graph, checkpoint); err != nil {
		return nil, err
	}

	return checkpoint, nil
}

func (oi *ONNXImporter) scanModel(data []byte, checkpoint *Checkpoint) ([]byte, bool, error) {
	var graph []byte
	found := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, false, fmt.Errorf("malformed ONNX model: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == modelGraph && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, false, fmt.Errorf("malformed ONNX graph: %v", protowire.ParseError(n))
			}
			graph = sub
			found = true
			data = data[n:]

		case num == modelDocString && typ == protowire.BytesType:
			doc, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, false, fmt.Errorf("malformed doc string: %v", protowire.ParseError(n))
			}
			// Our exports put the hyperparameter record here as JSON. Foreign
			// models put prose; anything that does not parse is left alone.
			var info ModelInfo
			if err := json.Unmarshal([]byte(doc), &info); err == nil {
				checkpoint.Model = info
			}
			data = data[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, false, fmt.Errorf("malformed ONNX field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return graph, found, nil
}

func (oi *ONNXImporter) parseGraph(graph []byte, checkpoint *Checkpoint) error {
	for len(graph) > 0 {
		num, typ, n := protowire.ConsumeTag(graph)
		if n < 0 {
			return fmt.Errorf("malformed graph: %v", protowire.ParseError(n))
		}
		graph = graph[n:]

		switch {
		case num == graphName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(graph)
			if n < 0 {
				return fmt.Errorf("malformed graph name: %v", protowire.ParseError(n))
			}
			if checkpoint.Model.Architecture == "" {
				checkpoint.Model.Architecture = name
			}
			graph = graph[n:]

		case num == graphInitializer && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(graph)
			if n < 0 {
				return fmt.Errorf("malformed initializer: %v", protowire.ParseError(n))
			}
			graph = graph[n:]

			weight, isFloat, err := oi.parseTensor(sub)
			if err != nil {
				return err
			}
			if isFloat {
				checkpoint.Weights = append(checkpoint.Weights, weight)
			}

		default:
			n = protowire.ConsumeFieldValue(num, typ, graph)
			if n < 0 {
				return fmt.Errorf("malformed graph field %d: %v", num, protowire.ParseError(n))
			}
			graph = graph[n:]
		}
	}

	return nil
}

func (oi *ONNXImporter) parseTensor(data []byte) (WeightTensor, bool, error) {
	var weight WeightTensor
	dataType := int64(onnxFloat)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return weight, false, fmt.Errorf("malformed tensor: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == tensorDims && typ == protowire.VarintType:
			dim, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed tensor dims: %v", protowire.ParseError(n))
			}
			weight.Shape = append(weight.Shape, int(dim))
			data = data[n:]

		case num == tensorDataType && typ == protowire.VarintType:
			dt, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed tensor data type: %v", protowire.ParseError(n))
			}
			dataType = int64(dt)
			data = data[n:]

		case num == tensorName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed tensor name: %v", protowire.ParseError(n))
			}
			weight.Name = name
			data = data[n:]

		case num == tensorRawData && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed tensor raw data: %v", protowire.ParseError(n))
			}
			if len(raw)%4 != 0 {
				return weight, false, fmt.Errorf("tensor %s: raw data length %d not a multiple of 4", weight.Name, len(raw))
			}
			weight.Data = make([]float32, len(raw)/4)
			for i := range weight.Data {
				weight.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
			data = data[n:]

		case num == tensorFloats && typ == protowire.BytesType:
			// Packed repeated float.
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed tensor float data: %v", protowire.ParseError(n))
			}
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return weight, false, fmt.Errorf("malformed packed float: %v", protowire.ParseError(m))
				}
				weight.Data = append(weight.Data, math.Float32frombits(bits))
				packed = packed[m:]
			}
			data = data[n:]

		case num == tensorFloats && typ == protowire.Fixed32Type:
			bits, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed float entry: %v", protowire.ParseError(n))
			}
			weight.Data = append(weight.Data, math.Float32frombits(bits))
			data = data[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return weight, false, fmt.Errorf("malformed tensor field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if dataType != onnxFloat {
		return weight, false, nil
	}

	elems := 1
	for _, dim := range weight.Shape {
		elems *= dim
	}
	if len(weight.Shape) == 0 && len(weight.Data) == 1 {
		// Scalar initializer: treat as shape [1].
		weight.Shape = []int{1}
		elems = 1
	}
	if elems != len(weight.Data) {
		return weight, false, fmt.Errorf("tensor %s: shape %v does not match %d data elements",
			weight.Name, weight.Shape, len(weight.Data))
	}

	weight.Layer, weight.Type = splitParamName(weight.Name)
	return weight, true, nil
}
