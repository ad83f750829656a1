// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Import simplego backend - always available
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(&gomlxBackend{})
}

// gomlxBackend implements Backend by executing ONNX graphs through GoMLX.
//
// Inference engines:
//   - simplego: Pure Go, always available, slower
//   - xla: Hardware accelerated (CUDA, TPU, optimized CPU), requires XLA/PJRT
//
// The engine is auto-detected: xla when PJRT is present, simplego otherwise.
// GoMLX returns graph outputs positionally, so sessions must be created with
// WithSessionOutputs naming them in order.
type gomlxBackend struct {
	engineMu sync.Mutex
	engine   backends.Backend
}

func (b *gomlxBackend) Type() BackendType {
	return BackendGoMLX
}

func (b *gomlxBackend) Name() string {
	return "GoMLX"
}

func (b *gomlxBackend) Available() bool {
	return true
}

func (b *gomlxBackend) Priority() int {
	// Lower priority than direct ONNX Runtime, but always available
	return 30
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// getEngine returns the GoMLX engine, creating it on first use.
// Tries xla first, falls back to simplego.
func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineMu.Lock()
	defer b.engineMu.Unlock()

	if b.engine != nil {
		return b.engine, nil
	}

	engine, err := backends.NewWithConfig("xla")
	if err != nil {
		// XLA not available, use simplego
		engine, err = backends.NewWithConfig("simplego")
		if err != nil {
			return nil, err
		}
	}

	b.engine = engine
	return engine, nil
}

// gomlxSessionFactory implements SessionFactory for GoMLX.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (f *gomlxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	cfg := ApplySessionOptions(opts...)
	if len(cfg.OutputNames) == 0 {
		return nil, fmt.Errorf("gomlx session for %s needs output names (WithSessionOutputs)", modelPath)
	}

	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	model, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}

	mlc := mlctx.New()
	if err := model.VariablesToContext(mlc); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	outputInfo := make([]TensorInfo, len(cfg.OutputNames))
	for i, name := range cfg.OutputNames {
		outputInfo[i] = TensorInfo{Name: name, DataType: DataTypeFloat32}
	}

	return &gomlxSession{
		model:      model,
		ctx:        mlc,
		engine:     engine,
		outputInfo: outputInfo,
	}, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return BackendGoMLX
}

// gomlxSession implements Session by converting the ONNX graph to GoMLX
// and executing it on the selected engine.
type gomlxSession struct {
	mu         sync.Mutex
	model      *onnx.Model
	ctx        *mlctx.Context
	engine     backends.Backend
	outputInfo []TensorInfo
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model == nil {
		return nil, fmt.Errorf("session is closed")
	}

	args := make([]any, len(inputs))
	for i, input := range inputs {
		t, err := gomlxTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		args[i] = t
	}

	// Build the ONNX graph function with inputs mapped by name.
	graphFn := func(mlCtx *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		inputMap := make(map[string]*graph.Node, len(nodes))
		for i := range nodes {
			inputMap[inputs[i].Name] = nodes[i]
		}
		return s.model.CallGraph(mlCtx.Reuse(), nodes[0].Graph(), inputMap)
	}

	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}
	if len(results) < len(s.outputInfo) {
		return nil, fmt.Errorf("graph returned %d outputs, want %d", len(results), len(s.outputInfo))
	}

	outputs := make([]NamedTensor, len(s.outputInfo))
	for i := range s.outputInfo {
		out, err := fromGoMLXTensor(results[i], s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	// Inputs are declared by the caller at Run time.
	return nil
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = nil
	s.ctx = nil
	return nil
}

// gomlxTensor creates a GoMLX tensor from a NamedTensor.
func gomlxTensor(input NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(input.Shape))
	for i, d := range input.Shape {
		dims[i] = int(d)
	}

	switch data := input.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		// Convert to int64 for ONNX
		int64Data := make([]int64, len(data))
		for i, v := range data {
			int64Data[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(int64Data, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// fromGoMLXTensor extracts a NamedTensor from a GoMLX tensor.
// GoMLX materializes values as nested slices; flatten them back.
func fromGoMLXTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	dims := t.Shape().Dimensions
	shape := make([]int64, len(dims))
	total := 1
	for i, d := range dims {
		shape[i] = int64(d)
		total *= d
	}

	value := t.Value()
	if flat, ok := flattenFloat32(make([]float32, 0, total), value); ok {
		return NamedTensor{Name: name, Shape: shape, Data: flat}, nil
	}
	if flat, ok := flattenInt64(make([]int64, 0, total), value); ok {
		return NamedTensor{Name: name, Shape: shape, Data: flat}, nil
	}
	return NamedTensor{}, fmt.Errorf("unsupported tensor value type: %T", value)
}

func flattenFloat32(dst []float32, value any) ([]float32, bool) {
	switch v := value.(type) {
	case float32:
		return append(dst, v), true
	case []float32:
		return append(dst, v...), true
	case [][]float32:
		for _, row := range v {
			dst = append(dst, row...)
		}
		return dst, true
	case [][][]float32:
		for _, plane := range v {
			for _, row := range plane {
				dst = append(dst, row...)
			}
		}
		return dst, true
	case [][][][]float32:
		for _, block := range v {
			for _, plane := range block {
				for _, row := range plane {
					dst = append(dst, row...)
				}
			}
		}
		return dst, true
	}
	return dst, false
}

func flattenInt64(dst []int64, value any) ([]int64, bool) {
	switch v := value.(type) {
	case int64:
		return append(dst, v), true
	case []int64:
		return append(dst, v...), true
	case [][]int64:
		for _, row := range v {
			dst = append(dst, row...)
		}
		return dst, true
	}
	return dst, false
}
