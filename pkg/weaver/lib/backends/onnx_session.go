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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// newOrtSession builds a Session around an ONNX Runtime dynamic session.
// Input and output names are introspected from the model file. CUDA is
// attempted only when tryCUDA is set; a forced cuda mode turns a provider
// failure into an error, auto mode falls back to CPU.
func newOrtSession(modelPath string, cfg *SessionConfig, tryCUDA bool) (Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model info: %w", err)
	}

	inputNames := make([]string, len(inputs))
	inputInfo := make([]TensorInfo, len(inputs))
	for i, inp := range inputs {
		inputNames[i] = inp.Name
		inputInfo[i] = TensorInfo{Name: inp.Name, Shape: inp.Dimensions}
	}
	outputNames := make([]string, len(outputs))
	outputInfo := make([]TensorInfo, len(outputs))
	for i, out := range outputs {
		outputNames[i] = out.Name
		outputInfo[i] = TensorInfo{Name: out.Name, Shape: out.Dimensions}
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer sessionOptions.Destroy()

	if cfg.NumThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if tryCUDA && ShouldUseGPU(cfg.GPUMode) {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			err = sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
			cudaOptions.Destroy()
		}
		if err != nil && cfg.GPUMode == GPUModeCuda {
			return nil, fmt.Errorf("enabling CUDA: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return &onnxSession{
		session:    session,
		inputInfo:  inputInfo,
		outputInfo: outputInfo,
	}, nil
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputInfo  []TensorInfo
	outputInfo []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	ortInputs := make([]ort.Value, len(inputs))
	for i, input := range inputs {
		t, err := createOrtTensor(input)
		if err != nil {
			for _, prev := range ortInputs[:i] {
				prev.Destroy()
			}
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = t
	}
	defer func() {
		for _, t := range ortInputs {
			t.Destroy()
		}
	}()

	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, t := range ortOutputs {
		out, err := extractOrtTensor(t, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		return err
	}
	return nil
}

// createOrtTensor creates an ONNX Runtime tensor from a NamedTensor.
func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)
	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		return ort.NewTensor(shape, data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// extractOrtTensor extracts a NamedTensor from an ONNX Runtime value.
func extractOrtTensor(value ort.Value, name string) (NamedTensor, error) {
	switch t := value.(type) {
	case *ort.Tensor[float32]:
		data := make([]float32, len(t.GetData()))
		copy(data, t.GetData())
		return NamedTensor{Name: name, Shape: t.GetShape(), Data: data}, nil
	case *ort.Tensor[int64]:
		data := make([]int64, len(t.GetData()))
		copy(data, t.GetData())
		return NamedTensor{Name: name, Shape: t.GetShape(), Data: data}, nil
	default:
		return NamedTensor{}, fmt.Errorf("unsupported output type: %T", value)
	}
}
