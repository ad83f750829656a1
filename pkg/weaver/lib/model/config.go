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

package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Kind identifies the adapter behind a model directory.
type Kind string

const (
	// KindTable is the deterministic table model (table_model.json).
	KindTable Kind = "table"
	// KindONNX is an exported encoder-decoder pair of ONNX graphs.
	KindONNX Kind = "onnx"
)

// SessionConfig names one ONNX graph and its tensor bindings.
type SessionConfig struct {
	// File is the graph file name inside the model directory.
	File string `json:"file"`
	// Inputs maps logical input roles to graph tensor names.
	Inputs map[string]string `json:"inputs"`
	// Outputs lists graph output tensor names in positional order.
	Outputs []string `json:"outputs"`
}

// Config is the model directory's config.json.
type Config struct {
	// ModelType should be "onnx" for session-backed models.
	ModelType string `json:"model_type"`
	// VocabSize is the target vocabulary size.
	VocabSize int `json:"vocab_size"`
	// HiddenSize of the decoder state.
	HiddenSize int `json:"hidden_size"`
	// Encoder binds the encoder graph.
	Encoder SessionConfig `json:"encoder"`
	// Decoder binds the decoder graph.
	Decoder SessionConfig `json:"decoder"`
	// AttentionOutput names the decoder output carrying cross-attention
	// weights. Must appear in Decoder.Outputs.
	AttentionOutput string `json:"attention_output"`
	// HiddenOutput names the decoder output carrying the decoder hidden
	// state, when the export includes one.
	HiddenOutput string `json:"hidden_output"`
	// PadID is the source pad token id used for batch padding.
	PadID int `json:"pad_id"`
}

// Tensor role keys recognized in SessionConfig.Inputs.
const (
	RoleIDs           = "ids"
	RoleMask          = "mask"
	RoleEncoderStates = "encoder_states"
	RoleEncoderMask   = "encoder_mask"
)

// LoadConfig reads config.json from a model directory.
func LoadConfig(dir string) (*Config, error) {
	configPath := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}

	if config.Encoder.File == "" {
		config.Encoder.File = "encoder_model.onnx"
	}
	if config.Decoder.File == "" {
		config.Decoder.File = "decoder_model.onnx"
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if len(c.Decoder.Outputs) == 0 {
		return fmt.Errorf("decoder.outputs must list the graph outputs")
	}
	if c.AttentionOutput == "" {
		return fmt.Errorf("attention_output is required for state introspection")
	}
	if _, ok := outputIndex(c.Decoder.Outputs, c.AttentionOutput); !ok {
		return fmt.Errorf("attention_output %q not in decoder.outputs", c.AttentionOutput)
	}
	if c.HiddenOutput != "" {
		if _, ok := outputIndex(c.Decoder.Outputs, c.HiddenOutput); !ok {
			return fmt.Errorf("hidden_output %q not in decoder.outputs", c.HiddenOutput)
		}
	}
	return nil
}

func outputIndex(outputs []string, name string) (int, bool) {
	for i, o := range outputs {
		if o == name {
			return i, true
		}
	}
	return 0, false
}

// inputName resolves a logical role to the configured tensor name, with a
// conventional default when the config omits it.
func inputName(inputs map[string]string, role, fallback string) string {
	if name, ok := inputs[role]; ok && name != "" {
		return name
	}
	return fallback
}

// Detect reports which adapter a model directory holds. Directories with
// a table_model.json are table models; directories with a config.json
// and an encoder graph are ONNX models.
func Detect(dir string) (Kind, error) {
	if _, err := os.Stat(filepath.Join(dir, "table_model.json")); err == nil {
		return KindTable, nil
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err == nil {
		return KindONNX, nil
	}
	return "", fmt.Errorf("no model found in %s (expected table_model.json or config.json)", dir)
}
