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
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// TableConfig defines a deterministic table model.
type TableConfig struct {
	// VocabSize is the shared source/target vocabulary size.
	VocabSize int `json:"vocab_size"`
	// HiddenSize of the synthetic encoder/decoder states.
	HiddenSize int `json:"hidden_size"`
	// Lexicon maps a source token id to its preferred target token id.
	// Unlisted source tokens translate to themselves.
	Lexicon map[int]int `json:"lexicon"`
	// Sharpness concentrates attention around the step position.
	Sharpness float64 `json:"sharpness"`
	// Decay controls how fast log-probabilities fall off around the
	// preferred token; smaller values spread mass over more candidates.
	Decay float64 `json:"decay"`
	// EOS is the end-of-sequence token id.
	EOS int `json:"eos"`
}

// TableModel is a deterministic Model for tests and development. The
// attention distribution tracks the step position diagonally, each
// attended source token maps through the lexicon to a preferred target
// token, and all outputs are pure functions of the inputs, so decoding
// the same sequence twice produces bitwise-identical results.
type TableModel struct {
	cfg TableConfig
}

var _ Model = (*TableModel)(nil)

// NewTableModel validates the config and applies defaults.
func NewTableModel(cfg TableConfig) (*TableModel, error) {
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("vocab_size must be positive, got %d", cfg.VocabSize)
	}
	if cfg.HiddenSize <= 0 {
		cfg.HiddenSize = 8
	}
	if cfg.Sharpness <= 0 {
		cfg.Sharpness = 2.0
	}
	if cfg.Decay <= 0 {
		cfg.Decay = 1.5
	}
	if cfg.EOS == 0 {
		cfg.EOS = 3
	}
	if cfg.EOS < 0 || cfg.EOS >= cfg.VocabSize {
		return nil, fmt.Errorf("eos %d outside vocabulary of size %d", cfg.EOS, cfg.VocabSize)
	}
	return &TableModel{cfg: cfg}, nil
}

// LoadTableModel reads table_model.json from a model directory.
func LoadTableModel(dir string) (*TableModel, error) {
	data, err := os.ReadFile(filepath.Join(dir, "table_model.json"))
	if err != nil {
		return nil, fmt.Errorf("reading table_model.json: %w", err)
	}
	var cfg TableConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing table_model.json: %w", err)
	}
	return NewTableModel(cfg)
}

// Config returns the model's effective configuration.
func (m *TableModel) Config() TableConfig { return m.cfg }

func (m *TableModel) Encode(ctx context.Context, batch [][]int) ([]Encoding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encodings := make([]Encoding, len(batch))
	for i, src := range batch {
		if len(src) == 0 {
			return nil, fmt.Errorf("sequence %d is empty", i)
		}
		states := make([][]float32, len(src))
		for j, id := range src {
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, fmt.Errorf("sequence %d: token id %d outside vocabulary of size %d", i, id, m.cfg.VocabSize)
			}
			states[j] = m.positionState(id, j)
		}
		// The memory bank attended by the decoder is the encoder state
		// sequence itself.
		encodings[i] = Encoding{
			Context: states,
			States:  states,
			src:     append([]int(nil), src...),
		}
	}
	return encodings, nil
}

func (m *TableModel) DecodeStep(ctx context.Context, enc Encoding, prev State, prevToken int, ov *Override) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	srcLen := enc.SourceLen()
	if srcLen == 0 {
		return StepResult{}, fmt.Errorf("empty encoding")
	}
	if len(enc.src) != srcLen {
		return StepResult{}, fmt.Errorf("encoding was not produced by this model")
	}
	if prevToken < 0 || prevToken >= m.cfg.VocabSize {
		return StepResult{}, fmt.Errorf("previous token %d outside vocabulary of size %d", prevToken, m.cfg.VocabSize)
	}

	prefix := prev.extend(prevToken)
	step := len(prefix) - 1

	attention, attended, err := m.attention(step, srcLen, ov)
	if err != nil {
		return StepResult{}, err
	}

	cstar := make([]float32, m.cfg.HiddenSize)
	for j, a := range attention {
		row := enc.Context[j]
		for h := 0; h < m.cfg.HiddenSize && h < len(row); h++ {
			cstar[h] += a * row[h]
		}
	}

	want := m.cfg.EOS
	if step < srcLen {
		want = m.translates(enc.src[attended])
	}

	logProbs := m.distribution(want)
	hidden := m.nextHidden(prev.Hidden, prevToken, step)

	return StepResult{
		State:     State{Hidden: hidden, prefix: prefix},
		LogProbs:  logProbs,
		Attention: attention,
		Context:   cstar,
	}, nil
}

func (m *TableModel) Close() error { return nil }

// attention builds the step's attention distribution: one-hot at the
// override position, otherwise a sharp peak at the diagonal position.
func (m *TableModel) attention(step, srcLen int, ov *Override) ([]float32, int, error) {
	attention := make([]float32, srcLen)

	if ov != nil {
		if ov.AttendTo < 0 || ov.AttendTo >= srcLen {
			return nil, 0, fmt.Errorf("attention override position %d outside source of length %d", ov.AttendTo, srcLen)
		}
		attention[ov.AttendTo] = 1
		return attention, ov.AttendTo, nil
	}

	center := step
	if center >= srcLen {
		center = srcLen - 1
	}
	var sum float64
	weights := make([]float64, srcLen)
	for j := range weights {
		w := math.Exp(-m.cfg.Sharpness * math.Abs(float64(j-center)))
		weights[j] = w
		sum += w
	}
	for j, w := range weights {
		attention[j] = float32(w / sum)
	}
	return attention, center, nil
}

// translates maps a source token through the lexicon.
func (m *TableModel) translates(srcToken int) int {
	if tgt, ok := m.cfg.Lexicon[srcToken]; ok && tgt >= 0 && tgt < m.cfg.VocabSize {
		return tgt
	}
	return srcToken
}

// distribution returns normalized log-probabilities peaked at want, with
// Decay-controlled falloff giving the beam genuine alternatives.
func (m *TableModel) distribution(want int) []float32 {
	logits := make([]float64, m.cfg.VocabSize)
	var z float64
	for v := range logits {
		logits[v] = -m.cfg.Decay * math.Abs(float64(v-want))
		z += math.Exp(logits[v])
	}
	logZ := math.Log(z)

	logProbs := make([]float32, m.cfg.VocabSize)
	for v := range logits {
		logProbs[v] = float32(logits[v] - logZ)
	}
	return logProbs
}

// positionState is the deterministic encoder state for token id at
// source position j.
func (m *TableModel) positionState(id, j int) []float32 {
	state := make([]float32, m.cfg.HiddenSize)
	for h := range state {
		state[h] = float32(math.Sin(0.1*float64(id+1)*float64(h+1) + 0.01*float64(j)))
	}
	return state
}

// nextHidden evolves the decoder state from the consumed token.
func (m *TableModel) nextHidden(prev []float32, token, step int) []float32 {
	hidden := make([]float32, m.cfg.HiddenSize)
	for h := range hidden {
		var carry float64
		if h < len(prev) {
			carry = 0.5 * float64(prev[h])
		}
		emb := math.Sin(0.1 * float64(token+1) * float64(h+1))
		hidden[h] = float32(math.Tanh(carry + emb + 0.1*float64(step)))
	}
	return hidden
}
