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
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/antflydb/weaver/pkg/weaver/lib/backends"
)

// ONNXModel runs an exported encoder-decoder pair through inference
// sessions. The decoder is stateless across steps: each DecodeStep
// replays the hypothesis token path, so the graph needs no KV-cache
// inputs. The first decoder output must be the vocabulary logits; the
// cross-attention output is required for introspection and for forced
// attention, which is applied by masking the encoder attention mask down
// to the forced position.
type ONNXModel struct {
	cfg       *Config
	encoder   backends.Session
	decoder   backends.Session
	attnIdx   int
	hiddenIdx int
}

var _ Model = (*ONNXModel)(nil)

// LoadONNXModel opens the encoder and decoder graphs of a model
// directory through the session manager. Extra session options, such as
// a GPU mode, apply to both sessions.
func LoadONNXModel(mgr *backends.SessionManager, dir string, sessOpts ...backends.SessionOption) (*ONNXModel, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config.json: %w", err)
	}

	encOpts := append([]backends.SessionOption{backends.WithSessionOutputs(cfg.Encoder.Outputs...)}, sessOpts...)
	encoder, err := mgr.CreateSession(filepath.Join(dir, cfg.Encoder.File), encOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening encoder: %w", err)
	}
	decOpts := append([]backends.SessionOption{backends.WithSessionOutputs(cfg.Decoder.Outputs...)}, sessOpts...)
	decoder, err := mgr.CreateSession(filepath.Join(dir, cfg.Decoder.File), decOpts...)
	if err != nil {
		cerr := encoder.Close()
		return nil, errors.Join(fmt.Errorf("opening decoder: %w", err), cerr)
	}

	attnIdx, _ := outputIndex(cfg.Decoder.Outputs, cfg.AttentionOutput)
	hiddenIdx := -1
	if cfg.HiddenOutput != "" {
		hiddenIdx, _ = outputIndex(cfg.Decoder.Outputs, cfg.HiddenOutput)
	}

	return &ONNXModel{
		cfg:       cfg,
		encoder:   encoder,
		decoder:   decoder,
		attnIdx:   attnIdx,
		hiddenIdx: hiddenIdx,
	}, nil
}

func (m *ONNXModel) Encode(ctx context.Context, batch [][]int) ([]Encoding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	maxLen := 0
	for i, src := range batch {
		if len(src) == 0 {
			return nil, fmt.Errorf("sequence %d is empty", i)
		}
		if len(src) > maxLen {
			maxLen = len(src)
		}
	}

	b := len(batch)
	ids := make([]int64, b*maxLen)
	mask := make([]int64, b*maxLen)
	for i, src := range batch {
		for j := 0; j < maxLen; j++ {
			if j < len(src) {
				ids[i*maxLen+j] = int64(src[j])
				mask[i*maxLen+j] = 1
			} else {
				ids[i*maxLen+j] = int64(m.cfg.PadID)
			}
		}
	}

	outputs, err := m.encoder.Run([]backends.NamedTensor{
		{
			Name:  inputName(m.cfg.Encoder.Inputs, RoleIDs, "input_ids"),
			Shape: []int64{int64(b), int64(maxLen)},
			Data:  ids,
		},
		{
			Name:  inputName(m.cfg.Encoder.Inputs, RoleMask, "attention_mask"),
			Shape: []int64{int64(b), int64(maxLen)},
			Data:  mask,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("encoder produced no outputs")
	}

	hiddenStates, err := floatData(outputs[0])
	if err != nil {
		return nil, fmt.Errorf("encoder output: %w", err)
	}
	if len(outputs[0].Shape) != 3 {
		return nil, fmt.Errorf("encoder output has rank %d, want 3", len(outputs[0].Shape))
	}
	hiddenSize := int(outputs[0].Shape[2])

	encodings := make([]Encoding, b)
	for i, src := range batch {
		rows := make([][]float32, len(src))
		for j := range src {
			start := (i*maxLen + j) * hiddenSize
			row := make([]float32, hiddenSize)
			copy(row, hiddenStates[start:start+hiddenSize])
			rows[j] = row
		}
		encodings[i] = Encoding{
			Context: rows,
			States:  rows,
			src:     append([]int(nil), src...),
		}
	}
	return encodings, nil
}

func (m *ONNXModel) DecodeStep(ctx context.Context, enc Encoding, prev State, prevToken int, ov *Override) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	srcLen := enc.SourceLen()
	if srcLen == 0 {
		return StepResult{}, fmt.Errorf("empty encoding")
	}
	hiddenSize := len(enc.Context[0])

	prefix := prev.extend(prevToken)
	steps := len(prefix)

	ids := make([]int64, steps)
	for i, tok := range prefix {
		ids[i] = int64(tok)
	}

	encStates := make([]float32, srcLen*hiddenSize)
	for j, row := range enc.Context {
		copy(encStates[j*hiddenSize:], row)
	}

	encMask := make([]int64, srcLen)
	if ov != nil {
		if ov.AttendTo < 0 || ov.AttendTo >= srcLen {
			return StepResult{}, fmt.Errorf("attention override position %d outside source of length %d", ov.AttendTo, srcLen)
		}
		encMask[ov.AttendTo] = 1
	} else {
		for j := range encMask {
			encMask[j] = 1
		}
	}

	outputs, err := m.decoder.Run([]backends.NamedTensor{
		{
			Name:  inputName(m.cfg.Decoder.Inputs, RoleIDs, "input_ids"),
			Shape: []int64{1, int64(steps)},
			Data:  ids,
		},
		{
			Name:  inputName(m.cfg.Decoder.Inputs, RoleEncoderStates, "encoder_hidden_states"),
			Shape: []int64{1, int64(srcLen), int64(hiddenSize)},
			Data:  encStates,
		},
		{
			Name:  inputName(m.cfg.Decoder.Inputs, RoleEncoderMask, "encoder_attention_mask"),
			Shape: []int64{1, int64(srcLen)},
			Data:  encMask,
		},
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("decoder: %w", err)
	}
	if len(outputs) <= m.attnIdx {
		return StepResult{}, fmt.Errorf("decoder produced %d outputs, attention expected at %d", len(outputs), m.attnIdx)
	}

	logProbs, err := m.lastStepLogProbs(outputs[0], steps)
	if err != nil {
		return StepResult{}, err
	}
	attention, err := m.lastStepAttention(outputs[m.attnIdx], steps, srcLen)
	if err != nil {
		return StepResult{}, err
	}

	cstar := make([]float32, hiddenSize)
	for j, a := range attention {
		for h, v := range enc.Context[j] {
			cstar[h] += a * v
		}
	}

	hidden := cstar
	if m.hiddenIdx >= 0 && m.hiddenIdx < len(outputs) {
		hidden, err = lastRow(outputs[m.hiddenIdx], steps)
		if err != nil {
			return StepResult{}, err
		}
	}

	return StepResult{
		State:     State{Hidden: hidden, prefix: prefix},
		LogProbs:  logProbs,
		Attention: attention,
		Context:   cstar,
	}, nil
}

func (m *ONNXModel) Close() error {
	return errors.Join(m.encoder.Close(), m.decoder.Close())
}

// lastStepLogProbs normalizes the final step's logits row.
func (m *ONNXModel) lastStepLogProbs(logits backends.NamedTensor, steps int) ([]float32, error) {
	data, err := floatData(logits)
	if err != nil {
		return nil, fmt.Errorf("logits: %w", err)
	}
	if len(logits.Shape) != 3 {
		return nil, fmt.Errorf("logits have rank %d, want 3", len(logits.Shape))
	}
	vocab := int(logits.Shape[2])
	if int(logits.Shape[1]) != steps || len(data) < steps*vocab {
		return nil, fmt.Errorf("logits shape %v does not cover %d steps", logits.Shape, steps)
	}

	row := data[(steps-1)*vocab : steps*vocab]
	return logSoftmax(row), nil
}

// lastStepAttention extracts the final step's cross-attention row,
// averaging heads for rank-4 outputs.
func (m *ONNXModel) lastStepAttention(attn backends.NamedTensor, steps, srcLen int) ([]float32, error) {
	data, err := floatData(attn)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}

	row := make([]float32, srcLen)
	switch len(attn.Shape) {
	case 3: // [1, steps, srcLen]
		if int(attn.Shape[1]) != steps || int(attn.Shape[2]) != srcLen {
			return nil, fmt.Errorf("attention shape %v does not match %d steps over %d positions", attn.Shape, steps, srcLen)
		}
		copy(row, data[(steps-1)*srcLen:steps*srcLen])
	case 4: // [1, heads, steps, srcLen]
		heads := int(attn.Shape[1])
		if int(attn.Shape[2]) != steps || int(attn.Shape[3]) != srcLen || heads == 0 {
			return nil, fmt.Errorf("attention shape %v does not match %d steps over %d positions", attn.Shape, steps, srcLen)
		}
		for head := 0; head < heads; head++ {
			base := (head*steps + steps - 1) * srcLen
			for j := 0; j < srcLen; j++ {
				row[j] += data[base+j]
			}
		}
		for j := range row {
			row[j] /= float32(heads)
		}
	default:
		return nil, fmt.Errorf("attention has rank %d, want 3 or 4", len(attn.Shape))
	}

	// Masked exports can leave the row slightly unnormalized.
	var sum float32
	for _, a := range row {
		sum += a
	}
	if sum > 0 {
		for j := range row {
			row[j] /= sum
		}
	}
	return row, nil
}

// lastRow extracts the final step's row from a [1, steps, dim] tensor.
func lastRow(t backends.NamedTensor, steps int) ([]float32, error) {
	data, err := floatData(t)
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 3 || int(t.Shape[1]) != steps {
		return nil, fmt.Errorf("tensor shape %v does not cover %d steps", t.Shape, steps)
	}
	dim := int(t.Shape[2])
	row := make([]float32, dim)
	copy(row, data[(steps-1)*dim:steps*dim])
	return row, nil
}

func floatData(t backends.NamedTensor) ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %s holds %T, want []float32", t.Name, t.Data)
	}
	return data, nil
}

// logSoftmax normalizes one logits row with the usual max-shift for
// numerical stability.
func logSoftmax(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l - maxLogit))
	}
	logZ := float64(maxLogit) + math.Log(sum)

	out := make([]float32, len(logits))
	for i, l := range logits {
		out[i] = float32(float64(l) - logZ)
	}
	return out
}
