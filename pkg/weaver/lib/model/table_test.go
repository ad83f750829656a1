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
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *TableModel {
	t.Helper()
	m, err := NewTableModel(TableConfig{
		VocabSize: 16,
		Lexicon:   map[int]int{4: 10, 5: 11, 6: 12, 7: 13},
	})
	require.NoError(t, err)
	return m
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func TestNewTableModel(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		m, err := NewTableModel(TableConfig{VocabSize: 16})
		require.NoError(t, err)
		cfg := m.Config()
		assert.Equal(t, 8, cfg.HiddenSize)
		assert.Equal(t, 2.0, cfg.Sharpness)
		assert.Equal(t, 1.5, cfg.Decay)
		assert.Equal(t, 3, cfg.EOS)
	})

	t.Run("VocabRequired", func(t *testing.T) {
		_, err := NewTableModel(TableConfig{})
		assert.Error(t, err)
	})

	t.Run("EOSOutsideVocab", func(t *testing.T) {
		_, err := NewTableModel(TableConfig{VocabSize: 4, EOS: 9})
		assert.Error(t, err)
	})
}

func TestLoadTableModel(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		dir := t.TempDir()
		content := `{"vocab_size": 16, "hidden_size": 4, "lexicon": {"4": 10}, "eos": 3}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "table_model.json"), []byte(content), 0o644))

		m, err := LoadTableModel(dir)
		require.NoError(t, err)
		assert.Equal(t, 16, m.Config().VocabSize)
		assert.Equal(t, 4, m.Config().HiddenSize)
		assert.Equal(t, 10, m.Config().Lexicon[4])
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadTableModel(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("BadJSON", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "table_model.json"), []byte("{"), 0o644))
		_, err := LoadTableModel(dir)
		assert.Error(t, err)
	})
}

func TestTableModelEncode(t *testing.T) {
	m := newTestTable(t)

	t.Run("Shapes", func(t *testing.T) {
		encs, err := m.Encode(t.Context(), [][]int{{4, 5, 6}, {7}})
		require.NoError(t, err)
		require.Len(t, encs, 2)
		assert.Equal(t, 3, encs[0].SourceLen())
		assert.Equal(t, 1, encs[1].SourceLen())
		assert.Len(t, encs[0].Context[0], m.Config().HiddenSize)
		assert.Len(t, encs[0].States, 3)
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := m.Encode(t.Context(), [][]int{{4, 5, 6}})
		require.NoError(t, err)
		b, err := m.Encode(t.Context(), [][]int{{4, 5, 6}})
		require.NoError(t, err)
		assert.Equal(t, a[0].States, b[0].States)
	})

	t.Run("EmptySequence", func(t *testing.T) {
		_, err := m.Encode(t.Context(), [][]int{{}})
		assert.Error(t, err)
	})

	t.Run("OutOfVocab", func(t *testing.T) {
		_, err := m.Encode(t.Context(), [][]int{{99}})
		assert.Error(t, err)
	})
}

func TestTableModelDecodeStep(t *testing.T) {
	m := newTestTable(t)
	encs, err := m.Encode(t.Context(), [][]int{{4, 5, 6, 7}})
	require.NoError(t, err)
	enc := encs[0]

	t.Run("DiagonalAttention", func(t *testing.T) {
		step0, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, argmax(step0.Attention))

		step1, err := m.DecodeStep(t.Context(), enc, step0.State, argmax(step0.LogProbs), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, argmax(step1.Attention))
	})

	t.Run("AttentionNormalized", func(t *testing.T) {
		step, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		var sum float64
		for _, a := range step.Attention {
			sum += float64(a)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	})

	t.Run("LexiconDrivesLogits", func(t *testing.T) {
		step, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		// Position 0 holds source token 4, which translates to 10.
		assert.Equal(t, 10, argmax(step.LogProbs))
	})

	t.Run("LogProbsNormalized", func(t *testing.T) {
		step, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		var sum float64
		for _, lp := range step.LogProbs {
			sum += math.Exp(float64(lp))
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	})

	t.Run("Override", func(t *testing.T) {
		step, err := m.DecodeStep(t.Context(), enc, State{}, 2, &Override{AttendTo: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, argmax(step.Attention))
		assert.Equal(t, float32(1), step.Attention[3])
		// Attending position 3 (source token 7) changes the preferred
		// output from 10 to 13.
		assert.Equal(t, 13, argmax(step.LogProbs))
	})

	t.Run("OverrideOutOfRange", func(t *testing.T) {
		_, err := m.DecodeStep(t.Context(), enc, State{}, 2, &Override{AttendTo: 7})
		assert.Error(t, err)
	})

	t.Run("EOSAfterSource", func(t *testing.T) {
		state := State{}
		prev := 2
		var step StepResult
		for i := 0; i < 5; i++ {
			step, err = m.DecodeStep(t.Context(), enc, state, prev, nil)
			require.NoError(t, err)
			state = step.State
			prev = argmax(step.LogProbs)
		}
		// Step 4 is past the 4-token source; EOS wins.
		assert.Equal(t, m.Config().EOS, argmax(step.LogProbs))
	})

	t.Run("PrefixCarried", func(t *testing.T) {
		step0, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, step0.State.prefix)

		step1, err := m.DecodeStep(t.Context(), enc, step0.State, 10, nil)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 10}, step1.State.prefix)
		// The first step's state is untouched.
		assert.Equal(t, []int{2}, step0.State.prefix)
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		b, err := m.DecodeStep(t.Context(), enc, State{}, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, a.LogProbs, b.LogProbs)
		assert.Equal(t, a.Attention, b.Attention)
		assert.Equal(t, a.State.Hidden, b.State.Hidden)
		assert.Equal(t, a.Context, b.Context)
	})

	t.Run("ForeignEncoding", func(t *testing.T) {
		foreign := Encoding{
			Context: [][]float32{{0, 0, 0, 0, 0, 0, 0, 0}},
			States:  [][]float32{{0, 0, 0, 0, 0, 0, 0, 0}},
		}
		_, err := m.DecodeStep(t.Context(), foreign, State{}, 2, nil)
		assert.Error(t, err)
	})
}
