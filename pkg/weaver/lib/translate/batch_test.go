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

package translate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/weaver/pkg/weaver/lib/beam"
	"github.com/antflydb/weaver/pkg/weaver/lib/model"
)

type encodeFailModel struct{}

func (encodeFailModel) Encode(context.Context, [][]int) ([]model.Encoding, error) {
	return nil, errors.New("encoder unavailable")
}

func (encodeFailModel) DecodeStep(context.Context, model.Encoding, model.State, int, *model.Override) (model.StepResult, error) {
	return model.StepResult{}, errors.New("unreachable")
}

func (encodeFailModel) Close() error { return nil }

func TestTranslateBatch(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{})
		assert.Empty(t, results)
	})

	t.Run("IndexesPreserved", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das ist", "ein test"},
		})
		require.Len(t, results, 2)
		assert.Equal(t, 0, results[0].Index)
		assert.Equal(t, 1, results[1].Index)
		assert.False(t, results[0].Failed())
		assert.False(t, results[1].Failed())
	})

	t.Run("IndependentSequences", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das ist ein test", "das ist ein test"},
			Attn:  []map[int]int{nil, {0: 99}},
		})
		require.Len(t, results, 2)

		require.False(t, results[0].Failed())
		assert.Equal(t, "this is a test", results[0].Translation.Candidates[0].Text)

		require.True(t, results[1].Failed())
		assert.Equal(t, ErrorKindConfig, results[1].Err.Kind)
		assert.Nil(t, results[1].Translation)
	})

	t.Run("VocabMissKind", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts:    []string{"das ist"},
			Partials: []string{"missing"},
		})
		require.True(t, results[0].Failed())
		assert.Equal(t, ErrorKindVocab, results[0].Err.Kind)
		assert.ErrorIs(t, results[0].Err, ErrVocabMiss)
	})

	t.Run("UnknownSourceTokensDecodeAnyway", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das gibberish ein test"},
		})
		require.False(t, results[0].Failed())
		assert.Equal(t, []string{"das", "gibberish", "ein", "test"}, results[0].Translation.Source)
	})

	t.Run("KDefaultsToNBest", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das ist ein test"},
		})
		require.False(t, results[0].Failed())
		assert.Len(t, results[0].Translation.Candidates, 2)
	})

	t.Run("KOverridesNBest", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das ist ein test"},
			K:     1,
		})
		require.False(t, results[0].Failed())
		assert.Len(t, results[0].Translation.Candidates, 1)
		assert.Len(t, results[0].Translation.Scores, 1)
	})

	t.Run("KLargerThanBeamWidens", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das ist ein test"},
			K:     4,
		})
		require.False(t, results[0].Failed())
		assert.Len(t, results[0].Translation.Candidates, 4)
	})

	t.Run("NegativePrecisionRejectsAll", func(t *testing.T) {
		tr := testTranslator(t, testOptions())
		p := -1
		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts:     []string{"das ist", "ein test"},
			Precision: &p,
		})
		require.Len(t, results, 2)
		for _, res := range results {
			require.True(t, res.Failed())
			assert.Equal(t, ErrorKindConfig, res.Err.Kind)
		}
	})

	t.Run("EncodeFailureMarksAllPending", func(t *testing.T) {
		src, tgt := testVocabs()
		tr, err := New(encodeFailModel{}, src, tgt, testOptions(), zaptest.NewLogger(t))
		require.NoError(t, err)

		results := tr.TranslateBatch(t.Context(), BatchRequest{
			Texts: []string{"das ist", "ein test"},
		})
		for _, res := range results {
			require.True(t, res.Failed())
			assert.Equal(t, ErrorKindDecode, res.Err.Kind)
			assert.Contains(t, res.Err.Message, "encoder unavailable")
		}
	})
}

func TestTranslateBatchForcedPartial(t *testing.T) {
	tr := testTranslator(t, testOptions())
	results := tr.TranslateBatch(t.Context(), BatchRequest{
		Texts:    []string{"das ist ein test"},
		Partials: []string{"w4 w5"},
	})
	require.False(t, results[0].Failed())

	for _, cand := range results[0].Translation.Candidates {
		require.GreaterOrEqual(t, len(cand.Tokens), 2)
		assert.Equal(t, []string{"w4", "w5"}, cand.Tokens[:2])
	}
}

func TestTranslateBatchForcedAttention(t *testing.T) {
	tr := testTranslator(t, testOptions())
	results := tr.TranslateBatch(t.Context(), BatchRequest{
		Texts: []string{"das ist ein test"},
		Attn:  []map[int]int{{1: 0}},
	})
	require.False(t, results[0].Failed())

	for _, cand := range results[0].Translation.Candidates {
		require.Greater(t, len(cand.Tokens), 1)
		assert.Equal(t, "this", cand.Tokens[1])

		attn := cand.Steps[1].Attention
		require.Len(t, attn, 4)
		assert.InDelta(t, 1.0, attn[0], 1e-6)
		assert.InDelta(t, 0.0, attn[1], 1e-6)
	}
}

func TestTranslateBatchDeterministic(t *testing.T) {
	tr := testTranslator(t, testOptions())
	req := BatchRequest{Texts: []string{"das ist ein test", "test ein"}}

	first := tr.TranslateBatch(t.Context(), req)
	second := tr.TranslateBatch(t.Context(), req)

	require.Len(t, second, len(first))
	for i := range first {
		require.False(t, first[i].Failed())
		require.False(t, second[i].Failed())
		assert.Equal(t, first[i].Translation.Scores, second[i].Translation.Scores)
		for j := range first[i].Translation.Candidates {
			assert.Equal(t,
				first[i].Translation.Candidates[j].Text,
				second[i].Translation.Candidates[j].Text)
		}
	}
}

func TestTranslateBatchDumpBeam(t *testing.T) {
	opts := testOptions()
	opts.DumpBeam = filepath.Join(t.TempDir(), "beam.json")
	tr := testTranslator(t, opts)

	results := tr.TranslateBatch(t.Context(), BatchRequest{
		Texts: []string{"das ist ein test"},
	})
	require.False(t, results[0].Failed())
	require.NotNil(t, results[0].Translation.Trace)
	assert.NotEmpty(t, results[0].Translation.Trace.PredictedIDs)

	data, err := os.ReadFile(opts.DumpBeam)
	require.NoError(t, err)

	var traces []beam.Trace
	require.NoError(t, json.Unmarshal(data, &traces))
	require.Len(t, traces, 1)
	assert.NotEmpty(t, traces[0].PredictedIDs)
	assert.Equal(t, len(traces[0].PredictedIDs), len(traces[0].ParentIDs))
}

func TestTranslateBatchNoTraceByDefault(t *testing.T) {
	tr := testTranslator(t, testOptions())
	results := tr.TranslateBatch(t.Context(), BatchRequest{
		Texts: []string{"das ist"},
	})
	require.False(t, results[0].Failed())
	assert.Nil(t, results[0].Translation.Trace)
}
