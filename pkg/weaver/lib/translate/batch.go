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
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/antflydb/weaver/pkg/weaver/lib/beam"
	"github.com/antflydb/weaver/pkg/weaver/lib/model"
	"github.com/antflydb/weaver/pkg/weaver/lib/search"
)

// pendingSeq carries one sequence through vocabulary resolution and
// into the search.
type pendingSeq struct {
	index  int
	source []string
	ids    []int
	prefix []int
	attn   map[int]int
}

// TranslateBatch decodes every sequence of the request against one
// shared encoder pass. Failures never abort the batch: each sequence
// gets either a Translation or a SequenceError, always at its request
// index.
func (t *Translator) TranslateBatch(ctx context.Context, breq BatchRequest) []SequenceResult {
	results := make([]SequenceResult, len(breq.Texts))
	for i := range results {
		results[i].Index = i
	}
	if len(breq.Texts) == 0 {
		return results
	}

	k := breq.K
	if k <= 0 {
		k = t.opts.NBest
	}
	precision := t.opts.Precision
	if breq.Precision != nil {
		precision = *breq.Precision
	}
	if precision < 0 {
		for i := range results {
			results[i].Err = classify(fmt.Errorf("%w: precision must be non-negative, got %d",
				search.ErrInvalidConfig, precision))
		}
		return results
	}

	t.logger.Debug("translating batch",
		zap.Int("sequences", len(breq.Texts)),
		zap.Int("k", k),
		zap.Int("precision", precision))

	// Resolve vocabularies and directives before touching the model so
	// malformed sequences never cost an encoder pass.
	pending := make([]pendingSeq, 0, len(breq.Texts))
	for i, text := range breq.Texts {
		seq, err := t.prepare(i, text, stringAt(breq.Partials, i), attnAt(breq.Attn, i))
		if err != nil {
			results[i].Err = classify(err)
			t.logger.Warn("sequence rejected",
				zap.Int("index", i),
				zap.String("kind", string(results[i].Err.Kind)),
				zap.Error(err))
			continue
		}
		pending = append(pending, seq)
	}
	if len(pending) == 0 {
		return results
	}

	ids := make([][]int, len(pending))
	for i, seq := range pending {
		ids[i] = seq.ids
	}
	encodings, err := t.model.Encode(ctx, ids)
	if err == nil && len(encodings) != len(pending) {
		err = fmt.Errorf("adapter returned %d encodings for %d sequences", len(encodings), len(pending))
	}
	if err != nil {
		for _, seq := range pending {
			results[seq.index].Err = classify(fmt.Errorf("encoding batch: %w", err))
		}
		t.logger.Warn("batch encode failed", zap.Int("sequences", len(pending)), zap.Error(err))
		return results
	}

	var traces []*beam.Trace
	for i, seq := range pending {
		res, err := t.decodeOne(ctx, encodings[i], seq, k)
		if err == nil {
			var tr *Translation
			tr, err = t.assemble(res, seq, k, precision)
			if err == nil {
				results[seq.index].Translation = tr
				if tr.Trace != nil {
					traces = append(traces, tr.Trace)
				}
				continue
			}
		}
		results[seq.index].Err = classify(err)
		t.logger.Warn("sequence failed",
			zap.Int("index", seq.index),
			zap.String("kind", string(results[seq.index].Err.Kind)),
			zap.Error(err))
	}

	if t.opts.DumpBeam != "" {
		t.dumpTraces(traces)
	}
	return results
}

// prepare tokenizes the source text and resolves the forced prefix
// against the target vocabulary. Unknown source tokens map to UNK;
// unknown prefix tokens are hard errors because forcing UNK would
// decode a different sentence than the one requested.
func (t *Translator) prepare(index int, text, partial string, attn map[int]int) (pendingSeq, error) {
	source := strings.Fields(text)
	if len(source) == 0 {
		return pendingSeq{}, fmt.Errorf("%w: sequence %d is empty", search.ErrInvalidConfig, index)
	}
	ids := make([]int, len(source))
	for i, tok := range source {
		id, _ := t.src.TokenToID(tok)
		ids[i] = id
	}
	var prefix []int
	for _, tok := range strings.Fields(partial) {
		id, ok := t.tgt.TokenToID(tok)
		if !ok {
			return pendingSeq{}, fmt.Errorf("%w: %q", ErrVocabMiss, tok)
		}
		prefix = append(prefix, id)
	}
	return pendingSeq{index: index, source: source, ids: ids, prefix: prefix, attn: attn}, nil
}

func (t *Translator) decodeOne(ctx context.Context, enc model.Encoding, seq pendingSeq, k int) (*search.Result, error) {
	ctrl, err := search.NewController(t.model, search.Config{
		Width:        t.opts.BeamSize,
		NBest:        k,
		MaxLength:    t.opts.MaxLength,
		Alpha:        t.opts.Alpha,
		Beta:         t.opts.Beta,
		BOS:          t.tgt.BOS(),
		EOS:          t.tgt.EOS(),
		PAD:          t.tgt.PAD(),
		TraceEnabled: t.opts.DumpBeam != "",
	})
	if err != nil {
		return nil, err
	}
	return ctrl.Run(ctx, enc, search.Directives{Prefix: seq.prefix, Attn: seq.attn})
}

// dumpTraces writes the batch's raw search history to the configured
// file. Dump failures are logged, never surfaced: introspection output
// must not fail a translation that already succeeded.
func (t *Translator) dumpTraces(traces []*beam.Trace) {
	if len(traces) == 0 {
		return
	}
	data, err := json.Marshal(traces)
	if err != nil {
		t.logger.Error("marshaling beam dump", zap.Error(err))
		return
	}
	if err := os.WriteFile(t.opts.DumpBeam, data, 0o644); err != nil {
		t.logger.Error("writing beam dump",
			zap.String("path", t.opts.DumpBeam),
			zap.Error(err))
		return
	}
	t.logger.Info("wrote beam dump",
		zap.String("path", t.opts.DumpBeam),
		zap.Int("sequences", len(traces)))
}

func stringAt(xs []string, i int) string {
	if i < len(xs) {
		return xs[i]
	}
	return ""
}

func attnAt(xs []map[int]int, i int) map[int]int {
	if i < len(xs) {
		return xs[i]
	}
	return nil
}
