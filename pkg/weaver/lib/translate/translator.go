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

// Package translate turns source text into ranked translation
// candidates with full attention and state introspection. It sits on
// top of the model adapter and the beam search and owns tokenization,
// vocabulary mapping, result assembly, and rounding.
package translate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/antflydb/weaver/pkg/weaver/lib/model"
	"github.com/antflydb/weaver/pkg/weaver/lib/search"
	"github.com/antflydb/weaver/pkg/weaver/lib/vocab"
)

// Options configure a Translator. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	// BeamSize is the number of live hypotheses kept per step.
	BeamSize int `json:"beam_size"`
	// NBest is the default number of candidates returned per sequence.
	NBest int `json:"n_best"`
	// MaxLength bounds the number of decode steps per sequence.
	MaxLength int `json:"max_sent_length"`
	// Alpha is the GNMT length normalization exponent.
	Alpha float64 `json:"alpha"`
	// Beta is the GNMT coverage penalty weight.
	Beta float64 `json:"beta"`
	// ReplaceUnk substitutes unknown target tokens with the most
	// attended source token.
	ReplaceUnk bool `json:"replace_unk"`
	// Precision is the number of decimal places kept on states,
	// contexts, and attention. Scores are never rounded.
	Precision int `json:"precision"`
	// DumpBeam, when non-empty, is a file path that receives the raw
	// search trace of every batch as JSON.
	DumpBeam string `json:"dump_beam"`
}

// DefaultOptions mirror the upstream decoding defaults.
func DefaultOptions() Options {
	return Options{
		BeamSize:  5,
		NBest:     5,
		MaxLength: 100,
		Precision: 5,
	}
}

// Request asks for one sequence to be translated.
type Request struct {
	// Text is the whitespace-tokenized source sentence.
	Text string `json:"text"`
	// Partial, when non-empty, is a target prefix the decoder is
	// forced to emit before free search resumes.
	Partial string `json:"partial,omitempty"`
	// Attn maps decode steps to source positions the decoder must
	// attend to exclusively at that step.
	Attn map[int]int `json:"attn,omitempty"`
	// K overrides the configured NBest when positive.
	K int `json:"k,omitempty"`
	// Precision overrides the configured rounding when set.
	Precision *int `json:"precision,omitempty"`
}

// BatchRequest asks for several sequences in one model call. Partials
// and Attn are positional; a shorter slice leaves the remaining
// sequences unconstrained.
type BatchRequest struct {
	Texts     []string      `json:"texts"`
	Partials  []string      `json:"partials,omitempty"`
	Attn      []map[int]int `json:"attn,omitempty"`
	K         int           `json:"k,omitempty"`
	Precision *int          `json:"precision,omitempty"`
}

// Translator decodes source text against one loaded model pair.
type Translator struct {
	model  model.Model
	src    vocab.Vocab
	tgt    vocab.Vocab
	opts   Options
	logger *zap.Logger
}

// New builds a Translator over a model adapter and its two
// vocabularies.
func New(m model.Model, src, tgt vocab.Vocab, opts Options, logger *zap.Logger) (*Translator, error) {
	if m == nil {
		return nil, fmt.Errorf("translator needs a model")
	}
	if src == nil || tgt == nil {
		return nil, fmt.Errorf("translator needs source and target vocabularies")
	}
	if opts.BeamSize < 1 {
		return nil, fmt.Errorf("beam size %d: %w", opts.BeamSize, search.ErrInvalidConfig)
	}
	if opts.NBest < 1 {
		return nil, fmt.Errorf("n_best %d: %w", opts.NBest, search.ErrInvalidConfig)
	}
	if opts.MaxLength < 1 {
		return nil, fmt.Errorf("max length %d: %w", opts.MaxLength, search.ErrInvalidConfig)
	}
	if opts.Precision < 0 {
		return nil, fmt.Errorf("precision %d: %w", opts.Precision, search.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{
		model:  m,
		src:    src,
		tgt:    tgt,
		opts:   opts,
		logger: logger,
	}, nil
}

// Options returns the configured decoding options.
func (t *Translator) Options() Options { return t.opts }

// Close releases the underlying model adapter.
func (t *Translator) Close() error { return t.model.Close() }

// Translate decodes a single sequence. Per-sequence failures surface as
// the returned error; batch callers get them in-band instead.
func (t *Translator) Translate(ctx context.Context, req Request) (*Translation, error) {
	results := t.TranslateBatch(ctx, BatchRequest{
		Texts:     []string{req.Text},
		Partials:  []string{req.Partial},
		Attn:      []map[int]int{req.Attn},
		K:         req.K,
		Precision: req.Precision,
	})
	res := results[0]
	if res.Failed() {
		return nil, res.Err
	}
	return res.Translation, nil
}
