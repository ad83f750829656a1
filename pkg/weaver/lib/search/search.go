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

// Package search runs beam-search decoding for one sequence at a time.
// The controller owns the beam, calls the model adapter step by step,
// and applies forced-prefix and forced-attention directives.
package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/antflydb/weaver/pkg/weaver/lib/beam"
	"github.com/antflydb/weaver/pkg/weaver/lib/model"
)

// ErrInvalidConfig marks configuration problems detected before any
// decode step runs. Use errors.Is to classify.
var ErrInvalidConfig = errors.New("invalid search configuration")

// Config controls one controller. Width is raised to NBest when NBest
// is larger, so requesting more results than beam slots never silently
// truncates.
type Config struct {
	Width     int
	NBest     int
	MaxLength int
	Alpha     float64
	Beta      float64

	BOS int
	EOS int
	PAD int

	// TraceEnabled records the raw search history on the beam.
	TraceEnabled bool
}

// EffectiveWidth is the beam width after NBest raising.
func (c Config) EffectiveWidth() int {
	if c.NBest > c.Width {
		return c.NBest
	}
	return c.Width
}

func (c Config) validate() error {
	if c.Width < 1 {
		return fmt.Errorf("%w: beam width must be at least 1, got %d", ErrInvalidConfig, c.Width)
	}
	if c.NBest < 1 {
		return fmt.Errorf("%w: n-best must be at least 1, got %d", ErrInvalidConfig, c.NBest)
	}
	if c.MaxLength < 1 {
		return fmt.Errorf("%w: max length must be at least 1, got %d", ErrInvalidConfig, c.MaxLength)
	}
	return nil
}

// Directives are the per-sequence decode constraints. Prefix tokens are
// target-vocabulary ids already resolved by the caller. Attn maps a
// target step to the source position that step must attend.
type Directives struct {
	Prefix []int
	Attn   map[int]int
}

// Result is one finished search, handed to the assembler.
type Result struct {
	Beam     *beam.Beam
	Steps    int
	Encoding model.Encoding
}

// Controller drives one beam per Run call. Decoding is synchronous and
// single-threaded: each step strictly depends on the previous one, and
// the context is consulted between steps only.
type Controller struct {
	model model.Model
	cfg   Config
}

// NewController validates the config and binds the model adapter.
func NewController(m model.Model, cfg Config) (*Controller, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{model: m, cfg: cfg}, nil
}

// Run decodes one encoded sequence. Directive validation failures
// return ErrInvalidConfig wraps before the first step; adapter errors
// abort the search as decode failures.
func (c *Controller) Run(ctx context.Context, enc model.Encoding, d Directives) (*Result, error) {
	if err := c.validateDirectives(enc.SourceLen(), d); err != nil {
		return nil, err
	}

	b, err := beam.New(c.cfg.EffectiveWidth(), beam.GNMTScorer{Alpha: c.cfg.Alpha, Beta: c.cfg.Beta}, c.cfg.BOS, c.cfg.EOS, c.cfg.PAD)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.cfg.TraceEnabled {
		b.EnableTrace()
	}

	steps := 0
	for t := 0; !b.Done() && t < c.cfg.MaxLength; t++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search aborted at step %d: %w", t, err)
		}

		var ov *model.Override
		if pos, ok := d.Attn[t]; ok {
			ov = &model.Override{AttendTo: pos}
		}

		if t < len(d.Prefix) {
			if err := c.forcedStep(ctx, b, enc, d.Prefix[t], ov, t); err != nil {
				return nil, err
			}
		} else {
			if err := c.freeStep(ctx, b, enc, ov, t); err != nil {
				return nil, err
			}
		}
		steps++
	}

	return &Result{Beam: b, Steps: steps, Encoding: enc}, nil
}

// forcedStep extends the single live hypothesis with the prefix token.
func (c *Controller) forcedStep(ctx context.Context, b *beam.Beam, enc model.Encoding, token int, ov *model.Override, t int) error {
	frontier := b.Frontier()
	h := frontier[0]

	step, err := c.model.DecodeStep(ctx, enc, b.StateAt(h), b.TokenAt(h), ov)
	if err != nil {
		return fmt.Errorf("decode step %d: %w", t, err)
	}
	if err := b.ForceAdvance(token, step); err != nil {
		return fmt.Errorf("forcing step %d: %w", t, err)
	}
	return nil
}

// freeStep expands every live hypothesis.
func (c *Controller) freeStep(ctx context.Context, b *beam.Beam, enc model.Encoding, ov *model.Override, t int) error {
	frontier := b.Frontier()
	results := make([]model.StepResult, len(frontier))
	for i, h := range frontier {
		step, err := c.model.DecodeStep(ctx, enc, b.StateAt(h), b.TokenAt(h), ov)
		if err != nil {
			return fmt.Errorf("decode step %d: %w", t, err)
		}
		results[i] = step
	}
	if err := b.Advance(results); err != nil {
		return fmt.Errorf("advancing step %d: %w", t, err)
	}
	return nil
}

func (c *Controller) validateDirectives(srcLen int, d Directives) error {
	if srcLen == 0 {
		return fmt.Errorf("%w: empty source encoding", ErrInvalidConfig)
	}
	if len(d.Prefix) > c.cfg.MaxLength {
		return fmt.Errorf("%w: forced prefix of %d tokens exceeds max length %d", ErrInvalidConfig, len(d.Prefix), c.cfg.MaxLength)
	}
	for step, pos := range d.Attn {
		if step < 0 || step >= c.cfg.MaxLength {
			return fmt.Errorf("%w: attention override step %d outside [0, %d)", ErrInvalidConfig, step, c.cfg.MaxLength)
		}
		if pos < 0 || pos >= srcLen {
			return fmt.Errorf("%w: attention override position %d outside source of length %d", ErrInvalidConfig, pos, srcLen)
		}
	}
	return nil
}
