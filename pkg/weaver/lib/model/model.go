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

// Package model defines the runtime adapter boundary between beam search
// and a trained encoder-decoder translation model. The search layer only
// sees Encode and DecodeStep; everything about how a model computes
// (ONNX sessions, the deterministic table model) stays behind this
// interface.
package model

import (
	"context"
)

// Encoding is the result of encoding one source sequence.
type Encoding struct {
	// Context holds one vector per source position, attended by decode
	// steps.
	Context [][]float32

	// States holds per-position encoder state snapshots, reported for
	// introspection only.
	States [][]float32

	// src carries the source token ids for adapters that need them
	// after encoding. Opaque to callers.
	src []int
}

// SourceLen returns the number of source positions.
func (e Encoding) SourceLen() int { return len(e.Context) }

// State is the decoder recurrent state threaded between steps of one
// hypothesis. Hidden is the introspection snapshot recorded per emitted
// token; prefix carries the token path for adapters that recompute
// recurrence from scratch each step.
type State struct {
	Hidden []float32

	prefix []int
}

// extend returns the state's token path with token appended. The
// backing array is never shared so sibling hypotheses stay independent.
func (s State) extend(token int) []int {
	prefix := make([]int, len(s.prefix)+1)
	copy(prefix, s.prefix)
	prefix[len(s.prefix)] = token
	return prefix
}

// StepResult is the output of one decode step for one hypothesis.
type StepResult struct {
	// State is the decoder state after consuming the previous token.
	State State

	// LogProbs are normalized log-probabilities over the target
	// vocabulary.
	LogProbs []float32

	// Attention holds one weight per source position, summing to 1.
	Attention []float32

	// Context is the attended context vector c* for this step.
	Context []float32
}

// Override forces the attention distribution of a single decode step.
type Override struct {
	// AttendTo is the source position receiving the attention mass.
	AttendTo int
}

// Model is the runtime adapter contract. Implementations are safe for
// shared read-only use across sequences; calls are synchronous.
type Model interface {
	// Encode encodes a batch of source token-id sequences.
	Encode(ctx context.Context, batch [][]int) ([]Encoding, error)

	// DecodeStep advances one hypothesis by one step. prev is the state
	// returned by the previous step (zero State before the first step),
	// prevToken the token consumed this step (BOS first). ov forces the
	// step's attention when non-nil.
	DecodeStep(ctx context.Context, enc Encoding, prev State, prevToken int, ov *Override) (StepResult, error)

	// Close releases model resources.
	Close() error
}
