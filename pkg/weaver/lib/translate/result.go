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
	"github.com/antflydb/weaver/pkg/weaver/lib/beam"
)

// EncoderPosition is one source position's introspection entry.
type EncoderPosition struct {
	Token string    `json:"token"`
	State []float32 `json:"state"`
}

// TokenStep carries the introspection data recorded for one emitted
// token: the decoder state that produced it, the attended context
// vector, and the attention distribution over source positions.
type TokenStep struct {
	Token     string    `json:"token"`
	State     []float32 `json:"state"`
	Context   []float32 `json:"cstar"`
	Attention []float32 `json:"attn"`
}

// Candidate is one ranked decoding result. Tokens and Steps exclude the
// terminating EOS; Score is the global score and is never rounded.
type Candidate struct {
	Tokens   []string    `json:"tokens"`
	Text     string      `json:"text"`
	Score    float64     `json:"score"`
	Finished bool        `json:"finished"`
	Steps    []TokenStep `json:"steps"`
}

// Translation is the full introspectable result for one sequence.
type Translation struct {
	// Source holds the whitespace-split source tokens.
	Source []string `json:"source"`
	// Encoder reports per-position encoder states.
	Encoder []EncoderPosition `json:"encoder"`
	// Candidates are ranked by score descending, at most K.
	Candidates []Candidate `json:"candidates"`
	// Scores repeats the candidate scores in rank order.
	Scores []float64 `json:"scores"`
	// Beam serializes the whole beam per step, not just the returned
	// candidates.
	Beam [][]beam.SlotSnapshot `json:"beam"`
	// Trace is the raw search history, present when beam dumping is
	// enabled.
	Trace *beam.Trace `json:"beam_trace,omitempty"`
	// Partial is set when fewer than K hypotheses reached EOS and
	// in-progress ones pad the candidate list.
	Partial bool `json:"partial"`
}

// SequenceResult is the per-sequence slot of a batch reply: exactly one
// of Translation and Err is set.
type SequenceResult struct {
	Index       int            `json:"index"`
	Translation *Translation   `json:"translation,omitempty"`
	Err         *SequenceError `json:"error,omitempty"`
}

// Failed reports whether the sequence produced an error instead of a
// translation.
func (r SequenceResult) Failed() bool { return r.Err != nil }
