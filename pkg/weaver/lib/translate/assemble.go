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
	"fmt"
	"math"
	"strings"

	"github.com/antflydb/weaver/pkg/weaver/lib/beam"
	"github.com/antflydb/weaver/pkg/weaver/lib/search"
)

// assemble turns a finished search into the introspectable result:
// ranked candidates with per-token states, the encoder section, and the
// per-step beam snapshots. States, contexts, and attention are rounded
// to the requested precision; scores never are.
func (t *Translator) assemble(res *search.Result, seq pendingSeq, k, precision int) (*Translation, error) {
	hyps := res.Beam.Finished(k)
	if len(hyps) > k {
		hyps = hyps[:k]
	}

	partial := len(hyps) < k
	candidates := make([]Candidate, 0, len(hyps))
	scores := make([]float64, 0, len(hyps))
	for _, h := range hyps {
		if !h.Terminal {
			partial = true
		}
		cand, err := t.candidate(res, seq, h, precision)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
		scores = append(scores, h.Score)
	}

	encoder := make([]EncoderPosition, len(seq.source))
	for i, tok := range seq.source {
		encoder[i] = EncoderPosition{
			Token: tok,
			State: roundSlice(res.Encoding.States[i], precision),
		}
	}

	return &Translation{
		Source:     seq.source,
		Encoder:    encoder,
		Candidates: candidates,
		Scores:     scores,
		Beam:       roundSnapshots(res.Beam.Snapshots(), precision),
		Trace:      res.Beam.Trace(),
		Partial:    partial,
	}, nil
}

// candidate walks one hypothesis back to the root and surfaces its
// tokens. A terminal hypothesis drops its closing EOS so Text reads as
// the sentence alone.
func (t *Translator) candidate(res *search.Result, seq pendingSeq, h beam.FinishedHyp, precision int) (Candidate, error) {
	tokens, steps, err := res.Beam.Path(h.Handle)
	if err != nil {
		return Candidate{}, fmt.Errorf("walking hypothesis %d: %w", h.Handle, err)
	}
	if h.Terminal {
		if n := len(tokens); n > 0 && tokens[n-1] == t.tgt.EOS() {
			tokens = tokens[:n-1]
			steps = steps[:n-1]
		}
	}

	surface := make([]string, len(tokens))
	out := make([]TokenStep, len(tokens))
	for i, id := range tokens {
		tok := t.tgt.IDToToken(id)
		if t.opts.ReplaceUnk && id == t.tgt.UNK() {
			if j := argmax32(steps[i].Attention); j >= 0 && j < len(seq.source) {
				tok = seq.source[j]
			}
		}
		surface[i] = tok
		out[i] = TokenStep{
			Token:     tok,
			State:     roundSlice(steps[i].Hidden, precision),
			Context:   roundSlice(steps[i].Context, precision),
			Attention: roundSlice(steps[i].Attention, precision),
		}
	}
	return Candidate{
		Tokens:   surface,
		Text:     strings.Join(surface, " "),
		Score:    h.Score,
		Finished: h.Terminal,
		Steps:    out,
	}, nil
}

func roundSnapshots(snaps [][]beam.SlotSnapshot, precision int) [][]beam.SlotSnapshot {
	out := make([][]beam.SlotSnapshot, len(snaps))
	for i, row := range snaps {
		step := make([]beam.SlotSnapshot, len(row))
		for j, s := range row {
			s.Hidden = roundSlice(s.Hidden, precision)
			step[j] = s
		}
		out[i] = step
	}
	return out
}

// roundSlice rounds a copy of xs to p decimal places. The inputs alias
// the beam arena and must stay untouched.
func roundSlice(xs []float32, p int) []float32 {
	if xs == nil {
		return nil
	}
	scale := math.Pow(10, float64(p))
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(math.Round(float64(x)*scale) / scale)
	}
	return out
}

func argmax32(xs []float32) int {
	best := -1
	var bestVal float32
	for i, x := range xs {
		if best < 0 || x > bestVal {
			best, bestVal = i, x
		}
	}
	return best
}
