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

// Package beam implements beam search over an arena of immutable
// hypothesis nodes. Hypotheses never copy their token history; each node
// holds a back-pointer to its parent and reconstruction walks the arena.
package beam

import (
	"fmt"
	"sort"

	"github.com/antflydb/weaver/pkg/weaver/lib/model"
)

// node is one hypothesis extension in the arena.
type node struct {
	parent int // arena handle, -1 for the root
	token  int
	score  float64 // cumulative log-probability
	depth  int     // emitted tokens from the root

	attention []float32
	context   []float32
	state     model.State
	coverage  []float32 // running sum of attention along the path
}

// FinishedHyp is one completed (or padded in-progress) hypothesis.
type FinishedHyp struct {
	// Score is the global score assigned by the scorer.
	Score float64
	// Handle addresses the hypothesis leaf in the arena.
	Handle int
	// Terminal is false for in-progress hypotheses padded in by
	// Finished when too few reached EOS.
	Terminal bool
}

// PathStep is one emitted token with its recorded introspection data.
type PathStep struct {
	Token     int
	Attention []float32
	Context   []float32
	Hidden    []float32
}

// Beam holds the search state for one sequence. It is not safe for
// concurrent use; a sequence's beam is owned by its controller.
type Beam struct {
	width  int
	scorer GNMTScorer
	bos    int
	eos    int
	pad    int

	arena    []node
	live     []int // arena handles, best first
	finished []FinishedHyp

	snapshots [][]SlotSnapshot
	trace     *Trace
}

// New seeds a beam of the given width with a single BOS root. pad is
// excluded from expansion; pass a negative pad to disable the exclusion.
func New(width int, scorer GNMTScorer, bos, eos, pad int) (*Beam, error) {
	if width < 1 {
		return nil, fmt.Errorf("beam width must be at least 1, got %d", width)
	}
	b := &Beam{
		width:  width,
		scorer: scorer,
		bos:    bos,
		eos:    eos,
		pad:    pad,
	}
	b.arena = append(b.arena, node{parent: -1, token: bos})
	b.live = []int{0}
	return b, nil
}

// EnableTrace turns on raw history recording. Call before the first
// advance.
func (b *Beam) EnableTrace() {
	if b.trace == nil {
		b.trace = &Trace{}
	}
}

// Width returns the configured beam width.
func (b *Beam) Width() int { return b.width }

// Done reports whether no live hypotheses remain.
func (b *Beam) Done() bool { return len(b.live) == 0 }

// Frontier returns the live hypothesis handles, best first.
func (b *Beam) Frontier() []int {
	return append([]int(nil), b.live...)
}

// StateAt returns the decoder state recorded at a node.
func (b *Beam) StateAt(handle int) model.State { return b.arena[handle].state }

// TokenAt returns the token a node emitted (BOS for the root).
func (b *Beam) TokenAt(handle int) int { return b.arena[handle].token }

// ScoreAt returns a node's cumulative log-probability.
func (b *Beam) ScoreAt(handle int) float64 { return b.arena[handle].score }

// candidate is one (hypothesis, token) expansion considered by Advance.
type candidate struct {
	parentSlot int
	token      int
	score      float64
}

// Advance expands every live hypothesis with one step result and prunes
// back to the beam width. steps[i] must be the decode step computed for
// the i-th frontier hypothesis. Ties break in candidate generation
// order: frontier order first, then token id. Candidates selecting EOS
// terminate and move to the finished list; they never expand again.
func (b *Beam) Advance(steps []model.StepResult) error {
	if b.Done() {
		return fmt.Errorf("beam is done")
	}
	if len(steps) != len(b.live) {
		return fmt.Errorf("got %d step results for %d live hypotheses", len(steps), len(b.live))
	}

	cands := make([]candidate, 0, len(steps)*len(steps[0].LogProbs))
	for i, step := range steps {
		if len(step.LogProbs) == 0 {
			return fmt.Errorf("step result %d has no log-probabilities", i)
		}
		parentScore := b.arena[b.live[i]].score
		for tok, lp := range step.LogProbs {
			if tok == b.pad {
				continue
			}
			cands = append(cands, candidate{
				parentSlot: i,
				token:      tok,
				score:      parentScore + float64(lp),
			})
		}
	}
	if len(cands) == 0 {
		return fmt.Errorf("no expandable candidates")
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})
	if len(cands) > b.width {
		cands = cands[:b.width]
	}

	coverages := b.stepCoverages(steps)

	snapshot := make([]SlotSnapshot, len(cands))
	var predicted, parents []int
	var scores, logProbs []float64
	if b.trace != nil {
		predicted = make([]int, len(cands))
		parents = make([]int, len(cands))
		scores = make([]float64, len(cands))
		logProbs = make([]float64, len(cands))
	}

	newLive := make([]int, 0, len(cands))
	for rank, c := range cands {
		step := steps[c.parentSlot]
		handle := b.append(node{
			parent:    b.live[c.parentSlot],
			token:     c.token,
			score:     c.score,
			depth:     b.arena[b.live[c.parentSlot]].depth + 1,
			attention: step.Attention,
			context:   step.Context,
			state:     step.State,
			coverage:  coverages[c.parentSlot],
		})

		snapshot[rank] = SlotSnapshot{
			Pred:   c.token,
			Score:  c.score,
			Hidden: step.State.Hidden,
		}
		if b.trace != nil {
			predicted[rank] = c.token
			parents[rank] = c.parentSlot
			scores[rank] = c.score
			logProbs[rank] = float64(step.LogProbs[c.token])
		}

		if c.token == b.eos {
			b.finished = append(b.finished, FinishedHyp{
				Score:    b.globalScore(handle),
				Handle:   handle,
				Terminal: true,
			})
		} else {
			newLive = append(newLive, handle)
		}
	}

	b.live = newLive
	b.snapshots = append(b.snapshots, snapshot)
	if b.trace != nil {
		b.trace.record(predicted, parents, scores, logProbs)
	}
	return nil
}

// ForceAdvance collapses the frontier to a single hypothesis extending
// the current best with token. The forced token's log-probability
// accumulates into the score like any free step. step must be the decode
// step computed for the best frontier hypothesis.
func (b *Beam) ForceAdvance(token int, step model.StepResult) error {
	if b.Done() {
		return fmt.Errorf("beam is done")
	}
	if token < 0 || token >= len(step.LogProbs) {
		return fmt.Errorf("forced token %d outside distribution of size %d", token, len(step.LogProbs))
	}

	parent := b.live[0]
	lp := float64(step.LogProbs[token])
	handle := b.append(node{
		parent:    parent,
		token:     token,
		score:     b.arena[parent].score + lp,
		depth:     b.arena[parent].depth + 1,
		attention: step.Attention,
		context:   step.Context,
		state:     step.State,
		coverage:  addCoverage(b.arena[parent].coverage, step.Attention),
	})

	b.snapshots = append(b.snapshots, []SlotSnapshot{{
		Pred:   token,
		Score:  b.arena[handle].score,
		Hidden: step.State.Hidden,
	}})
	if b.trace != nil {
		b.trace.record(
			[]int{token},
			[]int{0},
			[]float64{b.arena[handle].score},
			[]float64{lp},
		)
	}

	if token == b.eos {
		b.finished = append(b.finished, FinishedHyp{
			Score:    b.globalScore(handle),
			Handle:   handle,
			Terminal: true,
		})
		b.live = nil
	} else {
		b.live = []int{handle}
	}
	return nil
}

// Finished returns completed hypotheses sorted by global score
// descending. When fewer than minimum reached EOS, the best in-progress
// hypotheses pad the list, flagged non-terminal.
func (b *Beam) Finished(minimum int) []FinishedHyp {
	result := append([]FinishedHyp(nil), b.finished...)

	if len(result) < minimum {
		for _, handle := range b.live {
			result = append(result, FinishedHyp{
				Score:    b.globalScore(handle),
				Handle:   handle,
				Terminal: false,
			})
			if len(result) >= minimum {
				break
			}
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result
}

// Path reconstructs a hypothesis root to leaf: the emitted token
// sequence and the per-step introspection data. The BOS root is not an
// emission and is excluded.
func (b *Beam) Path(handle int) ([]int, []PathStep, error) {
	if handle < 0 || handle >= len(b.arena) {
		return nil, nil, fmt.Errorf("handle %d outside arena of size %d", handle, len(b.arena))
	}

	depth := b.arena[handle].depth
	tokens := make([]int, depth)
	path := make([]PathStep, depth)
	for h := handle; b.arena[h].parent >= 0; h = b.arena[h].parent {
		n := b.arena[h]
		tokens[n.depth-1] = n.token
		path[n.depth-1] = PathStep{
			Token:     n.token,
			Attention: n.attention,
			Context:   n.context,
			Hidden:    n.state.Hidden,
		}
	}
	return tokens, path, nil
}

// Snapshots returns the per-step slot snapshots recorded so far.
func (b *Beam) Snapshots() [][]SlotSnapshot { return b.snapshots }

// Trace returns the raw history, or nil when tracing is disabled.
func (b *Beam) Trace() *Trace { return b.trace }

func (b *Beam) append(n node) int {
	b.arena = append(b.arena, n)
	return len(b.arena) - 1
}

// stepCoverages extends each frontier hypothesis's coverage with its
// step attention. Siblings of the same parent share the result.
func (b *Beam) stepCoverages(steps []model.StepResult) [][]float32 {
	coverages := make([][]float32, len(steps))
	for i, step := range steps {
		coverages[i] = addCoverage(b.arena[b.live[i]].coverage, step.Attention)
	}
	return coverages
}

func addCoverage(prev, attention []float32) []float32 {
	if len(attention) == 0 {
		return prev
	}
	coverage := make([]float32, len(attention))
	copy(coverage, prev)
	for j, a := range attention {
		coverage[j] += a
	}
	return coverage
}

// globalScore applies the scorer to a node. Length counts BOS plus the
// emitted tokens, matching the GNMT length penalty convention.
func (b *Beam) globalScore(handle int) float64 {
	n := b.arena[handle]
	return b.scorer.Score(n.score, n.depth+1, n.coverage)
}
