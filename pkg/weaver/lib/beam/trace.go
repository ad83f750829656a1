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

package beam

// SlotSnapshot captures one beam slot right after a step: the token the
// slot predicted, its cumulative score, and the decoder state that
// produced the prediction.
type SlotSnapshot struct {
	Pred   int       `json:"pred"`
	Score  float64   `json:"score"`
	Hidden []float32 `json:"state"`
}

// Trace is the raw search history: one row per step, one entry per
// selected slot in rank order. ParentIDs are back-pointers into the
// previous step's slots.
type Trace struct {
	PredictedIDs [][]int     `json:"predicted_ids"`
	ParentIDs    [][]int     `json:"beam_parent_ids"`
	Scores       [][]float64 `json:"scores"`
	StepLogProbs [][]float64 `json:"log_probs"`
}

func (t *Trace) record(predicted, parents []int, scores, logProbs []float64) {
	t.PredictedIDs = append(t.PredictedIDs, predicted)
	t.ParentIDs = append(t.ParentIDs, parents)
	t.Scores = append(t.Scores, scores)
	t.StepLogProbs = append(t.StepLogProbs, logProbs)
}
