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

import "math"

// coverageFloor keeps log(coverage) finite for positions never attended.
const coverageFloor = 1e-20

// GNMTScorer ranks hypotheses with the Google NMT length and coverage
// penalties (Wu et al. 2016, section 7). Alpha=0 and Beta=0 reduce the
// global score to the raw cumulative log-probability.
type GNMTScorer struct {
	// Alpha is the length normalization strength.
	Alpha float64
	// Beta is the coverage penalty strength.
	Beta float64
}

// LengthPenalty is ((5+length)/6)^alpha. length counts BOS plus every
// emitted token.
func (s GNMTScorer) LengthPenalty(length int) float64 {
	if s.Alpha == 0 {
		return 1
	}
	return math.Pow((5+float64(length))/6, s.Alpha)
}

// CoveragePenalty is -sum_j log(min(1, coverage_j)): non-negative, zero
// when every source position has accumulated at least full attention.
func (s GNMTScorer) CoveragePenalty(coverage []float32) float64 {
	var penalty float64
	for _, c := range coverage {
		v := float64(c)
		if v > 1 {
			v = 1
		}
		if v < coverageFloor {
			v = coverageFloor
		}
		penalty -= math.Log(v)
	}
	return penalty
}

// Score is the global hypothesis score: the cumulative log-probability
// normalized by the length penalty, minus the weighted coverage penalty.
func (s GNMTScorer) Score(logProb float64, length int, coverage []float32) float64 {
	score := logProb / s.LengthPenalty(length)
	if s.Beta != 0 {
		score -= s.Beta * s.CoveragePenalty(coverage)
	}
	return score
}
