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
	"errors"
	"fmt"

	"github.com/antflydb/weaver/pkg/weaver/lib/search"
)

// ErrVocabMiss marks a forced-partial token absent from the target
// vocabulary.
var ErrVocabMiss = errors.New("token not in target vocabulary")

// ErrorKind classifies a sequence failure without free-text parsing.
type ErrorKind string

const (
	// ErrorKindConfig is an invalid option or malformed directive,
	// detected before any decode step.
	ErrorKindConfig ErrorKind = "config"
	// ErrorKindDecode is an adapter failure during encode or decode.
	ErrorKindDecode ErrorKind = "decode"
	// ErrorKindVocab is a forced-partial token the target vocabulary
	// cannot resolve.
	ErrorKindVocab ErrorKind = "vocab"
)

// SequenceError is the failure marker of one sequence in a batch.
type SequenceError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	cause error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SequenceError) Unwrap() error { return e.cause }

func sequenceError(kind ErrorKind, err error) *SequenceError {
	return &SequenceError{Kind: kind, Message: err.Error(), cause: err}
}

// classify buckets an error from the decode pipeline into its kind.
func classify(err error) *SequenceError {
	switch {
	case errors.Is(err, ErrVocabMiss):
		return sequenceError(ErrorKindVocab, err)
	case errors.Is(err, search.ErrInvalidConfig):
		return sequenceError(ErrorKindConfig, err)
	default:
		return sequenceError(ErrorKindDecode, err)
	}
}
