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

// Package vocab maps tokens to ids and back for translation models. A
// model directory carries either classic word-level dictionary dumps
// (src.dict / tgt.dict) or a subword tokenizer (tokenizer.json,
// tokenizer.model); Load auto-detects the format.
package vocab

// Default special-token surface forms.
const (
	UnknownToken = "<unk>"
	PadToken     = "<blank>"
	BOSToken     = "<s>"
	EOSToken     = "</s>"
)

// Conventional special ids used when a dictionary does not list the token.
const (
	defaultUNK = 0
	defaultPAD = 1
	defaultBOS = 2
	defaultEOS = 3
)

// Vocab resolves tokens to ids and back.
type Vocab interface {
	// TokenToID returns the id for token. ok is false when the token is
	// not in the vocabulary; the UNK id is returned in that case.
	TokenToID(token string) (id int, ok bool)

	// IDToToken returns the surface form for id, or the unknown token
	// for out-of-range ids.
	IDToToken(id int) string

	// Size returns the vocabulary size, or 0 when unknown.
	Size() int

	BOS() int
	EOS() int
	PAD() int
	UNK() int
}

// Dict is a word-level vocabulary backed by token and id tables.
type Dict struct {
	itos []string
	stoi map[string]int

	bos, eos, pad, unk int
}

var _ Vocab = (*Dict)(nil)

// NewDict builds a Dict assigning ids by position. Special ids are
// resolved from the token list, falling back to the conventional slots
// when a special token is absent.
func NewDict(tokens []string) *Dict {
	d := &Dict{
		itos: tokens,
		stoi: make(map[string]int, len(tokens)),
	}
	for id, tok := range tokens {
		if _, seen := d.stoi[tok]; !seen {
			d.stoi[tok] = id
		}
	}
	d.unk = d.lookupSpecial(UnknownToken, defaultUNK)
	d.pad = d.lookupSpecial(PadToken, defaultPAD)
	d.bos = d.lookupSpecial(BOSToken, defaultBOS)
	d.eos = d.lookupSpecial(EOSToken, defaultEOS)
	return d
}

func (d *Dict) lookupSpecial(token string, fallback int) int {
	if id, ok := d.stoi[token]; ok {
		return id
	}
	return fallback
}

func (d *Dict) TokenToID(token string) (int, bool) {
	if id, ok := d.stoi[token]; ok {
		return id, true
	}
	return d.unk, false
}

func (d *Dict) IDToToken(id int) string {
	if id < 0 || id >= len(d.itos) || d.itos[id] == "" {
		return UnknownToken
	}
	return d.itos[id]
}

func (d *Dict) Size() int { return len(d.itos) }

func (d *Dict) BOS() int { return d.bos }

func (d *Dict) EOS() int { return d.eos }

func (d *Dict) PAD() int { return d.pad }

func (d *Dict) UNK() int { return d.unk }
