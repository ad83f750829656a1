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

package vocab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// Load opens the vocabulary for one side ("src" or "tgt") of a model
// directory. It auto-detects the format:
//   - <side>.dict: classic dictionary dump, one id/token pair per line
//   - tokenizer.json: HuggingFace Tokenizers format (shared by both sides)
//   - tokenizer.model: SentencePiece format (shared by both sides)
func Load(dir, side string) (Vocab, error) {
	dictPath := filepath.Join(dir, side+".dict")
	if _, err := os.Stat(dictPath); err == nil {
		return LoadDict(dictPath)
	}

	tokenizerJSONPath := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(tokenizerJSONPath); err == nil {
		var config *api.Config
		configPath := filepath.Join(dir, "tokenizer_config.json")
		if _, err := os.Stat(configPath); err == nil {
			config, err = api.ParseConfigFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("parsing tokenizer config: %w", err)
			}
		}
		tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return NewTokenizerVocab(tok), nil
	}

	spModelPath := filepath.Join(dir, "tokenizer.model")
	if _, err := os.Stat(spModelPath); err == nil {
		proc, err := esentencepiece.NewProcessorFromPath(spModelPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.model: %w", err)
		}
		return NewTokenizerVocab(&sentencepieceTokenizer{
			proc: proc,
			info: proc.ModelInfo(),
		}), nil
	}

	return nil, fmt.Errorf("no vocabulary for side %q in %s (expected %s.dict, tokenizer.json or tokenizer.model)", side, dir, side)
}

// LoadDict parses a dictionary dump: one pair per line, either
// "<id> <token>" or "<token> <id>", blank lines skipped.
func LoadDict(path string) (*Dict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dictionary: %w", err)
	}
	defer f.Close()

	var itos []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: want two fields, got %d", path, lineNo, len(fields))
		}
		var id int
		var token string
		if n, err := strconv.Atoi(fields[0]); err == nil {
			id, token = n, fields[1]
		} else if n, err := strconv.Atoi(fields[1]); err == nil {
			id, token = n, fields[0]
		} else {
			return nil, fmt.Errorf("%s:%d: no numeric id in %q", path, lineNo, line)
		}
		if id < 0 {
			return nil, fmt.Errorf("%s:%d: negative id %d", path, lineNo, id)
		}
		for len(itos) <= id {
			itos = append(itos, "")
		}
		itos[id] = token
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	if len(itos) == 0 {
		return nil, fmt.Errorf("%s: empty dictionary", path)
	}
	return NewDict(itos), nil
}

// TokenizerVocab adapts a subword tokenizer to the Vocab interface.
// A token resolves only when the tokenizer encodes it to exactly one id;
// multi-piece or empty encodings report a miss.
type TokenizerVocab struct {
	tok tokenizers.Tokenizer

	bos, eos, pad, unk int
}

var _ Vocab = (*TokenizerVocab)(nil)

// NewTokenizerVocab wraps a tokenizer, resolving special ids through
// SpecialTokenID with conventional fallbacks when the model omits one.
func NewTokenizerVocab(tok tokenizers.Tokenizer) *TokenizerVocab {
	v := &TokenizerVocab{tok: tok}
	v.unk = specialOr(tok, api.TokUnknown, defaultUNK)
	v.pad = specialOr(tok, api.TokPad, defaultPAD)
	v.bos = specialOr(tok, api.TokBeginningOfSentence, defaultBOS)
	v.eos = specialOr(tok, api.TokEndOfSentence, defaultEOS)
	return v
}

func specialOr(tok tokenizers.Tokenizer, st api.SpecialToken, fallback int) int {
	id, err := tok.SpecialTokenID(st)
	if err != nil || id < 0 {
		return fallback
	}
	return id
}

func (v *TokenizerVocab) TokenToID(token string) (int, bool) {
	ids := v.tok.Encode(token)
	if len(ids) != 1 {
		return v.unk, false
	}
	if ids[0] == v.unk && token != UnknownToken {
		return v.unk, false
	}
	return ids[0], true
}

func (v *TokenizerVocab) IDToToken(id int) string {
	if id < 0 {
		return UnknownToken
	}
	return v.tok.Decode([]int{id})
}

// Size is unknown for tokenizer-backed vocabularies.
func (v *TokenizerVocab) Size() int { return 0 }

func (v *TokenizerVocab) BOS() int { return v.bos }

func (v *TokenizerVocab) EOS() int { return v.eos }

func (v *TokenizerVocab) PAD() int { return v.pad }

func (v *TokenizerVocab) UNK() int { return v.unk }

// sentencepieceTokenizer adapts esentencepiece.Processor to the
// tokenizers.Tokenizer interface.
type sentencepieceTokenizer struct {
	proc *esentencepiece.Processor
	info *esentencepiece.ModelInfo
}

var _ tokenizers.Tokenizer = (*sentencepieceTokenizer)(nil)

func (t *sentencepieceTokenizer) Encode(text string) []int {
	tokens := t.proc.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

func (t *sentencepieceTokenizer) Decode(ids []int) string {
	return t.proc.Decode(ids)
}

func (t *sentencepieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.info.UnknownID, nil
	case api.TokPad:
		return t.info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}
