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

package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModelFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadConfig(t *testing.T) {
	t.Run("DefaultsApplied", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFile(t, dir, "config.json", `{
			"model_type": "onnx",
			"vocab_size": 32000,
			"hidden_size": 512,
			"decoder": {"outputs": ["logits", "cross_attention"]},
			"attention_output": "cross_attention"
		}`)

		cfg, err := LoadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, "encoder_model.onnx", cfg.Encoder.File)
		assert.Equal(t, "decoder_model.onnx", cfg.Decoder.File)
		assert.Equal(t, 32000, cfg.VocabSize)
		require.NoError(t, cfg.validate())
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadConfig(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("BadJSON", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFile(t, dir, "config.json", "{")
		_, err := LoadConfig(dir)
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			VocabSize:       100,
			Decoder:         SessionConfig{Outputs: []string{"logits", "attn", "hidden"}},
			AttentionOutput: "attn",
		}
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, base().validate())
	})

	t.Run("VocabRequired", func(t *testing.T) {
		cfg := base()
		cfg.VocabSize = 0
		assert.Error(t, cfg.validate())
	})

	t.Run("AttentionRequired", func(t *testing.T) {
		cfg := base()
		cfg.AttentionOutput = ""
		assert.Error(t, cfg.validate())
	})

	t.Run("AttentionMustBeListed", func(t *testing.T) {
		cfg := base()
		cfg.AttentionOutput = "missing"
		assert.Error(t, cfg.validate())
	})

	t.Run("HiddenMustBeListed", func(t *testing.T) {
		cfg := base()
		cfg.HiddenOutput = "missing"
		assert.Error(t, cfg.validate())

		cfg.HiddenOutput = "hidden"
		assert.NoError(t, cfg.validate())
	})
}

func TestDetect(t *testing.T) {
	t.Run("Table", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFile(t, dir, "table_model.json", `{"vocab_size": 8}`)

		kind, err := Detect(dir)
		require.NoError(t, err)
		assert.Equal(t, KindTable, kind)
	})

	t.Run("ONNX", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFile(t, dir, "config.json", `{"model_type": "onnx"}`)

		kind, err := Detect(dir)
		require.NoError(t, err)
		assert.Equal(t, KindONNX, kind)
	})

	t.Run("TableWins", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFile(t, dir, "table_model.json", `{"vocab_size": 8}`)
		writeModelFile(t, dir, "config.json", `{"model_type": "onnx"}`)

		kind, err := Detect(dir)
		require.NoError(t, err)
		assert.Equal(t, KindTable, kind)
	})

	t.Run("Nothing", func(t *testing.T) {
		_, err := Detect(t.TempDir())
		assert.Error(t, err)
	})
}
