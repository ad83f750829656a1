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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDict(t *testing.T) {
	d := NewDict([]string{"<unk>", "<blank>", "<s>", "</s>", "das", "ist", "Wahnsinn", "."})

	t.Run("Specials", func(t *testing.T) {
		assert.Equal(t, 0, d.UNK())
		assert.Equal(t, 1, d.PAD())
		assert.Equal(t, 2, d.BOS())
		assert.Equal(t, 3, d.EOS())
	})

	t.Run("Lookup", func(t *testing.T) {
		id, ok := d.TokenToID("das")
		require.True(t, ok)
		assert.Equal(t, 4, id)
		assert.Equal(t, "das", d.IDToToken(4))
	})

	t.Run("Miss", func(t *testing.T) {
		id, ok := d.TokenToID("verrückt")
		assert.False(t, ok)
		assert.Equal(t, d.UNK(), id)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		assert.Equal(t, UnknownToken, d.IDToToken(-1))
		assert.Equal(t, UnknownToken, d.IDToToken(100))
	})

	t.Run("Size", func(t *testing.T) {
		assert.Equal(t, 8, d.Size())
	})
}

func TestNewDictDefaultSpecials(t *testing.T) {
	// No special tokens listed; conventional slots apply.
	d := NewDict([]string{"a", "b", "c"})
	assert.Equal(t, 0, d.UNK())
	assert.Equal(t, 1, d.PAD())
	assert.Equal(t, 2, d.BOS())
	assert.Equal(t, 3, d.EOS())
}

func writeDict(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDict(t *testing.T) {
	t.Run("IDFirst", func(t *testing.T) {
		path := writeDict(t, t.TempDir(), "tgt.dict",
			"0 <unk>\n1 <blank>\n2 <s>\n3 </s>\n4 this\n5 is\n6 madness\n7 .\n")
		d, err := LoadDict(path)
		require.NoError(t, err)
		assert.Equal(t, 8, d.Size())

		id, ok := d.TokenToID("madness")
		require.True(t, ok)
		assert.Equal(t, 6, id)
		assert.Equal(t, 3, d.EOS())
	})

	t.Run("TokenFirst", func(t *testing.T) {
		path := writeDict(t, t.TempDir(), "tgt.dict",
			"<unk> 0\n<blank> 1\nthis 2\n")
		d, err := LoadDict(path)
		require.NoError(t, err)

		id, ok := d.TokenToID("this")
		require.True(t, ok)
		assert.Equal(t, 2, id)
	})

	t.Run("BlankLinesSkipped", func(t *testing.T) {
		path := writeDict(t, t.TempDir(), "tgt.dict", "0 <unk>\n\n1 word\n")
		d, err := LoadDict(path)
		require.NoError(t, err)
		assert.Equal(t, 2, d.Size())
	})

	t.Run("MalformedLine", func(t *testing.T) {
		path := writeDict(t, t.TempDir(), "tgt.dict", "0 <unk>\nword\n")
		_, err := LoadDict(path)
		assert.Error(t, err)
	})

	t.Run("NoNumericField", func(t *testing.T) {
		path := writeDict(t, t.TempDir(), "tgt.dict", "word another\n")
		_, err := LoadDict(path)
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		path := writeDict(t, t.TempDir(), "tgt.dict", "\n")
		_, err := LoadDict(path)
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	t.Run("DictDetected", func(t *testing.T) {
		dir := t.TempDir()
		writeDict(t, dir, "src.dict", "0 <unk>\n1 <blank>\n2 <s>\n3 </s>\n4 das\n")

		v, err := Load(dir, "src")
		require.NoError(t, err)

		id, ok := v.TokenToID("das")
		require.True(t, ok)
		assert.Equal(t, 4, id)
	})

	t.Run("SideRespected", func(t *testing.T) {
		dir := t.TempDir()
		writeDict(t, dir, "src.dict", "0 <unk>\n1 quelle\n")
		writeDict(t, dir, "tgt.dict", "0 <unk>\n1 target\n")

		src, err := Load(dir, "src")
		require.NoError(t, err)
		tgt, err := Load(dir, "tgt")
		require.NoError(t, err)

		_, ok := src.TokenToID("quelle")
		assert.True(t, ok)
		_, ok = tgt.TokenToID("quelle")
		assert.False(t, ok)
		_, ok = tgt.TokenToID("target")
		assert.True(t, ok)
	})

	t.Run("NothingFound", func(t *testing.T) {
		_, err := Load(t.TempDir(), "src")
		assert.Error(t, err)
	})
}
