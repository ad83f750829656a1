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

package weaver

import (
	"github.com/antflydb/weaver/pkg/weaver/lib/translate"
)

// TranslatorRegistryInterface defines the interface for translation model registries.
// This enables testing with mock implementations.
type TranslatorRegistryInterface interface {
	// Get returns a translator by model name
	Get(modelName string) (*translate.Translator, error)
	// List returns all available model names
	List() []string
	// Close shuts down the registry and releases resources
	Close() error
}

// Ensure concrete types implement the interfaces
var _ TranslatorRegistryInterface = (*TranslatorRegistry)(nil)
