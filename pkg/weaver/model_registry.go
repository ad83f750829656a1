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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/antflydb/weaver/pkg/weaver/lib/backends"
	"github.com/antflydb/weaver/pkg/weaver/lib/model"
	"github.com/antflydb/weaver/pkg/weaver/lib/translate"
	"github.com/antflydb/weaver/pkg/weaver/lib/vocab"
)

// TranslatorRegistry manages translation models loaded from a directory
type TranslatorRegistry struct {
	models   map[string]*translate.Translator
	sessions *backends.SessionManager
	sessOpts []backends.SessionOption
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewTranslatorRegistry creates a registry and discovers models in the given directory
// Directory structure: modelsDir/model_name/ holding either a table_model.json or a
// config.json with exported encoder/decoder graphs, plus the model's vocabularies
// Session options apply to every inference session the registry opens
func NewTranslatorRegistry(modelsDir string, opts translate.Options, logger *zap.Logger, sessOpts ...backends.SessionOption) (*TranslatorRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := &TranslatorRegistry{
		models:   make(map[string]*translate.Translator),
		sessions: backends.NewSessionManager(),
		sessOpts: sessOpts,
		logger:   logger,
	}

	if modelsDir == "" {
		logger.Info("No models directory configured")
		return registry, nil
	}

	// Check if directory exists
	if _, err := os.Stat(modelsDir); os.IsNotExist(err) {
		logger.Warn("Models directory does not exist",
			zap.String("dir", modelsDir))
		return registry, nil
	}

	// Scan directory for model subdirectories
	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		modelName := entry.Name()
		modelPath := filepath.Join(modelsDir, modelName)

		kind, err := model.Detect(modelPath)
		if err != nil {
			logger.Debug("Skipping directory without model files",
				zap.String("dir", modelName))
			continue
		}

		logger.Info("Discovered translation model directory",
			zap.String("name", modelName),
			zap.String("path", modelPath),
			zap.String("kind", string(kind)))

		translator, err := registry.load(modelPath, kind, opts)
		if err != nil {
			logger.Warn("Failed to load translation model",
				zap.String("name", modelName),
				zap.Error(err))
			continue
		}

		registry.models[modelName] = translator
		logger.Info("Successfully loaded translation model",
			zap.String("name", modelName),
			zap.String("kind", string(kind)))
	}

	logger.Info("Translator registry initialized",
		zap.Int("models_loaded", len(registry.models)))

	return registry, nil
}

// load builds the adapter and both vocabularies for one model directory
func (r *TranslatorRegistry) load(modelPath string, kind model.Kind, opts translate.Options) (*translate.Translator, error) {
	srcVocab, err := vocab.Load(modelPath, "src")
	if err != nil {
		return nil, fmt.Errorf("loading source vocabulary: %w", err)
	}
	tgtVocab, err := vocab.Load(modelPath, "tgt")
	if err != nil {
		return nil, fmt.Errorf("loading target vocabulary: %w", err)
	}

	var m model.Model
	switch kind {
	case model.KindTable:
		m, err = model.LoadTableModel(modelPath)
	case model.KindONNX:
		m, err = model.LoadONNXModel(r.sessions, modelPath, r.sessOpts...)
	default:
		err = fmt.Errorf("unsupported model kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	translator, err := translate.New(m, srcVocab, tgtVocab, opts, r.logger.Named(filepath.Base(modelPath)))
	if err != nil {
		return nil, errors.Join(err, m.Close())
	}
	return translator, nil
}

// Get returns a translator by model name
func (r *TranslatorRegistry) Get(modelName string) (*translate.Translator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	translator, ok := r.models[modelName]
	if !ok {
		return nil, fmt.Errorf("translation model not found: %s", modelName)
	}
	return translator, nil
}

// List returns all available model names
func (r *TranslatorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}

// Close closes all loaded models and the shared session manager
func (r *TranslatorRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, translator := range r.models {
		if err := translator.Close(); err != nil {
			r.logger.Warn("Error closing translation model",
				zap.String("name", name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	if err := r.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	return errors.Join(errs...)
}
