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

//go:build onnx && ORT && darwin

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxDarwinBackend{})
}

// onnxDarwinBackend implements Backend using ONNX Runtime on macOS.
// Sessions run on the CPU provider: the CoreML execution provider cannot
// load models with external weight files and rejects dynamic batch sizes,
// so it is not enabled.
//
// Requires libonnxruntime.dylib at runtime, found via
// ONNXRUNTIME_SHARED_LIBRARY_PATH, ONNXRUNTIME_ROOT, or DYLD_LIBRARY_PATH.
type onnxDarwinBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxDarwinBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxDarwinBackend) Name() string {
	return "ONNX Runtime"
}

func (b *onnxDarwinBackend) Available() bool {
	b.initOnce.Do(b.initialize)
	return b.initErr == nil
}

func (b *onnxDarwinBackend) Priority() int {
	// Highest priority when available
	return 10
}

func (b *onnxDarwinBackend) SessionFactory() SessionFactory {
	return &onnxDarwinSessionFactory{backend: b}
}

func (b *onnxDarwinBackend) initialize() {
	if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
		ort.SetSharedLibraryPath(path)
	} else if dir := darwinLibraryDir(); dir != "" {
		ort.SetSharedLibraryPath(filepath.Join(dir, "libonnxruntime.dylib"))
	}
	b.initErr = ort.InitializeEnvironment()
}

// darwinLibraryDir returns the directory containing libonnxruntime.dylib.
// Checks ONNXRUNTIME_ROOT first, then DYLD_LIBRARY_PATH, then Homebrew.
func darwinLibraryDir() string {
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{
			filepath.Join(root, "darwin-arm64", "lib"),
			filepath.Join(root, "lib"),
		} {
			if _, err := os.Stat(filepath.Join(dir, "libonnxruntime.dylib")); err == nil {
				return dir
			}
		}
	}
	for _, dir := range []string{
		os.Getenv("DYLD_LIBRARY_PATH"),
		"/opt/homebrew/opt/onnxruntime/lib",
	} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "libonnxruntime.dylib")); err == nil {
			return dir
		}
	}
	return ""
}

// onnxDarwinSessionFactory implements SessionFactory for ONNX Runtime on macOS.
type onnxDarwinSessionFactory struct {
	backend *onnxDarwinBackend
}

func (f *onnxDarwinSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	f.backend.initOnce.Do(f.backend.initialize)
	if f.backend.initErr != nil {
		return nil, fmt.Errorf("ONNX Runtime not available: %w", f.backend.initErr)
	}
	return newOrtSession(modelPath, ApplySessionOptions(opts...), false)
}

func (f *onnxDarwinSessionFactory) Backend() BackendType {
	return BackendONNX
}
