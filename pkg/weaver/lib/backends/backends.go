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

// Package backends provides the inference-session layer under weaver's
// translation models. A backend wraps one execution engine (ONNX Runtime,
// GoMLX) and hands out Sessions through a SessionFactory; the registry
// selects the best engine compiled into the binary at runtime.
package backends

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// BackendType identifies an inference engine.
type BackendType string

const (
	// BackendONNX is ONNX Runtime (requires the onnx and ORT build tags).
	BackendONNX BackendType = "onnx"
	// BackendGoMLX executes ONNX graphs in pure Go via GoMLX.
	BackendGoMLX BackendType = "gomlx"
)

// Backend describes one inference engine.
type Backend interface {
	// Type returns the backend identifier.
	Type() BackendType

	// Name returns a human-readable name for logs.
	Name() string

	// Available reports whether the backend can run in this process.
	Available() bool

	// Priority orders backend selection; lower wins.
	Priority() int

	// SessionFactory returns the factory for creating raw sessions.
	SessionFactory() SessionFactory
}

var (
	backendsMu sync.RWMutex
	registry   = make(map[BackendType]Backend)
)

// RegisterBackend makes a backend selectable. Backends call this from init().
func RegisterBackend(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns a registered backend by type.
func GetBackend(t BackendType) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListBackends returns all registered backends ordered by priority.
func ListBackends() []Backend {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	list := make([]Backend, 0, len(registry))
	for _, b := range registry {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Priority() < list[j].Priority()
	})
	return list
}

// BestBackend returns the highest-priority available backend.
func BestBackend() (Backend, error) {
	for _, b := range ListBackends() {
		if b.Available() {
			return b, nil
		}
	}
	return nil, errors.New("no inference backend available")
}

// GPUMode controls GPU acceleration for a session.
type GPUMode string

const (
	// GPUModeAuto enables the GPU when one is detectable.
	GPUModeAuto GPUMode = "auto"
	// GPUModeCuda forces the CUDA execution provider.
	GPUModeCuda GPUMode = "cuda"
	// GPUModeCPU forces CPU execution.
	GPUModeCPU GPUMode = "cpu"
)

// ShouldUseGPU reports whether GPU execution should be attempted for mode.
// In auto mode the decision follows CUDA_VISIBLE_DEVICES.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeCuda:
		return true
	case GPUModeCPU:
		return false
	default:
		devices := os.Getenv("CUDA_VISIBLE_DEVICES")
		return devices != "" && devices != "-1"
	}
}

// SessionManager owns sessions created through it so a model registry can
// release every native resource with a single Close.
type SessionManager struct {
	mu       sync.Mutex
	sessions []Session
	closed   bool
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// CreateSession creates a session on the best available backend and tracks
// it for Close.
func (m *SessionManager) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	backend, err := BestBackend()
	if err != nil {
		return nil, err
	}
	return m.CreateSessionOn(backend.Type(), modelPath, opts...)
}

// CreateSessionOn creates a session on a specific backend and tracks it.
func (m *SessionManager) CreateSessionOn(t BackendType, modelPath string, opts ...SessionOption) (Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, errors.New("session manager is closed")
	}

	backend, ok := GetBackend(t)
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", t)
	}
	if !backend.Available() {
		return nil, fmt.Errorf("backend %q is not available", t)
	}

	session, err := backend.SessionFactory().CreateSession(modelPath, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = session.Close()
		return nil, errors.New("session manager is closed")
	}
	m.sessions = append(m.sessions, session)
	return session, nil
}

// Close closes every tracked session.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	var errs []error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.sessions = nil
	return errors.Join(errs...)
}
