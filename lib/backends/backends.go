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

// Package backends selects and caches the GoMLX engine used for model
// execution. The pure-Go "go" (simplego) engine is always available; "xla" is
// preferred when its runtime can be loaded.
package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"

	// The simplego engine registers itself as "go" and is always available
	// (pure Go, no CGO).
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Manager creates and caches GoMLX backend engines.
type Manager struct {
	mu            sync.Mutex
	defaultEngine backends.Backend
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Engine returns the GoMLX engine for engineType ("go", "xla", ...), creating
// it if needed. With an empty engineType it auto-detects: xla first, falling
// back to go; the auto-detected engine is cached for the process.
func (m *Manager) Engine(engineType string) (backends.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if engineType != "" {
		return safeNewBackend(engineType)
	}

	if m.defaultEngine != nil {
		return m.defaultEngine, nil
	}

	engine, err := safeNewBackend("xla")
	if err != nil {
		engine, err = safeNewBackend("go")
		if err != nil {
			return nil, err
		}
	}
	m.defaultEngine = engine
	return engine, nil
}

// safeNewBackend creates a new backend, catching panics from engines that
// don't handle missing runtime dependencies gracefully (e.g. go-xla panics if
// the PJRT plugin fails to load).
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("backend %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}
