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

package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineGoAlwaysAvailable(t *testing.T) {
	engine, err := NewManager().Engine("go")
	require.NoError(t, err)
	require.NotNil(t, engine)
}

func TestEngineAutoDetectIsCached(t *testing.T) {
	m := NewManager()
	first, err := m.Engine("")
	require.NoError(t, err)
	second, err := m.Engine("")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestEngineUnknownBackend(t *testing.T) {
	_, err := NewManager().Engine("no-such-engine")
	assert.Error(t, err)
}
