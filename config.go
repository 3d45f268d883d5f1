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

package catseq

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antflydb/catseq/lib/model"
)

// Config is the service configuration.
type Config struct {
	// Backend selects the GoMLX engine: "go", "xla", or "" to auto-detect.
	Backend string `json:"backend"`
	// Model holds the model hyperparameters and decoding policy.
	Model model.Config `json:"model"`
}

// DefaultConfig returns the default service configuration: auto-detected
// engine and the default catSeq model.
func DefaultConfig() Config {
	return Config{
		Backend: "",
		Model:   model.DefaultConfig(),
	}
}

// LoadConfig reads a JSON config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "go", "xla":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("invalid model config: %w", err)
	}
	return nil
}
