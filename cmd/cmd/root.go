// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antflydb/catseq"
)

var (
	cfgFile string
	Version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "catseq",
	Short: "Run the catSeq keyphrase-generation decoder",
	Long: `Run batched decode passes of the catSeq keyphrase-generation model
and inspect its configuration.

Examples:
  # Decode a batch of sources with teacher forcing
  catseq decode --input batch.json

  # Print the resolved configuration
  catseq describe`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. catseq.json)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop)")
	rootCmd.PersistentFlags().
		String("backend", "", "compute engine (go, xla); auto-detects when empty")

	// Bind to viper
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))

	// Default values
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.style", "terminal")
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}

// initConfig reads in ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix("CATSEQ")                           // CATSEQ_ prefix for env vars
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace . with _ in env var names
	viper.AutomaticEnv()                                   // read in environment variables that match
}

// loadConfig resolves the service config: file (if given), then CLI/env
// overrides for the backend.
func loadConfig() (catseq.Config, error) {
	cfg := catseq.DefaultConfig()
	if cfgFile != "" {
		var err error
		cfg, err = catseq.LoadConfig(cfgFile)
		if err != nil {
			return cfg, err
		}
	}
	if backend := viper.GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	return cfg, cfg.Validate()
}

// newLogger builds the zap logger from the log.level and log.style settings.
func newLogger() (*zap.Logger, error) {
	style := viper.GetString("log.style")
	if style == "noop" {
		return zap.NewNop(), nil
	}

	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var cfg zap.Config
	switch style {
	case "json":
		cfg = zap.NewProductionConfig()
	case "terminal":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log style %q", style)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
