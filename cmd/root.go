/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/valpere/pitchrefine/internal/config"
	"github.com/valpere/pitchrefine/internal/logging"
)

var version = "0.1.0"

var (
	cfgFile string
	v       = viper.New()
	appCfg  *config.Config
	logger  = logging.Discard()
)

var rootCmd = &cobra.Command{
	Use:   "pitchrefine",
	Short: "Refine spoken pitch transcripts with a local or hosted LLM",
	Long: `A CLI application that rewrites a speech-to-text pitch transcript according to
an instruction, using either a llama.cpp server it starts and stops itself or a
hosted chat-completions API.

If the model fails or answers with nothing usable, the original transcript is kept.

Use "pitchrefine refine --help" for refinement options.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, used, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		appCfg = cfg

		logger, err = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
		})
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		if used != "" {
			logger.Debug("loaded config", "path", used)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.pitchrefine.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "auto", "Log format: text, json, auto")
	rootCmd.PersistentFlags().String("db", config.DefaultDBPath(), "Database path for refinement memory and history")

	mustBind("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBind("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	mustBind("memory.db_path", rootCmd.PersistentFlags().Lookup("db"))
}
