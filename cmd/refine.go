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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valpere/pitchrefine/internal/orchestrator"
	"github.com/valpere/pitchrefine/internal/session"
	"github.com/valpere/pitchrefine/internal/supervisor"
	"github.com/valpere/pitchrefine/internal/validator"
)

var (
	inputFile   string
	outputFile  string
	instruction string
	preset      int
	interactive bool
)

var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Refine a pitch transcript",
	Long: `Read a speech-to-text result (results.channels[0].alternatives[0].transcript),
rewrite the transcript according to an instruction and print or save the result.

Backends:
  - local    llama.cpp server started for this run (requires --model-path)
  - remote   hosted chat-completions API (requires --api-key or OPENAI_API_KEY)

Without --instruction or --preset an interactive menu is shown. With
--interactive the menu is shown again after every result, and all
instructions run against one backend session until 0 is chosen.

Accepted refinements are remembered in the database (--db). Running the same
transcript and instruction against the same backend and model again returns
the remembered text without contacting the backend. Use --no-cache to always
send a request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == "" {
			return fmt.Errorf("input file is required (-i)")
		}
		if outputFile != "" && inputFile == outputFile {
			return fmt.Errorf("input file and output file cannot be the same")
		}

		data, err := readInput(inputFile)
		if err != nil {
			return err
		}

		inst, err := resolveInstruction()
		if err != nil {
			return err
		}

		bcfg, err := appCfg.BackendConfig()
		if err != nil {
			return err
		}

		opts := []orchestrator.Option{
			orchestrator.WithLogger(logger),
			orchestrator.WithStrict(appCfg.Refine.Strict),
			orchestrator.WithMaxTokens(appCfg.Request.MaxTokens),
			orchestrator.WithTemperature(appCfg.Request.Temperature),
			orchestrator.WithSessionOptions(
				session.WithLogger(logger),
				session.WithSupervisorOptions(
					supervisor.WithMaxAttempts(appCfg.Local.MaxAttempts),
					supervisor.WithBaseDelay(appCfg.Local.BaseDelay),
					supervisor.WithGracePeriod(appCfg.Local.GracePeriod),
				),
			),
		}

		if interactive && inst != "" {
			return fmt.Errorf("--interactive cannot be combined with --instruction or --preset")
		}
		if inst == "" {
			if inputFile == "-" || !isTerminal(os.Stdin) {
				return fmt.Errorf("no instruction given: use --instruction or --preset when stdin is not a terminal")
			}
			opts = append(opts, orchestrator.WithSelector(orchestrator.NewMenuSelector(os.Stdin, os.Stderr)))
		}

		if appCfg.Refine.VerifyLanguage {
			fmt.Fprintf(os.Stderr, "Loading language models...\n")
			opts = append(opts, orchestrator.WithValidator(validator.New()))
		}

		if !appCfg.Memory.Disabled {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			opts = append(opts, orchestrator.WithMemory(db))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		orch := orchestrator.New(bcfg, opts...)
		if interactive {
			return refineInteractive(ctx, orch, data)
		}

		outcome, err := orch.Refine(ctx, data, inst)
		if errors.Is(err, orchestrator.ErrAborted) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Original Transcript:\n%s\n\n", outcome.Original)
		reportOutcome(outcome)
		return writeOutput(outputFile, outcome.Text)
	},
}

// refineInteractive keeps one backend session open while the user tries
// instructions from the menu, until they choose 0.
func refineInteractive(ctx context.Context, orch *orchestrator.Orchestrator, data []byte) error {
	source, err := orchestrator.ExtractTranscript(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Original Transcript:\n%s\n", source)

	err = orch.RefineEach(ctx, data, func(outcome *orchestrator.Outcome) error {
		fmt.Fprintln(os.Stderr)
		reportOutcome(outcome)
		fmt.Fprintln(os.Stderr, "Modified Text:")
		return writeOutput(outputFile, outcome.Text)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Exiting.")
	return nil
}

func reportOutcome(outcome *orchestrator.Outcome) {
	switch {
	case outcome.FromMemory:
		fmt.Fprintf(os.Stderr, "Using remembered refinement\n")
	case !outcome.Refined:
		fmt.Fprintf(os.Stderr, "Refinement failed (%v), keeping the original transcript\n", outcome.FallbackReason)
	}
}

func resolveInstruction() (string, error) {
	if instruction != "" && preset != 0 {
		return "", fmt.Errorf("--instruction and --preset are mutually exclusive")
	}
	if preset != 0 {
		return orchestrator.Preset(preset)
	}
	return instruction, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return data, nil
}

func writeOutput(path, text string) error {
	if path == "" {
		fmt.Println(text)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Saved to %s\n", path)
	return nil
}

func init() {
	rootCmd.AddCommand(refineCmd)

	f := refineCmd.Flags()
	f.StringVarP(&inputFile, "input", "i", "", "Transcript JSON file, or - for stdin (required)")
	f.StringVarP(&outputFile, "output", "o", "", "Output file for the refined pitch (default stdout)")
	f.StringVar(&instruction, "instruction", "", "Refinement instruction")
	f.IntVar(&preset, "preset", 0, "Built-in instruction number (see 'pitchrefine instructions')")
	f.BoolVar(&interactive, "interactive", false, "Keep the backend running and refine with several instructions")

	f.String("backend", "local", "Backend: local or remote")
	f.String("model-path", "", "Path to the GGUF model (local)")
	f.String("server-bin", "llama-server", "llama-server executable (local)")
	f.String("host", "127.0.0.1", "Host for the llama.cpp server (local)")
	f.Int("port", 8080, "Port for the llama.cpp server (local)")
	f.String("api-key", "", "API key (remote, default $OPENAI_API_KEY)")
	f.String("endpoint", "https://api.openai.com/v1/chat/completions", "Chat-completions URL (remote)")
	f.String("model", "gpt-3.5-turbo", "Model name (remote)")
	f.Int("max-tokens", 150, "Maximum tokens to generate")
	f.Float64("temperature", 0.7, "Sampling temperature (0-2)")
	f.Duration("timeout", 0, "Per-request timeout (default 30s)")
	f.Bool("strict", false, "Fail instead of keeping the original transcript when the request fails")
	f.Bool("no-cache", false, "Disable refinement memory and history")
	f.Bool("verify-language", false, "Keep the original when the refinement changes language")

	mustBind("backend", f.Lookup("backend"))
	mustBind("local.model_path", f.Lookup("model-path"))
	mustBind("local.executable", f.Lookup("server-bin"))
	mustBind("local.host", f.Lookup("host"))
	mustBind("local.port", f.Lookup("port"))
	mustBind("remote.api_key", f.Lookup("api-key"))
	mustBind("remote.endpoint", f.Lookup("endpoint"))
	mustBind("remote.model", f.Lookup("model"))
	mustBind("request.max_tokens", f.Lookup("max-tokens"))
	mustBind("request.temperature", f.Lookup("temperature"))
	mustBind("request.timeout", f.Lookup("timeout"))
	mustBind("refine.strict", f.Lookup("strict"))
	mustBind("refine.verify_language", f.Lookup("verify-language"))
	mustBind("memory.disabled", f.Lookup("no-cache"))
}
