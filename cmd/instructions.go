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
	"os"

	"github.com/spf13/cobra"

	"github.com/valpere/pitchrefine/internal/orchestrator"
)

var instructionsCmd = &cobra.Command{
	Use:   "instructions",
	Short: "List the built-in refinement instructions",
	Long: `List the built-in refinement instructions. Pass the number to
"pitchrefine refine --preset N" to use one without the interactive menu.`,
	Run: func(cmd *cobra.Command, args []string) {
		orchestrator.WriteMenu(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(instructionsCmd)
}
