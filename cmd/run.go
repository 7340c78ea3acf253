package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute pipeline steps",
	Long: `Execute the pipeline given with -p, e.g. 'audiotrans run -p rte' records,
transcribes the recording and exports the transcript next to it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rte)")
		}

		svc := newService()
		defer closeService(svc)

		return runSteps(cmd.Context(), svc, []rune(strings.ToLower(pipeline)))
	},
}
