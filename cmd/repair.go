package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/webm"
)

var repairCmd = &cobra.Command{
	Use:   "repair <file.webm>",
	Short: "Write a duration into a WebM file's header",
	Long: `Streamed WebM files carry no duration, so players cannot seek in them.
repair writes the given duration into the Segment Info of the file. The file
is rewritten in place unless --output is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		if duration <= 0 {
			return fmt.Errorf("--duration is required (e.g. --duration 1m23.5s)")
		}

		in := args[0]
		data, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", in, err)
		}

		if d, ok := webm.ReadDuration(data); ok {
			fmt.Printf("Current duration: %s\n", d)
		}

		fixed, err := webm.Repair(data, duration)
		if err != nil {
			if errors.Is(err, webm.ErrRepairSkipped) {
				return fmt.Errorf("file left unchanged: %w", err)
			}
			return err
		}

		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = in
		}
		if err := os.WriteFile(out, fixed, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}

		fmt.Printf("Wrote %s with duration %s\n", out, duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	repairCmd.Flags().Duration("duration", 0, "duration to write (e.g. 90s, 1m23.5s)")
	repairCmd.Flags().StringP("output", "o", "", "write to this file instead of in place")
}
