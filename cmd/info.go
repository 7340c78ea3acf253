package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/audio"
	"github.com/audiolibrelab/audiotrans/internal/webm"
)

var infoCmd = &cobra.Command{
	Use:   "info <audio-file>",
	Short: "Show format, size and stored duration of a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("audio file not found: %s", path)
		}

		mime, known := audio.MimeTypeFromPath(path)

		fmt.Printf("=== RECORDING ===\n")
		fmt.Printf("path: %s\n", path)
		fmt.Printf("size: %s\n", formatBytes(stat.Size()))
		fmt.Printf("modified: %s\n", stat.ModTime().Format("2006-01-02 15:04:05"))
		if !known {
			fmt.Printf("format: unknown\n")
			return nil
		}
		fmt.Printf("format: %s\n", mime)

		if !mime.NeedsDurationRepair() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if d, ok := webm.ReadDuration(data); ok {
			fmt.Printf("duration: %s\n", d.Round(time.Millisecond))
		} else {
			fmt.Printf("duration: missing (run 'audiotrans repair %s --duration ...')\n", path)
		}
		return nil
	},
}
