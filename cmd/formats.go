package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/audiotrans/internal/audio"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List recording formats in preference order and which one will be used",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := audio.NewBackend(cfg)
		prober := backend.NewProber()
		prefs := audio.ParseFormats(cfg.Recorder.Formats)
		selected, ok := audio.SelectFormat(prober, prefs)

		fmt.Printf("Recording formats (%s backend):\n", backend.GetType())
		for i, mime := range prefs {
			mark := " "
			if ok && mime == selected {
				mark = "*"
			}
			state := "unsupported"
			if prober.IsTypeSupported(mime) {
				state = "supported"
			}
			fmt.Printf(" %s %d. %-12s .%-4s %s\n", mark, i+1, mime, mime.Extension(), state)
		}

		if !ok {
			return audio.ErrUnsupportedFormat
		}
		return nil
	},
}
